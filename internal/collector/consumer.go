// Package collector implements the per-market stream-consumer state
// machine shared by the candle collector (C6) and the funding/open-interest
// collector (C7). Collectors differ only in payload type, decoder, and
// sink — modelled here as one generic consumer rather than by inheritance
// (spec §9 design note).
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kirby/internal/kirbyerr"
	"kirby/internal/model"
	"kirby/libs/observability"
	"kirby/libs/resilience"
)

// State is one of the collector lifecycle states (spec §4.6).
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateSubscribing State = "subscribing"
	StateLive        State = "live"
	StateBackoff     State = "backoff"
	StateStopped     State = "stopped"
)

// Stream abstracts a vendor transport carrying one market's raw frames.
// Implementations wrap a specific exchange's websocket client.
type Stream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Consumer drives the Idle -> Connecting -> Subscribing -> Live -> Backoff
// state machine for a generic payload type T.
type Consumer[T any] struct {
	ID     string
	Market model.Market

	stream Stream
	decode func(raw []byte, market model.Market) (T, error)
	sink   func(ctx context.Context, v T) error
	timeOf func(v T) int64 // optional; enables out-of-order correction logging

	connectTimeout time.Duration
	idleTimeout    time.Duration
	backoff        resilience.Backoff

	mu       sync.RWMutex
	state    State
	attempt  int
	haveLast bool
	lastTime int64
}

// NewConsumer constructs a Consumer. timeOf may be nil when the payload has
// no natural per-market ordering to track (e.g. a split context tuple).
func NewConsumer[T any](
	id string,
	market model.Market,
	stream Stream,
	decode func(raw []byte, market model.Market) (T, error),
	sink func(ctx context.Context, v T) error,
	connectTimeout, idleTimeout time.Duration,
	backoff resilience.Backoff,
	timeOf func(v T) int64,
) *Consumer[T] {
	return &Consumer[T]{
		ID:             id,
		Market:         market,
		stream:         stream,
		decode:         decode,
		sink:           sink,
		timeOf:         timeOf,
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
		backoff:        backoff,
		state:          StateIdle,
	}
}

// State returns the consumer's current state.
func (c *Consumer[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Consumer[T]) setState(ctx context.Context, s State) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.mu.Unlock()
	if from == s {
		return
	}
	ctx = observability.WithRunInfo(ctx, observability.RunInfo{CollectorID: c.ID, Market: c.Market.Display})
	observability.LogCollectorTransition(ctx, string(from), string(s), nil)
	observability.RecordCollectorTransition(ctx, c.Market.Display, string(from), string(s))
}

// Run drives the state machine until ctx is cancelled or the stream is
// stopped. It returns nil on clean shutdown.
func (c *Consumer[T]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(ctx, StateStopped)
			return nil
		default:
		}

		switch c.State() {
		case StateIdle:
			c.setState(ctx, StateConnecting)

		case StateConnecting:
			connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
			err := c.stream.Connect(connectCtx)
			cancel()
			if err != nil {
				c.enterBackoff(ctx, err)
				continue
			}
			c.setState(ctx, StateSubscribing)

		case StateSubscribing:
			subCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
			err := c.stream.Subscribe(subCtx)
			cancel()
			if err != nil {
				c.enterBackoff(ctx, err)
				continue
			}
			c.mu.Lock()
			c.attempt = 0
			c.mu.Unlock()
			c.setState(ctx, StateLive)

		case StateLive:
			err := c.runLive(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				c.setState(ctx, StateStopped)
				return nil
			}
			c.enterBackoff(ctx, err)

		case StateBackoff:
			c.mu.RLock()
			attempt := c.attempt
			c.mu.RUnlock()
			delay := c.backoff.Delay(attempt)
			c.mu.Lock()
			c.attempt++
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				c.setState(ctx, StateStopped)
				return nil
			case <-time.After(delay):
				c.setState(ctx, StateConnecting)
			}

		case StateStopped:
			return nil
		}
	}
}

func (c *Consumer[T]) enterBackoff(ctx context.Context, err error) {
	observability.LogEvent(ctx, "warn", "collector_stream_error", map[string]any{
		"market": c.Market.Display,
		"error":  err.Error(),
	})
	_ = c.stream.Close()
	c.setState(ctx, StateBackoff)
}

// runLive reads frames until the stream errors, the idle timeout fires, or
// ctx is cancelled. A blocking sink (persistence back-pressure) blocks this
// read loop too — the collector never drops a row it has already decoded
// (spec §4.6).
func (c *Consumer[T]) runLive(ctx context.Context) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, c.idleTimeout)
		raw, err := c.stream.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", kirbyerr.ErrStreamError, err)
		}

		value, err := c.decode(raw, c.Market)
		if err != nil {
			if errors.Is(err, kirbyerr.ErrMalformedPayload) {
				observability.LogEvent(ctx, "warn", "malformed_payload", map[string]any{
					"market": c.Market.Display,
					"error":  err.Error(),
				})
				continue
			}
			return err
		}

		if c.timeOf != nil {
			t := c.timeOf(value)
			c.mu.Lock()
			if c.haveLast && t < c.lastTime {
				c.mu.Unlock()
				observability.LogEvent(ctx, "warn", "out_of_order_correction", map[string]any{
					"market":   c.Market.Display,
					"time":     t,
					"previous": c.lastTime,
				})
			} else {
				c.lastTime = t
				c.haveLast = true
				c.mu.Unlock()
			}
		}

		if err := c.sink(ctx, value); err != nil {
			return err
		}
	}
}
