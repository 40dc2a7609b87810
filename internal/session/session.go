// Package session implements one subscription session per client
// connection: inbound frame handling, the back-pressured outbound queue,
// heartbeat, and graceful close (spec component C10).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"kirby/internal/cache"
	"kirby/internal/catalog"
	"kirby/internal/config"
	"kirby/internal/kirbyerr"
	"kirby/internal/model"
	"kirby/internal/notify"
	"kirby/internal/persistence"
	"kirby/libs/observability"
)

const maxInboundFrameBytes = 1 << 20 // 1 MiB (spec §4.10)

const maxInvalidFramesPerSecond = 10

// Conn is the subset of *websocket.Conn a Session drives. Abstracted so
// tests can substitute an in-memory transport.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Session holds one client connection's subscription set, its bounded
// outbound queue, and its heartbeat deadline.
type Session struct {
	id      string
	conn    Conn
	bus     *notify.Bus
	cat     *catalog.Catalog
	store   persistence.Store
	cfg     config.SessionConfig
	metrics *observability.CoreMetrics
	cache   *cache.Cache // optional; nil in single-node deployments and tests

	outbound chan []byte

	mu            sync.Mutex
	subscriptions map[int64]struct{}
	invalidAt     []int64 // unix-nano timestamps of recent InvalidRequest reports

	lastTraffic atomic.Int64 // unix nano

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Session. The caller is responsible for accepting the
// underlying connection and for enforcing the process-wide concurrent
// session limit (spec §4.10) before calling New.
func New(conn Conn, bus *notify.Bus, cat *catalog.Catalog, store persistence.Store, cfg config.SessionConfig, metrics *observability.CoreMetrics) *Session {
	s := &Session{
		id:            observability.NewSessionID(),
		conn:          conn,
		bus:           bus,
		cat:           cat,
		store:         store,
		cfg:           cfg,
		metrics:       metrics,
		outbound:      make(chan []byte, cfg.OutboundQueueSize),
		subscriptions: make(map[int64]struct{}),
		done:          make(chan struct{}),
	}
	s.lastTraffic.Store(time.Now().UnixNano())
	conn.SetReadLimit(maxInboundFrameBytes)
	return s
}

// WithCache attaches the cluster-wide session-count cache. Returns s for
// chaining at construction time.
func (s *Session) WithCache(c *cache.Cache) *Session {
	s.cache = c
	return s
}

// ID satisfies notify.Subscriber.
func (s *Session) ID() string { return s.id }

// Deliver satisfies notify.Subscriber: a live frame for ev is enqueued
// without blocking. If the outbound queue is full the frame is dropped for
// this session only (spec §4.9).
func (s *Session) Deliver(ev notify.Event) bool {
	m, ok := s.cat.Lookup(ev.MarketID)
	if !ok {
		return true
	}

	var frame map[string]any
	switch ev.Entity {
	case "candle":
		c, ok := ev.Payload.(model.Candle)
		if !ok {
			return true
		}
		frame = candleFrame(m, c)
	case "funding":
		f, ok := ev.Payload.(model.FundingRate)
		if !ok {
			return true
		}
		frame = fundingFrame(m, f)
	case "open_interest":
		o, ok := ev.Payload.(model.OpenInterest)
		if !ok {
			return true
		}
		frame = openInterestFrame(m, o)
	default:
		return true
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	select {
	case s.outbound <- data:
		return true
	default:
		return false
	}
}

// SendLagWarning satisfies notify.Subscriber. The bus already coalesces
// calls to at most one per second per session; this send is
// itself best-effort since the warning is a live, droppable notice.
func (s *Session) SendLagWarning(marketID int64) {
	data, err := json.Marshal(lagWarningFrame(marketID))
	if err != nil {
		return
	}
	select {
	case s.outbound <- data:
	default:
	}
}

// Run drives the session until the connection closes, ctx is cancelled, or
// a protocol violation forces closure. It always unsubscribes from the bus
// and closes the underlying connection before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx = observability.WithRunInfo(ctx, observability.RunInfo{SessionID: s.id})
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(1)
		defer s.metrics.ActiveSessions.Add(-1)
	}
	if s.cache != nil {
		_ = s.cache.IncrActiveSessions(ctx)
		defer func() { _ = s.cache.DecrActiveSessions(context.Background()) }()
	}

	writerDone := make(chan struct{})
	go func() { s.writeLoop(ctx); close(writerDone) }()

	heartbeatDone := make(chan struct{})
	go func() { s.heartbeatLoop(ctx); close(heartbeatDone) }()

	readErr := s.readLoop(ctx)

	s.triggerClose()
	s.bus.UnsubscribeAll(s)
	observability.RecordSessionClosed(ctx, closeReason(readErr))

	<-writerDone
	<-heartbeatDone
	return readErr
}

func closeReason(err error) string {
	if err == nil {
		return "client_disconnect"
	}
	return err.Error()
}

func (s *Session) triggerClose() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.lastTraffic.Store(time.Now().UnixNano())
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.Heartbeat()))

		var in inboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			s.reportInvalid(ctx, "invalid_json", "could not parse frame as JSON")
			select {
			case <-s.done:
				return nil
			default:
			}
			continue
		}

		switch in.Type {
		case "subscribe":
			s.handleSubscribe(ctx, in)
		case "unsubscribe":
			s.handleUnsubscribe(ctx, in)
		case "ping":
			_ = s.enqueueNonDroppable(ctx, pongFrame())
		default:
			s.reportInvalid(ctx, "unknown_action", fmt.Sprintf("unknown action %q", in.Type))
		}

		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Session) handleSubscribe(ctx context.Context, in inboundFrame) {
	if len(in.MarketIDs) == 0 || len(in.MarketIDs) > 100 {
		s.reportInvalid(ctx, "validation_error", "market_ids must contain between 1 and 100 entries")
		return
	}
	if in.History < 0 || in.History > 1000 {
		s.reportInvalid(ctx, "validation_error", "history must be between 0 and 1000")
		return
	}

	var valid []int64
	var markets []model.Market
	for _, id := range in.MarketIDs {
		m, ok := s.cat.Lookup(id)
		if !ok || !m.Active {
			_ = s.enqueueNonDroppable(ctx, errorFrame(fmt.Sprintf("unknown or inactive market %d", id), "invalid_starlisting"))
			continue
		}
		valid = append(valid, id)
		markets = append(markets, m)
	}
	if len(valid) == 0 {
		return
	}

	s.mu.Lock()
	if len(s.subscriptions)+len(valid) > s.cfg.MaxSubscriptions {
		s.mu.Unlock()
		_ = s.enqueueNonDroppable(ctx, errorFrame("subscription limit exceeded", "validation_error"))
		return
	}
	for _, id := range valid {
		s.subscriptions[id] = struct{}{}
	}
	s.mu.Unlock()

	if err := s.enqueueNonDroppable(ctx, successFrame("subscribed", valid)); err != nil {
		return
	}

	// Historical frames must be enqueued before the session starts receiving
	// live ones (spec §4.10), so bus.Subscribe happens last: a live candle
	// cannot be Delivered until the subscription is registered.
	if in.History > 0 {
		for _, m := range markets {
			candles, err := s.store.LatestCandles(ctx, m.ID, in.History)
			if err != nil {
				observability.LogEvent(ctx, "error", "historical_read_failed", map[string]any{
					"market": m.Display, "error": err.Error(),
				})
				continue
			}
			if err := s.enqueueNonDroppable(ctx, historicalFrame(m, candles)); err != nil {
				return
			}
		}
	}

	s.bus.Subscribe(valid, s)
}

func (s *Session) handleUnsubscribe(ctx context.Context, in inboundFrame) {
	if len(in.MarketIDs) == 0 {
		s.reportInvalid(ctx, "validation_error", "market_ids required")
		return
	}
	s.bus.Unsubscribe(in.MarketIDs, s)
	s.mu.Lock()
	for _, id := range in.MarketIDs {
		delete(s.subscriptions, id)
	}
	s.mu.Unlock()
	_ = s.enqueueNonDroppable(ctx, successFrame("unsubscribed", in.MarketIDs))
}

// enqueueNonDroppable sends an ack/historical frame without ever dropping
// it: if the outbound queue is full the session is closed with
// slow_consumer (spec §4.10).
func (s *Session) enqueueNonDroppable(ctx context.Context, frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		s.closeWithError(ctx, kirbyerr.ErrSlowConsumer)
		return kirbyerr.ErrSlowConsumer
	}
}

// closeWithError best-effort sends a final error frame, then tears the
// session down. Reused for slow-consumer closes and for the invalid-frame
// rate-kill (spec §7).
func (s *Session) closeWithError(ctx context.Context, cause error) {
	data, err := json.Marshal(errorFrame(cause.Error(), kirbyerr.WireCode(cause)))
	if err == nil {
		select {
		case s.outbound <- data:
		default:
		}
	}
	observability.LogEvent(ctx, "warn", "session_closing", map[string]any{
		"session_id": s.id, "reason": cause.Error(),
	})
	s.triggerClose()
}

// reportInvalid sends an error frame for a malformed or unrecognized
// client frame, then force-closes the session if more than 10 such reports
// land within the trailing second (spec §7's InvalidRequest rate-kill).
func (s *Session) reportInvalid(ctx context.Context, code, message string) {
	_ = s.enqueueNonDroppable(ctx, errorFrame(message, code))

	now := time.Now()
	cutoff := now.Add(-time.Second).UnixNano()

	s.mu.Lock()
	kept := s.invalidAt[:0]
	for _, t := range s.invalidAt {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now.UnixNano())
	s.invalidAt = kept
	rate := len(s.invalidAt)
	s.mu.Unlock()

	if rate > maxInvalidFramesPerSecond {
		s.closeWithError(ctx, kirbyerr.ErrSlowConsumer)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.triggerClose()
			return
		case data := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.triggerClose()
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.Heartbeat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastTraffic.Load())
			if time.Since(last) > 2*interval {
				observability.LogEvent(ctx, "info", "session_heartbeat_timeout", map[string]any{"session_id": s.id})
				s.triggerClose()
				return
			}
			data, err := json.Marshal(pingFrame())
			if err != nil {
				continue
			}
			select {
			case s.outbound <- data:
			default:
			}
		}
	}
}
