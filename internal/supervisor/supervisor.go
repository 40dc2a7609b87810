// Package supervisor owns one collector handle per (active market,
// collector kind), starts them, and restarts whichever ones get stuck or
// exit (spec component C8).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kirby/internal/catalog"
	"kirby/internal/collector"
	"kirby/internal/config"
	"kirby/internal/model"
	"kirby/libs/observability"
)

// Runnable is the shape every per-market collector consumer satisfies —
// *collector.Consumer[T] for any payload type T.
type Runnable interface {
	Run(ctx context.Context) error
	State() collector.State
}

// Factory builds one fresh Runnable for a market. Called once at startup
// and again on every supervised restart, since a Consumer carries no state
// worth reusing across a restart.
type Factory func(market model.Market) (Runnable, error)

type handle struct {
	market model.Market
	kind   string

	mu       sync.Mutex
	runnable Runnable
	cancel   context.CancelFunc
	attempt  int
}

func (h *handle) state() collector.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runnable == nil {
		return collector.StateIdle
	}
	return h.runnable.State()
}

func (h *handle) forceRestart() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// HandleStatus is a point-in-time snapshot of one supervised collector,
// exposed for health/diagnostics endpoints.
type HandleStatus struct {
	Market model.Market
	Kind   string
	State  collector.State
}

// Supervisor starts and monitors one candle collector and one
// funding/open-interest collector per active market in the catalog.
type Supervisor struct {
	cat            *catalog.Catalog
	candleFactory  Factory
	contextFactory Factory
	cfg            config.SupervisorConfig
	pollInterval   time.Duration
	stuckAfter     time.Duration

	mu      sync.Mutex
	handles []*handle

	candleFatal  <-chan error
	contextFatal []<-chan error
}

// New constructs a Supervisor. Either factory may be nil to run only the
// other kind (useful in tests).
func New(cat *catalog.Catalog, candleFactory, contextFactory Factory, cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		cat:            cat,
		candleFactory:  candleFactory,
		contextFactory: contextFactory,
		cfg:            cfg,
		pollInterval:   30 * time.Second,
		stuckAfter:     2 * time.Minute,
	}
}

// Run starts the collectors, watches them, and blocks until ctx is
// cancelled. It then waits up to cfg.ShutdownGrace for every collector to
// stop before returning an error.
func (s *Supervisor) Run(ctx context.Context) error {
	markets := s.cat.ActiveMarkets()

	// A plain errgroup.Group, not errgroup.WithContext: one collector's
	// permanent failure must not tear down its siblings. Each supervise
	// goroutine always returns nil; g.Wait() is used purely to block for
	// shutdown.
	g := &errgroup.Group{}

	for _, m := range markets {
		m := m
		if s.candleFactory != nil {
			h := &handle{market: m, kind: "candle"}
			s.addHandle(h)
			g.Go(func() error { s.supervise(ctx, h, s.candleFactory); return nil })
		}
		if s.contextFactory != nil {
			h := &handle{market: m, kind: "context"}
			s.addHandle(h)
			g.Go(func() error { s.supervise(ctx, h, s.contextFactory); return nil })
		}
	}

	go s.monitor(ctx)
	go s.watchFatal(ctx, "candle", s.candleFatal)
	for _, ch := range s.contextFatal {
		go s.watchFatal(ctx, "context", ch)
	}

	<-ctx.Done()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.ShutdownGrace()):
		observability.LogEvent(ctx, "warn", "supervisor_shutdown_grace_exceeded", nil)
		return fmt.Errorf("supervisor: collectors did not stop within shutdown grace period")
	}
}

func (s *Supervisor) addHandle(h *handle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

// supervise runs one collector to completion, rebuilding and restarting it
// whenever Run returns while parent is still live. Run returns either from
// a forced restart (monitor cancelled the handle's own sub-context) or an
// unrecoverable error from inside the consumer's sink.
func (s *Supervisor) supervise(parent context.Context, h *handle, factory Factory) {
	for {
		if parent.Err() != nil {
			return
		}

		runnable, err := factory(h.market)
		if err != nil {
			observability.LogEvent(parent, "error", "collector_factory_failed", map[string]any{
				"market": h.market.Display, "kind": h.kind, "error": err.Error(),
			})
			select {
			case <-parent.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		hctx, cancel := context.WithCancel(parent)
		h.mu.Lock()
		h.runnable = runnable
		h.cancel = cancel
		h.attempt++
		h.mu.Unlock()

		_ = runnable.Run(hctx)
		cancel()

		if parent.Err() != nil {
			return
		}
		observability.LogEvent(parent, "warn", "collector_restarting", map[string]any{
			"market": h.market.Display, "kind": h.kind, "attempt": h.attempt,
		})
	}
}

// monitor restarts any handle that sits in Connecting, Subscribing, or
// Backoff without changing state for longer than stuckAfter — the per-
// consumer backoff loop already retries on its own, but it cannot detect a
// vendor that accepts a dead TCP connection without ever erroring.
func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	type observation struct {
		state collector.State
		since time.Time
	}
	seen := make(map[*handle]observation)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			handles := append([]*handle(nil), s.handles...)
			s.mu.Unlock()

			now := time.Now()
			for _, h := range handles {
				st := h.state()
				prev, ok := seen[h]
				if !ok || prev.state != st {
					seen[h] = observation{state: st, since: now}
					continue
				}

				stuck := st == collector.StateConnecting || st == collector.StateSubscribing || st == collector.StateBackoff
				if stuck && now.Sub(prev.since) > s.stuckAfter {
					observability.LogEvent(ctx, "warn", "collector_forced_restart", map[string]any{
						"market": h.market.Display, "kind": h.kind, "state": string(st),
					})
					h.forceRestart()
					seen[h] = observation{state: st, since: now}
				}
			}
		}
	}
}

// WithFatalChannels attaches the persistence layer's storage-exhaustion
// channels. candleFatal restarts every candle-kind handle; fundingFatal and
// oiFatal both restart every context-kind handle, since C7 writes both
// halves of the context tuple through the same consumer. Returns s for
// chaining at construction time.
func (s *Supervisor) WithFatalChannels(candleFatal, fundingFatal, oiFatal <-chan error) *Supervisor {
	s.candleFatal = candleFatal
	s.contextFatal = []<-chan error{fundingFatal, oiFatal}
	return s
}

// watchFatal force-restarts every handle of kind whenever ch fires,
// restarting it with a fresh Consumer (and so fresh backoff state) the next
// time supervise's loop rebuilds it (spec §7).
func (s *Supervisor) watchFatal(ctx context.Context, kind string, ch <-chan error) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-ch:
			if !ok {
				return
			}
			observability.LogEvent(ctx, "error", "persistence_fatal_restart", map[string]any{
				"kind": kind, "error": err.Error(),
			})
			s.mu.Lock()
			handles := append([]*handle(nil), s.handles...)
			s.mu.Unlock()
			for _, h := range handles {
				if h.kind == kind {
					h.forceRestart()
				}
			}
		}
	}
}

// Handles returns a snapshot of every supervised collector's state.
func (s *Supervisor) Handles() []HandleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HandleStatus, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, HandleStatus{Market: h.market, Kind: h.kind, State: h.state()})
	}
	return out
}
