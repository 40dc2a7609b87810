package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kirby/internal/catalog"
	"kirby/internal/collector"
	"kirby/internal/config"
	"kirby/internal/model"
)

func oneMarket(id int64) model.Market {
	return model.Market{
		ID:         id,
		Exchange:   model.Exchange{ID: 1, Name: "hyperliquid"},
		Coin:       model.Coin{ID: 1, Symbol: "BTC"},
		QuoteAsset: model.Quote{ID: 1, Symbol: "USD"},
		MarketType: model.MarketType{ID: 1, Name: "perps"},
		Interval:   model.Interval{ID: 1, Name: "1m", DurationSecs: 60},
		Active:     true,
		Display:    "BTC-USD-perps-1m",
	}
}

// fakeRunnable blocks in Run until ctx is cancelled, reporting a fixed
// state and counting how many times it was started.
type fakeRunnable struct {
	st      collector.State
	starts  int32
	runTime time.Duration
}

func (r *fakeRunnable) Run(ctx context.Context) error {
	atomic.AddInt32(&r.starts, 1)
	if r.runTime > 0 {
		select {
		case <-time.After(r.runTime):
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (r *fakeRunnable) State() collector.State { return r.st }

func TestSupervisorStartsOneCollectorPerActiveMarket(t *testing.T) {
	cat, err := catalog.New([]model.Market{oneMarket(1), oneMarket(2)})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	var mu sync.Mutex
	var started []int64

	factory := func(m model.Market) (Runnable, error) {
		mu.Lock()
		started = append(started, m.ID)
		mu.Unlock()
		return &fakeRunnable{st: collector.StateLive}, nil
	}

	sup := New(cat, factory, nil, config.SupervisorConfig{ShutdownGraceS: 1})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(started)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	n := len(started)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected exactly 2 candle collectors started, got %d", n)
	}

	statuses := sup.Handles()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(statuses))
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation within shutdown grace")
	}
}

func TestSupervisorRestartsWhenRunnableExits(t *testing.T) {
	cat, err := catalog.New([]model.Market{oneMarket(1)})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	var built int32
	factory := func(m model.Market) (Runnable, error) {
		atomic.AddInt32(&built, 1)
		return &fakeRunnable{st: collector.StateLive, runTime: 20 * time.Millisecond}, nil
	}

	sup := New(cat, factory, nil, config.SupervisorConfig{ShutdownGraceS: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	time.Sleep(150 * time.Millisecond)

	statuses := sup.Handles()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(statuses))
	}
	if n := atomic.LoadInt32(&built); n < 2 {
		t.Fatalf("expected the exited collector to be rebuilt at least once, got %d builds", n)
	}
}

func TestSupervisorShutdownTimesOutIfCollectorNeverStops(t *testing.T) {
	cat, err := catalog.New([]model.Market{oneMarket(1)})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	factory := func(m model.Market) (Runnable, error) {
		return &stuckRunnable{}, nil
	}

	sup := New(cat, factory, nil, config.SupervisorConfig{ShutdownGraceS: 0})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		if err == nil {
			t.Fatal("expected Run to report a shutdown-grace timeout for a collector that never stops")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return even after its own shutdown grace elapsed")
	}
}

// stuckRunnable ignores ctx cancellation, standing in for a collector that
// fails to unwind promptly.
type stuckRunnable struct{}

func (stuckRunnable) Run(ctx context.Context) error {
	select {}
}

func (stuckRunnable) State() collector.State { return collector.StateLive }
