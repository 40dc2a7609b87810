// Package persistence implements the deduplicating, batched upsert layer
// for candles, funding rates, and open interest, and the synchronous
// post-commit notification emission that follows each flush (spec
// component C4).
package persistence

import (
	"context"

	"kirby/internal/config"
	"kirby/internal/model"
	"kirby/internal/notify"
	"kirby/libs/observability"
	"kirby/libs/resilience"
)

// Layer fans rows out to one bounded, batching queue per entity type. Each
// market has exactly one writer (spec §5), so upsert-by-natural-key needs
// no optimistic concurrency.
type Layer struct {
	candles *entityQueue[model.Candle]
	funding *entityQueue[model.FundingRate]
	oi      *entityQueue[model.OpenInterest]
}

// NewLayer wires store, notifier, and metrics into three entity queues
// configured from cfg.
func NewLayer(store Store, notifier Notifier, metrics *observability.CoreMetrics, cfg config.StorageConfig) *Layer {
	backoff := resilience.NewBackoff(defaultFlushBackoffBase, defaultFlushBackoffCap)
	queueSize := cfg.BatchSize * 4

	return &Layer{
		candles: newEntityQueue[model.Candle](
			"candle", queueSize, cfg.BatchSize, cfg.FlushInterval(), backoff,
			store.UpsertCandles,
			func(c model.Candle) notify.Event {
				return notify.Event{Entity: "candle", MarketID: c.MarketID, Time: c.Time, Payload: c}
			},
			notifier, metrics,
		),
		funding: newEntityQueue[model.FundingRate](
			"funding", queueSize, cfg.BatchSize, cfg.FlushInterval(), backoff,
			store.UpsertFundingRates,
			func(f model.FundingRate) notify.Event {
				return notify.Event{Entity: "funding", MarketID: f.MarketID, Time: f.Time, Payload: f}
			},
			notifier, metrics,
		),
		oi: newEntityQueue[model.OpenInterest](
			"open_interest", queueSize, cfg.BatchSize, cfg.FlushInterval(), backoff,
			store.UpsertOpenInterest,
			func(o model.OpenInterest) notify.Event {
				return notify.Event{Entity: "open_interest", MarketID: o.MarketID, Time: o.Time, Payload: o}
			},
			notifier, metrics,
		),
	}
}

const (
	defaultFlushBackoffBase = 100_000_000 // 100ms in nanoseconds, avoids importing time for a const
	defaultFlushBackoffCap  = 5_000_000_000
)

// Run starts the three per-entity flush loops. Blocks until ctx is
// cancelled, then drains any partial batches before returning.
func (l *Layer) Run(ctx context.Context) {
	done := make(chan struct{}, 3)
	go func() { l.candles.Run(ctx); done <- struct{}{} }()
	go func() { l.funding.Run(ctx); done <- struct{}{} }()
	go func() { l.oi.Run(ctx); done <- struct{}{} }()
	<-ctx.Done()
	<-done
	<-done
	<-done
}

// SubmitCandle enqueues c for batched upsert, blocking while the candle
// queue is full (back-pressure; the collector's read loop blocks too).
func (l *Layer) SubmitCandle(ctx context.Context, c model.Candle) error {
	return l.candles.Submit(ctx, c)
}

// SubmitFundingRate enqueues f for batched upsert.
func (l *Layer) SubmitFundingRate(ctx context.Context, f model.FundingRate) error {
	return l.funding.Submit(ctx, f)
}

// SubmitOpenInterest enqueues o for batched upsert.
func (l *Layer) SubmitOpenInterest(ctx context.Context, o model.OpenInterest) error {
	return l.oi.Submit(ctx, o)
}

// CandleErrors reports storage-exhaustion failures from the candle queue.
// The supervisor watches this to restart every candle collector with fresh
// backoff once storage has given up on a batch (spec §7).
func (l *Layer) CandleErrors() <-chan error { return l.candles.Fatal() }

// FundingErrors reports storage-exhaustion failures from the funding queue.
func (l *Layer) FundingErrors() <-chan error { return l.funding.Fatal() }

// OpenInterestErrors reports storage-exhaustion failures from the open
// interest queue.
func (l *Layer) OpenInterestErrors() <-chan error { return l.oi.Fatal() }
