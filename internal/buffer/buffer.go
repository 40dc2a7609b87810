// Package buffer collapses bursty funding/open-interest observations to a
// single row per minute boundary per market (spec component C5).
package buffer

import (
	"context"
	"sync"
	"time"

	"kirby/internal/timegrid"
	"kirby/libs/observability"
	ktesting "kirby/libs/testing"
)

const (
	StreamFunding      = "funding"
	StreamOpenInterest = "open_interest"
)

// Sink receives a flushed (market, minute) tuple, routed on to the
// persistence layer.
type Sink interface {
	Enqueue(ctx context.Context, stream string, marketID, minute int64, payload any) error
}

type slotKey struct {
	marketID int64
	stream   string
}

type slot struct {
	mu       sync.Mutex
	hasValue bool
	minute   int64
	latest   any
	dirty    bool
}

// Buffer owns one slot per (market, stream). A one-second tick flushes any
// slot whose minute has closed, guaranteeing timely persistence even when a
// stream idles mid-minute.
type Buffer struct {
	sink Sink
	clock ktesting.Clock

	mu    sync.Mutex
	slots map[slotKey]*slot

	dropMu sync.Mutex
	drops  map[slotKey]int64
}

// New constructs a Buffer that flushes closed slots into sink. clock
// defaults to the real system clock; pass a testing.ManualClock to drive
// the periodic tick deterministically in tests.
func New(sink Sink, clock ktesting.Clock) *Buffer {
	if clock == nil {
		clock = ktesting.SystemClock{}
	}
	return &Buffer{
		sink:  sink,
		clock: clock,
		slots: make(map[slotKey]*slot),
		drops: make(map[slotKey]int64),
	}
}

func (b *Buffer) getOrCreateSlot(k slotKey) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[k]
	if !ok {
		s = &slot{}
		b.slots[k] = s
	}
	return s
}

// Observe records a new tuple with observation time t for (marketID,
// stream). Implements the minute-coalescing rules of spec §4.5.
func (b *Buffer) Observe(ctx context.Context, stream string, marketID, t int64, payload any) error {
	k := slotKey{marketID: marketID, stream: stream}
	s := b.getOrCreateSlot(k)
	m := timegrid.Floor(t, 60)

	s.mu.Lock()
	switch {
	case !s.hasValue:
		s.hasValue = true
		s.minute = m
		s.latest = payload
		s.dirty = true
		s.mu.Unlock()
		return nil

	case m == s.minute:
		s.latest = payload
		s.dirty = true
		s.mu.Unlock()
		return nil

	case m > s.minute:
		flushMinute, flushPayload := s.minute, s.latest
		s.minute = m
		s.latest = payload
		s.dirty = true
		s.mu.Unlock()
		return b.sink.Enqueue(ctx, stream, marketID, flushMinute, flushPayload)

	default: // m < s.minute: out-of-order, drop
		s.mu.Unlock()
		b.recordDrop(k)
		observability.LogBufferDrop(ctx, stream, s.minute, m)
		return nil
	}
}

func (b *Buffer) recordDrop(k slotKey) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	b.drops[k]++
}

// DropCount returns the number of out-of-order observations dropped for
// (marketID, stream). Exposed for tests and metrics.
func (b *Buffer) DropCount(marketID int64, stream string) int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.drops[slotKey{marketID: marketID, stream: stream}]
}

// Tick flushes every dirty slot whose minute has closed relative to the
// current time. Call this once per second from Run.
func (b *Buffer) Tick(ctx context.Context) {
	now := timegrid.Floor(b.clock.Now().Unix(), 60)

	b.mu.Lock()
	keys := make([]slotKey, 0, len(b.slots))
	slots := make([]*slot, 0, len(b.slots))
	for k, s := range b.slots {
		keys = append(keys, k)
		slots = append(slots, s)
	}
	b.mu.Unlock()

	for i, s := range slots {
		s.mu.Lock()
		shouldFlush := s.hasValue && s.dirty && s.minute < now
		var minute int64
		var payload any
		if shouldFlush {
			minute, payload = s.minute, s.latest
			s.dirty = false
		}
		s.mu.Unlock()

		if shouldFlush {
			k := keys[i]
			if err := b.sink.Enqueue(ctx, k.stream, k.marketID, minute, payload); err != nil {
				observability.LogEvent(ctx, "warn", "buffer_tick_flush_failed", map[string]any{
					"market_id": k.marketID,
					"stream":    k.stream,
					"error":     err.Error(),
				})
				continue
			}
			observability.RecordBufferFlush(ctx, k.stream, minute, 0)
		}
	}
}

// Run drives Tick once per second until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}
