// Package notify implements the in-process publish/subscribe bus that
// fans post-commit persistence events out to live subscription sessions.
package notify

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kirby/libs/observability"
)

// Event is a post-commit notification emitted by the persistence layer.
type Event struct {
	Entity   string // "candle", "funding", "open_interest"
	MarketID int64
	Time     int64
	Payload  any
}

// Subscriber is implemented by a subscription session. Deliver enqueues ev
// into the subscriber's outbound queue and reports whether it was accepted;
// false means the queue was full and the frame was dropped for this
// subscriber only. SendLagWarning is invoked (coalesced to at most once per
// second per subscriber) when a drop occurs.
type Subscriber interface {
	ID() string
	Deliver(Event) bool
	SendLagWarning(marketID int64)
}

type subscriberSet map[string]Subscriber
type routingTable map[int64]subscriberSet

// Bus is the notification bus (spec component C9). Subscribe/Unsubscribe
// are serialized by a single writer lock; Publish reads a lock-free
// copy-on-write snapshot so a slow subscriber or a concurrent mutation
// never blocks the publisher — this preserves the persistence layer's
// commit rate.
type Bus struct {
	mu  sync.Mutex
	cur atomic.Pointer[routingTable]

	lagMu   sync.Mutex
	lastLag map[string]time.Time

	metrics *observability.CoreMetrics
}

// New constructs an empty Bus. metrics may be nil in tests.
func New(metrics *observability.CoreMetrics) *Bus {
	b := &Bus{lastLag: make(map[string]time.Time), metrics: metrics}
	empty := routingTable{}
	b.cur.Store(&empty)
	return b
}

func (b *Bus) snapshot() routingTable {
	if p := b.cur.Load(); p != nil {
		return *p
	}
	return routingTable{}
}

// Subscribe registers sub for each of marketIDs. Idempotent.
func (b *Bus) Subscribe(marketIDs []int64, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snapshot()
	next := make(routingTable, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	for _, id := range marketIDs {
		existing := next[id]
		set := make(subscriberSet, len(existing)+1)
		for k, v := range existing {
			set[k] = v
		}
		set[sub.ID()] = sub
		next[id] = set
	}
	b.cur.Store(&next)
}

// Unsubscribe removes sub from each of marketIDs. Idempotent; unknown ids
// are ignored.
func (b *Bus) Unsubscribe(marketIDs []int64, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snapshot()
	next := make(routingTable, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	for _, id := range marketIDs {
		existing := next[id]
		if existing == nil {
			continue
		}
		if _, ok := existing[sub.ID()]; !ok {
			continue
		}
		set := make(subscriberSet, len(existing))
		for k, v := range existing {
			if k == sub.ID() {
				continue
			}
			set[k] = v
		}
		if len(set) == 0 {
			delete(next, id)
		} else {
			next[id] = set
		}
	}
	b.cur.Store(&next)
}

// UnsubscribeAll removes sub from every market it may be registered under.
// Used on session close.
func (b *Bus) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snapshot()
	next := make(routingTable, len(cur))
	changed := false
	for marketID, set := range cur {
		if _, ok := set[sub.ID()]; !ok {
			next[marketID] = set
			continue
		}
		changed = true
		trimmed := make(subscriberSet, len(set))
		for k, v := range set {
			if k == sub.ID() {
				continue
			}
			trimmed[k] = v
		}
		if len(trimmed) > 0 {
			next[marketID] = trimmed
		}
	}
	if changed {
		b.cur.Store(&next)
	}
}

// Publish delivers ev to every current subscriber of ev.MarketID. Delivery
// is at-most-once and never blocks on an individual slow subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	for _, sub := range b.snapshot()[ev.MarketID] {
		if sub.Deliver(ev) {
			continue
		}
		if b.metrics != nil {
			b.metrics.NotificationDrops.Inc("market_id", strconv.FormatInt(ev.MarketID, 10))
		}
		observability.RecordNotificationDrop(ctx, ev.MarketID)
		b.maybeWarn(sub, ev.MarketID)
	}
}

// maybeWarn calls sub.SendLagWarning, coalesced to at most once per second
// per subscriber.
func (b *Bus) maybeWarn(sub Subscriber, marketID int64) {
	key := sub.ID()
	now := time.Now()

	b.lagMu.Lock()
	if last, ok := b.lastLag[key]; ok && now.Sub(last) < time.Second {
		b.lagMu.Unlock()
		return
	}
	b.lastLag[key] = now
	b.lagMu.Unlock()

	sub.SendLagWarning(marketID)
}
