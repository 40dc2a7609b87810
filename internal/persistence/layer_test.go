package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kirby/internal/config"
	"kirby/internal/model"
	"kirby/internal/notify"
)

type fakeStore struct {
	mu      sync.Mutex
	candles map[int64]map[int64]model.Candle
}

func newFakeStore() *fakeStore {
	return &fakeStore{candles: make(map[int64]map[int64]model.Candle)}
}

func (s *fakeStore) UpsertCandles(_ context.Context, rows []model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		byTime, ok := s.candles[r.MarketID]
		if !ok {
			byTime = make(map[int64]model.Candle)
			s.candles[r.MarketID] = byTime
		}
		byTime[r.Time] = r // overwrite, matching upsert-by-natural-key semantics
	}
	return nil
}

func (s *fakeStore) LatestCandles(_ context.Context, marketID int64, limit int) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Candle
	for _, c := range s.candles[marketID] {
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CandlesInRange(context.Context, int64, int64, int64, int) ([]model.Candle, error) {
	return nil, nil
}
func (s *fakeStore) UpsertFundingRates(context.Context, []model.FundingRate) error  { return nil }
func (s *fakeStore) LatestFundingRates(context.Context, int64, int) ([]model.FundingRate, error) {
	return nil, nil
}
func (s *fakeStore) UpsertOpenInterest(context.Context, []model.OpenInterest) error { return nil }
func (s *fakeStore) LatestOpenInterest(context.Context, int64, int) ([]model.OpenInterest, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

func testCandle(price string) model.Candle {
	d := decimal.RequireFromString(price)
	return model.Candle{
		MarketID: 1,
		Time:     1763418540,
		Open:     decimal.RequireFromString("100"),
		High:     d,
		Low:      decimal.RequireFromString("95"),
		Close:    d,
		Volume:   decimal.RequireFromString("10"),
	}
}

// TestCandleLiveUpdate exercises scenario S1: the same (market_id, time)
// submitted twice yields exactly one stored row with the second payload,
// and the notifier observes both events in commit order.
func TestCandleLiveUpdate(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	cfg := config.StorageConfig{BatchSize: 1, FlushIntervalMS: 10}
	layer := NewLayer(store, notifier, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go layer.Run(ctx)

	first := testCandle("110")
	second := testCandle("115")

	if err := layer.SubmitCandle(ctx, first); err != nil {
		t.Fatalf("SubmitCandle: %v", err)
	}
	if err := layer.SubmitCandle(ctx, second); err != nil {
		t.Fatalf("SubmitCandle: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(notifier.all()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	events := notifier.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 notification events, got %d", len(events))
	}
	firstCandle := events[0].Payload.(model.Candle)
	secondCandle := events[1].Payload.(model.Candle)
	if !firstCandle.High.Equal(first.High) || !secondCandle.High.Equal(second.High) {
		t.Fatalf("expected notification order to match commit order, got %+v", events)
	}

	stored, err := store.LatestCandles(ctx, 1, 10)
	if err != nil {
		t.Fatalf("LatestCandles: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(stored))
	}
	if !stored[0].High.Equal(second.High) {
		t.Fatalf("expected stored row to carry the second payload, got %+v", stored[0])
	}
}
