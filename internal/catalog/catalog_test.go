package catalog

import (
	"testing"

	"kirby/internal/model"
)

func mkMarket(id int64, interval int32, active bool) model.Market {
	return model.Market{
		ID:         id,
		Exchange:   model.Exchange{ID: 1, Name: "hyperliquid"},
		Coin:       model.Coin{ID: int32(id), Symbol: "BTC"},
		QuoteAsset: model.Quote{ID: 1, Symbol: "USD"},
		MarketType: model.MarketType{ID: 1, Name: "perps"},
		Interval:   model.Interval{ID: interval, Name: "1m", DurationSecs: 60},
		Active:     active,
	}
}

func TestDuplicateTupleRejected(t *testing.T) {
	a := mkMarket(1, 1, true)
	b := mkMarket(2, 1, true)
	b.Coin = a.Coin // force identical tuple with a different id
	if _, err := New([]model.Market{a, b}); err == nil {
		t.Fatalf("expected duplicate tuple error")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	a := mkMarket(1, 1, true)
	b := mkMarket(1, 2, true)
	if _, err := New([]model.Market{a, b}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestActiveMarketsOnly(t *testing.T) {
	a := mkMarket(1, 1, true)
	b := mkMarket(2, 2, false)
	c, err := New([]model.Market{a, b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	active := c.ActiveMarkets()
	if len(active) != 1 || active[0].ID != 1 {
		t.Fatalf("expected exactly market 1 active, got %+v", active)
	}
	if c.IsActive(2) {
		t.Fatalf("market 2 should not be active")
	}
	if !c.IsActive(1) {
		t.Fatalf("market 1 should be active")
	}
}

func TestLookup(t *testing.T) {
	a := mkMarket(1, 1, true)
	c, err := New([]model.Market{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Lookup(99); ok {
		t.Fatalf("expected lookup miss for unknown id")
	}
	got, ok := c.Lookup(1)
	if !ok || got.ID != 1 {
		t.Fatalf("expected lookup hit for market 1, got %+v ok=%v", got, ok)
	}
	if _, ok := c.LookupTuple(a.Tuple()); !ok {
		t.Fatalf("expected tuple lookup hit")
	}
}
