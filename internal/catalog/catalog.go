// Package catalog is the immutable, in-memory registry of markets. It is
// populated once at supervisor start from the external config loader's
// output and never mutated afterward; a configuration change requires a
// supervisor restart (spec §4.2, §4.8).
package catalog

import (
	"fmt"

	"kirby/internal/model"
)

// Catalog resolves market ids and tuples against a fixed snapshot of
// configured markets. Failure to resolve an id the caller expects to exist
// is a programming error (fatal, not retried) because markets are
// configured pre-start.
type Catalog struct {
	byID    map[int64]model.Market
	byTuple map[model.MarketTuple]model.Market
	active  []model.Market
}

// New builds a Catalog from markets, validating the uniqueness invariant
// over the (exchange, coin, quote, market_type, interval) tuple.
func New(markets []model.Market) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[int64]model.Market, len(markets)),
		byTuple: make(map[model.MarketTuple]model.Market, len(markets)),
	}
	for _, m := range markets {
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate market id %d", m.ID)
		}
		tuple := m.Tuple()
		if existing, dup := c.byTuple[tuple]; dup {
			return nil, fmt.Errorf("catalog: duplicate market tuple %+v (ids %d and %d)", tuple, existing.ID, m.ID)
		}
		c.byID[m.ID] = m
		c.byTuple[tuple] = m
		if m.Active {
			c.active = append(c.active, m)
		}
	}
	return c, nil
}

// Lookup resolves a market by id. Callers that expect the market to exist
// (e.g. a collector resolving its own assigned market) should treat a
// false result as fatal, per spec §4.2.
func (c *Catalog) Lookup(marketID int64) (model.Market, bool) {
	m, ok := c.byID[marketID]
	return m, ok
}

// LookupTuple resolves a market by its natural-key tuple.
func (c *Catalog) LookupTuple(tuple model.MarketTuple) (model.Market, bool) {
	m, ok := c.byTuple[tuple]
	return m, ok
}

// ActiveMarkets returns every market with Active = true. Only these are
// scheduled by the supervisor. The returned slice is a copy; callers must
// not mutate catalog state through it.
func (c *Catalog) ActiveMarkets() []model.Market {
	out := make([]model.Market, len(c.active))
	copy(out, c.active)
	return out
}

// IsActive reports whether marketID refers to a known, active market. Used
// by the subscription session to validate client subscribe requests
// (spec §4.10, InvalidMarket).
func (c *Catalog) IsActive(marketID int64) bool {
	m, ok := c.byID[marketID]
	return ok && m.Active
}

// Size returns the total number of catalog entries (active and inactive).
func (c *Catalog) Size() int {
	return len(c.byID)
}
