// Package model holds the shared value types for the catalog and the three
// time-series entities. These types have no behavior beyond simple
// invariant checks; the components that operate on them (catalog,
// normalize, persistence, buffer, collector) all import this package.
package model

// Exchange, Coin, Quote, MarketType and Interval are the small finite sets
// that make up a market's identity tuple. Ids are stable and assigned by
// the external config loader at boot.

type Exchange struct {
	ID   int32
	Name string // e.g. "hyperliquid"
}

type Coin struct {
	ID     int32
	Symbol string // e.g. "BTC"
}

type Quote struct {
	ID     int32
	Symbol string // e.g. "USD"
}

type MarketType struct {
	ID   int32
	Name string // e.g. "perps"
}

// Interval is a candle/sampling granularity with a concrete duration.
type Interval struct {
	ID            int32
	Name          string // e.g. "1m"
	DurationSecs  int64
}

// Market is the unique tuple (exchange, coin, quote, market_type, interval)
// referred to in external docs as a "starlisting".
type Market struct {
	ID         int64
	Exchange   Exchange
	Coin       Coin
	QuoteAsset Quote
	MarketType MarketType
	Interval   Interval
	Active     bool
	Display    string // human-readable label, e.g. "BTC-USD-perps-1m"
}

// Tuple returns the natural-key identity of a market, used for catalog
// uniqueness checks and lookups by tuple.
func (m Market) Tuple() MarketTuple {
	return MarketTuple{
		ExchangeID:   m.Exchange.ID,
		CoinID:       m.Coin.ID,
		QuoteID:      m.QuoteAsset.ID,
		MarketTypeID: m.MarketType.ID,
		IntervalID:   m.Interval.ID,
	}
}

// MarketTuple is the hashable projection of Market used as a map key.
type MarketTuple struct {
	ExchangeID   int32
	CoinID       int32
	QuoteID      int32
	MarketTypeID int32
	IntervalID   int32
}
