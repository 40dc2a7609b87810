package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV row for a market at its interval-floored open time.
// Numeric fields are arbitrary-precision decimals — never float64 — so
// that prices from 1e-18 to 1e12 round-trip exactly.
type Candle struct {
	MarketID   int64
	Time       int64 // UTC Unix seconds, floored to the market's interval
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	NumTrades  *int64 // nil means "unknown", distinct from an observed zero
}

// Validate checks the OHLCV invariants from spec §3.2/§8 invariant 2:
// high ≥ max(open,close) ≥ min(open,close) ≥ low, volume ≥ 0, num_trades ≥ 0.
func (c Candle) Validate() error {
	maxOC := decimal.Max(c.Open, c.Close)
	minOC := decimal.Min(c.Open, c.Close)
	if c.High.LessThan(maxOC) {
		return fmt.Errorf("candle: high %s < max(open,close) %s", c.High, maxOC)
	}
	if maxOC.LessThan(minOC) {
		return fmt.Errorf("candle: max(open,close) %s < min(open,close) %s", maxOC, minOC)
	}
	if minOC.LessThan(c.Low) {
		return fmt.Errorf("candle: min(open,close) %s < low %s", minOC, c.Low)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle: volume %s is negative", c.Volume)
	}
	if c.NumTrades != nil && *c.NumTrades < 0 {
		return fmt.Errorf("candle: num_trades %d is negative", *c.NumTrades)
	}
	return nil
}

// FundingRate is one funding-rate row, floored to the minute.
type FundingRate struct {
	MarketID        int64
	Time            int64
	FundingRate     decimal.Decimal
	Premium         *decimal.Decimal
	MarkPrice       *decimal.Decimal
	IndexPrice      *decimal.Decimal
	OraclePrice     *decimal.Decimal
	MidPrice        *decimal.Decimal
	NextFundingTime *int64
}

// OpenInterest is one open-interest row, floored to the minute.
type OpenInterest struct {
	MarketID          int64
	Time              int64
	OpenInterest      decimal.Decimal
	NotionalValue     decimal.Decimal
	DayBaseVolume     decimal.Decimal
	DayNotionalVolume decimal.Decimal
}

// ContextTuple bundles a context-stream observation (funding, OI, or both)
// as emitted by a single vendor message before it is split and routed to
// the per-entity minute buffer slots. Either half may be nil.
type ContextTuple struct {
	MarketID int64
	Time     int64
	Funding  *FundingRate
	OI       *OpenInterest
}
