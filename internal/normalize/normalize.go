// Package normalize parses vendor-specific candle payloads into the
// canonical model.Candle record. Numeric fields are always parsed from
// their string representation via decimal.NewFromString — never through a
// float64 intermediate — so precision from 1e-18 to 1e12 is preserved.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"kirby/internal/kirbyerr"
	"kirby/internal/model"
	"kirby/internal/timegrid"
)

// Source identifies the vendor wire format a raw payload was produced by.
type Source string

const (
	SourceHyperliquidWS Source = "hl_ws"
	SourceBinanceRaw    Source = "binance_raw"
	SourceCCXT          Source = "ccxt"
)

// Decoder turns a raw vendor payload into a canonical Candle for a given
// market. Implementations must floor Time to the market's interval and
// reject payloads with the wrong field arity.
type Decoder interface {
	Decode(raw []byte, market model.Market) (model.Candle, error)
}

// ForSource returns the Decoder registered for source, or an error if the
// source is unknown.
func ForSource(source Source) (Decoder, error) {
	switch source {
	case SourceHyperliquidWS:
		return hyperliquidDecoder{}, nil
	case SourceBinanceRaw:
		return binanceDecoder{}, nil
	case SourceCCXT:
		return ccxtDecoder{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown source %q", kirbyerr.ErrMalformedPayload, source)
	}
}

// parseDecimal parses s as an arbitrary-precision decimal, wrapping any
// failure as ErrMalformedPayload. An empty string is also rejected with
// ErrMalformedPayload; optional fields go through optionalDecimal instead.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty numeric field", kirbyerr.ErrMalformedPayload)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	return d, nil
}

// floorCandleTime floors an unaligned vendor timestamp rather than
// rejecting it: vendor clocks routinely emit a few seconds of jitter around
// the interval boundary, and dropping an otherwise-valid candle for that
// would lose real data for no benefit over flooring it.
func floorCandleTime(c *model.Candle, market model.Market) {
	c.Time = timegrid.Floor(c.Time, market.Interval.DurationSecs)
}

// --- Hyperliquid WS: object payload with string numeric fields ---

type hlCandlePayload struct {
	Time      int64  `json:"t"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	NumTrades *int64 `json:"n"`
}

type hyperliquidDecoder struct{}

func (hyperliquidDecoder) Decode(raw []byte, market model.Market) (model.Candle, error) {
	var p hlCandlePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	c := model.Candle{MarketID: market.ID, Time: p.Time, NumTrades: p.NumTrades}
	var err error
	if c.Open, err = parseDecimal(p.Open); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = parseDecimal(p.High); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = parseDecimal(p.Low); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = parseDecimal(p.Close); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = parseDecimal(p.Volume); err != nil {
		return model.Candle{}, err
	}
	floorCandleTime(&c, market)
	if err := c.Validate(); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	return c, nil
}

// --- Binance raw: positional array, the classic [openTime,o,h,l,c,v,...] kline ---
//
// Binance's raw kline array has 12 positional fields; num_trades lives at
// index 8 as a JSON number (never omitted, so it is "observed", not
// "unknown" — this is the one vendor where NumTrades is never nil).
type binanceDecoder struct{}

const binanceKlineArity = 12

func (binanceDecoder) Decode(raw []byte, market model.Market) (model.Candle, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	if len(fields) != binanceKlineArity {
		return model.Candle{}, fmt.Errorf("%w: expected %d fields, got %d", kirbyerr.ErrMalformedPayload, binanceKlineArity, len(fields))
	}

	var openTimeMs int64
	if err := json.Unmarshal(fields[0], &openTimeMs); err != nil {
		return model.Candle{}, fmt.Errorf("%w: open time: %v", kirbyerr.ErrMalformedPayload, err)
	}

	var o, h, l, cl, v string
	for i, dst := range []*string{&o, &h, &l, &cl, &v} {
		if err := json.Unmarshal(fields[i+1], dst); err != nil {
			return model.Candle{}, fmt.Errorf("%w: field %d: %v", kirbyerr.ErrMalformedPayload, i+1, err)
		}
	}

	var numTrades int64
	if err := json.Unmarshal(fields[8], &numTrades); err != nil {
		return model.Candle{}, fmt.Errorf("%w: num_trades: %v", kirbyerr.ErrMalformedPayload, err)
	}

	c := model.Candle{MarketID: market.ID, Time: openTimeMs / 1000, NumTrades: &numTrades}
	var err error
	if c.Open, err = parseDecimal(o); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = parseDecimal(h); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = parseDecimal(l); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = parseDecimal(cl); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = parseDecimal(v); err != nil {
		return model.Candle{}, err
	}
	floorCandleTime(&c, market)
	if err := c.Validate(); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	return c, nil
}

// --- CCXT: object payload, numbers encoded as JSON numbers via json.Number
// to avoid a float64 intermediate, num_trades omitted entirely by some
// exchange adapters (hence the pointer, left nil when absent).

type ccxtCandlePayload struct {
	Timestamp int64            `json:"timestamp"`
	Open      json.Number      `json:"open"`
	High      json.Number      `json:"high"`
	Low       json.Number      `json:"low"`
	Close     json.Number      `json:"close"`
	Volume    json.Number      `json:"volume"`
	NumTrades *int64           `json:"numTrades,omitempty"`
}

type ccxtDecoder struct{}

func (ccxtDecoder) Decode(raw []byte, market model.Market) (model.Candle, error) {
	var p ccxtCandlePayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	c := model.Candle{MarketID: market.ID, Time: p.Timestamp / 1000, NumTrades: p.NumTrades}
	var err error
	if c.Open, err = parseDecimal(p.Open.String()); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = parseDecimal(p.High.String()); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = parseDecimal(p.Low.String()); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = parseDecimal(p.Close.String()); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = parseDecimal(p.Volume.String()); err != nil {
		return model.Candle{}, err
	}
	floorCandleTime(&c, market)
	if err := c.Validate(); err != nil {
		return model.Candle{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}
	return c, nil
}
