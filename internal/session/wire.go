package session

import (
	"time"

	"kirby/internal/model"
)

// inboundFrame is the JSON shape of every client -> server frame (spec
// §6.1). Not all fields apply to every action.
type inboundFrame struct {
	Type      string  `json:"type"`
	MarketIDs []int64 `json:"market_ids,omitempty"`
	History   int     `json:"history,omitempty"`
}

func rfc3339(t int64) string {
	return time.Unix(t, 0).UTC().Format(time.RFC3339)
}

func successFrame(message string, marketIDs []int64) map[string]any {
	return map[string]any{"type": "success", "message": message, "starlisting_ids": marketIDs}
}

func errorFrame(message, code string) map[string]any {
	return map[string]any{"type": "error", "message": message, "code": code}
}

func pingFrame() map[string]any {
	return map[string]any{"type": "ping", "timestamp": time.Now().UTC().Format(time.RFC3339)}
}

func pongFrame() map[string]any {
	return map[string]any{"type": "pong", "timestamp": time.Now().UTC().Format(time.RFC3339)}
}

// lagWarningFrame is an extension to the wire table in spec §6.1: the
// spec's prose describes a coalesced lag notice but does not enumerate it
// among the named server frame types. Modelled as its own droppable frame
// type rather than overloading `error`, since it is not a protocol fault.
func lagWarningFrame(marketID int64) map[string]any {
	return map[string]any{"type": "lag_warning", "starlisting_id": marketID}
}

func encodeCandle(c model.Candle) map[string]any {
	out := map[string]any{
		"time":   rfc3339(c.Time),
		"open":   c.Open.String(),
		"high":   c.High.String(),
		"low":    c.Low.String(),
		"close":  c.Close.String(),
		"volume": c.Volume.String(),
	}
	if c.NumTrades != nil {
		out["num_trades"] = *c.NumTrades
	}
	return out
}

func encodeCandles(rows []model.Candle) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = encodeCandle(r)
	}
	return out
}

func encodeFunding(f model.FundingRate) map[string]any {
	out := map[string]any{
		"time":         rfc3339(f.Time),
		"funding_rate": f.FundingRate.String(),
	}
	if f.Premium != nil {
		out["premium"] = f.Premium.String()
	}
	if f.MarkPrice != nil {
		out["mark_price"] = f.MarkPrice.String()
	}
	if f.IndexPrice != nil {
		out["index_price"] = f.IndexPrice.String()
	}
	if f.OraclePrice != nil {
		out["oracle_price"] = f.OraclePrice.String()
	}
	if f.MidPrice != nil {
		out["mid_price"] = f.MidPrice.String()
	}
	if f.NextFundingTime != nil {
		out["next_funding_time"] = rfc3339(*f.NextFundingTime)
	}
	return out
}

func encodeOpenInterest(o model.OpenInterest) map[string]any {
	return map[string]any{
		"time":                rfc3339(o.Time),
		"open_interest":       o.OpenInterest.String(),
		"notional_value":      o.NotionalValue.String(),
		"day_base_volume":     o.DayBaseVolume.String(),
		"day_notional_volume": o.DayNotionalVolume.String(),
	}
}

func historicalFrame(m model.Market, candles []model.Candle) map[string]any {
	return map[string]any{
		"type":            "historical",
		"starlisting_id":  m.ID,
		"market":          m.Display,
		"interval":        m.Interval.Name,
		"count":           len(candles),
		"data":            encodeCandles(candles),
	}
}

func candleFrame(m model.Market, c model.Candle) map[string]any {
	return map[string]any{
		"type":           "candle",
		"starlisting_id": m.ID,
		"market":         m.Display,
		"interval":       m.Interval.Name,
		"data":           encodeCandle(c),
	}
}

func fundingFrame(m model.Market, f model.FundingRate) map[string]any {
	return map[string]any{
		"type":           "funding",
		"starlisting_id": m.ID,
		"market":         m.Display,
		"data":           encodeFunding(f),
	}
}

func openInterestFrame(m model.Market, o model.OpenInterest) map[string]any {
	return map[string]any{
		"type":           "open_interest",
		"starlisting_id": m.ID,
		"market":         m.Display,
		"data":           encodeOpenInterest(o),
	}
}
