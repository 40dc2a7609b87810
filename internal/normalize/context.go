package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"kirby/internal/kirbyerr"
	"kirby/internal/model"
)

// ContextDecoder parses a vendor context-stream payload (funding rate,
// open interest, or a combined message carrying both) into a
// model.ContextTuple. Callers split the tuple and route each half to its
// own minute-buffer slot (spec §4.7).
type ContextDecoder interface {
	DecodeContext(raw []byte, market model.Market) (model.ContextTuple, error)
}

// ForContextSource returns the ContextDecoder registered for source.
func ForContextSource(source Source) (ContextDecoder, error) {
	switch source {
	case SourceHyperliquidWS:
		return hyperliquidContextDecoder{}, nil
	default:
		return nil, fmt.Errorf("%w: no context decoder for source %q", kirbyerr.ErrMalformedPayload, source)
	}
}

// hlContextPayload is Hyperliquid's combined "activeAssetCtx" message:
// funding and open-interest fields arrive in the same object.
type hlContextPayload struct {
	Time              int64   `json:"time"`
	Funding           string  `json:"funding"`
	Premium           *string `json:"premium,omitempty"`
	MarkPx            *string `json:"markPx,omitempty"`
	OraclePx          *string `json:"oraclePx,omitempty"`
	MidPx             *string `json:"midPx,omitempty"`
	NextFundingTime   *int64  `json:"nextFundingTime,omitempty"`
	OpenInterest      *string `json:"openInterest,omitempty"`
	DayBaseVolume     *string `json:"dayBaseVlm,omitempty"`
	DayNotionalVolume *string `json:"dayNtlVlm,omitempty"`
}

type hyperliquidContextDecoder struct{}

func (hyperliquidContextDecoder) DecodeContext(raw []byte, market model.Market) (model.ContextTuple, error) {
	var p hlContextPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ContextTuple{}, fmt.Errorf("%w: %v", kirbyerr.ErrMalformedPayload, err)
	}

	tuple := model.ContextTuple{MarketID: market.ID, Time: p.Time}

	fundingRate, err := parseDecimal(p.Funding)
	if err != nil {
		return model.ContextTuple{}, err
	}
	fr := &model.FundingRate{
		MarketID:        market.ID,
		Time:            p.Time,
		FundingRate:     fundingRate,
		NextFundingTime: p.NextFundingTime,
	}
	if fr.Premium, err = optionalDecimal(p.Premium); err != nil {
		return model.ContextTuple{}, err
	}
	if fr.MarkPrice, err = optionalDecimal(p.MarkPx); err != nil {
		return model.ContextTuple{}, err
	}
	// Hyperliquid exposes no separate index price; oraclePx backs both
	// IndexPrice and OraclePrice.
	if fr.IndexPrice, err = optionalDecimal(p.OraclePx); err != nil {
		return model.ContextTuple{}, err
	}
	if fr.OraclePrice, err = optionalDecimal(p.OraclePx); err != nil {
		return model.ContextTuple{}, err
	}
	if fr.MidPrice, err = optionalDecimal(p.MidPx); err != nil {
		return model.ContextTuple{}, err
	}
	tuple.Funding = fr

	if p.OpenInterest != nil {
		oiValue, err := parseDecimal(*p.OpenInterest)
		if err != nil {
			return model.ContextTuple{}, err
		}
		oi := &model.OpenInterest{MarketID: market.ID, Time: p.Time, OpenInterest: oiValue}
		if dbv, err := optionalDecimal(p.DayBaseVolume); err != nil {
			return model.ContextTuple{}, err
		} else if dbv != nil {
			oi.DayBaseVolume = *dbv
		}
		if dnv, err := optionalDecimal(p.DayNotionalVolume); err != nil {
			return model.ContextTuple{}, err
		} else if dnv != nil {
			oi.DayNotionalVolume = *dnv
		}
		if fr.MarkPrice != nil {
			oi.NotionalValue = oi.OpenInterest.Mul(*fr.MarkPrice)
		}
		tuple.OI = oi
	}

	return tuple, nil
}

func optionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
