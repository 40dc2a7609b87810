package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"kirby/internal/model"
)

// marketSpec is the on-disk shape of one configured market. Populating this
// file (from an admin API, a database table, or hand-editing) is bootstrap
// tooling the core does not provide (spec Non-goals); LoadMarkets only
// turns an already-produced file into the in-memory slice Catalog needs.
type marketSpec struct {
	ID           int64  `json:"id"`
	ExchangeID   int32  `json:"exchange_id"`
	Exchange     string `json:"exchange"`
	CoinID       int32  `json:"coin_id"`
	Coin         string `json:"coin"`
	QuoteID      int32  `json:"quote_id"`
	Quote        string `json:"quote"`
	MarketTypeID int32  `json:"market_type_id"`
	MarketType   string `json:"market_type"`
	IntervalID   int32  `json:"interval_id"`
	Interval     string `json:"interval"`
	IntervalSecs int64  `json:"interval_secs"`
	Active       bool   `json:"active"`
	Display      string `json:"display"`
}

// LoadMarkets reads a JSON array of market specs from path and converts
// each into a model.Market.
func LoadMarkets(path string) ([]model.Market, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read markets file: %w", err)
	}

	var specs []marketSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("catalog: parse markets file: %w", err)
	}

	markets := make([]model.Market, 0, len(specs))
	for _, s := range specs {
		markets = append(markets, model.Market{
			ID:         s.ID,
			Exchange:   model.Exchange{ID: s.ExchangeID, Name: s.Exchange},
			Coin:       model.Coin{ID: s.CoinID, Symbol: s.Coin},
			QuoteAsset: model.Quote{ID: s.QuoteID, Symbol: s.Quote},
			MarketType: model.MarketType{ID: s.MarketTypeID, Name: s.MarketType},
			Interval:   model.Interval{ID: s.IntervalID, Name: s.Interval, DurationSecs: s.IntervalSecs},
			Active:     s.Active,
			Display:    s.Display,
		})
	}
	return markets, nil
}
