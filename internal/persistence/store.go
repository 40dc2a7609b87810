package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"kirby/internal/model"
	"kirby/libs/database"
)

// CandleStore persists and reads back candle rows.
type CandleStore interface {
	UpsertCandles(ctx context.Context, rows []model.Candle) error
	LatestCandles(ctx context.Context, marketID int64, limit int) ([]model.Candle, error)
	CandlesInRange(ctx context.Context, marketID, from, to int64, limit int) ([]model.Candle, error)
}

// FundingStore persists and reads back funding-rate rows.
type FundingStore interface {
	UpsertFundingRates(ctx context.Context, rows []model.FundingRate) error
	LatestFundingRates(ctx context.Context, marketID int64, limit int) ([]model.FundingRate, error)
}

// OpenInterestStore persists and reads back open-interest rows.
type OpenInterestStore interface {
	UpsertOpenInterest(ctx context.Context, rows []model.OpenInterest) error
	LatestOpenInterest(ctx context.Context, marketID int64, limit int) ([]model.OpenInterest, error)
}

// Store is the full persistence surface required by the ingest core.
type Store interface {
	CandleStore
	FundingStore
	OpenInterestStore
}

// PGStore implements Store over a Postgres connection pool (spec §6.3:
// time-partitioned tables keyed by (market_id, time)).
type PGStore struct {
	db *database.DB
}

// NewPGStore wraps an already-connected database.DB.
func NewPGStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) UpsertCandles(ctx context.Context, rows []model.Candle) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 7
	var sb strings.Builder
	sb.WriteString(`INSERT INTO candles (market_id, time, open, high, low, close, volume, num_trades) VALUES `)
	args := make([]any, 0, len(rows)*(cols+1))
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * (cols + 1)
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, r.MarketID, r.Time, r.Open, r.High, r.Low, r.Close, r.Volume, r.NumTrades)
	}
	sb.WriteString(` ON CONFLICT (market_id, time) DO UPDATE SET
		open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		close = EXCLUDED.close, volume = EXCLUDED.volume, num_trades = EXCLUDED.num_trades`)
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *PGStore) LatestCandles(ctx context.Context, marketID int64, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT market_id, time, open, high, low, close, volume, num_trades
		FROM candles WHERE market_id = $1 ORDER BY time DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

func (s *PGStore) CandlesInRange(ctx context.Context, marketID, from, to int64, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT market_id, time, open, high, low, close, volume, num_trades
		FROM candles WHERE market_id = $1 AND time >= $2 AND time <= $3 ORDER BY time ASC LIMIT $4`,
		marketID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.MarketID, &c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.NumTrades); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertFundingRates(ctx context.Context, rows []model.FundingRate) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 8
	var sb strings.Builder
	sb.WriteString(`INSERT INTO funding_rates (market_id, time, funding_rate, premium, mark_price, index_price, oracle_price, mid_price, next_funding_time) VALUES `)
	args := make([]any, 0, len(rows)*(cols+1))
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * (cols + 1)
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args, r.MarketID, r.Time, r.FundingRate, r.Premium, r.MarkPrice, r.IndexPrice, r.OraclePrice, r.MidPrice, r.NextFundingTime)
	}
	sb.WriteString(` ON CONFLICT (market_id, time) DO UPDATE SET
		funding_rate = EXCLUDED.funding_rate, premium = EXCLUDED.premium, mark_price = EXCLUDED.mark_price,
		index_price = EXCLUDED.index_price, oracle_price = EXCLUDED.oracle_price, mid_price = EXCLUDED.mid_price,
		next_funding_time = EXCLUDED.next_funding_time`)
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *PGStore) LatestFundingRates(ctx context.Context, marketID int64, limit int) ([]model.FundingRate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT market_id, time, funding_rate, premium, mark_price, index_price, oracle_price, mid_price, next_funding_time
		FROM funding_rates WHERE market_id = $1 ORDER BY time DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FundingRate
	for rows.Next() {
		var f model.FundingRate
		if err := rows.Scan(&f.MarketID, &f.Time, &f.FundingRate, &f.Premium, &f.MarkPrice, &f.IndexPrice, &f.OraclePrice, &f.MidPrice, &f.NextFundingTime); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertOpenInterest(ctx context.Context, rows []model.OpenInterest) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 5
	var sb strings.Builder
	sb.WriteString(`INSERT INTO open_interest (market_id, time, open_interest, notional_value, day_base_volume, day_notional_volume) VALUES `)
	args := make([]any, 0, len(rows)*(cols+1))
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * (cols + 1)
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, r.MarketID, r.Time, r.OpenInterest, r.NotionalValue, r.DayBaseVolume, r.DayNotionalVolume)
	}
	sb.WriteString(` ON CONFLICT (market_id, time) DO UPDATE SET
		open_interest = EXCLUDED.open_interest, notional_value = EXCLUDED.notional_value,
		day_base_volume = EXCLUDED.day_base_volume, day_notional_volume = EXCLUDED.day_notional_volume`)
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *PGStore) LatestOpenInterest(ctx context.Context, marketID int64, limit int) ([]model.OpenInterest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT market_id, time, open_interest, notional_value, day_base_volume, day_notional_volume
		FROM open_interest WHERE market_id = $1 ORDER BY time DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OpenInterest
	for rows.Next() {
		var o model.OpenInterest
		if err := rows.Scan(&o.MarketID, &o.Time, &o.OpenInterest, &o.NotionalValue, &o.DayBaseVolume, &o.DayNotionalVolume); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
