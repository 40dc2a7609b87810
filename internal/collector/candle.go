package collector

import (
	"context"
	"time"

	"kirby/internal/config"
	"kirby/internal/model"
	"kirby/internal/normalize"
	"kirby/libs/resilience"
)

// CandlePublisher is the subset of *persistence.Layer a candle consumer
// needs.
type CandlePublisher interface {
	SubmitCandle(ctx context.Context, c model.Candle) error
}

// NewCandleConsumer builds the C6 collector: one generic Consumer decoding
// a vendor candle stream with decoder and submitting each candle directly
// to the persistence layer.
func NewCandleConsumer(
	id string,
	market model.Market,
	stream Stream,
	decoder normalize.Decoder,
	publisher CandlePublisher,
	cfg config.CollectorConfig,
) *Consumer[model.Candle] {
	decode := func(raw []byte, m model.Market) (model.Candle, error) {
		return decoder.Decode(raw, m)
	}
	sink := func(ctx context.Context, c model.Candle) error {
		return publisher.SubmitCandle(ctx, c)
	}
	timeOf := func(c model.Candle) int64 { return c.Time }

	backoff := resilience.NewBackoff(cfg.BackoffBase(), cfg.BackoffCap())
	return NewConsumer[model.Candle](id, market, stream, decode, sink, 10*time.Second, cfg.IdleTimeout(), backoff, timeOf)
}
