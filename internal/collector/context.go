package collector

import (
	"context"
	"time"

	"kirby/internal/buffer"
	"kirby/internal/config"
	"kirby/internal/model"
	"kirby/internal/normalize"
	"kirby/libs/resilience"
)

// NewContextConsumer builds the C7 collector: one generic Consumer decoding
// a vendor funding/open-interest stream and routing each half of the tuple
// to its own minute-buffer slot (spec §4.7 — a single message may carry
// funding, open interest, or both, and each is buffered independently).
func NewContextConsumer(
	id string,
	market model.Market,
	stream Stream,
	decoder normalize.ContextDecoder,
	buf *buffer.Buffer,
	cfg config.CollectorConfig,
) *Consumer[model.ContextTuple] {
	decode := func(raw []byte, m model.Market) (model.ContextTuple, error) {
		return decoder.DecodeContext(raw, m)
	}
	sink := func(ctx context.Context, tuple model.ContextTuple) error {
		if tuple.Funding != nil {
			if err := buf.Observe(ctx, buffer.StreamFunding, market.ID, tuple.Funding.Time, *tuple.Funding); err != nil {
				return err
			}
		}
		if tuple.OI != nil {
			if err := buf.Observe(ctx, buffer.StreamOpenInterest, market.ID, tuple.OI.Time, *tuple.OI); err != nil {
				return err
			}
		}
		return nil
	}

	backoff := resilience.NewBackoff(cfg.BackoffBase(), cfg.BackoffCap())
	return NewConsumer[model.ContextTuple](id, market, stream, decode, sink, 10*time.Second, cfg.IdleTimeout(), backoff, nil)
}
