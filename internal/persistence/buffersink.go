package persistence

import (
	"context"
	"fmt"

	"kirby/internal/buffer"
	"kirby/internal/model"
)

// BufferSink adapts a Layer to buffer.Sink, so the minute buffer (C5) can
// flush coalesced funding/open-interest rows straight into the batched
// upsert queues (C4). The buffer floors a row's time to the minute it
// flushed at; that floored minute — not whatever time the original
// observation carried — is what gets persisted.
type BufferSink struct {
	Layer *Layer
}

func NewBufferSink(layer *Layer) *BufferSink {
	return &BufferSink{Layer: layer}
}

func (s *BufferSink) Enqueue(ctx context.Context, stream string, marketID, minute int64, payload any) error {
	switch stream {
	case buffer.StreamFunding:
		f, ok := payload.(model.FundingRate)
		if !ok {
			return fmt.Errorf("persistence: buffer sink got %T for stream %q", payload, stream)
		}
		f.MarketID = marketID
		f.Time = minute
		return s.Layer.SubmitFundingRate(ctx, f)
	case buffer.StreamOpenInterest:
		o, ok := payload.(model.OpenInterest)
		if !ok {
			return fmt.Errorf("persistence: buffer sink got %T for stream %q", payload, stream)
		}
		o.MarketID = marketID
		o.Time = minute
		return s.Layer.SubmitOpenInterest(ctx, o)
	default:
		return fmt.Errorf("persistence: unknown buffer stream %q", stream)
	}
}
