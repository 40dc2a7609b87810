// Package exchange provides concrete collector.Stream implementations, one
// per vendor transport. Hyperliquid is the only wired vendor today; the
// shape mirrors what a Binance/CCXT adapter would look like, since
// internal/normalize already carries decoders for all three (spec §9).
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"kirby/internal/kirbyerr"
	"kirby/internal/model"
)

const hyperliquidWSURL = "wss://api.hyperliquid.xyz/ws"

// HyperliquidStream is a collector.Stream over Hyperliquid's public
// websocket feed. One instance serves exactly one market and one channel
// kind (candle or activeAssetCtx).
type HyperliquidStream struct {
	market  model.Market
	channel string // "candle" or "activeAssetCtx"
	url     string

	conn *websocket.Conn
}

// NewHyperliquidCandleStream builds a Stream subscribed to market's candle
// channel at its configured interval.
func NewHyperliquidCandleStream(market model.Market) *HyperliquidStream {
	return &HyperliquidStream{market: market, channel: "candle", url: hyperliquidWSURL}
}

// NewHyperliquidContextStream builds a Stream subscribed to market's
// combined funding/open-interest channel.
func NewHyperliquidContextStream(market model.Market) *HyperliquidStream {
	return &HyperliquidStream{market: market, channel: "activeAssetCtx", url: hyperliquidWSURL}
}

// Connect dials the websocket endpoint.
func (h *HyperliquidStream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return fmt.Errorf("%w: hyperliquid dial: %v", kirbyerr.ErrStreamError, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return fmt.Errorf("%w: hyperliquid dial: unexpected status %d", kirbyerr.ErrStreamError, resp.StatusCode)
	}
	h.conn = conn
	return nil
}

// Subscribe sends the Hyperliquid subscription frame for this stream's
// channel and coin.
func (h *HyperliquidStream) Subscribe(ctx context.Context) error {
	if h.conn == nil {
		return fmt.Errorf("%w: hyperliquid subscribe: not connected", kirbyerr.ErrStreamError)
	}
	msg := map[string]any{
		"method": "subscribe",
		"subscription": map[string]string{
			"type":     h.channel,
			"coin":     h.market.Coin.Symbol,
			"interval": h.market.Interval.Name,
		},
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = h.conn.SetWriteDeadline(dl)
	}
	if err := h.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: hyperliquid subscribe: %v", kirbyerr.ErrStreamError, err)
	}
	return nil
}

// ReadMessage blocks for the next frame. The "channel":"subscriptionResponse"
// ack Hyperliquid sends immediately after Subscribe is not itself a data
// frame; normalize's decoders reject it as malformed and the consumer skips
// it, same as any other unrecognized payload (spec §4.6).
func (h *HyperliquidStream) ReadMessage(ctx context.Context) ([]byte, error) {
	if h.conn == nil {
		return nil, fmt.Errorf("%w: hyperliquid read: not connected", kirbyerr.ErrStreamError)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = h.conn.SetReadDeadline(dl)
	}
	_, data, err := h.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: hyperliquid read: %v", kirbyerr.ErrStreamError, err)
	}
	return data, nil
}

// Close tears down the websocket connection.
func (h *HyperliquidStream) Close() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}
