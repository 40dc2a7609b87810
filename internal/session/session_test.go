package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kirby/internal/catalog"
	"kirby/internal/config"
	"kirby/internal/kirbyerr"
	"kirby/internal/model"
	"kirby/internal/notify"
)

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, msg, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.outbound = append(c.outbound, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                  {}
func (c *fakeConn) SetReadDeadline(time.Time) error     { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) send(msg string) {
	c.inbound <- []byte(msg)
}

func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.outbound))
	for _, raw := range c.outbound {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func waitForFrameCount(t *testing.T, conn *fakeConn, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := conn.frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(conn.frames()))
	return nil
}

type fakeSessionStore struct {
	mu      sync.Mutex
	candles map[int64][]model.Candle
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{candles: make(map[int64][]model.Candle)}
}

func (s *fakeSessionStore) UpsertCandles(context.Context, []model.Candle) error { return nil }
func (s *fakeSessionStore) LatestCandles(_ context.Context, marketID int64, limit int) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.candles[marketID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
func (s *fakeSessionStore) CandlesInRange(context.Context, int64, int64, int64, int) ([]model.Candle, error) {
	return nil, nil
}
func (s *fakeSessionStore) UpsertFundingRates(context.Context, []model.FundingRate) error { return nil }
func (s *fakeSessionStore) LatestFundingRates(context.Context, int64, int) ([]model.FundingRate, error) {
	return nil, nil
}
func (s *fakeSessionStore) UpsertOpenInterest(context.Context, []model.OpenInterest) error { return nil }
func (s *fakeSessionStore) LatestOpenInterest(context.Context, int64, int) ([]model.OpenInterest, error) {
	return nil, nil
}

func marketFor(id int64) model.Market {
	return model.Market{
		ID:         id,
		Exchange:   model.Exchange{ID: 1, Name: "hyperliquid"},
		Coin:       model.Coin{ID: 1, Symbol: "BTC"},
		QuoteAsset: model.Quote{ID: 1, Symbol: "USD"},
		MarketType: model.MarketType{ID: 1, Name: "perps"},
		Interval:   model.Interval{ID: 1, Name: "1m", DurationSecs: 60},
		Active:     true,
		Display:    "BTC-USD-perps-1m",
	}
}

func candleAt(marketID, t int64, price string) model.Candle {
	d := decimal.RequireFromString(price)
	return model.Candle{MarketID: marketID, Time: t, Open: d, High: d, Low: d, Close: d, Volume: decimal.Zero}
}

// TestSubscribeWithHistoryDeliversSuccessThenHistoricalThenLive exercises
// scenario S4: subscribe with history=3 yields a success frame, then one
// historical frame carrying 3 rows newest-first, then a live candle frame
// once the bus publishes the next minute's commit.
func TestSubscribeWithHistoryDeliversSuccessThenHistoricalThenLive(t *testing.T) {
	cat, err := catalog.New([]model.Market{marketFor(7)})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	store := newFakeSessionStore()
	store.candles[7] = []model.Candle{
		candleAt(7, 300, "3"),
		candleAt(7, 240, "2"),
		candleAt(7, 180, "1"),
	}

	bus := notify.New(nil)
	cfg := config.SessionConfig{OutboundQueueSize: 16, MaxSubscriptions: 100, HeartbeatS: 30}
	conn := newFakeConn()
	sess := New(conn, bus, cat, store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	conn.send(`{"type":"subscribe","market_ids":[7],"history":3}`)

	frames := waitForFrameCount(t, conn, 2)
	if frames[0]["type"] != "success" {
		t.Fatalf("expected first frame to be success, got %+v", frames[0])
	}
	if frames[1]["type"] != "historical" {
		t.Fatalf("expected second frame to be historical, got %+v", frames[1])
	}
	if count, _ := frames[1]["count"].(float64); count != 3 {
		t.Fatalf("expected historical count 3, got %+v", frames[1]["count"])
	}
	data, _ := frames[1]["data"].([]any)
	if len(data) != 3 {
		t.Fatalf("expected 3 historical rows, got %d", len(data))
	}
	first, _ := data[0].(map[string]any)
	if first["close"] != "3" {
		t.Fatalf("expected newest-first ordering with close=3 first, got %+v", first)
	}

	bus.Publish(ctx, notify.Event{Entity: "candle", MarketID: 7, Time: 360, Payload: candleAt(7, 360, "4")})

	frames = waitForFrameCount(t, conn, 3)
	if frames[2]["type"] != "candle" {
		t.Fatalf("expected third frame to be a live candle, got %+v", frames[2])
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestSubscribeRejectsUnknownMarket confirms a subscribe referencing an
// unknown market id yields an invalid_starlisting error and no subscription.
func TestSubscribeRejectsUnknownMarket(t *testing.T) {
	cat, err := catalog.New([]model.Market{marketFor(1)})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	store := newFakeSessionStore()
	bus := notify.New(nil)
	cfg := config.SessionConfig{OutboundQueueSize: 16, MaxSubscriptions: 100, HeartbeatS: 30}
	conn := newFakeConn()
	sess := New(conn, bus, cat, store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	conn.send(`{"type":"subscribe","market_ids":[999],"history":0}`)

	frames := waitForFrameCount(t, conn, 1)
	if frames[0]["type"] != "error" || frames[0]["code"] != "invalid_starlisting" {
		t.Fatalf("expected invalid_starlisting error, got %+v", frames[0])
	}
}

// TestEnqueueNonDroppableClosesSessionWhenQueueFull exercises the §4.10
// back-pressure rule directly: an ack/historical frame that would overflow
// a full outbound queue closes the session instead of blocking or being
// silently dropped. The outbound channel is filled directly (bypassing the
// writer goroutine) so the assertion is deterministic.
func TestEnqueueNonDroppableClosesSessionWhenQueueFull(t *testing.T) {
	cat, err := catalog.New([]model.Market{marketFor(1)})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	store := newFakeSessionStore()
	bus := notify.New(nil)
	cfg := config.SessionConfig{OutboundQueueSize: 1, MaxSubscriptions: 100, HeartbeatS: 30}
	conn := newFakeConn()
	sess := New(conn, bus, cat, store, cfg, nil)

	sess.outbound <- []byte(`{"type":"noop"}`)

	err = sess.enqueueNonDroppable(context.Background(), successFrame("x", nil))
	if !errors.Is(err, kirbyerr.ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}

	select {
	case <-sess.done:
	default:
		t.Fatal("expected session to be marked closed after the non-droppable overflow")
	}
}
