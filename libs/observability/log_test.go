package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogEvent_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	previous := logger.Writer()
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(previous)
	})

	ctx := WithRunInfo(context.Background(), RunInfo{
		RunID:       "run-1",
		CollectorID: "collector-1",
		Market:      "BTC-USD-perps-1m",
	})

	LogEvent(ctx, "info", "test_event", map[string]any{
		"input": map[string]any{
			"api_key": "secret",
			"value":   42,
		},
	})

	raw := strings.TrimSpace(buf.String())
	if raw == "" {
		t.Fatal("expected log output")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if payload["event"] != "test_event" {
		t.Fatalf("expected event test_event, got %#v", payload["event"])
	}
	if payload["level"] != "info" {
		t.Fatalf("expected level info, got %#v", payload["level"])
	}
	if payload["run_id"] != "run-1" || payload["collector_id"] != "collector-1" || payload["market"] != "BTC-USD-perps-1m" {
		t.Fatalf("expected run info fields, got %#v", payload)
	}

	input, ok := payload["input"].(map[string]any)
	if !ok {
		t.Fatalf("expected input field to be object, got %#v", payload["input"])
	}
	if input["api_key"] != redactedValue {
		t.Fatalf("expected api_key to be redacted, got %#v", input["api_key"])
	}
}

func TestLogCollectorTransition(t *testing.T) {
	var buf bytes.Buffer
	previous := logger.Writer()
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(previous)
	})

	LogCollectorTransition(context.Background(), "live", "backoff", nil)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["from"] != "live" || payload["to"] != "backoff" {
		t.Fatalf("expected transition fields, got %#v", payload)
	}
}

func TestLogPersistenceFlush_RecordsErrors(t *testing.T) {
	var buf bytes.Buffer
	previous := logger.Writer()
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(previous)
	})

	LogPersistenceFlush(context.Background(), "candles", 0, 5*time.Millisecond, errTestStorage)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %#v", payload["success"])
	}
}

var errTestStorage = &testError{"storage unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
