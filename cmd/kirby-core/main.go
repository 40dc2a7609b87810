// Command kirby-core runs the market-data ingest and live-broadcast core:
// one candle collector and one funding/open-interest collector per active
// market, the minute buffer and batched persistence layer behind them, and
// the websocket push wire that serves live and historical data to
// subscribed clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"kirby/internal/buffer"
	"kirby/internal/cache"
	"kirby/internal/catalog"
	"kirby/internal/collector"
	"kirby/internal/config"
	"kirby/internal/exchange"
	"kirby/internal/model"
	"kirby/internal/normalize"
	"kirby/internal/notify"
	"kirby/internal/persistence"
	"kirby/internal/session"
	"kirby/internal/supervisor"
	"kirby/libs/database"
	"kirby/libs/middleware"
	"kirby/libs/observability"
	ktesting "kirby/libs/testing"
)

var startTime = time.Now()

func main() {
	var configPath, marketsPath, httpPort string
	flag.StringVar(&configPath, "config", "config/kirby-core.json", "Path to configuration file")
	flag.StringVar(&marketsPath, "markets", "config/markets.json", "Path to the market catalog file")
	flag.StringVar(&httpPort, "port", "8096", "HTTP server port")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = observability.WithRunInfo(ctx, observability.RunInfo{RunID: observability.NewRunID()})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	markets, err := catalog.LoadMarkets(marketsPath)
	if err != nil {
		log.Fatalf("failed to load market catalog: %v", err)
	}
	cat, err := catalog.New(markets)
	if err != nil {
		log.Fatalf("failed to build market catalog: %v", err)
	}
	observability.LogEvent(ctx, "info", "catalog_loaded", map[string]any{
		"markets": cat.Size(), "active": len(cat.ActiveMarkets()),
	})

	dbConfig := database.DefaultConfig()
	dbConfig.DSN = cfg.DatabaseDSN
	dbConfig.MaxOpenConns = cfg.Storage.PoolSize
	db, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()
	observability.LogEvent(ctx, "info", "database_connected", nil)

	var sessionCache *cache.Cache
	if cfg.RedisURL != "" {
		sessionCache, err = cache.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer sessionCache.Close()
		observability.LogEvent(ctx, "info", "cache_connected", nil)
	}

	reg := observability.NewRegistry()
	metrics := observability.NewCoreMetrics(reg)

	store := persistence.NewPGStore(db)
	bus := notify.New(metrics)
	layer := persistence.NewLayer(store, bus, metrics, cfg.Storage)
	go layer.Run(ctx)

	buf := buffer.New(persistence.NewBufferSink(layer), ktesting.SystemClock{})
	go buf.Run(ctx)

	candleFactory := func(m model.Market) (supervisor.Runnable, error) {
		decoder, err := normalize.ForSource(normalize.SourceHyperliquidWS)
		if err != nil {
			return nil, err
		}
		stream := exchange.NewHyperliquidCandleStream(m)
		id := observability.NewCollectorID()
		return collector.NewCandleConsumer(id, m, stream, decoder, layer, cfg.Collector), nil
	}
	contextFactory := func(m model.Market) (supervisor.Runnable, error) {
		decoder, err := normalize.ForContextSource(normalize.SourceHyperliquidWS)
		if err != nil {
			return nil, err
		}
		stream := exchange.NewHyperliquidContextStream(m)
		id := observability.NewCollectorID()
		return collector.NewContextConsumer(id, m, stream, decoder, buf, cfg.Collector), nil
	}

	sup := supervisor.New(cat, candleFactory, contextFactory, cfg.Supervisor).
		WithFatalChannels(layer.CandleErrors(), layer.FundingErrors(), layer.OpenInterestErrors())
	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth(sup))
	mux.HandleFunc("/metrics/prometheus", handlePrometheusMetrics(reg))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			observability.LogEvent(r.Context(), "warn", "websocket_upgrade_failed", map[string]any{"error": err.Error()})
			return
		}
		sess := session.New(conn, bus, cat, store, cfg.Session, metrics).WithCache(sessionCache)
		go func() {
			if err := sess.Run(ctx); err != nil {
				observability.LogEvent(ctx, "info", "session_ended", map[string]any{"error": err.Error()})
			}
		}()
	})

	limiter := middleware.NewRateLimiterFromEnv()
	runID := observability.RunInfoFromContext(ctx).RunID
	handler := middleware.CORS(middleware.CORSConfigFromEnv())(limiter.Middleware(mux))
	handler = middleware.RunID(runID, handler)

	server := &http.Server{Addr: ":" + httpPort, Handler: handler}
	go func() {
		observability.LogEvent(ctx, "info", "http_listening", map[string]any{"port": httpPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observability.LogEvent(ctx, "error", "http_server_error", map[string]any{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	observability.LogEvent(ctx, "info", "shutdown_started", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	select {
	case err := <-supDone:
		if err != nil {
			observability.LogEvent(ctx, "warn", "supervisor_shutdown_error", map[string]any{"error": err.Error()})
		}
	case <-time.After(cfg.Supervisor.ShutdownGrace() + 2*time.Second):
		observability.LogEvent(ctx, "warn", "supervisor_shutdown_timed_out", nil)
	}
}

func handleHealth(sup *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		statuses := sup.Handles()
		live := 0
		for _, s := range statuses {
			if s.State == collector.StateLive {
				live++
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "healthy",
			"service":    "kirby-core",
			"uptime":     time.Since(startTime).String(),
			"collectors": len(statuses),
			"live":       live,
		})
	}
}

func handlePrometheusMetrics(reg *observability.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		reg.WriteText(w)
		fmt.Fprintf(w, "# HELP kirby_core_uptime_seconds Service uptime\n")
		fmt.Fprintf(w, "# TYPE kirby_core_uptime_seconds gauge\n")
		fmt.Fprintf(w, "kirby_core_uptime_seconds %.0f\n", time.Since(startTime).Seconds())
	}
}
