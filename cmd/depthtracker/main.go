// Depthtracker — a live market-data pipeline for perpetual futures order
// books and funding rates.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires one exchange's pipeline, waits for SIGINT/SIGTERM
//	ratelimit/               — hierarchical admission controller shared by every REST/WS call
//	webassistant/            — REST (resty) and WebSocket (gorilla) transports, both limiter-gated
//	marketdata/              — subscribes, classifies, and parses raw frames into typed messages
//	orderbook/               — per-symbol bid/ask ladder with monotonic update-id application
//	tracker/                 — initializes books, routes diffs/snapshots/trades to per-pair workers
//	fundingrate/             — wall-clock-aligned funding-rate polling plus optional WS push
//	eventhub/                — typed pub/sub for strategy code observing trades and book changes
//	exchanges/binance, okx   — exchange adapters: URLs, parsers, rate-limit tables, symbol translation
//
// One process tracks one exchange. The tracker fuses each symbol's REST
// snapshot with the websocket diff stream, buffering diffs that arrive
// before initialization and replaying the retained window when a late
// snapshot lands, so every book applies update ids strictly in order.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depthtracker/internal/config"
	"depthtracker/internal/eventhub"
	"depthtracker/internal/exchangeadapter"
	"depthtracker/internal/exchanges/binance"
	"depthtracker/internal/exchanges/okx"
	"depthtracker/internal/fundingrate"
	"depthtracker/internal/marketdata"
	"depthtracker/internal/ratelimit"
	"depthtracker/internal/tracker"
	"depthtracker/internal/webassistant"
)

const defaultRESTTimeout = 10 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DEPTH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	var (
		obAdapter exchangeadapter.OrderBookAdapter
		fAdapter  exchangeadapter.FundingAdapter
	)
	switch cfg.Exchange {
	case config.ExchangeBinance:
		a := binance.New(cfg.TradingPairs)
		obAdapter, fAdapter = a, a
	case config.ExchangeOKX:
		a := okx.New(cfg.TradingPairs)
		obAdapter, fAdapter = a, a
	}

	limiter := ratelimit.New(
		obAdapter.RateLimits(),
		cfg.RateLimiter.SafetyMarginPct,
		cfg.RateLimiter.RetryInterval,
		logger.With("component", "ratelimit"),
	)

	// Adapter URL builders return absolute URLs, so the assistant needs no
	// base URL of its own.
	rest := webassistant.NewRESTAssistant("", defaultRESTTimeout, limiter)

	ctx := context.Background()

	healthCtx, healthCancel := context.WithTimeout(ctx, defaultRESTTimeout)
	if _, err := rest.ExecuteRequestRaw(healthCtx, http.MethodGet, fAdapter.HealthCheckURL(), nil, fAdapter.HealthCheckLimitID()); err != nil {
		logger.Warn("exchange health check failed, starting anyway", "exchange", cfg.Exchange, "error", err)
	}
	healthCancel()

	marketWS := webassistant.NewWSAssistant(
		obAdapter.WSURL(), limiter, obAdapter.WSConnectLimitID(),
		cfg.WS.MessageTimeout, cfg.WS.ConnectionTimeout,
		logger.With("component", "ws", "stream", "market"),
	)
	source := marketdata.New(obAdapter, rest, marketWS, logger.With("component", "marketdata"))

	hub := eventhub.New(0, logger.With("component", "eventhub"))

	books := tracker.New(source, hub, tracker.Config{
		PastDiffsWindowSize: cfg.Tracker.PastDiffsWindowSize,
		SavedQueueSize:      cfg.Tracker.SavedMessageQueueSize,
		InitPairDelay:       cfg.Tracker.InitPairDelay,
		OutdatedTradeAge:    cfg.Tracker.OutdatedTradeAge,
		TradeRestRefreshMin: cfg.Tracker.TradeRestRefreshMin,
	}, logger.With("component", "tracker"))

	feedCfg := fundingrate.Config{
		RestUpdateInterval:         cfg.FundingRate.RestUpdateInterval,
		StandardizationDurationHrs: cfg.FundingRate.StandardizationDurationHours,
	}
	var feed *fundingrate.Feed
	if cfg.FundingRate.EnableWS {
		fundingWS := webassistant.NewWSAssistant(
			fAdapter.FundingWSURL(), limiter, obAdapter.WSConnectLimitID(),
			cfg.WS.MessageTimeout, cfg.WS.ConnectionTimeout,
			logger.With("component", "ws", "stream", "funding"),
		)
		feed = fundingrate.New(fAdapter, rest, fundingWS, hub, cfg.TradingPairs, feedCfg, logger.With("component", "fundingrate"))
	} else {
		feed = fundingrate.New(fAdapter, rest, nil, hub, cfg.TradingPairs, feedCfg, logger.With("component", "fundingrate"))
	}

	if err := books.Start(ctx, cfg.TradingPairs); err != nil {
		logger.Error("failed to start order book tracker", "error", err)
		os.Exit(1)
	}
	if err := feed.StartNetwork(ctx); err != nil {
		logger.Error("failed to start funding rate feed", "error", err)
		books.Stop()
		os.Exit(1)
	}

	logger.Info("depthtracker started",
		"exchange", cfg.Exchange,
		"pairs", len(cfg.TradingPairs),
		"funding_ws", cfg.FundingRate.EnableWS,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	feed.StopNetwork()
	books.Stop()
	hub.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
