// autocoin - an automated trading bot for Upbit KRW spot markets.
//
// Architecture:
//
//	main.go              - entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     - orchestrator: wires feeds → merger → {indicator, trader} → api worker
//	market/ingress.go    - WebSocket feeds (ticker + orderbook) with auto-reconnect and redial on symbol change
//	market/merger.go     - fans per-symbol tick buffers into the unified stream (drop-oldest)
//	market/symbols.go    - periodic top-N symbol reselection by 24h volume with safety filters
//	indicator/worker.go  - EMA/RSI buy-signal evaluation feeding the shared buyable set
//	strategy/            - scalping, ma_cross, rsi, advanced_scalping + portfolio gate
//	trader/trader.go     - order lifecycle: submit, poll-to-fill, timeout-cancel, request correlation
//	risk/manager.go      - per-symbol order gate (daily loss, coin ratio, position caps)
//	exchange/            - Upbit REST client, JWT auth, token-bucket rate limits, API worker
//	notify/telegram.go   - Telegram notifications out, /pause /resume /status commands in
//	tradelog/writer.go   - sqlite append-only trade log
//
// How it trades:
//
//	The symbol manager keeps the bot on the top-volume KRW markets that pass
//	the safety filters. Per symbol, the configured strategy watches the live
//	tick stream for an entry; the trader turns signals into rate-limited
//	market orders and babysits each order until it fills, cancels, or times
//	out. Risk limits cap exposure per symbol, in total, and per day.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"autocoin/internal/config"
	"autocoin/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("AUTOCOIN_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	eng.Start()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE - no real orders will be placed")
	}

	logger.Info("autocoin started",
		"strategy", cfg.Strategy.Name,
		"symbols", cfg.Symbols.Seed,
		"top_n", cfg.Symbols.TopN,
		"dry_run", cfg.DryRun,
	)

	// Wait for a shutdown signal or the /shutdown command
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Info("shutdown requested via command")
	}

	eng.Stop()
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
