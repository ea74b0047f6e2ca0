package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"autocoin/internal/config"
)

func testEngineConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{DryRun: true}
	cfg.Exchange.RESTBaseURL = "http://127.0.0.1:0"
	cfg.Exchange.WSURL = "ws://127.0.0.1:0"
	cfg.Websocket.HeartbeatTimeout = time.Second
	cfg.Websocket.BackoffBase = 100 * time.Millisecond
	cfg.Websocket.MaxBackoff = 200 * time.Millisecond
	cfg.Symbols.Seed = []string{"KRW-BTC"}
	cfg.Symbols.TopN = 1
	cfg.Symbols.RefreshInterval = time.Hour
	cfg.Symbols.MinStable = time.Hour
	cfg.Symbols.MarketCacheTTL = time.Hour
	cfg.Signal = config.SignalConfig{EMAFast: 20, EMASlow: 50, RSIPeriod: 14, RSIOversold: 30}
	cfg.Strategy.Name = "scalping"
	cfg.Strategy.Defaults = config.StrategyParams{Window: 5, TakeProfitPct: 0.5, StopLossPct: 1.0}
	cfg.Portfolio.DefaultMaxPositionKRW = 100000
	cfg.Portfolio.MaxTotalPositionKRW = 500000
	cfg.Portfolio.MaxConcurrent = 2
	cfg.Portfolio.DailyLossLimitKRW = 50000
	cfg.Portfolio.MaxCoinRatio = 0.5
	cfg.Trader.OrderInterval = 150 * time.Millisecond
	cfg.Trader.PendingCheckInterval = 300 * time.Millisecond
	cfg.Trader.PendingTimeout = 10 * time.Second
	cfg.TradeLog.Path = filepath.Join(t.TempDir(), "trades.db")
	return cfg
}

func TestNewWiresAllComponents(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e, err := New(testEngineConfig(t), logger)
	if err != nil {
		t.Fatal(err)
	}
	if e.trader == nil || e.merger == nil || e.apiWorker == nil || e.symbolMgr == nil {
		t.Error("engine left components unwired")
	}
	// No Telegram token: notifications fall back to the log sink.
	if e.telegram != nil || e.logSink == nil {
		t.Error("expected log sink fallback without telegram token")
	}
}

func TestStartRefusesBadCredentials(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Keys are present but the accounts check cannot succeed: the engine
	// must signal shutdown instead of trading with zero balances.
	cfg := testEngineConfig(t)
	cfg.Exchange.AccessKey = "invalid"
	cfg.Exchange.SecretKey = "invalid"

	e, err := New(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	select {
	case <-e.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine kept running with unverifiable credentials")
	}
}

func TestRequestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e, err := New(testEngineConfig(t), logger)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-e.Done():
		t.Fatal("Done closed before shutdown was requested")
	default:
	}

	// A second call must not panic on the already-closed channel.
	e.requestShutdown()
	e.requestShutdown()

	select {
	case <-e.Done():
	default:
		t.Error("Done not closed after shutdown request")
	}
}
