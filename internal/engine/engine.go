// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Two WebSocket feeds (ticker + orderbook) decode market data into
//     per-symbol buffers owned by the Merger.
//  2. The Merger fans those into the unified tick stream, which the engine
//     tees to the IndicatorWorker and the Trader.
//  3. The SymbolManager periodically reselects the top-volume symbols; the
//     engine fans each new set out to the feeds, the merger, and the trader.
//  4. The Trader drives strategies and the order lifecycle through the
//     APIWorker; notifications and commands flow through Telegram; fills
//     land in the sqlite trade log.
//
// Lifecycle: New() → Start() → [runs until SIGINT or /shutdown] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autocoin/internal/config"
	"autocoin/internal/exchange"
	"autocoin/internal/indicator"
	"autocoin/internal/market"
	"autocoin/internal/notify"
	"autocoin/internal/strategy"
	"autocoin/internal/trader"
	"autocoin/internal/tradelog"
	"autocoin/pkg/types"
)

const (
	tickBufferSize     = 1024
	requestBufferSize  = 64
	responseBufferSize = 64
	notifyBufferSize   = 128
	commandBufferSize  = 16
	tradeLogBufferSize = 256

	// warmupCandles is how much minute-candle history seeds a strategy.
	warmupCandles = 200
)

// Engine owns every worker goroutine and the channels between them.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	client     *exchange.Client
	apiWorker  *exchange.APIWorker
	merger     *market.Merger
	tickerFeed *market.Feed
	depthFeed  *market.Feed
	symbolMgr  *market.SymbolManager
	buyable    *indicator.BuyableSet
	indWorker  *indicator.Worker
	stratMgr   *strategy.Manager
	trader     *trader.Trader
	logWriter  *tradelog.Writer
	telegram   *notify.Telegram
	logSink    *notify.LogSink

	indicatorTicks chan types.Tick
	traderTicks    chan types.Tick
	traderSymbols  chan []string
	notifyCh       chan string
	cmdCh          chan types.Command

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(cfg.Exchange.AccessKey, cfg.Exchange.SecretKey)
	client := exchange.NewClient(cfg, auth, logger)

	reqCh := make(chan types.APIRequest, requestBufferSize)
	respCh := make(chan types.APIResponse, responseBufferSize)
	apiWorker := exchange.NewAPIWorker(client, cfg.DryRun, reqCh, respCh, logger)

	merger := market.NewMerger(logger)
	tickerFeed := market.NewFeed("ticker", cfg, merger, logger)
	depthFeed := market.NewFeed("orderbook", cfg, merger, logger)

	buyable := indicator.NewBuyableSet()
	indicatorTicks := make(chan types.Tick, tickBufferSize)
	indWorker := indicator.NewWorker(cfg.Signal, buyable, indicatorTicks, logger)

	symbolMgr := market.NewSymbolManager(client, cfg.Symbols, buyable, logger)

	stratMgr, err := strategy.NewManager(cfg.Strategy, cfg.Portfolio, cfg.Symbols.Seed, logger)
	if err != nil {
		return nil, fmt.Errorf("create strategies: %w", err)
	}

	notifyCh := make(chan string, notifyBufferSize)
	cmdCh := make(chan types.Command, commandBufferSize)
	tradeCh := make(chan types.TradeRecord, tradeLogBufferSize)
	traderTicks := make(chan types.Tick, tickBufferSize)
	traderSymbols := make(chan []string, 1)

	logWriter, err := tradelog.NewWriter(cfg.TradeLog.Path, tradeCh, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger.With("component", "engine"),
		client:         client,
		apiWorker:      apiWorker,
		merger:         merger,
		tickerFeed:     tickerFeed,
		depthFeed:      depthFeed,
		symbolMgr:      symbolMgr,
		buyable:        buyable,
		indWorker:      indWorker,
		stratMgr:       stratMgr,
		logWriter:      logWriter,
		indicatorTicks: indicatorTicks,
		traderTicks:    traderTicks,
		traderSymbols:  traderSymbols,
		notifyCh:       notifyCh,
		cmdCh:          cmdCh,
		done:           make(chan struct{}),
	}

	e.trader = trader.New(cfg.Trader, cfg.Portfolio, stratMgr, cfg.Symbols.Seed, trader.Options{
		Ticks:      traderTicks,
		Symbols:    traderSymbols,
		Commands:   cmdCh,
		Requests:   reqCh,
		Responses:  respCh,
		Notify:     notifyCh,
		TradeLog:   tradeCh,
		WarmFn:     e.warmStrategy,
		ShutdownFn: e.requestShutdown,
	}, logger)

	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram, notifyCh, cmdCh, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		e.telegram = tg
	} else {
		e.logSink = notify.NewLogSink(notifyCh, logger)
	}

	return e, nil
}

// Done is closed when the engine wants the process to exit (e.g. the
// /shutdown command).
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start launches every worker. Returns immediately; Stop() tears down.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.logger.Info("engine starting",
		"dry_run", e.cfg.DryRun,
		"strategy", e.cfg.Strategy.Name,
		"symbols", e.cfg.Symbols.Seed,
	)

	e.spawn(func() { e.apiWorker.Run(e.ctx) })
	e.spawn(func() { e.merger.Run(e.ctx) })
	e.spawn(func() {
		if err := e.tickerFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("ticker feed stopped", "error", err)
		}
	})
	e.spawn(func() {
		if err := e.depthFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("depth feed stopped", "error", err)
		}
	})
	e.spawn(func() { e.indWorker.Run(e.ctx) })
	e.spawn(func() { e.teeTicks() })
	e.spawn(func() { e.fanOutSymbols() })
	e.spawn(func() { e.symbolMgr.Run(e.ctx) })
	e.spawn(func() { e.logWriter.Run(e.ctx) })
	if e.telegram != nil {
		e.spawn(func() { e.telegram.Run(e.ctx) })
	} else {
		e.spawn(func() { e.logSink.Run(e.ctx) })
	}
	e.spawn(func() {
		// Bad credentials must stop the process before any order leaves,
		// not trade on with zero balances.
		if !e.preflightCredentials() {
			e.requestShutdown()
			return
		}
		// Seed strategies with history before the first tick is traded on.
		for _, sym := range e.cfg.Symbols.Seed {
			e.warmStrategy(e.ctx, sym)
		}
		e.trader.Run(e.ctx)
	})
}

// Stop cancels all workers and waits for them to exit.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	if e.cancel != nil {
		e.cancel()
	}
	e.tickerFeed.Close()
	e.depthFeed.Close()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// requestShutdown is idempotent; the first call unblocks main's wait.
func (e *Engine) requestShutdown() {
	e.stopOnce.Do(func() { close(e.done) })
}

// teeTicks copies the unified stream to the indicator worker and the
// trader. Sends never block: a full consumer loses its oldest tick.
func (e *Engine) teeTicks() {
	ticks := e.merger.Ticks()
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-ticks:
			replaceStale(e.indicatorTicks, tick)
			replaceStale(e.traderTicks, tick)
		}
	}
}

func replaceStale(ch chan types.Tick, tick types.Tick) {
	select {
	case ch <- tick:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- tick:
	default:
	}
}

// fanOutSymbols applies each published symbol set to every consumer:
// the merger registers buffers first so no decoded tick is dropped, then
// the feeds redial, then the trader rebinds.
func (e *Engine) fanOutSymbols() {
	updates := e.symbolMgr.Updates()
	for {
		select {
		case <-e.ctx.Done():
			return
		case symbols := <-updates:
			e.merger.SetSymbols(symbols)
			e.tickerFeed.Reconfigure(symbols)
			e.depthFeed.Reconfigure(symbols)

			select {
			case e.traderSymbols <- symbols:
			default:
				select {
				case <-e.traderSymbols:
				default:
				}
				e.traderSymbols <- symbols
			}
		}
	}
}

// preflightCredentials verifies the configured API keys with an accounts
// call before the trader starts. Skipped when no keys are configured (pure
// dry-run without balances).
func (e *Engine) preflightCredentials() bool {
	if !e.client.Authenticated() {
		return true
	}
	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	if _, err := e.client.Accounts(ctx); err != nil {
		e.logger.Error("credential check failed, refusing to start trading", "error", err)
		select {
		case e.notifyCh <- fmt.Sprintf("[ERROR] credential check failed: %v", err):
		default:
		}
		return false
	}
	e.logger.Info("credentials verified")
	return true
}

// warmStrategy seeds one symbol's strategy with recent minute candles so
// its indicators don't start cold.
func (e *Engine) warmStrategy(ctx context.Context, symbol string) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	candles, err := e.client.MinuteCandles(ctx, symbol, 1, warmupCandles)
	if err != nil {
		e.logger.Warn("strategy warm-up failed, starting cold", "symbol", symbol, "error", err)
		return
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.TradePrice
	}
	e.stratMgr.Prepare(symbol, closes)
	e.logger.Info("strategy warmed", "symbol", symbol, "candles", len(closes))
}
