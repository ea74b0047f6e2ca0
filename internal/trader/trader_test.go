package trader

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"autocoin/internal/config"
	"autocoin/internal/strategy"
	"autocoin/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	trader   *Trader
	reqCh    chan types.APIRequest
	respCh   chan types.APIResponse
	notifyCh chan string
	tradeCh  chan types.TradeRecord
	symbolCh chan []string
	warmed   []string
}

func newHarness(t *testing.T, symbols []string) *harness {
	t.Helper()

	stratCfg := config.StrategyConfig{
		Name:     "scalping",
		Defaults: config.StrategyParams{Window: 2, TakeProfitPct: 0.5, StopLossPct: 1.0},
	}
	portfolio := config.PortfolioConfig{
		DefaultMaxPositionKRW: 100000,
		MaxTotalPositionKRW:   10000000,
		MaxConcurrent:         2,
		DailyLossLimitKRW:     50000,
		MaxCoinRatio:          0.9,
	}
	manager, err := strategy.NewManager(stratCfg, portfolio, symbols, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		reqCh:    make(chan types.APIRequest, 32),
		respCh:   make(chan types.APIResponse, 32),
		notifyCh: make(chan string, 32),
		tradeCh:  make(chan types.TradeRecord, 32),
		symbolCh: make(chan []string, 1),
	}
	cfg := config.TraderConfig{
		OrderInterval:        time.Millisecond,
		PendingCheckInterval: 20 * time.Millisecond,
		PendingTimeout:       60 * time.Millisecond,
	}
	h.trader = New(cfg, portfolio, manager, symbols, Options{
		Symbols:   h.symbolCh,
		Requests:  h.reqCh,
		Responses: h.respCh,
		Notify:    h.notifyCh,
		TradeLog:  h.tradeCh,
		WarmFn:    func(ctx context.Context, symbol string) { h.warmed = append(h.warmed, symbol) },
	}, discardLogger())
	return h
}

func (h *harness) nextRequest(t *testing.T) types.APIRequest {
	t.Helper()
	select {
	case req := <-h.reqCh:
		return req
	default:
		t.Fatal("no api request queued")
		return types.APIRequest{}
	}
}

func (h *harness) expectNotify(t *testing.T, substr string) {
	t.Helper()
	select {
	case msg := <-h.notifyCh:
		if !strings.Contains(msg, substr) {
			t.Fatalf("notification = %q, want substring %q", msg, substr)
		}
	default:
		t.Fatalf("no notification, want one containing %q", substr)
	}
}

// installBuy walks a buy submission through sendRequest + handleSubmission
// and returns the pending order it created.
func (h *harness) installBuy(t *testing.T, ctx context.Context, symbol string) *pendingOrder {
	t.Helper()
	tr := h.trader
	tr.sendRequest(ctx, types.APIRequest{Kind: types.ReqBuyOrder, Symbol: symbol, Price: 100, Volume: 100000},
		correlation{kind: types.ReqBuyOrder, symbol: symbol, price: 100, volume: 100000, reason: "test_entry"})
	req := h.nextRequest(t)

	tr.handleResponse(ctx, types.APIResponse{
		ID:    req.ID,
		Kind:  types.ReqBuyOrder,
		Order: &types.OrderState{UUID: "ord-1", State: "wait"},
	})
	h.expectNotify(t, "[BUY REQUEST]")

	p, ok := tr.pending["ord-1"]
	if !ok {
		t.Fatal("submission did not install a pending order")
	}
	return p
}

func TestOrphanResponseIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})

	h.trader.handleResponse(context.Background(), types.APIResponse{ID: "never-sent", Kind: types.ReqBuyOrder})

	if len(h.trader.pending) != 0 || len(h.trader.correlations) != 0 {
		t.Error("orphan response mutated trader state")
	}
	select {
	case msg := <-h.notifyCh:
		t.Errorf("orphan response produced notification %q", msg)
	default:
	}
}

func TestEveryResponseRetiresItsCorrelation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	ctx := context.Background()

	h.trader.sendRequest(ctx, types.APIRequest{Kind: types.ReqBalanceKRW}, correlation{kind: types.ReqBalanceKRW})
	req := h.nextRequest(t)

	h.trader.handleResponse(ctx, types.APIResponse{ID: req.ID, Balance: 123456})
	if h.trader.krwBalance != 123456 {
		t.Errorf("krw balance = %v, want 123456", h.trader.krwBalance)
	}
	if len(h.trader.correlations) != 0 {
		t.Error("correlation survived its response")
	}

	// A duplicate response for the same ID is now an orphan.
	h.trader.handleResponse(ctx, types.APIResponse{ID: req.ID, Balance: 999})
	if h.trader.krwBalance != 123456 {
		t.Error("duplicate response re-applied")
	}
}

func TestBuySubmissionComputesCoinVolume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})

	p := h.installBuy(t, context.Background(), "KRW-BTC")

	// 100000 KRW at 100 KRW/coin.
	if p.intendedVolume != 1000 {
		t.Errorf("intended volume = %v, want 1000", p.intendedVolume)
	}
	if p.side != types.BUY || p.symbol != "KRW-BTC" {
		t.Errorf("pending = %+v", p)
	}
}

func TestRejectedSubmissionNotifiesError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	ctx := context.Background()

	h.trader.sendRequest(ctx, types.APIRequest{Kind: types.ReqBuyOrder, Symbol: "KRW-BTC"},
		correlation{kind: types.ReqBuyOrder, symbol: "KRW-BTC", price: 100, volume: 100000})
	req := h.nextRequest(t)

	h.trader.handleResponse(ctx, types.APIResponse{ID: req.ID, Error: "insufficient funds"})

	h.expectNotify(t, "[ERROR]")
	if len(h.trader.pending) != 0 {
		t.Error("rejected submission installed a pending order")
	}
}

func TestPendingTimeoutTriggersCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	ctx := context.Background()

	p := h.installBuy(t, ctx, "KRW-BTC")
	p.sentAt = time.Now().Add(-2 * h.trader.cfg.PendingTimeout)

	h.trader.pollPending(ctx)

	req := h.nextRequest(t)
	if req.Kind != types.ReqCancelOrder || req.OrderID != "ord-1" {
		t.Fatalf("request = %+v, want cancel of ord-1", req)
	}
	if !p.cancelRequested {
		t.Error("cancelRequested not set")
	}

	// A second poll pass must not send a second cancel.
	h.trader.pollPending(ctx)
	for len(h.reqCh) > 0 {
		if extra := <-h.reqCh; extra.Kind == types.ReqCancelOrder {
			t.Fatalf("duplicate cancel queued: %+v", extra)
		}
	}

	// Cancel confirmation retires the pending order; no fill is dispatched.
	h.trader.handleResponse(ctx, types.APIResponse{ID: req.ID, Kind: types.ReqCancelOrder})
	h.expectNotify(t, "[CANCEL]")
	if len(h.trader.pending) != 0 {
		t.Error("pending order survived its cancel")
	}
	select {
	case rec := <-h.tradeCh:
		t.Errorf("cancelled order produced trade record %+v", rec)
	default:
	}
}

func TestPendingPollCompletesFill(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	ctx := context.Background()

	h.installBuy(t, ctx, "KRW-BTC")

	h.trader.pollPending(ctx)
	req := h.nextRequest(t)
	if req.Kind != types.ReqOrderStatus || req.OrderID != "ord-1" {
		t.Fatalf("request = %+v, want status poll of ord-1", req)
	}

	h.trader.handleResponse(ctx, types.APIResponse{
		ID:   req.ID,
		Kind: types.ReqOrderStatus,
		Order: &types.OrderState{
			UUID: "ord-1", State: "done",
			Volume: 1000, RemainingVolume: 0,
			Trades: []types.OrderTrade{{Price: 100, Volume: 600}, {Price: 101, Volume: 400}},
		},
	})

	h.expectNotify(t, "[FILL]")
	if len(h.trader.pending) != 0 {
		t.Error("filled order still pending")
	}

	select {
	case rec := <-h.tradeCh:
		if rec.Volume != 1000 {
			t.Errorf("trade volume = %v, want 1000", rec.Volume)
		}
		// VWAP of 600@100 + 400@101.
		if rec.Price < 100.39 || rec.Price > 100.41 {
			t.Errorf("trade price = %v, want 100.4", rec.Price)
		}
	default:
		t.Fatal("fill not recorded to trade log")
	}

	// The fill triggers a balance refresh for the symbol.
	kinds := map[types.RequestKind]bool{}
	for len(h.reqCh) > 0 {
		kinds[(<-h.reqCh).Kind] = true
	}
	if !kinds[types.ReqBalanceKRW] || !kinds[types.ReqBalanceCoin] {
		t.Errorf("balance refresh after fill = %v", kinds)
	}
}

func TestImmediateDoneSubmissionFills(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	ctx := context.Background()

	h.trader.sendRequest(ctx, types.APIRequest{Kind: types.ReqBuyOrder, Symbol: "KRW-BTC", Price: 100, Volume: 100000},
		correlation{kind: types.ReqBuyOrder, symbol: "KRW-BTC", price: 100, volume: 100000, reason: "dry_run"})
	req := h.nextRequest(t)

	h.trader.handleResponse(ctx, types.APIResponse{
		ID:   req.ID,
		Kind: types.ReqBuyOrder,
		Order: &types.OrderState{
			UUID: "dry-1", State: "done",
			Volume: 1000, RemainingVolume: 0,
			Trades: []types.OrderTrade{{Price: 100, Volume: 1000}},
		},
	})

	h.expectNotify(t, "[BUY REQUEST]")
	h.expectNotify(t, "[FILL]")
	if len(h.trader.pending) != 0 {
		t.Error("immediately-done order left pending")
	}
}

func TestSubmitBuyCapsAtPositionBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	h.trader.krwBalance = 500000

	h.trader.submitBuy(context.Background(), "KRW-BTC", types.Signal{Action: types.ActionBuy, Price: 100, Reason: "r"})

	req := h.nextRequest(t)
	if req.Kind != types.ReqBuyOrder {
		t.Fatalf("request = %+v", req)
	}
	if req.Volume != 100000 {
		t.Errorf("order notional = %v, want budget cap 100000", req.Volume)
	}
}

func TestSubmitBuyRespectsRiskGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	h.trader.krwBalance = 3000 // below the exchange minimum

	h.trader.submitBuy(context.Background(), "KRW-BTC", types.Signal{Action: types.ActionBuy, Price: 100})

	select {
	case req := <-h.reqCh:
		t.Errorf("risk-rejected buy was submitted: %+v", req)
	default:
	}
}

func TestOrderIntervalGatesSubmissions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	h.trader.cfg.OrderInterval = 10 * time.Second
	h.trader.krwBalance = 500000

	ctx := context.Background()
	h.trader.submitBuy(ctx, "KRW-BTC", types.Signal{Action: types.ActionBuy, Price: 100})
	h.nextRequest(t)

	h.trader.submitBuy(ctx, "KRW-BTC", types.Signal{Action: types.ActionBuy, Price: 100})
	select {
	case req := <-h.reqCh:
		t.Errorf("second order inside the interval: %+v", req)
	default:
	}
}

func TestSubmitSellDefaultsToFullBalance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	h.trader.coinBalances["KRW-BTC"] = 2.5

	h.trader.submitSell(context.Background(), "KRW-BTC", types.Signal{Action: types.ActionSell, Price: 100, Reason: "exit"})

	req := h.nextRequest(t)
	if req.Kind != types.ReqSellOrder || req.Volume != 2.5 {
		t.Errorf("request = %+v, want full-balance sell of 2.5", req)
	}
}

func TestSubmitSellSkipsEmptyBalance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})

	h.trader.submitSell(context.Background(), "KRW-BTC", types.Signal{Action: types.ActionSell, Price: 100})

	select {
	case req := <-h.reqCh:
		t.Errorf("empty-balance sell submitted: %+v", req)
	default:
	}
}

func TestPauseSuppressesSignals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})
	h.trader.krwBalance = 500000
	ctx := context.Background()

	tickAt := func(price float64) types.Tick {
		return types.Tick{Symbol: "KRW-BTC", Kind: types.TickTrade, TradePrice: price, Timestamp: time.Now()}
	}

	// Fill the scalping window, then pause before the dip entry.
	h.trader.handleTick(ctx, tickAt(10))
	h.trader.handleTick(ctx, tickAt(9))
	h.trader.handleCommand(ctx, types.Command{Type: types.CmdPause})
	h.expectNotify(t, "paused")

	h.trader.handleTick(ctx, tickAt(8))
	select {
	case req := <-h.reqCh:
		t.Fatalf("paused trader submitted %+v", req)
	default:
	}

	h.trader.handleCommand(ctx, types.Command{Type: types.CmdResume})
	h.expectNotify(t, "resumed")

	h.trader.handleTick(ctx, tickAt(8))
	if req := h.nextRequest(t); req.Kind != types.ReqBuyOrder {
		t.Errorf("request after resume = %+v, want buy", req)
	}
}

func TestTickForInactiveSymbolDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC"})

	h.trader.handleTick(context.Background(), types.Tick{Symbol: "KRW-DOGE", Kind: types.TickTrade, TradePrice: 10})

	if _, ok := h.trader.lastPrices["KRW-DOGE"]; ok {
		t.Error("inactive symbol tracked a price")
	}
}

func TestSymbolRebindAutoSellsRemoved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC", "KRW-ETH"})
	ctx := context.Background()

	h.trader.coinBalances["KRW-BTC"] = 1.5
	h.trader.lastPrices["KRW-BTC"] = 100

	h.symbolCh <- []string{"KRW-ETH", "KRW-XRP"}
	h.trader.checkSymbolUpdate(ctx)
	h.expectNotify(t, "[AUTO SELL]")
	h.trader.processAutoSells(ctx)

	// The batch holds the removed symbol's liquidation and a balance
	// refresh covering the added symbol.
	var sell types.APIRequest
	sawCoinQuery := false
	for len(h.reqCh) > 0 {
		switch r := <-h.reqCh; r.Kind {
		case types.ReqSellOrder:
			sell = r
		case types.ReqBalanceCoin:
			if r.Symbol == "KRW-XRP" {
				sawCoinQuery = true
			}
		}
	}
	if sell.Symbol != "KRW-BTC" || sell.Volume != 1.5 {
		t.Fatalf("sell = %+v, want 1.5 KRW-BTC", sell)
	}
	if corr := h.trader.correlations[sell.ID]; corr.reason != "symbol_removed" {
		t.Errorf("sell reason = %q, want symbol_removed", corr.reason)
	}
	if !sawCoinQuery {
		t.Error("no coin balance query for the added symbol")
	}

	if _, ok := h.trader.risks["KRW-BTC"]; ok {
		t.Error("removed symbol kept its risk manager")
	}
	if _, ok := h.trader.risks["KRW-XRP"]; !ok {
		t.Error("added symbol has no risk manager")
	}
	if len(h.warmed) != 1 || h.warmed[0] != "KRW-XRP" {
		t.Errorf("warmed = %v, want [KRW-XRP]", h.warmed)
	}
	h.expectNotify(t, "[SYMBOLS]")
}

func TestAutoSellsShareOrderInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"KRW-BTC", "KRW-ETH"})
	h.trader.cfg.OrderInterval = 10 * time.Second
	ctx := context.Background()

	h.trader.coinBalances["KRW-BTC"] = 1
	h.trader.coinBalances["KRW-ETH"] = 2
	h.trader.lastPrices["KRW-BTC"] = 100
	h.trader.lastPrices["KRW-ETH"] = 200

	h.symbolCh <- []string{"KRW-XRP"}
	h.trader.checkSymbolUpdate(ctx)

	// One pass, one sell: the second liquidation waits for the next slot.
	h.trader.processAutoSells(ctx)
	h.trader.processAutoSells(ctx)
	sells := 0
	for len(h.reqCh) > 0 {
		if r := <-h.reqCh; r.Kind == types.ReqSellOrder {
			sells++
		}
	}
	if sells != 1 {
		t.Fatalf("sells in one interval = %d, want 1", sells)
	}
	if h.trader.lastOrderAt.IsZero() {
		t.Error("auto-sell did not stamp the order clock")
	}
	if len(h.trader.autoSells) != 1 {
		t.Fatalf("queued sells = %d, want 1", len(h.trader.autoSells))
	}

	// The slot reopens and the queue drains.
	h.trader.lastOrderAt = time.Now().Add(-h.trader.cfg.OrderInterval)
	h.trader.processAutoSells(ctx)
	sells = 0
	for len(h.reqCh) > 0 {
		if r := <-h.reqCh; r.Kind == types.ReqSellOrder {
			sells++
		}
	}
	if sells != 1 || len(h.trader.autoSells) != 0 {
		t.Errorf("after slot reopened: sells = %d, queued = %d", sells, len(h.trader.autoSells))
	}
}

func TestVWAP(t *testing.T) {
	t.Parallel()
	trades := []types.OrderTrade{{Price: 100, Volume: 1}, {Price: 200, Volume: 3}}
	if got := vwap(trades); got != 175 {
		t.Errorf("vwap = %v, want 175", got)
	}
	if got := vwap(nil); got != 0 {
		t.Errorf("vwap(nil) = %v, want 0", got)
	}
	if got := tradesVolume(trades); got != 4 {
		t.Errorf("tradesVolume = %v, want 4", got)
	}
}
