// Package trader implements the central trading loop: it consumes unified
// ticks, routes them through the strategies, enforces the global order-rate
// cap, submits orders via the API worker, and runs the pending-order state
// machine (poll to fill, timeout to cancel) with exact request/response
// correlation.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autocoin/internal/config"
	"autocoin/internal/risk"
	"autocoin/internal/strategy"
	"autocoin/pkg/types"
)

// exchangeMinOrderKRW is Upbit's minimum order notional.
const exchangeMinOrderKRW = 5000

// tickWait bounds how long the loop blocks on the tick channel so commands,
// responses, and pending polls are always serviced.
const tickWait = time.Second

// pendingOrder tracks one exchange-accepted order until it terminates.
type pendingOrder struct {
	orderID         string
	symbol          string
	side            types.Side
	intendedVolume  float64 // coin units
	intendedPrice   float64
	reason          string
	sentAt          time.Time
	lastPollAt      time.Time
	cancelRequested bool
}

// autoSell is a queued liquidation of a removed symbol's balance. Balances
// and prices are captured at removal time because the symbol's state is
// dropped immediately.
type autoSell struct {
	symbol string
	price  float64
	volume float64
}

// correlation records what a response with a given request ID applies to.
type correlation struct {
	kind    types.RequestKind
	symbol  string
	price   float64
	volume  float64 // coin units for sells, KRW notional for buys
	orderID string
	reason  string
}

// Trader is the order-lifecycle orchestrator.
type Trader struct {
	cfg       config.TraderConfig
	portfolio config.PortfolioConfig
	manager   *strategy.Manager
	logger    *slog.Logger

	tickCh   <-chan types.Tick
	symbolCh <-chan []string
	cmdCh    <-chan types.Command
	reqCh    chan<- types.APIRequest
	respCh   <-chan types.APIResponse
	notifyCh chan<- string
	tradeCh  chan<- types.TradeRecord

	// warmFn seeds a freshly added symbol's strategy with candle history.
	warmFn func(ctx context.Context, symbol string)
	// shutdownFn asks the engine to stop everything.
	shutdownFn func()

	symbols      []string
	symbolSet    map[string]bool
	risks        map[string]*risk.Manager
	krwBalance   float64
	coinBalances map[string]float64
	lastPrices   map[string]float64

	pending      map[string]*pendingOrder
	correlations map[string]correlation
	autoSells    []autoSell

	paused      bool
	lastOrderAt time.Time
}

// Options carries the channel wiring and callbacks the engine provides.
type Options struct {
	Ticks      <-chan types.Tick
	Symbols    <-chan []string
	Commands   <-chan types.Command
	Requests   chan<- types.APIRequest
	Responses  <-chan types.APIResponse
	Notify     chan<- string
	TradeLog   chan<- types.TradeRecord
	WarmFn     func(ctx context.Context, symbol string)
	ShutdownFn func()
}

// New creates the trader bound to the initial symbol set.
func New(cfg config.TraderConfig, portfolio config.PortfolioConfig, manager *strategy.Manager, symbols []string, opts Options, logger *slog.Logger) *Trader {
	t := &Trader{
		cfg:          cfg,
		portfolio:    portfolio,
		manager:      manager,
		logger:       logger.With("component", "trader"),
		tickCh:       opts.Ticks,
		symbolCh:     opts.Symbols,
		cmdCh:        opts.Commands,
		reqCh:        opts.Requests,
		respCh:       opts.Responses,
		notifyCh:     opts.Notify,
		tradeCh:      opts.TradeLog,
		warmFn:       opts.WarmFn,
		shutdownFn:   opts.ShutdownFn,
		symbolSet:    make(map[string]bool),
		risks:        make(map[string]*risk.Manager),
		coinBalances: make(map[string]float64),
		lastPrices:   make(map[string]float64),
		pending:      make(map[string]*pendingOrder),
		correlations: make(map[string]correlation),
	}
	t.bindSymbols(symbols)
	return t
}

func (t *Trader) bindSymbols(symbols []string) {
	t.symbols = append([]string(nil), symbols...)
	t.symbolSet = make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		t.symbolSet[sym] = true
		if _, ok := t.risks[sym]; !ok {
			t.risks[sym] = risk.NewManager(sym, t.portfolio, t.logger)
		}
	}
}

// Run executes the trading loop until ctx is cancelled.
func (t *Trader) Run(ctx context.Context) {
	t.logger.Info("trader started", "symbols", t.symbols)

	// Startup reconciliation: rebuild balances before trading.
	t.requestBalanceRefresh(ctx, t.symbols)

	for {
		if ctx.Err() != nil {
			t.logger.Info("trader stopped")
			return
		}

		t.drainCommands(ctx)
		t.drainResponses(ctx)
		t.checkSymbolUpdate(ctx)
		t.processAutoSells(ctx)
		t.pollPending(ctx)

		select {
		case <-ctx.Done():
		case tick := <-t.tickCh:
			t.handleTick(ctx, tick)
		case <-time.After(tickWait):
			// No market data; loop to service everything else.
		}
	}
}

// ---- Commands ----

func (t *Trader) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-t.cmdCh:
			t.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (t *Trader) handleCommand(ctx context.Context, cmd types.Command) {
	switch cmd.Type {
	case types.CmdPause:
		t.paused = true
		t.notify("[INFO] trading paused")
	case types.CmdResume:
		t.paused = false
		t.notify("[INFO] trading resumed")
	case types.CmdShutdown:
		t.notify("[INFO] shutdown requested")
		if t.shutdownFn != nil {
			t.shutdownFn()
		}
	case types.CmdPortfolio:
		t.notify(t.manager.PortfolioReport())
	case types.CmdPerformance:
		t.notify(t.manager.PerformanceReport())
	default:
		t.logger.Warn("unknown command", "type", cmd.Type)
	}
}

// ---- API responses ----

func (t *Trader) drainResponses(ctx context.Context) {
	for {
		select {
		case resp := <-t.respCh:
			t.handleResponse(ctx, resp)
		default:
			return
		}
	}
}

func (t *Trader) handleResponse(ctx context.Context, resp types.APIResponse) {
	corr, ok := t.correlations[resp.ID]
	if !ok {
		// Orphan: not one of ours (or already retired). Ignore.
		t.logger.Warn("orphan api response ignored", "id", resp.ID, "kind", resp.Kind)
		return
	}
	delete(t.correlations, resp.ID)

	switch corr.kind {
	case types.ReqBalanceKRW:
		if resp.Error != "" {
			t.logger.Error("krw balance query failed", "error", resp.Error)
			return
		}
		t.krwBalance = resp.Balance

	case types.ReqBalanceCoin:
		if resp.Error != "" {
			t.logger.Error("coin balance query failed", "symbol", corr.symbol, "error", resp.Error)
			return
		}
		t.coinBalances[corr.symbol] = resp.Balance

	case types.ReqBuyOrder, types.ReqSellOrder:
		t.handleSubmission(ctx, corr, resp)

	case types.ReqOrderStatus:
		t.handleOrderStatus(ctx, corr, resp)

	case types.ReqCancelOrder:
		if resp.Error != "" {
			t.logger.Error("cancel failed", "order", corr.orderID, "error", resp.Error)
			return
		}
		delete(t.pending, corr.orderID)
		t.notify(fmt.Sprintf("[CANCEL] %s order %s cancelled", corr.symbol, corr.orderID))
	}
}

func (t *Trader) handleSubmission(ctx context.Context, corr correlation, resp types.APIResponse) {
	side := types.BUY
	label := "BUY"
	if corr.kind == types.ReqSellOrder {
		side = types.SELL
		label = "SELL"
	}

	if resp.Error != "" || resp.Order == nil || resp.Order.UUID == "" {
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = "no order id returned"
		}
		t.logger.Error("order submission rejected", "symbol", corr.symbol, "side", side, "error", errMsg)
		t.notify(fmt.Sprintf("[ERROR] %s %s order rejected: %s", corr.symbol, label, errMsg))
		return
	}

	intendedVolume := corr.volume
	if side == types.BUY && corr.price > 0 {
		// Market buys are submitted as KRW notional.
		intendedVolume = corr.volume / corr.price
	}

	p := &pendingOrder{
		orderID:        resp.Order.UUID,
		symbol:         corr.symbol,
		side:           side,
		intendedVolume: intendedVolume,
		intendedPrice:  corr.price,
		reason:         corr.reason,
		sentAt:         time.Now(),
	}
	t.pending[p.orderID] = p

	t.notify(fmt.Sprintf("[%s REQUEST] %s %.8f @ %.2f (%s)",
		label, corr.symbol, intendedVolume, corr.price, corr.reason))

	// Dry-run submissions come back already done.
	if resp.Order.State == "done" {
		t.completeFill(ctx, p, resp.Order)
	}
}

func (t *Trader) handleOrderStatus(ctx context.Context, corr correlation, resp types.APIResponse) {
	p, ok := t.pending[corr.orderID]
	if !ok {
		return
	}
	if resp.Error != "" {
		t.logger.Warn("order status poll failed", "order", corr.orderID, "error", resp.Error)
		return
	}

	switch resp.Order.State {
	case "done":
		t.completeFill(ctx, p, resp.Order)
	case "cancel", "fail":
		delete(t.pending, p.orderID)
		t.notify(fmt.Sprintf("[CANCELLED] %s %s order %s (state=%s)",
			p.symbol, p.side, p.orderID, resp.Order.State))
	default:
		// Still waiting.
	}
}

// completeFill turns a done order into an OrderFill: VWAP over the reported
// trades, falling back to the intended price when the exchange reports none.
func (t *Trader) completeFill(ctx context.Context, p *pendingOrder, order *types.OrderState) {
	delete(t.pending, p.orderID)

	price := vwap(order.Trades)
	if price <= 0 {
		price = p.intendedPrice
	}
	volume := order.Executed()
	if volume <= 0 {
		volume = tradesVolume(order.Trades)
	}
	if volume <= 0 {
		volume = p.intendedVolume
	}

	fill := types.OrderFill{
		Symbol:    p.symbol,
		Side:      p.side,
		Price:     price,
		Volume:    volume,
		Timestamp: time.Now().UTC(),
		OrderID:   p.orderID,
	}

	t.manager.OnOrderFill(fill)
	t.notify(fmt.Sprintf("[FILL] %s %s %.8f @ %.2f (%s)",
		fill.Symbol, fill.Side, fill.Volume, fill.Price, p.reason))

	select {
	case t.tradeCh <- types.TradeRecord{
		Timestamp: fill.Timestamp,
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Price:     fill.Price,
		Volume:    fill.Volume,
	}:
	default:
		t.logger.Warn("trade log channel full, dropping record", "symbol", fill.Symbol)
	}

	// Refresh balances so the next risk evaluation sees the fill.
	if t.symbolSet[fill.Symbol] {
		t.requestBalanceRefresh(ctx, []string{fill.Symbol})
	} else {
		t.requestBalanceRefresh(ctx, nil)
	}
}

// vwap is the volume-weighted average price over the reported executions.
func vwap(trades []types.OrderTrade) float64 {
	notional := decimal.Zero
	volume := decimal.Zero
	for _, tr := range trades {
		p := decimal.NewFromFloat(tr.Price)
		v := decimal.NewFromFloat(tr.Volume)
		notional = notional.Add(p.Mul(v))
		volume = volume.Add(v)
	}
	if volume.IsZero() {
		return 0
	}
	f, _ := notional.Div(volume).Float64()
	return f
}

func tradesVolume(trades []types.OrderTrade) float64 {
	total := 0.0
	for _, tr := range trades {
		total += tr.Volume
	}
	return total
}

// ---- Pending-order state machine ----

func (t *Trader) pollPending(ctx context.Context) {
	now := time.Now()
	for _, p := range t.pending {
		if !p.cancelRequested && now.Sub(p.sentAt) >= t.cfg.PendingTimeout {
			p.cancelRequested = true
			t.logger.Warn("pending order timed out, cancelling",
				"order", p.orderID, "symbol", p.symbol, "age", now.Sub(p.sentAt))
			t.sendRequest(ctx, types.APIRequest{
				Kind:    types.ReqCancelOrder,
				Symbol:  p.symbol,
				OrderID: p.orderID,
			}, correlation{kind: types.ReqCancelOrder, symbol: p.symbol, orderID: p.orderID})
			continue
		}
		if now.Sub(p.lastPollAt) >= t.cfg.PendingCheckInterval {
			p.lastPollAt = now
			t.sendRequest(ctx, types.APIRequest{
				Kind:    types.ReqOrderStatus,
				Symbol:  p.symbol,
				OrderID: p.orderID,
			}, correlation{kind: types.ReqOrderStatus, symbol: p.symbol, orderID: p.orderID})
		}
	}
}

// ---- Ticks and order submission ----

func (t *Trader) handleTick(ctx context.Context, tick types.Tick) {
	if !t.symbolSet[tick.Symbol] {
		return
	}
	if tick.TradePrice > 0 {
		t.lastPrices[tick.Symbol] = tick.TradePrice
	}
	if t.paused {
		return
	}

	sig := t.manager.ProcessTick(tick)
	switch sig.Action {
	case types.ActionBuy:
		t.submitBuy(ctx, tick.Symbol, sig)
	case types.ActionSell:
		t.submitSell(ctx, tick.Symbol, sig)
	}
}

func (t *Trader) orderSlotOpen() bool {
	return time.Since(t.lastOrderAt) >= t.cfg.OrderInterval
}

func (t *Trader) submitBuy(ctx context.Context, symbol string, sig types.Signal) {
	if !t.orderSlotOpen() {
		return
	}
	rm, ok := t.risks[symbol]
	if !ok {
		return
	}

	// Risk inputs are computed fresh at submission time.
	totalCoinValue := 0.0
	for sym, bal := range t.coinBalances {
		totalCoinValue += bal * t.lastPrices[sym]
	}
	coinRatio := 0.0
	if totalCoinValue+t.krwBalance > 0 {
		coinRatio = totalCoinValue / (totalCoinValue + t.krwBalance)
	}
	dailyPnL := t.manager.TotalRealizedPnL()
	active := t.manager.ActivePositions()

	allowed, err := rm.AllowOrder(t.krwBalance, coinRatio, dailyPnL, active)
	if !allowed {
		t.logger.Info("buy rejected by risk gate", "symbol", symbol, "reason", err)
		return
	}

	krwAmount := t.krwBalance
	if budget := rm.MaxPositionKRW(); krwAmount > budget {
		krwAmount = budget
	}
	if krwAmount < exchangeMinOrderKRW {
		return
	}

	t.lastOrderAt = time.Now()
	t.sendRequest(ctx, types.APIRequest{
		Kind:   types.ReqBuyOrder,
		Symbol: symbol,
		Price:  sig.Price,
		Volume: krwAmount, // KRW notional for a market buy
	}, correlation{
		kind:   types.ReqBuyOrder,
		symbol: symbol,
		price:  sig.Price,
		volume: krwAmount,
		reason: sig.Reason,
	})
}

func (t *Trader) submitSell(ctx context.Context, symbol string, sig types.Signal) {
	if !t.orderSlotOpen() {
		return
	}

	volume := sig.Volume
	if volume <= 0 {
		volume = t.coinBalances[symbol]
	}
	if volume <= 0 {
		t.logger.Info("sell skipped, nothing to sell", "symbol", symbol)
		return
	}

	t.lastOrderAt = time.Now()
	t.sendRequest(ctx, types.APIRequest{
		Kind:   types.ReqSellOrder,
		Symbol: symbol,
		Price:  sig.Price,
		Volume: volume,
	}, correlation{
		kind:   types.ReqSellOrder,
		symbol: symbol,
		price:  sig.Price,
		volume: volume,
		reason: sig.Reason,
	})
}

// ---- Dynamic rebind (symbol-set changes) ----

func (t *Trader) checkSymbolUpdate(ctx context.Context) {
	var newSet []string
	select {
	case newSet = <-t.symbolCh:
	default:
		return
	}

	want := make(map[string]bool, len(newSet))
	for _, sym := range newSet {
		want[sym] = true
	}

	// Removed symbols: queue any remaining balance for liquidation, then
	// drop state. The queue drains through the order-interval gate, one
	// sell per open slot, like every other submission.
	for _, sym := range t.symbols {
		if want[sym] {
			continue
		}
		if bal := t.coinBalances[sym]; bal > 0 {
			t.notify(fmt.Sprintf("[AUTO SELL] %s removed from active set, selling %.8f", sym, bal))
			t.autoSells = append(t.autoSells, autoSell{
				symbol: sym,
				price:  t.lastPrices[sym],
				volume: bal,
			})
		}
		delete(t.risks, sym)
		delete(t.coinBalances, sym)
		delete(t.lastPrices, sym)
	}

	var added []string
	for _, sym := range newSet {
		if !t.symbolSet[sym] {
			added = append(added, sym)
		}
	}

	t.bindSymbols(newSet)

	for _, sym := range added {
		t.coinBalances[sym] = 0
		t.lastPrices[sym] = 0
	}
	if len(added) > 0 {
		t.requestBalanceRefresh(ctx, added)
	}

	if _, err := t.manager.UpdateSymbols(newSet); err != nil {
		t.logger.Error("strategy update failed", "error", err)
	}
	if t.warmFn != nil {
		for _, sym := range added {
			t.warmFn(ctx, sym)
		}
	}

	t.notify(fmt.Sprintf("[SYMBOLS] active set now %v", newSet))
}

// processAutoSells submits at most one queued liquidation per open order
// slot, so rebind sells share the global order-rate cap with everything
// else. The loop runs at least once per second, so the queue drains fast.
func (t *Trader) processAutoSells(ctx context.Context) {
	if len(t.autoSells) == 0 || !t.orderSlotOpen() {
		return
	}
	sale := t.autoSells[0]
	t.autoSells = t.autoSells[1:]

	t.lastOrderAt = time.Now()
	t.sendRequest(ctx, types.APIRequest{
		Kind:   types.ReqSellOrder,
		Symbol: sale.symbol,
		Price:  sale.price,
		Volume: sale.volume,
	}, correlation{
		kind:   types.ReqSellOrder,
		symbol: sale.symbol,
		price:  sale.price,
		volume: sale.volume,
		reason: "symbol_removed",
	})
}

// ---- Plumbing ----

// requestBalanceRefresh queries the KRW balance and, when symbols are
// given, each symbol's coin balance.
func (t *Trader) requestBalanceRefresh(ctx context.Context, symbols []string) {
	t.sendRequest(ctx, types.APIRequest{Kind: types.ReqBalanceKRW},
		correlation{kind: types.ReqBalanceKRW})
	for _, sym := range symbols {
		t.sendRequest(ctx, types.APIRequest{Kind: types.ReqBalanceCoin, Symbol: sym},
			correlation{kind: types.ReqBalanceCoin, symbol: sym})
	}
}

// sendRequest assigns the request ID, installs the correlation, and hands
// the request to the API worker.
func (t *Trader) sendRequest(ctx context.Context, req types.APIRequest, corr correlation) {
	req.ID = uuid.NewString()
	t.correlations[req.ID] = corr

	select {
	case t.reqCh <- req:
	case <-ctx.Done():
		delete(t.correlations, req.ID)
	}
}

// notify pushes a message to the notification channel without ever
// blocking the trading loop.
func (t *Trader) notify(msg string) {
	select {
	case t.notifyCh <- msg:
	default:
		t.logger.Warn("notify channel full, dropping message", "message", msg)
	}
}
