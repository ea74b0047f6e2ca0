// advanced.go implements the advanced scalping strategy: the scalping dip
// entry combined with trailing-stop and partial-close exits. While either
// exit mechanism is enabled the base take-profit is widened ×1.5 and the
// stop-loss tightened ×0.8, letting the tracker do the fine-grained exits.
package strategy

import (
	"fmt"
	"log/slog"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

type AdvancedScalping struct {
	book
	params  config.StrategyParams
	window  []float64
	tracker *exitTracker
}

func newAdvancedScalping(symbol string, params config.StrategyParams, logger *slog.Logger) *AdvancedScalping {
	return &AdvancedScalping{
		book:    newBook(symbol, logger.With("strategy", "advanced_scalping", "symbol", symbol)),
		params:  params,
		tracker: newExitTracker(params),
	}
}

func (a *AdvancedScalping) Name() string { return "advanced_scalping" }

func (a *AdvancedScalping) Prepare(closes []float64) {
	for _, c := range closes {
		a.pushPrice(c)
	}
}

func (a *AdvancedScalping) OnTick(tick types.Tick) types.Signal {
	if tick.Kind == types.TickDepth {
		a.observeDepth(tick)
		a.updateUnrealized(tick.TradePrice)
		return none
	}

	price := tick.TradePrice
	a.updateUnrealized(price)

	if a.params.MaxAllowedSpread > 0 && a.bestAsk > 0 && a.bestBid > 0 &&
		a.bestAsk-a.bestBid > a.params.MaxAllowedSpread {
		a.pushPrice(price)
		return none
	}

	if a.hasPosition() {
		sig := a.checkExit(price)
		a.pushPrice(price)
		return sig
	}

	sig := a.checkEntry(price)
	a.pushPrice(price)
	return sig
}

func (a *AdvancedScalping) checkEntry(price float64) types.Signal {
	if len(a.window) < a.params.Window {
		return none
	}
	low := a.window[0]
	for _, p := range a.window[1:] {
		if p < low {
			low = p
		}
	}
	if price <= low {
		return buy(price, fmt.Sprintf("scalping_dip: price %.2f <= window low %.2f", price, low))
	}
	return none
}

// checkExit evaluates exits in priority order: trailing stop, then the
// partial-close ladder, then the (adjusted) base take-profit/stop-loss.
func (a *AdvancedScalping) checkExit(price float64) types.Signal {
	entry := a.pos.EntryPrice
	if entry <= 0 {
		return none
	}

	if vol, reason, fired := a.tracker.checkTrailing(price, entry); fired {
		return sell(price, vol, reason)
	}

	gain := a.gainPct(price)

	if vol, reason, fired := a.tracker.checkPartial(gain); fired {
		return sell(price, vol, reason)
	}

	tp := a.params.TakeProfitPct
	sl := a.params.StopLossPct
	if a.tracker.enabled() {
		tp *= 1.5
		sl *= 0.8
	}
	if gain >= tp {
		return sell(price, 0, fmt.Sprintf("take_profit: +%.2f%%", gain))
	}
	if gain <= -sl {
		return sell(price, 0, fmt.Sprintf("stop_loss: %.2f%%", gain))
	}
	return none
}

func (a *AdvancedScalping) OnOrderFill(fill types.OrderFill) {
	a.applyFill(fill)
	if fill.Side == types.BUY {
		a.tracker.setup(fill.Price, fill.Volume)
	}
}

func (a *AdvancedScalping) pushPrice(price float64) {
	a.window = append(a.window, price)
	if len(a.window) > a.params.Window {
		a.window = a.window[len(a.window)-a.params.Window:]
	}
}
