// scalping.go implements the dip-buying scalping strategy: enter when the
// price touches the low of a short rolling window, exit at a fixed
// take-profit or stop-loss. Optionally gated by the orderbook spread.
package strategy

import (
	"fmt"
	"log/slog"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

type Scalping struct {
	book
	params config.StrategyParams
	window []float64
}

func newScalping(symbol string, params config.StrategyParams, logger *slog.Logger) *Scalping {
	return &Scalping{
		book:   newBook(symbol, logger.With("strategy", "scalping", "symbol", symbol)),
		params: params,
	}
}

func (s *Scalping) Name() string { return "scalping" }

func (s *Scalping) Prepare(closes []float64) {
	for _, c := range closes {
		s.pushPrice(c)
	}
}

func (s *Scalping) OnTick(tick types.Tick) types.Signal {
	if tick.Kind == types.TickDepth {
		s.observeDepth(tick)
		s.updateUnrealized(tick.TradePrice)
		return none
	}

	price := tick.TradePrice
	s.updateUnrealized(price)

	// Wide spread means bad fills; sit out until it tightens.
	if s.params.MaxAllowedSpread > 0 && s.bestAsk > 0 && s.bestBid > 0 &&
		s.bestAsk-s.bestBid > s.params.MaxAllowedSpread {
		s.pushPrice(price)
		return none
	}

	if s.hasPosition() {
		sig := s.checkExit(price)
		s.pushPrice(price)
		return sig
	}

	sig := s.checkEntry(price)
	s.pushPrice(price)
	return sig
}

// checkEntry buys when the price is at or below the window low.
func (s *Scalping) checkEntry(price float64) types.Signal {
	if len(s.window) < s.params.Window {
		return none
	}
	low := s.window[0]
	for _, p := range s.window[1:] {
		if p < low {
			low = p
		}
	}
	if price <= low {
		return buy(price, fmt.Sprintf("scalping_dip: price %.2f <= window low %.2f", price, low))
	}
	return none
}

func (s *Scalping) checkExit(price float64) types.Signal {
	gain := s.gainPct(price)
	if s.pos.EntryPrice <= 0 {
		return none
	}
	if gain >= s.params.TakeProfitPct {
		return sell(price, 0, fmt.Sprintf("take_profit: +%.2f%%", gain))
	}
	if gain <= -s.params.StopLossPct {
		return sell(price, 0, fmt.Sprintf("stop_loss: %.2f%%", gain))
	}
	return none
}

func (s *Scalping) OnOrderFill(fill types.OrderFill) {
	s.applyFill(fill)
}

func (s *Scalping) pushPrice(price float64) {
	s.window = append(s.window, price)
	if len(s.window) > s.params.Window {
		s.window = s.window[len(s.window)-s.params.Window:]
	}
}
