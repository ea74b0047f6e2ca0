// rsi.go implements the RSI reversal strategy: enter when a Wilder-smoothed
// RSI turns up out of oversold territory, exit on take-profit, stop-loss,
// or overbought RSI.
package strategy

import (
	"fmt"
	"log/slog"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

type RSIStrategy struct {
	book
	params config.StrategyParams

	lastPrice float64
	samples   int
	avgGain   float64
	avgLoss   float64

	rsi     float64
	prevRSI float64
}

func newRSI(symbol string, params config.StrategyParams, logger *slog.Logger) *RSIStrategy {
	return &RSIStrategy{
		book:    newBook(symbol, logger.With("strategy", "rsi", "symbol", symbol)),
		params:  params,
		rsi:     -1,
		prevRSI: -1,
	}
}

func (r *RSIStrategy) Name() string { return "rsi" }

func (r *RSIStrategy) Prepare(closes []float64) {
	for _, c := range closes {
		r.step(c)
	}
}

func (r *RSIStrategy) OnTick(tick types.Tick) types.Signal {
	if tick.Kind == types.TickDepth {
		r.observeDepth(tick)
		r.updateUnrealized(tick.TradePrice)
		return none
	}

	price := tick.TradePrice
	r.updateUnrealized(price)

	if !r.step(price) {
		return none
	}

	if r.hasPosition() {
		gain := r.gainPct(price)
		if gain >= r.params.TakeProfitPct {
			return sell(price, 0, fmt.Sprintf("take_profit: +%.2f%%", gain))
		}
		if gain <= -r.params.StopLossPct {
			return sell(price, 0, fmt.Sprintf("stop_loss: %.2f%%", gain))
		}
		if r.rsi >= r.params.OverboughtLevel {
			return sell(price, 0, fmt.Sprintf("rsi_overbought: %.1f", r.rsi))
		}
		return none
	}

	// Oversold reversal: RSI was at or below the floor and is now climbing
	// back through it.
	if r.prevRSI >= 0 &&
		r.prevRSI <= r.params.OversoldLevel &&
		r.rsi > r.prevRSI &&
		r.rsi > r.params.OversoldLevel {
		return buy(price, fmt.Sprintf("rsi_reversal: %.1f -> %.1f", r.prevRSI, r.rsi))
	}
	return none
}

func (r *RSIStrategy) OnOrderFill(fill types.OrderFill) {
	r.applyFill(fill)
}

// step folds one price into the Wilder averages. The first `period` deltas
// form a simple mean; afterwards each delta is smoothed in with weight 1/n.
// Returns whether an RSI value is available.
func (r *RSIStrategy) step(price float64) bool {
	if r.lastPrice == 0 {
		r.lastPrice = price
		return false
	}

	delta := price - r.lastPrice
	r.lastPrice = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	n := float64(r.params.RSIPeriod)
	r.samples++
	switch {
	case r.samples < r.params.RSIPeriod:
		r.avgGain += gain
		r.avgLoss += loss
		return false
	case r.samples == r.params.RSIPeriod:
		r.avgGain = (r.avgGain + gain) / n
		r.avgLoss = (r.avgLoss + loss) / n
	default:
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}

	r.prevRSI = r.rsi
	if r.avgLoss == 0 {
		r.rsi = 100
	} else {
		rs := r.avgGain / r.avgLoss
		r.rsi = 100 - 100/(1+rs)
	}
	return true
}
