// macross.go implements the moving-average crossover strategy: enter on a
// golden cross of the fast SMA over the slow SMA, exit on take-profit,
// stop-loss, or a death cross.
package strategy

import (
	"fmt"
	"log/slog"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

type MACross struct {
	book
	params config.StrategyParams

	prices   []float64
	prevFast float64
	prevSlow float64
}

func newMACross(symbol string, params config.StrategyParams, logger *slog.Logger) *MACross {
	return &MACross{
		book:   newBook(symbol, logger.With("strategy", "ma_cross", "symbol", symbol)),
		params: params,
	}
}

func (m *MACross) Name() string { return "ma_cross" }

func (m *MACross) Prepare(closes []float64) {
	for _, c := range closes {
		if fast, slow, ok := m.step(c); ok {
			m.prevFast, m.prevSlow = fast, slow
		}
	}
}

func (m *MACross) OnTick(tick types.Tick) types.Signal {
	if tick.Kind == types.TickDepth {
		m.observeDepth(tick)
		m.updateUnrealized(tick.TradePrice)
		return none
	}

	price := tick.TradePrice
	m.updateUnrealized(price)

	fast, slow, ok := m.step(price)
	if !ok {
		return none
	}
	defer func() {
		m.prevFast, m.prevSlow = fast, slow
	}()

	// The first computed pair has no predecessor to cross from.
	if m.prevFast == 0 || m.prevSlow == 0 {
		return none
	}

	if m.hasPosition() {
		gain := m.gainPct(price)
		if gain >= m.params.TakeProfitPct {
			return sell(price, 0, fmt.Sprintf("take_profit: +%.2f%%", gain))
		}
		if gain <= -m.params.StopLossPct {
			return sell(price, 0, fmt.Sprintf("stop_loss: %.2f%%", gain))
		}
		if m.prevFast >= m.prevSlow && fast < slow {
			return sell(price, 0, fmt.Sprintf("death_cross: fast %.2f < slow %.2f", fast, slow))
		}
		return none
	}

	if m.prevFast <= m.prevSlow && fast > slow {
		return buy(price, fmt.Sprintf("golden_cross: fast %.2f > slow %.2f", fast, slow))
	}
	return none
}

func (m *MACross) OnOrderFill(fill types.OrderFill) {
	m.applyFill(fill)
}

// step appends a price and returns the fast/slow SMAs once enough history
// exists.
func (m *MACross) step(price float64) (fast, slow float64, ok bool) {
	m.prices = append(m.prices, price)
	if len(m.prices) > m.params.SlowPeriod {
		m.prices = m.prices[len(m.prices)-m.params.SlowPeriod:]
	}
	if len(m.prices) < m.params.SlowPeriod {
		return 0, 0, false
	}
	return sma(m.prices, m.params.FastPeriod), sma(m.prices, m.params.SlowPeriod), true
}

// sma averages the trailing n prices.
func sma(prices []float64, n int) float64 {
	if n <= 0 || len(prices) < n {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n)
}
