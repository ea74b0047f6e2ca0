// manager.go owns the symbol→strategy mapping and the portfolio gate every
// buy signal must pass.
package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

// Manager holds one strategy instance per active symbol. Ticks and fills
// arrive from the trader loop; the portfolio/performance reports may be
// read concurrently, hence the lock.
type Manager struct {
	mu        sync.RWMutex
	name      string
	cfg       config.StrategyConfig
	portfolio config.PortfolioConfig

	strategies map[string]Strategy
	logger     *slog.Logger
}

// NewManager creates a strategy per initial symbol.
func NewManager(cfg config.StrategyConfig, portfolio config.PortfolioConfig, symbols []string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		name:       cfg.Name,
		cfg:        cfg,
		portfolio:  portfolio,
		strategies: make(map[string]Strategy),
		logger:     logger.With("component", "strategy_manager"),
	}
	for _, sym := range symbols {
		st, err := New(cfg.Name, sym, cfg.ParamsFor(sym), logger)
		if err != nil {
			return nil, err
		}
		m.strategies[sym] = st
	}
	return m, nil
}

// Prepare seeds one symbol's strategy with historical closes.
func (m *Manager) Prepare(symbol string, closes []float64) {
	m.mu.RLock()
	st, ok := m.strategies[symbol]
	m.mu.RUnlock()
	if ok {
		st.Prepare(closes)
	}
}

// Has reports whether a strategy exists for the symbol.
func (m *Manager) Has(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.strategies[symbol]
	return ok
}

// ProcessTick dispatches the tick to the symbol's strategy. Buy signals are
// run through the portfolio gate; a rejected buy comes back as no-action
// with the rejection reason.
func (m *Manager) ProcessTick(tick types.Tick) types.Signal {
	m.mu.RLock()
	st, ok := m.strategies[tick.Symbol]
	m.mu.RUnlock()
	if !ok {
		return types.Signal{Action: types.ActionNone}
	}

	sig := st.OnTick(tick)
	if sig.Action != types.ActionBuy {
		return sig
	}

	if reason, ok := m.allowBuy(tick.Symbol); !ok {
		m.logger.Info("buy suppressed by portfolio gate", "symbol", tick.Symbol, "reason", reason)
		return types.Signal{Action: types.ActionNone, Reason: "portfolio_limit: " + reason}
	}
	return sig
}

// allowBuy applies the portfolio-wide constraints to a prospective entry.
func (m *Manager) allowBuy(symbol string) (string, bool) {
	maxPos := m.portfolio.MaxPositionFor(symbol)
	if maxPos <= 0 {
		return fmt.Sprintf("no position budget for %s", symbol), false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	total := 0.0
	for _, st := range m.strategies {
		pos := st.Position()
		if pos.Type == PositionLong {
			active++
			total += pos.Value()
		}
	}

	if active >= m.portfolio.MaxConcurrent {
		return fmt.Sprintf("concurrent positions %d >= %d", active, m.portfolio.MaxConcurrent), false
	}
	if total+maxPos > m.portfolio.MaxTotalPositionKRW {
		return fmt.Sprintf("total exposure %.0f + %.0f > %.0f KRW",
			total, maxPos, m.portfolio.MaxTotalPositionKRW), false
	}
	return "", true
}

// OnOrderFill routes a confirmed execution to its strategy.
func (m *Manager) OnOrderFill(fill types.OrderFill) {
	m.mu.RLock()
	st, ok := m.strategies[fill.Symbol]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("fill for unmanaged symbol", "symbol", fill.Symbol)
		return
	}
	st.OnOrderFill(fill)
}

// UpdateSymbols reconciles the strategy map with a new active set. Removed
// symbols with an open position are retained until they flatten; the trader
// is responsible for closing them. Returns the symbols that were added.
func (m *Manager) UpdateSymbols(symbols []string) ([]string, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for sym, st := range m.strategies {
		if want[sym] {
			continue
		}
		if st.Position().Type == PositionLong {
			m.logger.Warn("symbol removed while holding a position, retaining strategy",
				"symbol", sym, "volume", st.Position().Volume)
			continue
		}
		delete(m.strategies, sym)
		m.logger.Info("strategy removed", "symbol", sym)
	}

	var added []string
	for sym := range want {
		if _, ok := m.strategies[sym]; ok {
			continue
		}
		st, err := New(m.name, sym, m.cfg.ParamsFor(sym), m.logger)
		if err != nil {
			return added, err
		}
		m.strategies[sym] = st
		added = append(added, sym)
		m.logger.Info("strategy added", "symbol", sym)
	}
	sort.Strings(added)
	return added, nil
}

// ActivePositions counts open long positions.
func (m *Manager) ActivePositions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.strategies {
		if st.Position().Type == PositionLong {
			n++
		}
	}
	return n
}

// TotalRealizedPnL sums realized PnL across all strategies. The trader
// feeds this into the daily-loss risk check.
func (m *Manager) TotalRealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, st := range m.strategies {
		total += st.Stats().TotalPnL
	}
	return total
}

// PortfolioReport renders the open positions for the [PORTFOLIO]
// notification.
func (m *Manager) PortfolioReport() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("[PORTFOLIO]\n")

	syms := make([]string, 0, len(m.strategies))
	for sym := range m.strategies {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	open := 0
	total := 0.0
	for _, sym := range syms {
		pos := m.strategies[sym].Position()
		if pos.Type != PositionLong {
			continue
		}
		open++
		total += pos.Value()
		fmt.Fprintf(&b, "%s: %.8f @ %.2f (unrealized %+.0f KRW)\n",
			sym, pos.Volume, pos.EntryPrice, pos.UnrealizedPnL)
	}
	if open == 0 {
		b.WriteString("no open positions\n")
	}
	fmt.Fprintf(&b, "open: %d/%d, exposure: %.0f/%.0f KRW",
		open, m.portfolio.MaxConcurrent, total, m.portfolio.MaxTotalPositionKRW)
	return b.String()
}

// PerformanceReport renders per-symbol trade statistics for the
// [PERFORMANCE] notification.
func (m *Manager) PerformanceReport() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "[PERFORMANCE] strategy=%s\n", m.name)

	syms := make([]string, 0, len(m.strategies))
	for sym := range m.strategies {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	total := 0.0
	for _, sym := range syms {
		stats := m.strategies[sym].Stats()
		total += stats.TotalPnL
		fmt.Fprintf(&b, "%s: %d trades, %.0f%% win, pnl %+.0f KRW\n",
			sym, stats.TotalTrades, stats.WinRate()*100, stats.TotalPnL)
	}
	fmt.Fprintf(&b, "total pnl: %+.0f KRW", total)
	return b.String()
}
