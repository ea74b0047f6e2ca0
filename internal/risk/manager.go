// Package risk implements the per-symbol order gate the trader consults
// before every buy submission.
package risk

import (
	"fmt"
	"log/slog"
	"time"

	"autocoin/internal/config"
)

// exchangeMinOrderKRW is Upbit's minimum order notional.
const exchangeMinOrderKRW = 5000

// Manager gates buy orders for one symbol against portfolio-level limits.
// The trader owns one Manager per active symbol and recomputes the inputs
// fresh before each submission.
type Manager struct {
	symbol         string
	maxPositionKRW float64
	cfg            config.PortfolioConfig
	logger         *slog.Logger

	day time.Time // UTC day the counters belong to
}

// NewManager creates the gate for one symbol.
func NewManager(symbol string, cfg config.PortfolioConfig, logger *slog.Logger) *Manager {
	return &Manager{
		symbol:         symbol,
		maxPositionKRW: cfg.MaxPositionFor(symbol),
		cfg:            cfg,
		logger:         logger.With("component", "risk", "symbol", symbol),
	}
}

// MaxPositionKRW returns the per-symbol position budget.
func (m *Manager) MaxPositionKRW() float64 { return m.maxPositionKRW }

// AllowOrder decides whether a buy may be submitted. All inputs are
// computed by the caller immediately before the call, never cached.
func (m *Manager) AllowOrder(krwBalance, coinRatio, realizedDailyPnL float64, activePositions int) (bool, error) {
	m.rollover()

	if realizedDailyPnL <= -m.cfg.DailyLossLimitKRW {
		return false, fmt.Errorf("daily loss limit: pnl %.0f <= -%.0f KRW",
			realizedDailyPnL, m.cfg.DailyLossLimitKRW)
	}
	if coinRatio >= m.cfg.MaxCoinRatio {
		return false, fmt.Errorf("coin ratio %.2f >= %.2f", coinRatio, m.cfg.MaxCoinRatio)
	}
	if activePositions >= m.cfg.MaxConcurrent {
		return false, fmt.Errorf("active positions %d >= %d", activePositions, m.cfg.MaxConcurrent)
	}
	if krwBalance < exchangeMinOrderKRW {
		return false, fmt.Errorf("krw balance %.0f below exchange minimum %d", krwBalance, exchangeMinOrderKRW)
	}
	if krwBalance < m.maxPositionKRW*0.1 {
		return false, fmt.Errorf("krw balance %.0f below 10%% of position budget %.0f",
			krwBalance, m.maxPositionKRW)
	}
	return true, nil
}

// rollover resets daily counters when the UTC day changes. Reserved for
// per-day state; the daily PnL itself is recomputed by the caller.
func (m *Manager) rollover() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if m.day.IsZero() {
		m.day = today
		return
	}
	if today.After(m.day) {
		m.logger.Info("daily risk counters reset", "day", today.Format("2006-01-02"))
		m.day = today
	}
}
