package strategy

import (
	"strings"
	"testing"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Name:     "scalping",
		Defaults: config.StrategyParams{Window: 2, TakeProfitPct: 0.5, StopLossPct: 1.0},
	}
}

func testPortfolio() config.PortfolioConfig {
	return config.PortfolioConfig{
		DefaultMaxPositionKRW: 100000,
		MaxTotalPositionKRW:   10000000,
		MaxConcurrent:         2,
		DailyLossLimitKRW:     50000,
		MaxCoinRatio:          0.5,
	}
}

// driveBuy walks one symbol's scalping window down to a dip entry and
// returns the resulting signal.
func driveBuy(t *testing.T, m *Manager, symbol string) types.Signal {
	t.Helper()
	for _, p := range []float64{10, 9} {
		if sig := m.ProcessTick(tradeTick(symbol, p)); sig.Action != types.ActionNone {
			t.Fatalf("%s: unexpected signal while window fills: %+v", symbol, sig)
		}
	}
	return m.ProcessTick(tradeTick(symbol, 8))
}

func TestManagerConcurrentPositionCap(t *testing.T) {
	t.Parallel()
	m, err := NewManager(testStrategyConfig(), testPortfolio(), []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Two entries fill; the cap is MaxConcurrent=2.
	for _, sym := range []string{"KRW-BTC", "KRW-ETH"} {
		if sig := driveBuy(t, m, sym); sig.Action != types.ActionBuy {
			t.Fatalf("%s: got %+v, want buy", sym, sig)
		}
		m.OnOrderFill(buyFill(sym, 8, 1))
	}
	if got := m.ActivePositions(); got != 2 {
		t.Fatalf("active positions = %d, want 2", got)
	}

	// The third symbol's entry signal is suppressed by the gate.
	sig := driveBuy(t, m, "KRW-XRP")
	if sig.Action != types.ActionNone {
		t.Fatalf("got %+v, want suppressed buy", sig)
	}
	if !strings.Contains(sig.Reason, "portfolio_limit") {
		t.Errorf("reason = %q, want portfolio_limit", sig.Reason)
	}
}

func TestManagerTotalExposureCap(t *testing.T) {
	t.Parallel()
	portfolio := testPortfolio()
	portfolio.MaxTotalPositionKRW = 150000 // one 100k position plus another would breach

	m, err := NewManager(testStrategyConfig(), portfolio, []string{"KRW-BTC", "KRW-ETH"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// 100000 KRW entry: 1 coin at 100000.
	m.OnOrderFill(buyFill("KRW-BTC", 100000, 1))

	sig := driveBuy(t, m, "KRW-ETH")
	if sig.Action != types.ActionNone || !strings.Contains(sig.Reason, "portfolio_limit") {
		t.Errorf("got %+v, want exposure rejection", sig)
	}
}

func TestManagerNoBudgetNoBuy(t *testing.T) {
	t.Parallel()
	portfolio := testPortfolio()
	portfolio.DefaultMaxPositionKRW = 0

	m, err := NewManager(testStrategyConfig(), portfolio, []string{"KRW-BTC"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	sig := driveBuy(t, m, "KRW-BTC")
	if sig.Action != types.ActionNone || !strings.Contains(sig.Reason, "portfolio_limit") {
		t.Errorf("got %+v, want budget rejection", sig)
	}
}

func TestManagerUnknownSymbolIgnored(t *testing.T) {
	t.Parallel()
	m, err := NewManager(testStrategyConfig(), testPortfolio(), []string{"KRW-BTC"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sig := m.ProcessTick(tradeTick("KRW-DOGE", 10)); sig.Action != types.ActionNone {
		t.Errorf("tick for unmanaged symbol produced %+v", sig)
	}
}

func TestManagerUpdateSymbolsRetainsOpenPosition(t *testing.T) {
	t.Parallel()
	m, err := NewManager(testStrategyConfig(), testPortfolio(), []string{"KRW-BTC", "KRW-ETH"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.OnOrderFill(buyFill("KRW-BTC", 100, 2))

	added, err := m.UpdateSymbols([]string{"KRW-ETH", "KRW-XRP"})
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0] != "KRW-XRP" {
		t.Errorf("added = %v, want [KRW-XRP]", added)
	}
	// The removed symbol holds a position and must survive until it flattens.
	if !m.Has("KRW-BTC") {
		t.Fatal("open position dropped by symbol update")
	}

	m.OnOrderFill(sellFill("KRW-BTC", 101, 2))
	if _, err := m.UpdateSymbols([]string{"KRW-ETH", "KRW-XRP"}); err != nil {
		t.Fatal(err)
	}
	if m.Has("KRW-BTC") {
		t.Error("flattened symbol still managed after update")
	}
}

func TestManagerReports(t *testing.T) {
	t.Parallel()
	m, err := NewManager(testStrategyConfig(), testPortfolio(), []string{"KRW-BTC", "KRW-ETH"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.OnOrderFill(buyFill("KRW-BTC", 100, 1))
	m.OnOrderFill(sellFill("KRW-BTC", 110, 1))
	m.OnOrderFill(buyFill("KRW-ETH", 50, 2))

	portfolio := m.PortfolioReport()
	if !strings.HasPrefix(portfolio, "[PORTFOLIO]") {
		t.Errorf("portfolio report = %q", portfolio)
	}
	if !strings.Contains(portfolio, "KRW-ETH") || strings.Contains(portfolio, "no open positions") {
		t.Errorf("portfolio report missing open position: %q", portfolio)
	}

	perf := m.PerformanceReport()
	if !strings.HasPrefix(perf, "[PERFORMANCE]") {
		t.Errorf("performance report = %q", perf)
	}
	if !strings.Contains(perf, "KRW-BTC: 1 trades, 100% win") {
		t.Errorf("performance report = %q", perf)
	}
	if got := m.TotalRealizedPnL(); got != 10 {
		t.Errorf("total realized = %v, want 10", got)
	}
}
