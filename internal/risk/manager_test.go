package risk

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"autocoin/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPortfolio() config.PortfolioConfig {
	return config.PortfolioConfig{
		MaxPositionKRW:        map[string]float64{"KRW-BTC": 150000},
		DefaultMaxPositionKRW: 100000,
		MaxTotalPositionKRW:   500000,
		MaxConcurrent:         2,
		DailyLossLimitKRW:     50000,
		MaxCoinRatio:          0.5,
	}
}

func TestMaxPositionOverride(t *testing.T) {
	t.Parallel()
	cfg := testPortfolio()

	if got := NewManager("KRW-BTC", cfg, discardLogger()).MaxPositionKRW(); got != 150000 {
		t.Errorf("KRW-BTC budget = %v, want override 150000", got)
	}
	if got := NewManager("KRW-ETH", cfg, discardLogger()).MaxPositionKRW(); got != 100000 {
		t.Errorf("KRW-ETH budget = %v, want default 100000", got)
	}
}

func TestAllowOrderAccepts(t *testing.T) {
	t.Parallel()
	m := NewManager("KRW-BTC", testPortfolio(), discardLogger())

	ok, err := m.AllowOrder(200000, 0.1, -1000, 1)
	if !ok || err != nil {
		t.Errorf("AllowOrder = %v, %v; want accept", ok, err)
	}
}

func TestAllowOrderRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		krw      float64
		ratio    float64
		dailyPnL float64
		active   int
		want     string
	}{
		{"daily loss at limit", 200000, 0.1, -50000, 0, "daily loss limit"},
		{"daily loss beyond limit", 200000, 0.1, -60000, 0, "daily loss limit"},
		{"coin ratio at cap", 200000, 0.5, 0, 0, "coin ratio"},
		{"concurrent positions full", 200000, 0.1, 0, 2, "active positions"},
		{"below exchange minimum", 4999, 0.1, 0, 0, "exchange minimum"},
		{"below budget floor", 9000, 0.1, 0, 0, "position budget"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager("KRW-ETH", testPortfolio(), discardLogger())

			ok, err := m.AllowOrder(tc.krw, tc.ratio, tc.dailyPnL, tc.active)
			if ok {
				t.Fatal("order allowed, want rejection")
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestAllowOrderChecksDailyLossFirst(t *testing.T) {
	t.Parallel()
	m := NewManager("KRW-ETH", testPortfolio(), discardLogger())

	// Everything violated at once: the kill-switch wins.
	_, err := m.AllowOrder(0, 1.0, -100000, 5)
	if err == nil || !strings.Contains(err.Error(), "daily loss limit") {
		t.Errorf("error = %v, want daily loss limit first", err)
	}
}
