// symbols.go implements periodic trading-symbol reselection.
//
// Every refresh interval the manager ranks the safe KRW markets by 24h
// traded value and publishes the top N as the active symbol set. The engine
// reads Updates() and fans the new set out to the feeds, the merger, and
// the trader.
//
// Selection pipeline:
//
//	safe markets (cached, TTL) ∩ indicator-buyable → rank by 24h KRW volume → top N
//
// When the buyable intersection is empty (cold indicators, quiet market) the
// ranking falls back to the full safe set rather than publishing nothing.
package market

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"autocoin/internal/config"
	"autocoin/internal/exchange"
)

const tickerBatchSize = 100

// BuyableView is the read side of the indicator worker's buyable set.
type BuyableView interface {
	Snapshot() []string
}

// SymbolManager periodically reselects the traded symbol set.
type SymbolManager struct {
	client  *exchange.Client
	cfg     config.SymbolsConfig
	buyable BuyableView
	logger  *slog.Logger

	updateCh chan []string

	safeCache   []string
	safeCacheAt time.Time

	current     []string
	publishedAt time.Time
}

// NewSymbolManager creates a manager seeded with the configured symbols.
func NewSymbolManager(client *exchange.Client, cfg config.SymbolsConfig, buyable BuyableView, logger *slog.Logger) *SymbolManager {
	return &SymbolManager{
		client:   client,
		cfg:      cfg,
		buyable:  buyable,
		logger:   logger.With("component", "symbols"),
		updateCh: make(chan []string, 1),
		current:  append([]string(nil), cfg.Seed...),
	}
}

// Updates returns the channel new symbol sets are published on.
func (s *SymbolManager) Updates() <-chan []string { return s.updateCh }

// Current returns the most recently published symbol set.
func (s *SymbolManager) Current() []string {
	return append([]string(nil), s.current...)
}

// Run publishes the seed set, then reselects on every refresh tick.
// Blocks until ctx is cancelled.
func (s *SymbolManager) Run(ctx context.Context) {
	s.publish(s.current, true)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *SymbolManager) refresh(ctx context.Context) {
	selected, err := s.Select(ctx)
	if err != nil {
		s.logger.Error("symbol reselection failed", "error", err)
		return
	}
	if len(selected) == 0 {
		s.logger.Warn("symbol reselection produced empty set, keeping current")
		return
	}
	s.publish(selected, false)
}

// Select runs the full selection pipeline once.
func (s *SymbolManager) Select(ctx context.Context) ([]string, error) {
	safe, err := s.safeMarkets(ctx)
	if err != nil {
		return nil, err
	}

	candidates := s.intersectBuyable(safe)

	tickers, err := s.fetchTickers(ctx, candidates)
	if err != nil {
		return nil, err
	}

	return s.rank(tickers), nil
}

// safeMarkets returns the KRW markets that pass the safety filters, from
// cache when fresh.
func (s *SymbolManager) safeMarkets(ctx context.Context) ([]string, error) {
	if s.safeCache != nil && time.Since(s.safeCacheAt) < s.cfg.MarketCacheTTL {
		return s.safeCache, nil
	}

	markets, err := s.client.Markets(ctx)
	if err != nil {
		// A stale cache beats no selection at all.
		if s.safeCache != nil {
			s.logger.Warn("market listing failed, using stale cache", "error", err)
			return s.safeCache, nil
		}
		return nil, err
	}

	var safe []string
	for _, m := range markets {
		if !strings.HasPrefix(m.Market, "KRW-") {
			continue
		}
		if s.cfg.ExcludeWarning && m.Warned() {
			continue
		}
		if s.cfg.ExcludeSmallAcc && m.SmallAccountConcentration() {
			continue
		}
		safe = append(safe, m.Market)
	}

	s.safeCache = safe
	s.safeCacheAt = time.Now()
	s.logger.Info("safe market cache refreshed", "count", len(safe))
	return safe, nil
}

// intersectBuyable narrows the safe set to indicator-buyable symbols,
// falling back to the full safe set when the intersection is empty.
func (s *SymbolManager) intersectBuyable(safe []string) []string {
	if s.buyable == nil {
		return safe
	}
	buyable := make(map[string]bool)
	for _, sym := range s.buyable.Snapshot() {
		buyable[sym] = true
	}
	if len(buyable) == 0 {
		return safe
	}

	var out []string
	for _, sym := range safe {
		if buyable[sym] {
			out = append(out, sym)
		}
	}
	if len(out) == 0 {
		return safe
	}
	return out
}

func (s *SymbolManager) fetchTickers(ctx context.Context, symbols []string) ([]exchange.Ticker, error) {
	var all []exchange.Ticker
	for start := 0; start < len(symbols); start += tickerBatchSize {
		end := start + tickerBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch, err := s.client.Tickers(ctx, symbols[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	return all, nil
}

// rank sorts by 24h traded KRW value descending and takes the top N.
func (s *SymbolManager) rank(tickers []exchange.Ticker) []string {
	sort.Slice(tickers, func(i, j int) bool {
		return tickers[i].AccTradePrice24h > tickers[j].AccTradePrice24h
	})

	n := s.cfg.TopN
	if n > len(tickers) {
		n = len(tickers)
	}
	out := make([]string, 0, n)
	for _, t := range tickers[:n] {
		out = append(out, t.Market)
	}
	return out
}

// publish pushes a new set if it differs from the current one and the
// current one has been stable long enough. The initial seed publish skips
// the stability gate.
func (s *SymbolManager) publish(symbols []string, force bool) {
	if !force {
		if sameSet(symbols, s.current) {
			return
		}
		if time.Since(s.publishedAt) < s.cfg.MinStable {
			s.logger.Info("symbol change suppressed, set not stable yet",
				"pending", symbols,
				"stable_for", time.Since(s.publishedAt),
			)
			return
		}
	}

	s.current = append([]string(nil), symbols...)
	s.publishedAt = time.Now()

	s.logger.Info("symbol set published", "symbols", symbols)

	// Non-blocking send
	select {
	case s.updateCh <- s.current:
	default:
		// Replace stale result
		select {
		case <-s.updateCh:
		default:
		}
		s.updateCh <- s.current
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
