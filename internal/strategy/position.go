// position.go holds the position bookkeeping every strategy variant shares.
//
// Strategies are driven from a single goroutine (the trader loop), so the
// bookkeeping is plain fields; concurrent readers go through the manager.
package strategy

import (
	"log/slog"
	"time"

	"autocoin/pkg/types"
)

// PositionType is the side of an open position. Short positions are
// reserved and never produced.
type PositionType string

const (
	PositionNone PositionType = "NONE"
	PositionLong PositionType = "LONG"
)

// Position is one symbol's open position. When Type is NONE, EntryPrice and
// Volume are zero.
type Position struct {
	Symbol        string
	Type          PositionType
	EntryPrice    float64
	Volume        float64
	EntryTime     time.Time
	UnrealizedPnL float64
	RealizedPnL   float64
}

// Value returns the position's current KRW value at the last seen price.
func (p Position) Value() float64 {
	if p.Type == PositionNone {
		return 0
	}
	return p.EntryPrice*p.Volume + p.UnrealizedPnL
}

// Stats tracks closed-trade statistics for one strategy instance.
type Stats struct {
	TotalTrades   int
	WinningTrades int
	TotalPnL      float64
}

// WinRate returns the fraction of closed trades that were profitable.
func (s Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades)
}

// book is the shared bookkeeping core embedded by every variant.
type book struct {
	symbol string
	pos    Position
	stats  Stats

	bestBid float64
	bestAsk float64

	logger *slog.Logger
}

func newBook(symbol string, logger *slog.Logger) book {
	return book{
		symbol: symbol,
		pos:    Position{Symbol: symbol, Type: PositionNone},
		logger: logger,
	}
}

func (b *book) Symbol() string     { return b.symbol }
func (b *book) Position() Position { return b.pos }
func (b *book) Stats() Stats       { return b.stats }

func (b *book) hasPosition() bool { return b.pos.Type == PositionLong }

// gainPct returns the percent gain of the open position at the given price.
// Returns 0 when flat or when the entry price is unusable.
func (b *book) gainPct(price float64) float64 {
	if !b.hasPosition() || b.pos.EntryPrice <= 0 {
		return 0
	}
	return (price - b.pos.EntryPrice) / b.pos.EntryPrice * 100
}

// observeDepth records best bid/ask from a depth tick.
func (b *book) observeDepth(tick types.Tick) {
	if tick.BestBid > 0 {
		b.bestBid = tick.BestBid
	}
	if tick.BestAsk > 0 {
		b.bestAsk = tick.BestAsk
	}
}

// updateUnrealized refreshes the mark-to-market PnL while long.
func (b *book) updateUnrealized(price float64) {
	if !b.hasPosition() || b.pos.EntryPrice <= 0 {
		return
	}
	b.pos.UnrealizedPnL = (price - b.pos.EntryPrice) * b.pos.Volume
}

// applyFill folds a confirmed execution into the position. A buy opens the
// long; a sell realizes PnL on the sold volume and flattens the position
// once nothing remains.
func (b *book) applyFill(fill types.OrderFill) {
	switch fill.Side {
	case types.BUY:
		b.pos.Type = PositionLong
		b.pos.EntryPrice = fill.Price
		b.pos.Volume = fill.Volume
		b.pos.EntryTime = fill.Timestamp
		b.pos.UnrealizedPnL = 0
		b.logger.Info("position opened",
			"symbol", b.symbol, "entry", fill.Price, "volume", fill.Volume)

	case types.SELL:
		if !b.hasPosition() {
			b.logger.Warn("sell fill with no open position", "symbol", b.symbol)
			return
		}
		pnl := (fill.Price - b.pos.EntryPrice) * fill.Volume
		b.pos.RealizedPnL += pnl
		b.stats.TotalPnL += pnl
		b.stats.TotalTrades++
		if pnl > 0 {
			b.stats.WinningTrades++
		}

		b.pos.Volume -= fill.Volume
		if b.pos.Volume <= 1e-12 {
			b.pos.Type = PositionNone
			b.pos.EntryPrice = 0
			b.pos.Volume = 0
			b.pos.UnrealizedPnL = 0
		}
		b.logger.Info("position reduced",
			"symbol", b.symbol, "exit", fill.Price, "volume", fill.Volume,
			"pnl", pnl, "remaining", b.pos.Volume)
	}
}
