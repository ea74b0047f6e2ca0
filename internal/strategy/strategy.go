// Package strategy implements the per-symbol trading strategies and the
// manager that owns them.
//
// Four variants exist: scalping (dip entry, fixed take-profit/stop-loss),
// ma_cross (golden/death cross), rsi (oversold reversal), and
// advanced_scalping (scalping entry plus trailing-stop and partial-close
// exits). All share the same position bookkeeping; trailing and partial
// close live in an optional exit tracker the advanced variant composes in.
package strategy

import (
	"fmt"
	"log/slog"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

// Strategy is one symbol's trading logic. OnTick never performs I/O; it
// returns a Signal the trader turns into orders.
type Strategy interface {
	// Symbol returns the market this instance trades.
	Symbol() string
	// Name identifies the variant for logs and performance reports.
	Name() string
	// Prepare seeds indicator state from historical closes, oldest first.
	Prepare(closes []float64)
	// OnTick evaluates one market event.
	OnTick(tick types.Tick) types.Signal
	// OnOrderFill applies a confirmed execution to the position.
	OnOrderFill(fill types.OrderFill)
	// Position returns a snapshot of the current position.
	Position() Position
	// Stats returns a snapshot of the running trade statistics.
	Stats() Stats
}

// New constructs the named strategy variant for one symbol.
func New(name, symbol string, params config.StrategyParams, logger *slog.Logger) (Strategy, error) {
	switch name {
	case "scalping":
		return newScalping(symbol, params, logger), nil
	case "ma_cross":
		return newMACross(symbol, params, logger), nil
	case "rsi":
		return newRSI(symbol, params, logger), nil
	case "advanced_scalping":
		return newAdvancedScalping(symbol, params, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

var none = types.Signal{Action: types.ActionNone}

func sell(price, volume float64, reason string) types.Signal {
	return types.Signal{Action: types.ActionSell, Price: price, Volume: volume, Reason: reason}
}

func buy(price float64, reason string) types.Signal {
	return types.Signal{Action: types.ActionBuy, Price: price, Reason: reason}
}
