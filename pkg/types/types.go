// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: unified market ticks,
// trading signals, order fills, API worker request/response envelopes, and
// operator commands. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"
)

// ---- Core enums ----

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TickKind distinguishes the two streaming channel types.
type TickKind string

const (
	TickTrade TickKind = "trade" // a trade print (Upbit "ticker" channel)
	TickDepth TickKind = "depth" // a best bid/ask update (Upbit "orderbook" channel)
)

// Action is what a strategy wants done in response to a tick.
type Action string

const (
	ActionNone Action = "none"
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ---- Market data ----

// Tick is a single unified market-data event. For depth ticks the ingress
// derives TradePrice from the best bid/ask midpoint so downstream consumers
// never need to branch on Kind to get a price. Symbol is always non-empty.
type Tick struct {
	Symbol     string
	Kind       TickKind
	TradePrice float64
	BestBid    float64 // depth only
	BestAsk    float64 // depth only
	Spread     float64 // depth only: BestAsk - BestBid
	Timestamp  time.Time
}

// ---- Trading ----

// Signal is a strategy's verdict for one tick. Volume is optional: a sell
// signal without a volume means "sell the full position".
type Signal struct {
	Action Action
	Price  float64
	Volume float64
	Reason string
}

// OrderFill records a confirmed execution. Produced only after the exchange
// reports the order as done; Price is the volume-weighted average over the
// reported trades.
type OrderFill struct {
	Symbol    string
	Side      Side
	Price     float64
	Volume    float64
	Timestamp time.Time
	OrderID   string
}

// TradeRecord is one append-only trade-log row, emitted per confirmed fill.
type TradeRecord struct {
	Timestamp time.Time
	Symbol    string
	Side      Side
	Price     float64
	Volume    float64
}

// ---- API worker messages ----

// RequestKind classifies what an APIRequest asks for, and therefore what the
// matching APIResponse carries.
type RequestKind string

const (
	ReqBalanceKRW  RequestKind = "balance_krw"
	ReqBalanceCoin RequestKind = "balance_coin"
	ReqBuyOrder    RequestKind = "buy_order"
	ReqSellOrder   RequestKind = "sell_order"
	ReqOrderStatus RequestKind = "order_status"
	ReqCancelOrder RequestKind = "cancel_order"
)

// APIRequest is one unit of work for the API worker. ID is unique per
// submission and echoed back on the response so the trader can correlate.
//
// Volume semantics follow the exchange: for a market buy it is the KRW
// notional to spend; for a market sell it is coin units.
type APIRequest struct {
	ID      string
	Kind    RequestKind
	Symbol  string
	Price   float64
	Volume  float64
	OrderID string // order_status / cancel_order only
}

// APIResponse always carries the originating request ID, even on error, so
// the trader can retire its correlation entry.
type APIResponse struct {
	ID      string
	Kind    RequestKind
	Symbol  string
	Error   string      // non-empty means the call failed (incl. rate-limit timeouts)
	Balance float64     // balance queries
	Order   *OrderState // order submissions, status polls, cancels
}

// OrderState mirrors the exchange's view of one order.
type OrderState struct {
	UUID            string
	State           string // wait | done | cancel | fail
	Side            Side
	Volume          float64
	RemainingVolume float64
	Trades          []OrderTrade
}

// Executed reports how much of the order has filled.
func (o *OrderState) Executed() float64 {
	return o.Volume - o.RemainingVolume
}

// OrderTrade is a single partial execution reported under an order.
type OrderTrade struct {
	Price  float64
	Volume float64
}

// ---- Operator commands ----

// CommandType enumerates the out-of-band commands the trader accepts.
type CommandType string

const (
	CmdPause       CommandType = "pause"
	CmdResume      CommandType = "resume"
	CmdShutdown    CommandType = "shutdown"
	CmdPortfolio   CommandType = "portfolio_status"
	CmdPerformance CommandType = "strategy_performance"
)

// Command is one control message from the notification transport.
type Command struct {
	Type CommandType
}
