// apiworker.go serializes all exchange access behind one request channel.
//
// The trader never calls the REST client directly: it submits typed
// APIRequests and consumes APIResponses, correlating them by request ID. The
// worker guarantees every request produces exactly one response carrying the
// originating ID, including failures and rate-limit timeouts, so the trader
// can always retire its correlation entry.
package exchange

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"autocoin/pkg/types"
)

// APIWorker consumes typed requests and answers on the response channel.
type APIWorker struct {
	client *Client
	dryRun bool
	reqCh  <-chan types.APIRequest
	respCh chan<- types.APIResponse
	logger *slog.Logger
}

// NewAPIWorker creates the worker. dryRun makes order submissions resolve to
// immediate synthetic fills at the requested price, so the whole downstream
// pipeline (pending orders, fills, trade log) exercises normally without
// touching real funds.
func NewAPIWorker(client *Client, dryRun bool, reqCh <-chan types.APIRequest, respCh chan<- types.APIResponse, logger *slog.Logger) *APIWorker {
	return &APIWorker{
		client: client,
		dryRun: dryRun,
		reqCh:  reqCh,
		respCh: respCh,
		logger: logger.With("component", "apiworker"),
	}
}

// Run processes requests until ctx is cancelled.
func (w *APIWorker) Run(ctx context.Context) {
	w.logger.Info("api worker started", "dry_run", w.dryRun)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("api worker stopped")
			return
		case req := <-w.reqCh:
			resp := w.handle(ctx, req)
			select {
			case w.respCh <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *APIWorker) handle(ctx context.Context, req types.APIRequest) types.APIResponse {
	resp := types.APIResponse{ID: req.ID, Kind: req.Kind, Symbol: req.Symbol}

	switch req.Kind {
	case types.ReqBalanceKRW:
		bal, err := w.balance(ctx, "KRW")
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Balance = bal

	case types.ReqBalanceCoin:
		bal, err := w.balance(ctx, coinCurrency(req.Symbol))
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Balance = bal

	case types.ReqBuyOrder:
		if w.dryRun {
			resp.Order = w.dryRunFill(req, types.BUY)
			return resp
		}
		order, err := w.client.SubmitOrder(ctx, req.Symbol, types.BUY, req.Volume)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Order = order

	case types.ReqSellOrder:
		if w.dryRun {
			resp.Order = w.dryRunFill(req, types.SELL)
			return resp
		}
		order, err := w.client.SubmitOrder(ctx, req.Symbol, types.SELL, req.Volume)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Order = order

	case types.ReqOrderStatus:
		order, err := w.client.GetOrder(ctx, req.OrderID)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Order = order

	case types.ReqCancelOrder:
		order, err := w.client.CancelOrder(ctx, req.OrderID)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Order = order

	default:
		resp.Error = "unknown request kind: " + string(req.Kind)
	}
	return resp
}

// dryRunFill synthesizes an immediately-done order at the requested price.
// For a buy, req.Volume is the KRW notional; the coin volume is derived from
// the price on the request.
func (w *APIWorker) dryRunFill(req types.APIRequest, side types.Side) *types.OrderState {
	vol := req.Volume
	if side == types.BUY && req.Price > 0 {
		vol = req.Volume / req.Price
	}
	w.logger.Info("DRY-RUN: simulated fill",
		"symbol", req.Symbol, "side", side, "price", req.Price, "volume", vol)
	return &types.OrderState{
		UUID:            "dry-run-" + req.ID,
		State:           "done",
		Side:            side,
		Volume:          vol,
		RemainingVolume: 0,
		Trades:          []types.OrderTrade{{Price: req.Price, Volume: vol}},
	}
}

func (w *APIWorker) balance(ctx context.Context, currency string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	accounts, err := w.client.Accounts(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if a.Currency == currency {
			return a.Available(), nil
		}
	}
	return 0, nil
}

// coinCurrency extracts the coin currency from a market symbol: KRW-BTC → BTC.
func coinCurrency(symbol string) string {
	if i := strings.Index(symbol, "-"); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}
