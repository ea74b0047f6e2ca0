// Package exchange implements the Upbit REST client, request authentication,
// per-endpoint-group rate limiting, and the API worker that serializes all
// private calls behind a single request/response channel pair.
//
// The REST client (Client) covers the surface the bot needs:
//   - Markets:      GET  /market/all       - KRW market listing + safety flags
//   - Tickers:      GET  /ticker           - batch 24h stats (volume ranking)
//   - MinuteCandles GET  /candles/minutes/{unit} - strategy warm-up history
//   - DayCandles:   GET  /candles/days
//   - Accounts:     GET  /accounts         - balances
//   - SubmitOrder:  POST /orders           - market buy (KRW) / market sell (coin)
//   - GetOrder:     GET  /order            - state + partial executions
//   - CancelOrder:  DELETE /order
//
// Every request passes the matching rate-limit bucket first, retries on 5xx,
// and private calls carry a JWT Authorization header.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

// Market is one row of GET /market/all.
type Market struct {
	Market      string       `json:"market"`
	KoreanName  string       `json:"korean_name"`
	EnglishName string       `json:"english_name"`
	MarketEvent *MarketEvent `json:"market_event"`
}

// MarketEvent carries Upbit's investor-protection flags for a market.
type MarketEvent struct {
	Warning bool            `json:"warning"`
	Caution map[string]bool `json:"caution"`
}

// SmallAccountConcentration reports the caution flag the symbol filters use.
func (m *Market) SmallAccountConcentration() bool {
	if m.MarketEvent == nil {
		return false
	}
	return m.MarketEvent.Caution["CONCENTRATION_OF_SMALL_ACCOUNTS"]
}

// Warned reports whether the market carries a trading warning.
func (m *Market) Warned() bool {
	return m.MarketEvent != nil && m.MarketEvent.Warning
}

// Ticker is one row of GET /ticker.
type Ticker struct {
	Market           string  `json:"market"`
	TradePrice       float64 `json:"trade_price"`
	AccTradePrice24h float64 `json:"acc_trade_price_24h"`
	SignedChangeRate float64 `json:"signed_change_rate"`
}

// Candle is one row of the minute/day candle endpoints. Upbit returns
// candles newest-first; callers that feed indicators must reverse.
type Candle struct {
	Market       string  `json:"market"`
	CandleTimeKST string `json:"candle_date_time_kst"`
	OpeningPrice float64 `json:"opening_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	TradePrice   float64 `json:"trade_price"`
}

// Account is one row of GET /accounts. Numeric fields arrive as strings.
type Account struct {
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
	Locked      string `json:"locked"`
	AvgBuyPrice string `json:"avg_buy_price"`
}

// orderResponse is the wire shape of POST /orders, GET /order, DELETE /order.
type orderResponse struct {
	UUID            string       `json:"uuid"`
	Side            string       `json:"side"` // bid | ask
	State           string       `json:"state"`
	Volume          string       `json:"volume"`
	RemainingVolume string       `json:"remaining_volume"`
	ExecutedVolume  string       `json:"executed_volume"`
	Trades          []orderTrade `json:"trades"`
}

type orderTrade struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
}

// Client is the Upbit REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and JWT auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool // when true, order mutations return fake fills without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// Limiter exposes the client's rate limiter so the API worker can gate
// request batches without a second set of buckets.
func (c *Client) Limiter() *RateLimiter { return c.rl }

// Authenticated reports whether API credentials are configured.
func (c *Client) Authenticated() bool { return c.auth.Configured() }

// Markets fetches every market with its safety flags.
func (c *Client) Markets(ctx context.Context) ([]Market, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result []Market
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("is_details", "true").
		SetResult(&result).
		Get("/market/all")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Tickers fetches 24h stats for up to 100 markets in one call.
func (c *Client) Tickers(ctx context.Context, markets []string) ([]Ticker, error) {
	if len(markets) == 0 {
		return nil, nil
	}
	if len(markets) > 100 {
		return nil, fmt.Errorf("ticker batch limit is 100 markets, got %d", len(markets))
	}
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result []Ticker
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("markets", joinMarkets(markets)).
		SetResult(&result).
		Get("/ticker")
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get tickers: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// MinuteCandles fetches up to count recent minute candles, oldest first.
func (c *Client) MinuteCandles(ctx context.Context, market string, unit, count int) ([]Candle, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result []Candle
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market": market,
			"count":  strconv.Itoa(count),
		}).
		SetResult(&result).
		Get(fmt.Sprintf("/candles/minutes/%d", unit))
	if err != nil {
		return nil, fmt.Errorf("get minute candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get minute candles: status %d: %s", resp.StatusCode(), resp.String())
	}
	reverseCandles(result)
	return result, nil
}

// DayCandles fetches up to count recent daily candles, oldest first.
func (c *Client) DayCandles(ctx context.Context, market string, count int) ([]Candle, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result []Candle
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market": market,
			"count":  strconv.Itoa(count),
		}).
		SetResult(&result).
		Get("/candles/days")
	if err != nil {
		return nil, fmt.Errorf("get day candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get day candles: status %d: %s", resp.StatusCode(), resp.String())
	}
	reverseCandles(result)
	return result, nil
}

// Accounts fetches all account balances.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.auth.Token(nil)
	if err != nil {
		return nil, fmt.Errorf("accounts auth: %w", err)
	}

	var result []Account
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetResult(&result).
		Get("/accounts")
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get accounts: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Available returns the free (unlocked) balance of one currency.
func (a Account) Available() float64 {
	d, err := decimal.NewFromString(a.Balance)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// SubmitOrder places a market order. For a BUY, amount is the KRW notional to
// spend (Upbit ord_type "price"); for a SELL, amount is the coin volume
// (ord_type "market").
func (c *Client) SubmitOrder(ctx context.Context, symbol string, side types.Side, amount float64) (*types.OrderState, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order", "symbol", symbol, "side", side, "amount", amount)
		return &types.OrderState{
			UUID:  "dry-run-" + uuid.NewString(),
			State: "wait",
			Side:  side,
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("market", symbol)
	switch side {
	case types.BUY:
		params.Set("side", "bid")
		params.Set("ord_type", "price")
		params.Set("price", decimal.NewFromFloat(amount).String())
	case types.SELL:
		params.Set("side", "ask")
		params.Set("ord_type", "market")
		params.Set("volume", decimal.NewFromFloat(amount).String())
	default:
		return nil, fmt.Errorf("submit order: unknown side %q", side)
	}

	token, err := c.auth.Token(params)
	if err != nil {
		return nil, fmt.Errorf("order auth: %w", err)
	}

	body := map[string]string{}
	for k := range params {
		body[k] = params.Get(k)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.toOrderState(), nil
}

// GetOrder fetches the state of one order, including its partial executions.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*types.OrderState, error) {
	if err := c.rl.Default.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("uuid", orderUUID)

	token, err := c.auth.Token(params)
	if err != nil {
		return nil, fmt.Errorf("order status auth: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParam("uuid", orderUUID).
		SetResult(&result).
		Get("/order")
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.toOrderState(), nil
}

// CancelOrder cancels one open order by UUID.
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) (*types.OrderState, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "uuid", orderUUID)
		return &types.OrderState{UUID: orderUUID, State: "cancel"}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("uuid", orderUUID)

	token, err := c.auth.Token(params)
	if err != nil {
		return nil, fmt.Errorf("cancel auth: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParam("uuid", orderUUID).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Info("order cancelled", "uuid", orderUUID)
	return result.toOrderState(), nil
}

func (o *orderResponse) toOrderState() *types.OrderState {
	side := types.BUY
	if o.Side == "ask" {
		side = types.SELL
	}
	st := &types.OrderState{
		UUID:            o.UUID,
		State:           o.State,
		Side:            side,
		Volume:          parseDec(o.Volume),
		RemainingVolume: parseDec(o.RemainingVolume),
	}
	for _, t := range o.Trades {
		st.Trades = append(st.Trades, types.OrderTrade{
			Price:  parseDec(t.Price),
			Volume: parseDec(t.Volume),
		})
	}
	return st
}

func parseDec(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func joinMarkets(markets []string) string {
	return strings.Join(markets, ",")
}

func reverseCandles(cs []Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}
