// ingress.go implements WebSocket feeds for real-time Upbit market data.
//
// Two independent feeds run concurrently:
//
//   - ticker feed: trade prints ("ticker" channel) → trade ticks
//   - orderbook feed: best bid/ask updates ("orderbook" channel) → depth ticks
//
// Upbit has no incremental subscribe: the full code list goes in the dial-time
// subscription message, so a symbol-set change tears the connection down and
// redials. Both feeds auto-reconnect with exponential backoff (1s → 32s max)
// and a read deadline tied to the heartbeat timeout, so silent server
// failures surface as reconnects.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

const writeTimeout = 10 * time.Second

// upbit stream message, shared shape for ticker and orderbook frames.
type streamMessage struct {
	Type           string          `json:"type"`
	Code           string          `json:"code"`
	TradePrice     float64         `json:"trade_price"`
	Timestamp      int64           `json:"timestamp"` // ms since epoch
	OrderbookUnits []orderbookUnit `json:"orderbook_units"`
}

type orderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

// Feed manages one WebSocket connection for one channel type. Decoded ticks
// go to the Merger; ticks for symbols the merger doesn't track are dropped.
type Feed struct {
	url     string
	channel string // "ticker" or "orderbook"
	cfg     config.WebsocketConfig
	merger  *Merger

	connMu sync.Mutex
	conn   *websocket.Conn

	symbolsMu sync.RWMutex
	symbols   []string

	reconfigCh chan []string

	logger *slog.Logger
}

// NewFeed creates a feed for one Upbit stream channel.
func NewFeed(channel string, cfg config.Config, merger *Merger, logger *slog.Logger) *Feed {
	return &Feed{
		url:        cfg.Exchange.WSURL,
		channel:    channel,
		cfg:        cfg.Websocket,
		merger:     merger,
		reconfigCh: make(chan []string, 1),
		logger:     logger.With("component", "ws_"+channel),
	}
}

// Reconfigure swaps the symbol set. If the set actually changed the live
// connection is closed, forcing a redial with the new subscription.
func (f *Feed) Reconfigure(symbols []string) {
	select {
	case f.reconfigCh <- symbols:
	default:
		// Replace stale pending set
		select {
		case <-f.reconfigCh:
		default:
		}
		f.reconfigCh <- symbols
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.BackoffBase
	retries := 0

	for {
		// No symbols yet: wait for the first configuration.
		if len(f.currentSymbols()) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case symbols := <-f.reconfigCh:
				f.setSymbols(symbols)
			}
			continue
		}

		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A session that got as far as subscribing resets the backoff.
			backoff = f.cfg.BackoffBase
			retries = 0
		}

		retries++
		if f.cfg.MaxRetries >= 0 && retries > f.cfg.MaxRetries {
			return fmt.Errorf("websocket %s: retries exhausted: %w", f.channel, err)
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// Close closes the live connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) currentSymbols() []string {
	f.symbolsMu.RLock()
	defer f.symbolsMu.RUnlock()
	return f.symbols
}

func (f *Feed) setSymbols(symbols []string) {
	f.symbolsMu.Lock()
	f.symbols = symbols
	f.symbolsMu.Unlock()
}

// connectAndRead dials, subscribes, and reads until error, reconfiguration,
// or cancellation. Returns whether the subscription was established.
func (f *Feed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribe(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected",
		"channel", f.channel,
		"symbols", len(f.currentSymbols()),
	)

	// Watch for reconfiguration; closing the conn unblocks ReadMessage.
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go func() {
		select {
		case <-watchCtx.Done():
		case symbols := <-f.reconfigCh:
			f.setSymbols(symbols)
			f.logger.Info("symbol set changed, redialing", "symbols", len(symbols))
			conn.Close()
		}
	}()
	go f.pingLoop(watchCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(f.cfg.HeartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// subscribe sends Upbit's dial-time subscription: a ticket frame followed by
// the channel request with the full code list.
func (f *Feed) subscribe() error {
	symbols := f.currentSymbols()
	msg := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": f.channel, "codes": symbols},
		map[string]string{"format": "DEFAULT"},
	}
	return f.writeJSON(msg)
}

func (f *Feed) dispatchMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if msg.Code == "" {
		// Status frames ({"status":"UP"}) and other keepalive noise.
		return
	}

	ts := time.UnixMilli(msg.Timestamp)

	switch msg.Type {
	case "ticker":
		f.merger.Publish(types.Tick{
			Symbol:     msg.Code,
			Kind:       types.TickTrade,
			TradePrice: msg.TradePrice,
			Timestamp:  ts,
		})

	case "orderbook":
		if len(msg.OrderbookUnits) == 0 {
			return
		}
		best := msg.OrderbookUnits[0]
		f.merger.Publish(types.Tick{
			Symbol:     msg.Code,
			Kind:       types.TickDepth,
			TradePrice: (best.BidPrice + best.AskPrice) / 2,
			BestBid:    best.BidPrice,
			BestAsk:    best.AskPrice,
			Spread:     best.AskPrice - best.BidPrice,
			Timestamp:  ts,
		})

	default:
		f.logger.Debug("unknown ws message type", "type", msg.Type)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	interval := f.cfg.HeartbeatTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
