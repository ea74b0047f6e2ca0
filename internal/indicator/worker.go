// worker.go keeps a bounded price history per symbol and updates the
// buyable set whenever a symbol's EMA/RSI verdict flips.
//
// A symbol is buyable when EMA(fast) > EMA(slow) and RSI < oversold - a
// confirmed uptrend that still looks oversold. Membership updates are
// edge-triggered: the set is only touched when the verdict changes, so
// readers see a stable set between flips.
package indicator

import (
	"context"
	"log/slog"

	"autocoin/internal/config"
	"autocoin/pkg/types"
)

const (
	maxTicks   = 1000 // per-symbol price history cap
	rsiEpsilon = 1e-9 // guards the zero-loss division
)

// Worker consumes unified ticks and maintains per-symbol indicator state.
type Worker struct {
	cfg     config.SignalConfig
	buyable *BuyableSet
	tickCh  <-chan types.Tick
	logger  *slog.Logger

	prices map[string]*ring
	warmup int
}

// NewWorker creates the indicator worker. The warm-up threshold is the
// largest lookback any indicator needs, plus a small margin.
func NewWorker(cfg config.SignalConfig, buyable *BuyableSet, tickCh <-chan types.Tick, logger *slog.Logger) *Worker {
	warmup := cfg.EMASlow
	if cfg.RSIPeriod > warmup {
		warmup = cfg.RSIPeriod
	}
	return &Worker{
		cfg:     cfg,
		buyable: buyable,
		tickCh:  tickCh,
		logger:  logger.With("component", "indicator"),
		prices:  make(map[string]*ring),
		warmup:  warmup + 5,
	}
}

// Run processes ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("indicator worker started",
		"ema_fast", w.cfg.EMAFast,
		"ema_slow", w.cfg.EMASlow,
		"rsi_period", w.cfg.RSIPeriod,
		"warmup", w.warmup,
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("indicator worker stopped")
			return
		case tick := <-w.tickCh:
			w.Observe(tick.Symbol, tick.TradePrice)
		}
	}
}

// Observe records one price and re-evaluates the symbol's verdict.
func (w *Worker) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	r, ok := w.prices[symbol]
	if !ok {
		r = newRing(maxTicks)
		w.prices[symbol] = r
	}
	r.push(price)

	if r.len() < w.warmup {
		return
	}

	prices := r.values()
	emaFast := EMA(prices, w.cfg.EMAFast)
	emaSlow := EMA(prices, w.cfg.EMASlow)
	rsi := RSI(prices, w.cfg.RSIPeriod)

	buy := emaFast > emaSlow && rsi < w.cfg.RSIOversold
	if buy {
		if w.buyable.Add(symbol) {
			w.logger.Info("symbol became buyable",
				"symbol", symbol, "ema_fast", emaFast, "ema_slow", emaSlow, "rsi", rsi)
		}
	} else {
		if w.buyable.Remove(symbol) {
			w.logger.Info("symbol no longer buyable",
				"symbol", symbol, "ema_fast", emaFast, "ema_slow", emaSlow, "rsi", rsi)
		}
	}
}

// EMA computes an exponential moving average over the full series with the
// span smoothing factor 2/(period+1), seeded on the first sample.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period <= 0 {
		return 0
	}
	alpha := 2.0 / (float64(period) + 1.0)
	ema := prices[0]
	for _, p := range prices[1:] {
		ema = alpha*p + (1-alpha)*ema
	}
	return ema
}

// RSI computes the relative strength index from the mean gain and mean loss
// over the trailing period.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 || period <= 0 {
		return 50
	}

	window := prices[len(prices)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	rs := avgGain / (avgLoss + rsiEpsilon)
	return 100 - 100/(1+rs)
}

// ring is a fixed-capacity price buffer. Once full, the oldest price is
// overwritten.
type ring struct {
	buf   []float64
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.count }

// values returns the buffered prices oldest-first.
func (r *ring) values() []float64 {
	out := make([]float64, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
