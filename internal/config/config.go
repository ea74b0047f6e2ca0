// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Symbols   SymbolsConfig   `mapstructure:"symbols"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Trader    TraderConfig    `mapstructure:"trader"`
	TradeLog  TradeLogConfig  `mapstructure:"trade_log"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig holds Upbit API endpoints and credentials.
// AccessKey/SecretKey sign every private REST call (JWT).
type ExchangeConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
}

// TelegramConfig holds the notification/command channel credentials.
// When Token is empty the bot runs headless (notifications are logged only).
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// WebsocketConfig tunes the streaming ingress.
//
//   - Channels: which channel types to subscribe ("ticker", "orderbook").
//   - HeartbeatTimeout: force reconnect if no message within this window.
//   - MaxRetries: reconnect attempts per feed; <0 means unbounded.
//   - BackoffBase/MaxBackoff: exponential reconnect delay bounds.
type WebsocketConfig struct {
	Channels         []string      `mapstructure:"channels"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// SymbolsConfig controls dynamic symbol selection.
//
//   - Seed: initial symbol set traded before the first reselection.
//   - TopN: how many symbols the manager keeps active (24h volume ranking).
//   - RefreshInterval: how often the manager re-evaluates the set.
//   - MinStable: floor between two published set changes (anti-flapping).
//   - MarketCacheTTL: how long the safe-ticker listing is cached.
//   - ExcludeWarning / ExcludeSmallAcc: safety filters on the market listing.
type SymbolsConfig struct {
	Seed            []string      `mapstructure:"seed"`
	TopN            int           `mapstructure:"top_n"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MinStable       time.Duration `mapstructure:"min_stable"`
	MarketCacheTTL  time.Duration `mapstructure:"market_cache_ttl"`
	ExcludeWarning  bool          `mapstructure:"exclude_warning"`
	ExcludeSmallAcc bool          `mapstructure:"exclude_small_acc"`
}

// SignalConfig parameterizes the indicator worker's buy-signal function:
// buyable iff EMA(fast) > EMA(slow) and RSI < oversold.
type SignalConfig struct {
	EMAFast     int     `mapstructure:"ema_fast"`
	EMASlow     int     `mapstructure:"ema_slow"`
	RSIPeriod   int     `mapstructure:"rsi_period"`
	RSIOversold float64 `mapstructure:"rsi_oversold"`
}

// StrategyParams are the per-symbol strategy tunables. Not every variant
// reads every field; a variant ignores fields it has no use for.
type StrategyParams struct {
	Window        int     `mapstructure:"window"`
	TakeProfitPct float64 `mapstructure:"take_profit_pct"`
	StopLossPct   float64 `mapstructure:"stop_loss_pct"`

	// MA cross
	FastPeriod int `mapstructure:"fast_period"`
	SlowPeriod int `mapstructure:"slow_period"`

	// RSI
	RSIPeriod       int     `mapstructure:"rsi_period"`
	OversoldLevel   float64 `mapstructure:"oversold_level"`
	OverboughtLevel float64 `mapstructure:"overbought_level"`

	// Orderbook gating: suppress all actions while ask-bid exceeds this. 0 = off.
	MaxAllowedSpread float64 `mapstructure:"max_allowed_spread"`

	// Trailing stop
	TrailingStopEnabled   bool    `mapstructure:"trailing_stop_enabled"`
	TrailingStopPct       float64 `mapstructure:"trailing_stop_pct"`
	TrailingActivationPct float64 `mapstructure:"trailing_activation_pct"`

	// Partial close
	PartialCloseEnabled bool      `mapstructure:"partial_close_enabled"`
	PartialCloseLevels  []float64 `mapstructure:"partial_close_levels"`
	PartialCloseRatios  []float64 `mapstructure:"partial_close_ratios"`
}

// StrategyConfig selects the strategy variant and its parameters.
// Overrides replace the defaults wholesale for the named symbol.
type StrategyConfig struct {
	Name      string                    `mapstructure:"name"`
	Defaults  StrategyParams            `mapstructure:"defaults"`
	Overrides map[string]StrategyParams `mapstructure:"overrides"`
}

// ParamsFor returns the effective parameters for a symbol.
func (s StrategyConfig) ParamsFor(symbol string) StrategyParams {
	if p, ok := s.Overrides[symbol]; ok {
		return p
	}
	return s.Defaults
}

// PortfolioConfig sets the hard limits the portfolio gate and per-symbol
// risk managers enforce before any buy is submitted.
type PortfolioConfig struct {
	MaxPositionKRW        map[string]float64 `mapstructure:"max_position_krw"`
	DefaultMaxPositionKRW float64            `mapstructure:"default_max_position_krw"`
	MaxTotalPositionKRW   float64            `mapstructure:"max_total_position_krw"`
	MaxConcurrent         int                `mapstructure:"max_concurrent_positions"`
	DailyLossLimitKRW     float64            `mapstructure:"daily_loss_limit_krw"`
	MaxCoinRatio          float64            `mapstructure:"max_coin_ratio"`
}

// MaxPositionFor returns the per-symbol order-size cap in KRW.
func (p PortfolioConfig) MaxPositionFor(symbol string) float64 {
	if v, ok := p.MaxPositionKRW[symbol]; ok {
		return v
	}
	return p.DefaultMaxPositionKRW
}

// TraderConfig tunes the order lifecycle.
//
//   - OrderInterval: minimum gap between two outbound orders (all symbols).
//   - PendingCheckInterval: how often an unfilled order is polled.
//   - PendingTimeout: cancel an order that is not done within this window.
type TraderConfig struct {
	OrderInterval        time.Duration `mapstructure:"order_interval"`
	PendingCheckInterval time.Duration `mapstructure:"pending_check_interval"`
	PendingTimeout       time.Duration `mapstructure:"pending_timeout"`
}

// TradeLogConfig sets where confirmed fills are persisted (sqlite).
type TradeLogConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: UPBIT_ACCESS_KEY, UPBIT_SECRET_KEY,
// TELEGRAM_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AUTOCOIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("UPBIT_ACCESS_KEY"); key != "" {
		cfg.Exchange.AccessKey = key
	}
	if key := os.Getenv("UPBIT_SECRET_KEY"); key != "" {
		cfg.Exchange.SecretKey = key
	}
	if tok := os.Getenv("TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	if id := os.Getenv("TELEGRAM_CHAT_ID"); id != "" {
		var chatID int64
		if _, err := fmt.Sscanf(id, "%d", &chatID); err == nil {
			cfg.Telegram.ChatID = chatID
		}
	}
	if os.Getenv("AUTOCOIN_DRY_RUN") == "true" || os.Getenv("AUTOCOIN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rest_base_url", "https://api.upbit.com/v1")
	v.SetDefault("exchange.ws_url", "wss://api.upbit.com/websocket/v1")

	v.SetDefault("websocket.channels", []string{"ticker", "orderbook"})
	v.SetDefault("websocket.heartbeat_timeout", "30s")
	v.SetDefault("websocket.max_retries", -1)
	v.SetDefault("websocket.backoff_base", "1s")
	v.SetDefault("websocket.max_backoff", "32s")

	v.SetDefault("symbols.top_n", 3)
	v.SetDefault("symbols.refresh_interval", "600s")
	v.SetDefault("symbols.min_stable", "600s")
	v.SetDefault("symbols.market_cache_ttl", "3600s")
	v.SetDefault("symbols.exclude_warning", true)
	v.SetDefault("symbols.exclude_small_acc", true)

	v.SetDefault("signal.ema_fast", 20)
	v.SetDefault("signal.ema_slow", 50)
	v.SetDefault("signal.rsi_period", 14)
	v.SetDefault("signal.rsi_oversold", 30.0)

	v.SetDefault("strategy.name", "scalping")
	v.SetDefault("strategy.defaults.window", 5)
	v.SetDefault("strategy.defaults.take_profit_pct", 0.5)
	v.SetDefault("strategy.defaults.stop_loss_pct", 1.0)

	v.SetDefault("portfolio.default_max_position_krw", 100_000)
	v.SetDefault("portfolio.max_total_position_krw", 500_000)
	v.SetDefault("portfolio.max_concurrent_positions", 2)
	v.SetDefault("portfolio.daily_loss_limit_krw", 50_000)
	v.SetDefault("portfolio.max_coin_ratio", 0.5)

	v.SetDefault("trader.order_interval", "150ms")
	v.SetDefault("trader.pending_check_interval", "300ms")
	v.SetDefault("trader.pending_timeout", "10s")

	v.SetDefault("trade_log.path", "data/autocoin.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Exchange.AccessKey == "" {
			return fmt.Errorf("exchange.access_key is required (set UPBIT_ACCESS_KEY)")
		}
		if c.Exchange.SecretKey == "" {
			return fmt.Errorf("exchange.secret_key is required (set UPBIT_SECRET_KEY)")
		}
	}
	if len(c.Symbols.Seed) == 0 {
		return fmt.Errorf("symbols.seed must list at least one market (e.g. KRW-BTC)")
	}
	for _, s := range c.Symbols.Seed {
		if !strings.HasPrefix(s, "KRW-") {
			return fmt.Errorf("symbols.seed: %q is not a KRW market", s)
		}
	}
	if c.Symbols.TopN <= 0 {
		return fmt.Errorf("symbols.top_n must be > 0")
	}
	if c.Signal.EMAFast <= 0 || c.Signal.EMASlow <= 0 || c.Signal.EMAFast >= c.Signal.EMASlow {
		return fmt.Errorf("signal: need 0 < ema_fast < ema_slow")
	}
	switch c.Strategy.Name {
	case "scalping", "ma_cross", "rsi", "advanced_scalping":
	default:
		return fmt.Errorf("strategy.name must be one of: scalping, ma_cross, rsi, advanced_scalping")
	}
	if err := validateParams(c.Strategy.Defaults); err != nil {
		return fmt.Errorf("strategy.defaults: %w", err)
	}
	for sym, p := range c.Strategy.Overrides {
		if err := validateParams(p); err != nil {
			return fmt.Errorf("strategy.overrides.%s: %w", sym, err)
		}
	}
	if c.Portfolio.MaxConcurrent <= 0 {
		return fmt.Errorf("portfolio.max_concurrent_positions must be > 0")
	}
	if c.Portfolio.MaxTotalPositionKRW <= 0 {
		return fmt.Errorf("portfolio.max_total_position_krw must be > 0")
	}
	if c.Portfolio.MaxCoinRatio <= 0 || c.Portfolio.MaxCoinRatio > 1 {
		return fmt.Errorf("portfolio.max_coin_ratio must be in (0, 1]")
	}
	if c.Trader.OrderInterval <= 0 {
		return fmt.Errorf("trader.order_interval must be > 0")
	}
	return nil
}

func validateParams(p StrategyParams) error {
	if p.PartialCloseEnabled {
		if len(p.PartialCloseLevels) == 0 || len(p.PartialCloseLevels) != len(p.PartialCloseRatios) {
			return fmt.Errorf("partial_close_levels and partial_close_ratios must be non-empty and equal length")
		}
		var sum float64
		for _, r := range p.PartialCloseRatios {
			if r <= 0 {
				return fmt.Errorf("partial_close_ratios must be positive")
			}
			sum += r
		}
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("partial_close_ratios must sum to 1.0, got %.3f", sum)
		}
	}
	if p.TrailingStopEnabled && p.TrailingStopPct <= 0 {
		return fmt.Errorf("trailing_stop_pct must be > 0 when trailing is enabled")
	}
	return nil
}
