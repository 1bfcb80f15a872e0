// Package config defines all configuration for the market-data pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via DEPTH_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported exchange names, matching the adapter each maps to.
const (
	ExchangeBinance = "binance_perpetual"
	ExchangeOKX     = "okx_perpetual"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange     string            `mapstructure:"exchange"`
	TradingPairs []string          `mapstructure:"trading_pairs"`
	RateLimiter  RateLimiterConfig `mapstructure:"rate_limiter"`
	Tracker      TrackerConfig     `mapstructure:"tracker"`
	FundingRate  FundingRateConfig `mapstructure:"funding_rate"`
	WS           WSConfig          `mapstructure:"ws"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

// RateLimiterConfig tunes the shared admission controller.
//
//   - SafetyMarginPct: extra fraction of each limit's interval that task-log
//     entries are retained past their window before flush drops them.
//     Admission counts only entries inside the interval itself.
//   - RetryInterval: how long a denied caller sleeps before re-checking.
type RateLimiterConfig struct {
	SafetyMarginPct float64       `mapstructure:"safety_margin_pct"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
}

// TrackerConfig tunes the order book tracker's buffering and fallbacks.
//
//   - PastDiffsWindowSize: diffs retained per pair for late-snapshot replay.
//   - SavedMessageQueueSize: pre-init diff buffer depth per pair.
//   - InitPairDelay: pause between per-pair REST snapshot fetches on start.
//   - OutdatedTradeAge: how stale a pair's live trade stream may go before
//     the REST price fallback kicks in.
//   - TradeRestRefreshMin: floor between REST price refreshes per pair.
type TrackerConfig struct {
	PastDiffsWindowSize   int           `mapstructure:"past_diffs_window_size"`
	SavedMessageQueueSize int           `mapstructure:"saved_message_queue_size"`
	InitPairDelay         time.Duration `mapstructure:"init_pair_delay"`
	OutdatedTradeAge      time.Duration `mapstructure:"outdated_trade_age"`
	TradeRestRefreshMin   time.Duration `mapstructure:"trade_rest_refresh_min"`
}

// FundingRateConfig tunes the funding-rate feed.
//
//   - RestUpdateInterval: poll cadence; polls align to wall-clock multiples.
//   - StandardizationDurationHours: window all rates are normalized to, so
//     exchanges with different funding intervals stay comparable.
//   - EnableWS: also subscribe to the exchange's funding push channel.
type FundingRateConfig struct {
	RestUpdateInterval           time.Duration `mapstructure:"rest_update_interval"`
	StandardizationDurationHours int           `mapstructure:"standardization_duration_hours"`
	EnableWS                     bool          `mapstructure:"enable_ws"`
}

// WSConfig sets the websocket timers: a ping every MessageTimeout, a
// reconnect after ConnectionTimeout with no frames.
type WSConfig struct {
	MessageTimeout    time.Duration `mapstructure:"message_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (DEPTH_ prefix,
// dots replaced by underscores: DEPTH_FUNDING_RATE_ENABLE_WS etc.).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DEPTH")
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

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rate_limiter.safety_margin_pct", 0.05)
	v.SetDefault("rate_limiter.retry_interval", "100ms")
	v.SetDefault("tracker.past_diffs_window_size", 32)
	v.SetDefault("tracker.saved_message_queue_size", 1000)
	v.SetDefault("tracker.init_pair_delay", "1s")
	v.SetDefault("tracker.outdated_trade_age", "180s")
	v.SetDefault("tracker.trade_rest_refresh_min", "5s")
	v.SetDefault("funding_rate.rest_update_interval", "10s")
	v.SetDefault("funding_rate.standardization_duration_hours", 24)
	v.SetDefault("ws.message_timeout", "30s")
	v.SetDefault("ws.connection_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Exchange {
	case ExchangeBinance, ExchangeOKX:
	case "":
		return fmt.Errorf("exchange is required (%s or %s)", ExchangeBinance, ExchangeOKX)
	default:
		return fmt.Errorf("unsupported exchange %q (must be %s or %s)", c.Exchange, ExchangeBinance, ExchangeOKX)
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs must list at least one pair")
	}
	for _, pair := range c.TradingPairs {
		if !strings.Contains(pair, "-") {
			return fmt.Errorf("trading pair %q must be BASE-QUOTE, e.g. BTC-USDT", pair)
		}
	}
	if c.RateLimiter.SafetyMarginPct < 0 {
		return fmt.Errorf("rate_limiter.safety_margin_pct must be >= 0")
	}
	if c.Tracker.PastDiffsWindowSize <= 0 {
		return fmt.Errorf("tracker.past_diffs_window_size must be > 0")
	}
	if c.Tracker.SavedMessageQueueSize <= 0 {
		return fmt.Errorf("tracker.saved_message_queue_size must be > 0")
	}
	if c.FundingRate.StandardizationDurationHours <= 0 {
		return fmt.Errorf("funding_rate.standardization_duration_hours must be > 0")
	}
	if c.FundingRate.RestUpdateInterval <= 0 {
		return fmt.Errorf("funding_rate.rest_update_interval must be > 0")
	}
	return nil
}
