package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
exchange: binance_perpetual
trading_pairs:
  - BTC-USDT
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.RateLimiter.SafetyMarginPct != 0.05 {
		t.Errorf("safety_margin_pct = %v, want default 0.05", cfg.RateLimiter.SafetyMarginPct)
	}
	if cfg.Tracker.PastDiffsWindowSize != 32 {
		t.Errorf("past_diffs_window_size = %d, want default 32", cfg.Tracker.PastDiffsWindowSize)
	}
	if cfg.Tracker.SavedMessageQueueSize != 1000 {
		t.Errorf("saved_message_queue_size = %d, want default 1000", cfg.Tracker.SavedMessageQueueSize)
	}
	if cfg.FundingRate.RestUpdateInterval != 10*time.Second {
		t.Errorf("rest_update_interval = %v, want default 10s", cfg.FundingRate.RestUpdateInterval)
	}
	if cfg.FundingRate.StandardizationDurationHours != 24 {
		t.Errorf("standardization_duration_hours = %d, want default 24", cfg.FundingRate.StandardizationDurationHours)
	}
	if cfg.WS.MessageTimeout != 30*time.Second || cfg.WS.ConnectionTimeout != 60*time.Second {
		t.Errorf("ws timeouts = %v/%v, want defaults 30s/60s", cfg.WS.MessageTimeout, cfg.WS.ConnectionTimeout)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
exchange: okx_perpetual
trading_pairs:
  - BTC-USDT
  - ETH-USDT
tracker:
  past_diffs_window_size: 64
funding_rate:
  rest_update_interval: 30s
  enable_ws: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tracker.PastDiffsWindowSize != 64 {
		t.Errorf("past_diffs_window_size = %d, want 64", cfg.Tracker.PastDiffsWindowSize)
	}
	if cfg.FundingRate.RestUpdateInterval != 30*time.Second {
		t.Errorf("rest_update_interval = %v, want 30s", cfg.FundingRate.RestUpdateInterval)
	}
	if !cfg.FundingRate.EnableWS {
		t.Error("enable_ws = false, want true")
	}
	if len(cfg.TradingPairs) != 2 {
		t.Errorf("trading_pairs = %v, want two pairs", cfg.TradingPairs)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Exchange:     ExchangeBinance,
			TradingPairs: []string{"BTC-USDT"},
			RateLimiter:  RateLimiterConfig{SafetyMarginPct: 0.05},
			Tracker:      TrackerConfig{PastDiffsWindowSize: 32, SavedMessageQueueSize: 1000},
			FundingRate:  FundingRateConfig{RestUpdateInterval: 10 * time.Second, StandardizationDurationHours: 24},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing exchange", func(c *Config) { c.Exchange = "" }},
		{"unsupported exchange", func(c *Config) { c.Exchange = "ftx_perpetual" }},
		{"no trading pairs", func(c *Config) { c.TradingPairs = nil }},
		{"malformed pair", func(c *Config) { c.TradingPairs = []string{"BTCUSDT"} }},
		{"negative safety margin", func(c *Config) { c.RateLimiter.SafetyMarginPct = -1 }},
		{"zero past diffs window", func(c *Config) { c.Tracker.PastDiffsWindowSize = 0 }},
		{"zero std hours", func(c *Config) { c.FundingRate.StandardizationDurationHours = 0 }},
	}
	for _, tt := range tests {
		cfg := base()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() accepted an invalid config", tt.name)
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("baseline config rejected: %v", err)
	}
}
