package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads a YAML config file and applies defaults for unset sections.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8086"
	}

	if c.Trading.DefaultRiskPercent <= 0 {
		c.Trading.DefaultRiskPercent = 2.0
	}
	if c.Trading.MaxRiskPercent <= 0 {
		c.Trading.MaxRiskPercent = 5.0
	}
	if c.Trading.MaxLayers <= 0 {
		c.Trading.MaxLayers = 7
	}
	if c.Trading.MinLotSize <= 0 {
		c.Trading.MinLotSize = 0.01
	}
	if c.Trading.DefaultStopPct <= 0 {
		c.Trading.DefaultStopPct = 0.01
	}
	if c.Trading.PriceRetryAttempts <= 0 {
		c.Trading.PriceRetryAttempts = 10
	}
	if c.Trading.PriceRetryIntervalMs <= 0 {
		c.Trading.PriceRetryIntervalMs = 100
	}
	if c.Trading.OrderWaitTimeoutSeconds <= 0 {
		c.Trading.OrderWaitTimeoutSeconds = 30
	}
	if len(c.Trading.AccountBands) == 0 {
		c.Trading.AccountBands = []AccountBand{
			{AccountMin: 50, AccountMax: 500, LotSize: 0.01, NumLayers: 3, RiskPercent: 1.0},
			{AccountMin: 500, AccountMax: 2000, LotSize: 0.03, NumLayers: 5, RiskPercent: 1.5},
			{AccountMin: 2000, AccountMax: 5000, LotSize: 0.05, NumLayers: 5, RiskPercent: 2.0},
			{AccountMin: 5000, AccountMax: math.Inf(1), LotSize: 0.1, NumLayers: 7, RiskPercent: 2.0},
		}
	}

	if c.Signals.UpdateWindowMinutes <= 0 {
		c.Signals.UpdateWindowMinutes = 5
	}
	if c.Signals.CleanupAfterHours <= 0 {
		c.Signals.CleanupAfterHours = 24
	}
	if c.Signals.MaxTrackedSignals <= 0 {
		c.Signals.MaxTrackedSignals = 100
	}
	if c.Signals.ClosedRetentionMinutes <= 0 {
		c.Signals.ClosedRetentionMinutes = 60
	}
	if c.Signals.IdleRetentionHours <= 0 {
		c.Signals.IdleRetentionHours = 24
	}

	if c.Gateway.TimeoutSeconds <= 0 {
		c.Gateway.TimeoutSeconds = 10
	}
	if c.Gateway.SyncTimeoutSeconds <= 0 {
		c.Gateway.SyncTimeoutSeconds = 300
	}
	if c.Gateway.CandleInterval == "" {
		c.Gateway.CandleInterval = "1m"
	}
	if c.Gateway.CandleWindow <= 0 {
		c.Gateway.CandleWindow = 20
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/signalround.db"
	}
}

func validate(c *Config) error {
	if c.Trading.DefaultRiskPercent > c.Trading.MaxRiskPercent {
		return fmt.Errorf("trading.default_risk_percent (%.2f) exceeds trading.max_risk_percent (%.2f)",
			c.Trading.DefaultRiskPercent, c.Trading.MaxRiskPercent)
	}
	if c.Trading.DefaultStopPct >= 1 {
		return fmt.Errorf("trading.default_stop_pct must be a fraction below 1, got %.2f", c.Trading.DefaultStopPct)
	}
	for i, b := range c.Trading.AccountBands {
		if b.AccountMax < b.AccountMin {
			return fmt.Errorf("trading.account_bands[%d]: account_max below account_min", i)
		}
		if b.NumLayers <= 0 {
			return fmt.Errorf("trading.account_bands[%d]: num_layers must be positive", i)
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram: bot_token and chat_id are required when enabled")
		}
	}
	return nil
}
