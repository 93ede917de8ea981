package config

// Config is the top-level configuration carrier.
type Config struct {
	App     AppConfig     `toml:"app"`
	Trading TradingConfig `toml:"trading"`
	Signals SignalsConfig `toml:"signals"`
	Gateway GatewayConfig `toml:"gateway"`
	Notify  NotifyConfig  `toml:"notify"`
	Store   StoreConfig   `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// TradingConfig controls sizing defaults and order handling.
type TradingConfig struct {
	DefaultRiskPercent float64 `toml:"default_risk_percent"`
	MaxRiskPercent     float64 `toml:"max_risk_percent"`
	MaxLayers          int     `toml:"max_layers"`
	MinLotSize         float64 `toml:"min_lot_size"`
	DefaultStopPct     float64 `toml:"default_stop_pct"`

	// Price resolution for market entries without a cached quote.
	PriceRetryAttempts   int `toml:"price_retry_attempts"`
	PriceRetryIntervalMs int `toml:"price_retry_interval_ms"`

	// Bounded wait for an order to reach a terminal state.
	OrderWaitTimeoutSeconds int `toml:"order_wait_timeout_seconds"`

	AccountBands []AccountBand `toml:"account_bands"`
}

// AccountBand maps an account-size range to sizing defaults.
type AccountBand struct {
	AccountMin  float64 `toml:"account_min"`
	AccountMax  float64 `toml:"account_max"`
	LotSize     float64 `toml:"lot_size"`
	NumLayers   int     `toml:"num_layers"`
	RiskPercent float64 `toml:"risk_percent"`
}

// BandFor returns the sizing band covering accountSize, or the last band.
func (t TradingConfig) BandFor(accountSize float64) AccountBand {
	for _, b := range t.AccountBands {
		if accountSize >= b.AccountMin && accountSize <= b.AccountMax {
			return b
		}
	}
	return t.AccountBands[len(t.AccountBands)-1]
}

type SignalsConfig struct {
	UpdateWindowMinutes    int    `toml:"update_window_minutes"`
	CleanupAfterHours      int    `toml:"cleanup_after_hours"`
	MaxTrackedSignals      int    `toml:"max_tracked_signals"`
	SchemaPath             string `toml:"schema_path"`
	ClosedRetentionMinutes int    `toml:"closed_retention_minutes"`
	IdleRetentionHours     int    `toml:"idle_retention_hours"`
}

// GatewayConfig describes the execution gateway connection.
type GatewayConfig struct {
	RESTBaseURL        string `toml:"rest_base_url"`
	APIKey             string `toml:"api_key"`
	APISecret          string `toml:"api_secret"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	SyncTimeoutSeconds int    `toml:"sync_timeout_seconds"`
	CandleInterval     string `toml:"candle_interval"`
	CandleWindow       int    `toml:"candle_window"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}
