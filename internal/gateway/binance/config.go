package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration

	// CandleInterval used for GetCandles when the caller passes none.
	CandleInterval string

	// SyncTimeout bounds WaitSynchronized.
	SyncTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.CandleInterval == "" {
		out.CandleInterval = "1m"
	}
	if out.SyncTimeout <= 0 {
		out.SyncTimeout = 300 * time.Second
	}
	return out
}
