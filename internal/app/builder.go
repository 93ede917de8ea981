package app

import (
	"context"
	"fmt"
	"time"

	srcfg "signalround/internal/config"
	"signalround/internal/gateway/binance"
	"signalround/internal/gateway/exchange"
	"signalround/internal/gateway/notifier"
	"signalround/internal/layer"
	"signalround/internal/logger"
	"signalround/internal/market"
	"signalround/internal/position"
	"signalround/internal/processor"
	"signalround/internal/round"
	"signalround/internal/signal"
	"signalround/internal/store/gormstore"
	"signalround/internal/tp"
	apihttp "signalround/internal/transport/http/api"
)

// Builder assembles the application from configuration. Construction
// functions are fields so tests can swap the live gateway for a double.
type Builder struct {
	cfg *srcfg.Config

	gatewayFn func(srcfg.GatewayConfig) (*binance.Gateway, error)
	storeFn   func(string) (*gormstore.GormStore, error)
}

type BuilderOption func(*Builder)

func NewBuilder(cfg *srcfg.Config, opts ...BuilderOption) *Builder {
	b := &Builder{
		cfg:       cfg,
		gatewayFn: buildGateway,
		storeFn:   gormstore.NewGormStore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildGateway(cfg srcfg.GatewayConfig) (*binance.Gateway, error) {
	return binance.New(binance.Config{
		RESTBaseURL:    cfg.RESTBaseURL,
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		HTTPTimeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		CandleInterval: cfg.CandleInterval,
		SyncTimeout:    time.Duration(cfg.SyncTimeoutSeconds) * time.Second,
	})
}

func (b *Builder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	st, err := b.storeFn(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gw, err := b.gatewayFn(cfg.Gateway)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	tracker := signal.NewTracker(signal.TrackerConfig{
		UpdateWindow: time.Duration(cfg.Signals.UpdateWindowMinutes) * time.Minute,
		CleanupAfter: time.Duration(cfg.Signals.CleanupAfterHours) * time.Hour,
		MaxTracked:   cfg.Signals.MaxTrackedSignals,
	})
	validator, err := signal.NewValidator(cfg.Signals.SchemaPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("signal schema: %w", err)
	}

	retention := round.Config{
		ClosedRetention: time.Duration(cfg.Signals.ClosedRetentionMinutes) * time.Minute,
		IdleRetention:   time.Duration(cfg.Signals.IdleRetentionHours) * time.Hour,
	}
	tpm := tp.NewManager()
	rounds := round.NewManager(gw, gw, tpm, st, retention)
	gw.RegisterListener(rounds)

	candles := &candleCache{
		gw:       gw,
		store:    market.NewStore(cfg.Gateway.CandleWindow),
		interval: cfg.Gateway.CandleInterval,
	}
	calc := layer.NewCalculator(layer.Config{
		RiskFraction: cfg.Trading.DefaultRiskPercent / 100,
		Window:       cfg.Gateway.CandleWindow,
		MinVolume:    cfg.Trading.MinLotSize,
		MaxLayers:    cfg.Trading.MaxLayers,
	}, candles)

	var notify position.Notifier
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}
	positions := position.NewManager(gw, rounds, calc, cfg.Trading, notify)

	proc := processor.New(tracker, validator, positions, rounds, st, processor.Config{
		ClosedRetention: retention.ClosedRetention,
		IdleRetention:   retention.IdleRetention,
	})

	srv, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Processor: proc,
		Rounds:    rounds,
		Tracker:   tracker,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("http server: %w", err)
	}

	a := &App{
		cfg:       cfg,
		gw:        gw,
		store:     st,
		rounds:    rounds,
		processor: proc,
		http:      srv,
	}
	if err := a.recover(ctx); err != nil {
		logger.Warnf("recovery: %v", err)
	}
	return a, nil
}

// recover re-adopts open rounds persisted by a previous run.
func (a *App) recover(ctx context.Context) error {
	open, err := a.store.LoadOpenRounds(ctx)
	if err != nil {
		return err
	}
	for _, r := range open {
		a.rounds.Adopt(r)
	}
	if len(open) > 0 {
		logger.Infof("recovered %d open rounds", len(open))
	}
	return nil
}

// candleCache serves calculator lookups from the in-memory store and
// falls back to a gateway fetch on a miss, caching the result.
type candleCache struct {
	gw       exchange.Gateway
	store    *market.Store
	interval string
}

var _ layer.CandleProvider = (*candleCache)(nil)

func (c *candleCache) Candles(symbol string, limit int) []market.Candle {
	if cached := c.store.Candles(symbol, limit); len(cached) >= limit {
		return cached
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fetched, err := c.gw.GetCandles(ctx, symbol, c.interval, limit)
	if err != nil {
		logger.Warnf("candle fetch %s: %v", symbol, err)
		return c.store.Candles(symbol, limit)
	}
	c.store.ReplaceCandles(symbol, fetched)
	return c.store.Candles(symbol, limit)
}
