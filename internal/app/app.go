// Package app wires configuration into the running service: gateway,
// round registry, signal pipeline and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	srcfg "signalround/internal/config"
	"signalround/internal/gateway/binance"
	"signalround/internal/logger"
	"signalround/internal/processor"
	"signalround/internal/round"
	"signalround/internal/store/gormstore"
	apihttp "signalround/internal/transport/http/api"
)

const cleanupInterval = time.Minute

// App owns the service lifecycle.
type App struct {
	cfg       *srcfg.Config
	gw        *binance.Gateway
	store     *gormstore.GormStore
	rounds    *round.Manager
	processor *processor.Processor
	http      *apihttp.Server
}

// NewApp builds the application from configuration without starting it.
func NewApp(cfg *srcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewBuilder(cfg).Build(context.Background())
}

// Processor exposes the signal pipeline (for test harnesses).
func (a *App) Processor() *processor.Processor {
	if a == nil {
		return nil
	}
	return a.processor
}

// Run serves until ctx is cancelled, then drains background work and
// releases the gateway and store.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if err := a.gw.WaitSynchronized(ctx); err != nil {
		logger.Warnf("gateway not synchronized, continuing degraded: %v", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		a.cleanupLoop(ctx)
		return nil
	})

	err := group.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if derr := a.processor.Drain(drainCtx); derr != nil {
		logger.Warnf("drain: %v", derr)
	}
	if cerr := a.gw.Close(); cerr != nil {
		logger.Warnf("gateway close: %v", cerr)
	}
	if serr := a.store.Close(); serr != nil {
		logger.Warnf("store close: %v", serr)
	}
	return err
}

func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.processor.Cleanup()
			cutoff := time.Now().Add(-time.Duration(a.cfg.Signals.CleanupAfterHours) * time.Hour)
			if err := a.store.PruneClosedBefore(ctx, cutoff); err != nil {
				logger.Warnf("store prune: %v", err)
			}
		}
	}
}
