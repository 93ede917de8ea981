// Package position turns parsed entry signals into placed orders and
// registered rounds. It owns sizing, price resolution and the layered
// versus single-entry decision; ownership of a position after placement
// belongs to the round registry.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signalround/internal/config"
	"signalround/internal/gateway/exchange"
	"signalround/internal/layer"
	"signalround/internal/logger"
	"signalround/internal/round"
	"signalround/internal/signal"
	"signalround/internal/types"
)

// Notifier receives human-readable trade notices. May be nil.
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

// Manager places orders for entry signals and hands the resulting
// positions to the round registry.
type Manager struct {
	gw     exchange.Gateway
	rounds *round.Manager
	calc   *layer.Calculator
	cfg    config.TradingConfig
	notify Notifier

	now func() time.Time
}

func NewManager(gw exchange.Gateway, rounds *round.Manager, calc *layer.Calculator, cfg config.TradingConfig, notify Notifier) *Manager {
	return &Manager{
		gw:     gw,
		rounds: rounds,
		calc:   calc,
		cfg:    cfg,
		notify: notify,
		now:    time.Now,
	}
}

// OpenRound executes an entry signal end to end: resolve a working
// price, size the trade from the account balance, place one or many
// orders and register the round. Layered signals that cannot be sized
// (no candle history, bad layer count) degrade to a single position;
// placement failures never do, since the orders may already rest at
// the exchange.
func (m *Manager) OpenRound(ctx context.Context, sig *signal.Signal) (*round.TradeRound, error) {
	if sig == nil || sig.Type != signal.TypeEntry {
		return nil, fmt.Errorf("position: not an entry signal")
	}

	balance, err := m.gw.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: account balance: %w", err)
	}
	band := m.cfg.BandFor(balance)

	if sig.Layers.Enabled {
		r, err := m.openLayered(ctx, sig, balance, band)
		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, layer.ErrInsufficientData) || errors.Is(err, layer.ErrInvalidLayerCount):
			logger.Warnf("position: cannot size layers for %s (%v), falling back to single", sig.Symbol, err)
		default:
			return nil, err
		}
	}
	return m.openSingle(ctx, sig, band)
}

// openSingle places one order sized from the account band. Market
// entries without a usable price are rejected after the retry budget.
func (m *Manager) openSingle(ctx context.Context, sig *signal.Signal, band config.AccountBand) (*round.TradeRound, error) {
	price := sig.EntryPrice
	if price <= 0 {
		var err error
		price, err = m.resolvePrice(ctx, sig.Symbol, sig.Action)
		if err != nil {
			return nil, err
		}
	}

	stop := sig.StopLoss
	if stop <= 0 {
		stop = m.defaultStop(price, sig.Action)
	}

	req := exchange.OrderRequest{
		Symbol:      sig.Symbol,
		Direction:   sig.Action,
		Volume:      band.LotSize,
		EntryType:   sig.EntryType,
		EntryPrice:  sig.EntryPrice,
		StopLoss:    stop,
		TakeProfits: sig.TakeProfits,
		ClientID:    clientID(),
		Comment:     "signal entry",
	}
	res, err := m.placeOrder(ctx, req)
	if err != nil {
		m.notifyf(ctx, "order failed: %s %s %.2f @ %.5f: %v", sig.Action, sig.Symbol, req.Volume, price, err)
		return nil, err
	}

	pos := m.buildPosition(req, res, price, 0)
	return m.rounds.CreateRound(ctx, sig, []*round.Position{pos}, stop, sig.TakeProfits)
}

// openLayered computes the distribution and places the first layer at
// market with the remaining layers as resting limit orders. All layers
// share the computed stop; each order carries its ladder's first target.
func (m *Manager) openLayered(ctx context.Context, sig *signal.Signal, balance float64, band config.AccountBand) (*round.TradeRound, error) {
	base := sig.EntryPrice
	if base <= 0 {
		var err error
		base, err = m.resolvePrice(ctx, sig.Symbol, sig.Action)
		if err != nil {
			return nil, err
		}
	}

	count := sig.Layers.Count
	if count <= 0 {
		count = band.NumLayers
	}
	var pr *layer.Range
	if sig.EntryRange != nil {
		pr = &layer.Range{Min: sig.EntryRange.Min, Max: sig.EntryRange.Max}
	}

	dist, err := m.calc.Calculate(sig.Symbol, sig.Action, base, pr, count, balance, layer.ParsePolicy(sig.Layers.Distribution))
	if err != nil {
		return nil, err
	}

	stop := dist.StopLoss
	if sig.HasStop() {
		stop = sig.StopLoss
	}

	positions := make([]*round.Position, 0, len(dist.EntryPrices))
	for i, entry := range dist.EntryPrices {
		req := exchange.OrderRequest{
			Symbol:    sig.Symbol,
			Direction: sig.Action,
			Volume:    dist.Volumes[i],
			EntryType: types.EntryLimit,
			StopLoss:  stop,
			ClientID:  clientID(),
			Comment:   fmt.Sprintf("layer %d/%d", i+1, len(dist.EntryPrices)),
		}
		if i == 0 && sig.EntryType == types.EntryMarket {
			req.EntryType = types.EntryMarket
		} else {
			req.EntryPrice = entry
		}
		if len(dist.TakeProfits[i]) > 0 {
			req.TakeProfits = dist.TakeProfits[i][:1]
		}

		res, err := m.placeOrder(ctx, req)
		if err != nil {
			logger.Errorf("position: layer %d/%d for %s: %v", i+1, len(dist.EntryPrices), sig.Symbol, err)
			m.notifyf(ctx, "layer %d/%d failed for %s: %v", i+1, len(dist.EntryPrices), sig.Symbol, err)
			continue
		}
		positions = append(positions, m.buildPosition(req, res, entry, i))
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position: all %d layers rejected for %s", len(dist.EntryPrices), sig.Symbol)
	}

	ladder := sig.TakeProfits
	if len(ladder) == 0 && len(dist.TakeProfits) > 0 {
		ladder = dist.TakeProfits[0]
	}
	return m.rounds.CreateRound(ctx, sig, positions, stop, ladder)
}

// UpdateRound applies a modify signal to an existing round.
func (m *Manager) UpdateRound(ctx context.Context, roundID string, sig *signal.Signal) error {
	cfg := round.RoundConfig{}
	if sig.HasStop() {
		sl := sig.StopLoss
		cfg.StopLoss = &sl
	}
	if len(sig.TakeProfits) > 0 {
		cfg.TakeProfits = sig.TakeProfits
	}
	if cfg.StopLoss == nil && cfg.TakeProfits == nil {
		return nil
	}
	return m.rounds.UpdateRoundConfig(ctx, roundID, cfg)
}

// CloseRound closes a round's positions. CloseType "partial" halves the
// open set (oldest layers first); anything else closes everything and
// cancels resting orders.
func (m *Manager) CloseRound(ctx context.Context, roundID, closeType string) error {
	open, ok := m.rounds.OpenPositions(roundID)
	if !ok {
		return fmt.Errorf("position: round %s not found", roundID)
	}
	if len(open) == 0 {
		return nil
	}

	target := open
	if closeType == "partial" {
		n := (len(open) + 1) / 2
		target = open[:n]
	}
	for _, p := range target {
		if p.Status == round.PositionPending {
			if err := m.gw.CancelOrder(ctx, p.OrderID); err != nil {
				logger.Warnf("position: cancel %s: %v", p.OrderID, err)
			}
			continue
		}
		if _, err := m.gw.ClosePosition(ctx, p.ID); err != nil {
			logger.Errorf("position: close %s: %v", p.ID, err)
			m.notifyf(ctx, "close failed for %s in round %s: %v", p.ID, roundID, err)
		}
	}
	return nil
}

// resolvePrice polls the gateway for a usable quote on the side that
// fills the order, retrying on error or an empty book.
func (m *Manager) resolvePrice(ctx context.Context, symbol string, dir types.Direction) (float64, error) {
	attempts := m.cfg.PriceRetryAttempts
	if attempts <= 0 {
		attempts = 10
	}
	interval := time.Duration(m.cfg.PriceRetryIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		q, err := m.gw.GetCurrentPrice(ctx, symbol)
		if err == nil {
			price := q.Ask
			if dir == types.DirectionSell {
				price = q.Bid
			}
			if price > 0 {
				return price, nil
			}
			err = fmt.Errorf("empty book side")
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
	return 0, fmt.Errorf("position: no price for %s after %d attempts: %w", symbol, attempts, lastErr)
}

// placeOrder submits with a bounded wait for the terminal state. A
// submit that outlives the wait is treated as accepted: the order may
// be live at the exchange, so it is tracked as pending rather than
// resubmitted.
func (m *Manager) placeOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	wait := time.Duration(m.cfg.OrderWaitTimeoutSeconds) * time.Second
	if wait <= 0 {
		wait = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	res, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warnf("position: order %s for %s timed out waiting for confirmation, tracking as pending", req.ClientID, req.Symbol)
			return &exchange.OrderResult{
				PositionID: req.ClientID,
				State:      exchange.OrderStatePending,
			}, nil
		}
		return nil, err
	}
	if res.State == exchange.OrderStateRejected {
		return nil, fmt.Errorf("position: order %s rejected", res.OrderID)
	}
	return res, nil
}

func (m *Manager) buildPosition(req exchange.OrderRequest, res *exchange.OrderResult, plannedPrice float64, layerIdx int) *round.Position {
	status := round.PositionPending
	entry := plannedPrice
	if res.State == exchange.OrderStateCompleted {
		status = round.PositionActive
		if res.ExecutedPrice > 0 {
			entry = res.ExecutedPrice
		}
	}
	id := res.PositionID
	if id == "" {
		id = res.OrderID
	}
	return &round.Position{
		ID:          id,
		OrderID:     res.OrderID,
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		Volume:      req.Volume,
		EntryType:   req.EntryType,
		Status:      status,
		EntryPrice:  entry,
		StopLoss:    req.StopLoss,
		TakeProfits: append([]float64(nil), req.TakeProfits...),
		LayerIndex:  layerIdx,
		CreatedAt:   m.now(),
	}
}

// defaultStop puts the protective stop a fixed fraction behind entry
// when the signal carries none.
func (m *Manager) defaultStop(price float64, dir types.Direction) float64 {
	pct := m.cfg.DefaultStopPct
	if pct <= 0 {
		pct = 0.01
	}
	if dir == types.DirectionSell {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}

func (m *Manager) notifyf(ctx context.Context, format string, args ...any) {
	if m.notify == nil {
		return
	}
	if err := m.notify.SendText(ctx, fmt.Sprintf(format, args...)); err != nil {
		logger.Warnf("position: notify: %v", err)
	}
}

func clientID() string { return "sr-" + uuid.NewString() }
