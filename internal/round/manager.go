package round

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalround/internal/gateway/exchange"
	"signalround/internal/logger"
	"signalround/internal/market"
	"signalround/internal/signal"
	"signalround/internal/tp"
	"signalround/internal/types"
)

// Store receives registry mutations for durability. Implementations must
// tolerate repeated upserts of the same round.
type Store interface {
	UpsertRound(ctx context.Context, r *TradeRound) error
	UpsertPosition(ctx context.Context, p *Position) error
}

// Config bounds the registry.
type Config struct {
	// ClosedRetention is how long a closed round stays queryable.
	ClosedRetention time.Duration
	// IdleRetention evicts rounds with no activity at all.
	IdleRetention time.Duration
}

func (c *Config) fill() {
	if c.ClosedRetention <= 0 {
		c.ClosedRetention = time.Hour
	}
	if c.IdleRetention <= 0 {
		c.IdleRetention = 24 * time.Hour
	}
}

// RoundConfig carries an external reconfiguration request. Nil fields
// are left untouched.
type RoundConfig struct {
	StopLoss    *float64
	TakeProfits []float64
	Status      *Status
}

// Manager keeps every live TradeRound, applies gateway events to them
// and reacts to price updates by driving the take-profit manager.
type Manager struct {
	gw     exchange.Gateway
	prices exchange.PriceSubscriber
	tpm    *tp.Manager
	store  Store
	cfg    Config

	mu         sync.Mutex
	rounds     map[string]*TradeRound
	subscribed map[string]struct{}

	now func() time.Time
}

// NewManager wires the registry. prices and store may be nil.
func NewManager(gw exchange.Gateway, prices exchange.PriceSubscriber, tpm *tp.Manager, store Store, cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		gw:         gw,
		prices:     prices,
		tpm:        tpm,
		store:      store,
		cfg:        cfg,
		rounds:     make(map[string]*TradeRound),
		subscribed: make(map[string]struct{}),
		now:        time.Now,
	}
}

// CreateRound registers a new round around already-placed positions,
// installs its take-profit ladder and subscribes to price updates for
// the symbol. The round id comes from the signal when it carries one.
func (m *Manager) CreateRound(ctx context.Context, sig *signal.Signal, positions []*Position, stopLoss float64, tpPrices []float64) (*TradeRound, error) {
	if sig == nil {
		return nil, fmt.Errorf("round: nil signal")
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("round: no positions for %s", sig.Symbol)
	}

	id := sig.RoundID
	if id == "" {
		id = signal.MintRoundID(sig.Symbol, m.now())
	}

	now := m.now()
	r := &TradeRound{
		ID:              id,
		Symbol:          sig.Symbol,
		Direction:       positions[0].Direction,
		CreatedAt:       now,
		Positions:       make(map[string]*Position, len(positions)),
		TPPrices:        append([]float64(nil), tpPrices...),
		StopLoss:        stopLoss,
		Status:          StatusPending,
		StatusChangedAt: now,
		LastActivity:    now,
		Signal:          sig,
	}
	for _, p := range positions {
		p.RoundID = id
		r.Positions[p.ID] = p
	}
	r.deriveStatus(now)

	m.mu.Lock()
	if _, dup := m.rounds[id]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("round: duplicate id %s", id)
	}
	m.rounds[id] = r
	var vs []tp.PositionView
	if len(tpPrices) > 0 {
		vs = m.viewsLocked(r, 0)
	}
	m.mu.Unlock()

	var actions []tp.Action
	if len(tpPrices) > 0 {
		actions = m.tpm.UpdateLadder(id, tpPrices, vs)
	}
	m.execute(ctx, r, actions)

	m.ensureSubscription(r.Symbol)
	m.persist(ctx, r)
	logger.Infof("round %s created: %s %s, %d positions", id, r.Direction, r.Symbol, len(positions))
	return r, nil
}

// Round returns the round by id.
func (m *Manager) Round(id string) (*TradeRound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	return r, ok
}

// Rounds snapshots ids of all tracked rounds.
func (m *Manager) Rounds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rounds))
	for id := range m.rounds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OpenPositions copies the round's open positions, oldest layer first.
// The second return is false for unknown rounds.
func (m *Manager) OpenPositions(id string) ([]Position, bool) {
	m.mu.Lock()
	r, ok := m.rounds[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	out := make([]Position, 0, len(r.Positions))
	for _, p := range r.Positions {
		if p.Open() {
			out = append(out, *p)
		}
	}
	m.mu.Unlock()

	sortPositions(out)
	return out, true
}

// Snapshot is a consistent read-only copy of one round with the live
// ladder state attached, for external consumers.
type Snapshot struct {
	ID             string
	Symbol         string
	Direction      types.Direction
	Status         Status
	StopLoss       float64
	TPPrices       []float64
	CreatedAt      time.Time
	RealizedProfit float64
	Positions      []Position
	Ladder         tp.LadderStatus
}

func (m *Manager) Snapshot(id string) (Snapshot, bool) {
	m.mu.Lock()
	r, ok := m.rounds[id]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, false
	}
	s := Snapshot{
		ID:             r.ID,
		Symbol:         r.Symbol,
		Direction:      r.Direction,
		Status:         r.Status,
		StopLoss:       r.StopLoss,
		TPPrices:       append([]float64(nil), r.TPPrices...),
		CreatedAt:      r.CreatedAt,
		RealizedProfit: r.RealizedProfit(),
		Positions:      make([]Position, 0, len(r.Positions)),
	}
	for _, p := range r.Positions {
		s.Positions = append(s.Positions, *p)
	}
	m.mu.Unlock()

	sortPositions(s.Positions)
	s.Ladder = m.tpm.Status(id)
	return s, true
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].LayerIndex != ps[j].LayerIndex {
			return ps[i].LayerIndex < ps[j].LayerIndex
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

// Adopt registers an externally reconstructed round (recovery path)
// without placing any orders.
func (m *Manager) Adopt(r *TradeRound) {
	m.mu.Lock()
	m.rounds[r.ID] = r
	m.mu.Unlock()
	m.ensureSubscription(r.Symbol)
}

// UpdateRoundConfig rewrites the stop loss and/or take-profit ladder on
// every open position of the round, then mirrors the change on the
// round record. Gateway failures on individual positions are logged and
// skipped so a partial push still lands on the rest.
func (m *Manager) UpdateRoundConfig(ctx context.Context, id string, cfg RoundConfig) error {
	m.mu.Lock()
	r, ok := m.rounds[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("round: %s not found", id)
	}

	var openIDs []string
	for _, p := range r.ActivePositions() {
		openIDs = append(openIDs, p.ID)
	}
	if cfg.StopLoss != nil {
		r.StopLoss = *cfg.StopLoss
	}
	if len(cfg.TakeProfits) > 0 {
		r.TPPrices = append([]float64(nil), cfg.TakeProfits...)
	}
	if cfg.Status != nil {
		r.Status = *cfg.Status
		r.StatusChangedAt = m.now()
	}
	r.LastActivity = m.now()
	m.mu.Unlock()

	var firstTP *float64
	if len(cfg.TakeProfits) > 0 {
		firstTP = &cfg.TakeProfits[0]
	}
	var pushed []string
	if cfg.StopLoss != nil || firstTP != nil {
		for _, pid := range openIDs {
			req := exchange.ModifyRequest{PositionID: pid, StopLoss: cfg.StopLoss, TakeProfit: firstTP}
			if err := m.gw.ModifyPosition(ctx, req); err != nil {
				logger.Warnf("round %s: modify %s failed: %v", id, pid, err)
				continue
			}
			pushed = append(pushed, pid)
		}
	}
	if cfg.StopLoss != nil {
		m.mu.Lock()
		for _, pid := range pushed {
			if p, ok := r.Positions[pid]; ok {
				p.StopLoss = *cfg.StopLoss
			}
		}
		m.mu.Unlock()
	}

	if len(cfg.TakeProfits) > 0 {
		m.mu.Lock()
		vs := m.viewsLocked(r, 0)
		m.mu.Unlock()
		actions := m.tpm.UpdateLadder(id, cfg.TakeProfits, vs)
		m.execute(ctx, r, actions)
	}
	m.persist(ctx, r)
	return nil
}

// HandleQuote is the price-subscription callback. It evaluates every
// live round on the symbol against the relevant book side (ask for
// longs, bid for shorts) and runs the resulting take-profit actions.
func (m *Manager) HandleQuote(q market.Quote) {
	m.mu.Lock()
	type work struct {
		r       *TradeRound
		actions []tp.Action
	}
	var batch []work
	for _, r := range m.rounds {
		if r.Symbol != q.Symbol || r.Status == StatusClosed {
			continue
		}
		price := q.Ask
		if r.Direction == types.DirectionSell {
			price = q.Bid
		}
		if price <= 0 {
			continue
		}
		actions := m.tpm.HandleLevelHit(r.ID, price, m.viewsLocked(r, price))
		if len(actions) > 0 {
			batch = append(batch, work{r: r, actions: actions})
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, w := range batch {
		m.execute(ctx, w.r, w.actions)
	}
}

// viewsLocked builds the TP manager's read model from the round's
// positions, oldest layer first so fractional closes always take the
// earliest layers. price of 0 keeps each position's last known price.
// Caller must hold m.mu.
func (m *Manager) viewsLocked(r *TradeRound, price float64) []tp.PositionView {
	ordered := make([]*Position, 0, len(r.Positions))
	for _, p := range r.Positions {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].LayerIndex != ordered[j].LayerIndex {
			return ordered[i].LayerIndex < ordered[j].LayerIndex
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	out := make([]tp.PositionView, 0, len(ordered))
	for _, p := range ordered {
		cur := price
		if cur <= 0 {
			cur = p.CurrentPrice
		} else {
			p.CurrentPrice = cur
		}
		firstTP := 0.0
		if len(p.TakeProfits) > 0 {
			firstTP = p.TakeProfits[0]
		}
		out = append(out, tp.PositionView{
			ID:           p.ID,
			Direction:    p.Direction,
			EntryPrice:   p.EntryPrice,
			StopLoss:     p.StopLoss,
			TakeProfit:   firstTP,
			CurrentPrice: cur,
			Pending:      p.Status == PositionPending,
			Closed:       !p.Open(),
		})
	}
	return out
}

// execute runs TP actions against the gateway and folds the results
// back into the round. Errors are logged per action; the rest of the
// batch still runs.
func (m *Manager) execute(ctx context.Context, r *TradeRound, actions []tp.Action) {
	if len(actions) == 0 {
		return
	}
	now := m.now()
	for _, a := range actions {
		switch a.Type {
		case tp.ActionClosePosition:
			res, err := m.gw.ClosePosition(ctx, a.PositionID)
			if err != nil {
				logger.Errorf("round %s: close %s (%s): %v", r.ID, a.PositionID, a.Reason, err)
				continue
			}
			m.mu.Lock()
			if p, ok := r.Positions[a.PositionID]; ok && res != nil {
				p.ClosePrice = res.Price
				p.RealizedProfit = res.Profit
				p.markClosed(res.Time)
			}
			m.mu.Unlock()
			logger.Infof("round %s: closed %s (%s)", r.ID, a.PositionID, a.Reason)

		case tp.ActionModifyPosition:
			req := exchange.ModifyRequest{PositionID: a.PositionID, StopLoss: a.StopLoss, TakeProfit: a.TakeProfit}
			if a.Trailing != nil {
				req.TrailingStop = &exchange.TrailingStop{
					Distance:  a.Trailing.Distance,
					Threshold: a.Trailing.Threshold,
				}
			}
			if err := m.gw.ModifyPosition(ctx, req); err != nil {
				logger.Errorf("round %s: modify %s (%s): %v", r.ID, a.PositionID, a.Reason, err)
				continue
			}
			m.mu.Lock()
			if p, ok := r.Positions[a.PositionID]; ok {
				if a.StopLoss != nil {
					p.StopLoss = *a.StopLoss
				}
				if a.TakeProfit != nil {
					p.TakeProfits = []float64{*a.TakeProfit}
				}
			}
			m.mu.Unlock()

		case tp.ActionCancelPendingOrders:
			m.mu.Lock()
			var pending []*Position
			for _, p := range r.Positions {
				if p.Status == PositionPending {
					pending = append(pending, p)
				}
			}
			m.mu.Unlock()
			for _, p := range pending {
				if err := m.gw.CancelOrder(ctx, p.OrderID); err != nil {
					logger.Warnf("round %s: cancel %s: %v", r.ID, p.OrderID, err)
					continue
				}
				m.mu.Lock()
				p.Status = PositionCancelled
				p.ClosedAt = now
				m.mu.Unlock()
			}
		}
	}

	m.mu.Lock()
	r.deriveStatus(now)
	if r.Status == StatusClosed {
		m.tpm.Drop(r.ID)
	}
	m.mu.Unlock()
	m.persist(ctx, r)
}

// ensureSubscription is idempotent per symbol.
func (m *Manager) ensureSubscription(symbol string) {
	if m.prices == nil {
		return
	}
	m.mu.Lock()
	_, ok := m.subscribed[symbol]
	if !ok {
		m.subscribed[symbol] = struct{}{}
	}
	m.mu.Unlock()
	if ok {
		return
	}
	if err := m.prices.SubscribePrice(context.Background(), symbol, m.HandleQuote); err != nil {
		logger.Errorf("round: subscribe %s: %v", symbol, err)
		m.mu.Lock()
		delete(m.subscribed, symbol)
		m.mu.Unlock()
	}
}

// PurgeExpired evicts closed rounds past the closed-retention window and
// any round idle past the idle-retention window. It returns the evicted
// ids.
func (m *Manager) PurgeExpired() []string {
	now := m.now()
	m.mu.Lock()
	var evicted []string
	for id, r := range m.rounds {
		closedOut := r.Status == StatusClosed && now.Sub(r.StatusChangedAt) > m.cfg.ClosedRetention
		idleOut := now.Sub(r.LastActivity) > m.cfg.IdleRetention
		if closedOut || idleOut {
			delete(m.rounds, id)
			m.tpm.Drop(id)
			evicted = append(evicted, id)
		}
	}
	// drop symbol subscriptions with no remaining rounds
	var unsub []string
	for sym := range m.subscribed {
		inUse := false
		for _, r := range m.rounds {
			if r.Symbol == sym {
				inUse = true
				break
			}
		}
		if !inUse {
			delete(m.subscribed, sym)
			unsub = append(unsub, sym)
		}
	}
	m.mu.Unlock()

	if m.prices != nil {
		ctx := context.Background()
		for _, sym := range unsub {
			if err := m.prices.UnsubscribePrice(ctx, sym); err != nil {
				logger.Warnf("round: unsubscribe %s: %v", sym, err)
			}
		}
	}
	if len(evicted) > 0 {
		logger.Infof("round: purged %d expired rounds", len(evicted))
	}
	return evicted
}

// Cleanup drops all state and subscriptions.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rounds))
	for id := range m.rounds {
		ids = append(ids, id)
	}
	syms := make([]string, 0, len(m.subscribed))
	for sym := range m.subscribed {
		syms = append(syms, sym)
	}
	m.rounds = make(map[string]*TradeRound)
	m.subscribed = make(map[string]struct{})
	m.mu.Unlock()

	for _, id := range ids {
		m.tpm.Drop(id)
	}
	if m.prices != nil {
		ctx := context.Background()
		for _, sym := range syms {
			if err := m.prices.UnsubscribePrice(ctx, sym); err != nil {
				logger.Warnf("round: unsubscribe %s: %v", sym, err)
			}
		}
	}
}

func (m *Manager) persist(ctx context.Context, r *TradeRound) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	clone := *r
	positions := make([]*Position, 0, len(r.Positions))
	for _, p := range r.Positions {
		cp := *p
		positions = append(positions, &cp)
	}
	m.mu.Unlock()

	if err := m.store.UpsertRound(ctx, &clone); err != nil {
		logger.Warnf("round %s: persist: %v", r.ID, err)
		return
	}
	for _, p := range positions {
		if err := m.store.UpsertPosition(ctx, p); err != nil {
			logger.Warnf("round %s: persist position %s: %v", r.ID, p.ID, err)
		}
	}
}
