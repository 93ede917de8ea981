package round

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalround/internal/gateway/exchange"
	"signalround/internal/market"
	"signalround/internal/signal"
	"signalround/internal/tp"
	"signalround/internal/types"
)

type fakeGateway struct {
	mu       sync.Mutex
	modifies []exchange.ModifyRequest
	closes   []string
	cancels  []string
	subs     map[string]func(market.Quote)
	unsubs   []string
}

var (
	_ exchange.Gateway         = (*fakeGateway)(nil)
	_ exchange.PriceSubscriber = (*fakeGateway)(nil)
)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subs: make(map[string]func(market.Quote))}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: req.ClientID, PositionID: req.ClientID, State: exchange.OrderStateCompleted}, nil
}

func (g *fakeGateway) ModifyPosition(_ context.Context, req exchange.ModifyRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modifies = append(g.modifies, req)
	return nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, positionID string) (*exchange.CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, positionID)
	return &exchange.CloseResult{Price: 2011, Profit: 1.1, Time: time.Now()}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, orderID)
	return nil
}

func (g *fakeGateway) GetCurrentPrice(_ context.Context, symbol string) (market.Quote, error) {
	return market.Quote{Symbol: symbol, Bid: 2004.5, Ask: 2005}, nil
}

func (g *fakeGateway) GetCandles(context.Context, string, string, int) ([]market.Candle, error) {
	return nil, nil
}

func (g *fakeGateway) GetAccountBalance(context.Context) (float64, error) { return 10000, nil }

func (g *fakeGateway) WaitSynchronized(context.Context) error { return nil }

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) SubscribePrice(_ context.Context, symbol string, cb func(market.Quote)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs[symbol] = cb
	return nil
}

func (g *fakeGateway) UnsubscribePrice(_ context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubs = append(g.unsubs, symbol)
	return nil
}

func (g *fakeGateway) closedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.closes...)
}

type fakeStore struct {
	mu        sync.Mutex
	rounds    int
	positions int
}

func (s *fakeStore) UpsertRound(context.Context, *TradeRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds++
	return nil
}

func (s *fakeStore) UpsertPosition(context.Context, *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions++
	return nil
}

func newTestManager() (*Manager, *fakeGateway, *fakeStore) {
	gw := newFakeGateway()
	st := &fakeStore{}
	m := NewManager(gw, gw, tp.NewManager(), st, Config{})
	return m, gw, st
}

func entrySignal(roundID string) *signal.Signal {
	return &signal.Signal{Type: signal.TypeEntry, Symbol: "XAUUSD", Action: types.DirectionBuy, RoundID: roundID}
}

func activePosition(id string, dir types.Direction) *Position {
	p := &Position{
		ID:           id,
		OrderID:      "o-" + id,
		Symbol:       "XAUUSD",
		Direction:    dir,
		Volume:       0.1,
		Status:       PositionActive,
		EntryPrice:   2000,
		StopLoss:     1990,
		CurrentPrice: 2005,
		TakeProfits:  []float64{2010},
		CreatedAt:    time.Now(),
	}
	if dir == types.DirectionSell {
		p.StopLoss = 2010
		p.CurrentPrice = 1995
		p.TakeProfits = []float64{1990}
	}
	return p
}

func TestCreateRoundRegistersAndSubscribes(t *testing.T) {
	m, gw, st := newTestManager()
	ctx := context.Background()

	r, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy)}, 1990, []float64{2010})
	require.NoError(t, err)

	assert.Equal(t, "R_XAUUSD_100", r.ID)
	assert.Equal(t, StatusActive, r.Status)

	got, ok := m.Round("R_XAUUSD_100")
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Equal(t, []string{"R_XAUUSD_100"}, m.Rounds())

	gw.mu.Lock()
	_, subscribed := gw.subs["XAUUSD"]
	installs := len(gw.modifies)
	gw.mu.Unlock()
	assert.True(t, subscribed)
	assert.Equal(t, 1, installs, "ladder install pushes the first target")

	st.mu.Lock()
	assert.Positive(t, st.rounds)
	assert.Positive(t, st.positions)
	st.mu.Unlock()
}

func TestCreateRoundRejectsDuplicateID(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy)}, 1990, nil)
	require.NoError(t, err)

	_, err = m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p2", types.DirectionBuy)}, 1990, nil)
	assert.Error(t, err)
}

func TestCreateRoundValidation(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, nil, []*Position{activePosition("p1", types.DirectionBuy)}, 0, nil)
	assert.Error(t, err)

	_, err = m.CreateRound(ctx, entrySignal(""), nil, 0, nil)
	assert.Error(t, err)
}

func TestQuoteOnFinalLevelClosesRound(t *testing.T) {
	m, gw, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy), activePosition("p2", types.DirectionBuy)},
		1990, []float64{2010})
	require.NoError(t, err)

	gw.mu.Lock()
	cb := gw.subs["XAUUSD"]
	gw.mu.Unlock()
	require.NotNil(t, cb)

	cb(market.Quote{Symbol: "XAUUSD", Bid: 2010, Ask: 2010.5})

	assert.ElementsMatch(t, []string{"p1", "p2"}, gw.closedIDs())

	r, ok := m.Round("R_XAUUSD_100")
	require.True(t, ok)
	assert.Equal(t, StatusClosed, r.Status)
	for _, p := range r.Positions {
		assert.Equal(t, PositionClosed, p.Status)
		assert.Equal(t, 2011.0, p.ClosePrice)
	}
}

func TestQuoteUsesBidForShortRounds(t *testing.T) {
	m, gw, _ := newTestManager()
	ctx := context.Background()

	sig := entrySignal("R_XAUUSD_200")
	sig.Action = types.DirectionSell
	_, err := m.CreateRound(ctx, sig,
		[]*Position{activePosition("p1", types.DirectionSell)}, 2010, []float64{1990})
	require.NoError(t, err)

	gw.mu.Lock()
	cb := gw.subs["XAUUSD"]
	gw.mu.Unlock()

	cb(market.Quote{Symbol: "XAUUSD", Bid: 1991, Ask: 1991.5})
	assert.Empty(t, gw.closedIDs(), "bid above the level must not trigger")

	cb(market.Quote{Symbol: "XAUUSD", Bid: 1989.5, Ask: 1990})
	assert.Equal(t, []string{"p1"}, gw.closedIDs())
}

func TestOnPositionUpdateClosesRound(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy)}, 1990, nil)
	require.NoError(t, err)

	m.OnPositionUpdate(exchange.PositionEvent{
		ID:         "p1",
		Symbol:     "XAUUSD",
		ClosePrice: 2012,
		Profit:     1.2,
		Closed:     true,
		Time:       time.Now(),
	})

	r, _ := m.Round("R_XAUUSD_100")
	assert.Equal(t, StatusClosed, r.Status)
	assert.Equal(t, 2012.0, r.Positions["p1"].ClosePrice)
	assert.Equal(t, 1.2, r.RealizedProfit())
}

func TestOnOrderUpdateActivatesPendingAndRekeys(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	pending := activePosition("tmp-1", types.DirectionBuy)
	pending.Status = PositionPending
	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"), []*Position{pending}, 1990, nil)
	require.NoError(t, err)

	m.OnOrderUpdate(exchange.OrderEvent{
		ID:         "o-tmp-1",
		PositionID: "live-9",
		Symbol:     "XAUUSD",
		State:      exchange.OrderStateCompleted,
		Time:       time.Now(),
	})

	r, _ := m.Round("R_XAUUSD_100")
	require.Contains(t, r.Positions, "live-9")
	assert.NotContains(t, r.Positions, "tmp-1")
	assert.Equal(t, PositionActive, r.Positions["live-9"].Status)
	assert.Equal(t, StatusActive, r.Status)
}

func TestOnOrderUpdateCancellation(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	pending := activePosition("p1", types.DirectionBuy)
	pending.Status = PositionPending
	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"), []*Position{pending}, 1990, nil)
	require.NoError(t, err)

	m.OnOrderUpdate(exchange.OrderEvent{ID: "o-p1", State: exchange.OrderStateCanceled, Time: time.Now()})

	r, _ := m.Round("R_XAUUSD_100")
	assert.Equal(t, PositionCancelled, r.Positions["p1"].Status)
	assert.Equal(t, StatusClosed, r.Status)
}

func TestOnPositionsReplacedClosesMissing(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy), activePosition("p2", types.DirectionBuy)},
		1990, nil)
	require.NoError(t, err)

	// snapshot only carries p1; p2 must be considered closed
	m.OnPositionsReplaced([]exchange.PositionEvent{
		{ID: "p1", Symbol: "XAUUSD", OpenPrice: 2000.5, Profit: 0.5, Time: time.Now()},
	})

	r, _ := m.Round("R_XAUUSD_100")
	assert.Equal(t, PositionActive, r.Positions["p1"].Status)
	assert.Equal(t, 2000.5, r.Positions["p1"].EntryPrice)
	assert.Equal(t, PositionClosed, r.Positions["p2"].Status)
	assert.Equal(t, StatusPartiallyClosed, r.Status)
}

func TestUpdateRoundConfigPushesNewLevels(t *testing.T) {
	m, gw, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy)}, 1990, []float64{2010})
	require.NoError(t, err)

	stop := 1985.0
	err = m.UpdateRoundConfig(ctx, "R_XAUUSD_100", RoundConfig{StopLoss: &stop, TakeProfits: []float64{2020}})
	require.NoError(t, err)

	r, _ := m.Round("R_XAUUSD_100")
	assert.Equal(t, 1985.0, r.StopLoss)
	assert.Equal(t, []float64{2020}, r.TPPrices)
	assert.Equal(t, 1985.0, r.Positions["p1"].StopLoss)

	gw.mu.Lock()
	var pushed bool
	for _, req := range gw.modifies {
		if req.PositionID == "p1" && req.StopLoss != nil && *req.StopLoss == 1985 {
			pushed = true
		}
	}
	gw.mu.Unlock()
	assert.True(t, pushed)
}

func TestConfigPushSafeDuringOrderRekeys(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	pending := activePosition("tmp-1", types.DirectionBuy)
	pending.Status = PositionPending
	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"), []*Position{pending}, 1990, []float64{2010})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.OnOrderUpdate(exchange.OrderEvent{
				ID:         "o-tmp-1",
				PositionID: fmt.Sprintf("live-%d", i),
				Symbol:     "XAUUSD",
				State:      exchange.OrderStateCompleted,
				Time:       time.Now(),
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			stop := 1985.0 + float64(i%3)
			_ = m.UpdateRoundConfig(ctx, "R_XAUUSD_100", RoundConfig{StopLoss: &stop, TakeProfits: []float64{2020}})
		}
	}()
	wg.Wait()

	r, ok := m.Round("R_XAUUSD_100")
	require.True(t, ok)
	assert.Len(t, r.Positions, 1)
	require.Contains(t, r.Positions, "live-199")
}

func TestLevelHitClosesOldestLayerFirst(t *testing.T) {
	m, gw, _ := newTestManager()
	ctx := context.Background()

	base := time.Now()
	var positions []*Position
	// register youngest layer first so the closing order cannot come
	// from insertion order
	for i := 2; i >= 0; i-- {
		p := activePosition(fmt.Sprintf("p%d", i), types.DirectionBuy)
		p.LayerIndex = i
		p.CreatedAt = base.Add(time.Duration(i) * time.Second)
		positions = append(positions, p)
	}
	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"), positions, 1990, []float64{2010, 2020})
	require.NoError(t, err)

	gw.mu.Lock()
	cb := gw.subs["XAUUSD"]
	gw.mu.Unlock()
	require.NotNil(t, cb)

	cb(market.Quote{Symbol: "XAUUSD", Bid: 2009.5, Ask: 2010})

	assert.Equal(t, []string{"p0"}, gw.closedIDs(), "first level closes the oldest layer")
}

func TestUpdateRoundConfigUnknownRound(t *testing.T) {
	m, _, _ := newTestManager()
	stop := 1985.0
	err := m.UpdateRoundConfig(context.Background(), "R_MISSING_1", RoundConfig{StopLoss: &stop})
	assert.Error(t, err)
}

func TestPurgeExpiredEvictsAndUnsubscribes(t *testing.T) {
	m, gw, _ := newTestManager()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &TradeRound{
		ID:              "R_XAUUSD_1",
		Symbol:          "XAUUSD",
		Direction:       types.DirectionBuy,
		Positions:       map[string]*Position{},
		Status:          StatusClosed,
		StatusChangedAt: start,
		LastActivity:    start,
	}
	m.Adopt(r)
	m.now = func() time.Time { return start.Add(2 * time.Hour) }

	evicted := m.PurgeExpired()

	assert.Equal(t, []string{"R_XAUUSD_1"}, evicted)
	_, ok := m.Round("R_XAUUSD_1")
	assert.False(t, ok)
	gw.mu.Lock()
	unsubs := append([]string(nil), gw.unsubs...)
	gw.mu.Unlock()
	assert.Equal(t, []string{"XAUUSD"}, unsubs)
}

func TestCleanupDropsEverything(t *testing.T) {
	m, gw, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRound(ctx, entrySignal("R_XAUUSD_100"),
		[]*Position{activePosition("p1", types.DirectionBuy)}, 1990, []float64{2010})
	require.NoError(t, err)

	m.Cleanup()

	assert.Empty(t, m.Rounds())
	gw.mu.Lock()
	unsubs := len(gw.unsubs)
	gw.mu.Unlock()
	assert.Equal(t, 1, unsubs)
}
