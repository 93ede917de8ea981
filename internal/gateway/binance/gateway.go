// Package binance implements the execution gateway on Binance USD-M
// futures through the go-binance SDK. Positions are identified by the
// client order id of their opening order; protective stops and targets
// are resting close orders tracked per position.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"signalround/internal/gateway/exchange"
	"signalround/internal/logger"
	"signalround/internal/market"
	symbolpkg "signalround/internal/pkg/symbol"
	"signalround/internal/types"
)

const maxHistoryLimit = 1500

// protective tracks the resting stop/target orders guarding one position.
type protective struct {
	symbol    string
	direction types.Direction
	volume    float64
	entry     float64
	entryID   int64
	stopID    int64
	tpID      int64
}

// Gateway is the live Binance futures backend.
type Gateway struct {
	cfg    Config
	client *futures.Client

	mu         sync.Mutex
	positions  map[string]*protective // position id -> protective orders
	priceSubs  map[string]context.CancelFunc
	listeners  []exchange.EventListener
	userCancel context.CancelFunc
	synced     chan struct{}
	syncOnce   sync.Once
}

var (
	_ exchange.Gateway         = (*Gateway)(nil)
	_ exchange.PriceSubscriber = (*Gateway)(nil)
	_ exchange.EventSource     = (*Gateway)(nil)
)

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Gateway{
		cfg:       final,
		client:    client,
		positions: make(map[string]*protective),
		priceSubs: make(map[string]context.CancelFunc),
		synced:    make(chan struct{}),
	}, nil
}

func (g *Gateway) Name() string { return "binance-futures" }

// PlaceOrder submits the entry order and, when the request carries
// protective levels, the matching resting close orders.
func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	symbol := cleanSymbol(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("binance: volume must be positive")
	}

	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideFor(req.Direction)).
		Quantity(formatFloat(req.Volume)).
		NewClientOrderID(req.ClientID)
	switch req.EntryType {
	case types.EntryLimit:
		if req.EntryPrice <= 0 {
			return nil, fmt.Errorf("binance: limit order requires a price")
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(req.EntryPrice))
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: place order: %w", err)
	}

	out := &exchange.OrderResult{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		PositionID:    req.ClientID,
		State:         stateFor(res.Status),
		ExecutedPrice: parseFloat(res.AvgPrice),
		ExecutedAt:    time.UnixMilli(res.UpdateTime),
	}

	prot := &protective{
		symbol:    symbol,
		direction: req.Direction,
		volume:    req.Volume,
		entry:     req.EntryPrice,
		entryID:   res.OrderID,
	}
	if out.ExecutedPrice > 0 {
		prot.entry = out.ExecutedPrice
	}
	g.mu.Lock()
	g.positions[req.ClientID] = prot
	g.mu.Unlock()

	if req.StopLoss > 0 {
		if id, err := g.placeStop(ctx, symbol, req.Direction, req.Volume, req.StopLoss); err != nil {
			logger.Warnf("binance: stop for %s: %v", req.ClientID, err)
		} else {
			prot.stopID = id
		}
	}
	if len(req.TakeProfits) > 0 && req.TakeProfits[0] > 0 {
		if id, err := g.placeTarget(ctx, symbol, req.Direction, req.Volume, req.TakeProfits[0]); err != nil {
			logger.Warnf("binance: target for %s: %v", req.ClientID, err)
		} else {
			prot.tpID = id
		}
	}
	return out, nil
}

// ModifyPosition replaces protective orders. A trailing stop maps to a
// TRAILING_STOP_MARKET order with the callback rate derived from the
// requested distance.
func (g *Gateway) ModifyPosition(ctx context.Context, req exchange.ModifyRequest) error {
	g.mu.Lock()
	prot, ok := g.positions[req.PositionID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("binance: unknown position %s", req.PositionID)
	}

	if req.StopLoss != nil {
		g.cancelQuiet(ctx, prot.symbol, prot.stopID)
		id, err := g.placeStop(ctx, prot.symbol, prot.direction, prot.volume, *req.StopLoss)
		if err != nil {
			return fmt.Errorf("binance: replace stop: %w", err)
		}
		prot.stopID = id
	}
	if req.TakeProfit != nil {
		g.cancelQuiet(ctx, prot.symbol, prot.tpID)
		id, err := g.placeTarget(ctx, prot.symbol, prot.direction, prot.volume, *req.TakeProfit)
		if err != nil {
			return fmt.Errorf("binance: replace target: %w", err)
		}
		prot.tpID = id
	}
	if req.TrailingStop != nil && prot.entry > 0 {
		g.cancelQuiet(ctx, prot.symbol, prot.stopID)
		id, err := g.placeTrailing(ctx, prot, req.TrailingStop)
		if err != nil {
			return fmt.Errorf("binance: trailing stop: %w", err)
		}
		prot.stopID = id
	}
	return nil
}

// ClosePosition market-closes the tracked volume reduce-only and drops
// the protective orders.
func (g *Gateway) ClosePosition(ctx context.Context, positionID string) (*exchange.CloseResult, error) {
	g.mu.Lock()
	prot, ok := g.positions[positionID]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("binance: unknown position %s", positionID)
	}

	res, err := g.client.NewCreateOrderService().
		Symbol(prot.symbol).
		Side(sideFor(prot.direction.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(formatFloat(prot.volume)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: close %s: %w", positionID, err)
	}

	g.cancelQuiet(ctx, prot.symbol, prot.stopID)
	g.cancelQuiet(ctx, prot.symbol, prot.tpID)
	g.mu.Lock()
	delete(g.positions, positionID)
	g.mu.Unlock()

	price := parseFloat(res.AvgPrice)
	profit := 0.0
	if prot.entry > 0 && price > 0 {
		diff := price - prot.entry
		if prot.direction == types.DirectionSell {
			diff = -diff
		}
		profit = diff * prot.volume
	}
	return &exchange.CloseResult{
		Price:  price,
		Profit: profit,
		Time:   time.UnixMilli(res.UpdateTime),
	}, nil
}

// CancelOrder cancels a resting entry order by exchange order id.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q", orderID)
	}
	symbol := g.symbolForOrder(orderID)
	if symbol == "" {
		return fmt.Errorf("binance: no symbol tracked for order %s", orderID)
	}
	_, err = g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

// GetCurrentPrice reads the top of book.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (market.Quote, error) {
	clean := cleanSymbol(symbol)
	tickers, err := g.client.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		return market.Quote{}, fmt.Errorf("binance: book ticker %s: %w", symbol, err)
	}
	if len(tickers) == 0 || tickers[0] == nil {
		return market.Quote{}, fmt.Errorf("binance: empty book for %s", symbol)
	}
	t := tickers[0]
	return market.Quote{
		Symbol:    symbol,
		Bid:       parseFloat(t.BidPrice),
		Ask:       parseFloat(t.AskPrice),
		UpdatedAt: time.Now(),
	}, nil
}

// GetCandles fetches closed klines.
func (g *Gateway) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if interval == "" {
		interval = g.cfg.CandleInterval
	}
	kls, err := g.client.NewKlinesService().
		Symbol(cleanSymbol(symbol)).
		Interval(strings.ToLower(interval)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, interval, err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

// GetAccountBalance returns the available USDT balance.
func (g *Gateway) GetAccountBalance(ctx context.Context) (float64, error) {
	balances, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: balance: %w", err)
	}
	for _, b := range balances {
		if b != nil && b.Asset == "USDT" {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, fmt.Errorf("binance: no USDT balance")
}

// WaitSynchronized blocks until the user-data stream delivered its first
// account snapshot. Timing out is soft: the caller proceeds degraded.
func (g *Gateway) WaitSynchronized(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SyncTimeout)
	defer cancel()
	select {
	case <-g.synced:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("binance: synchronization timed out: %w", ctx.Err())
	}
}

// Close stops every stream.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sym, cancel := range g.priceSubs {
		cancel()
		delete(g.priceSubs, sym)
	}
	if g.userCancel != nil {
		g.userCancel()
		g.userCancel = nil
	}
	return nil
}

func (g *Gateway) placeStop(ctx context.Context, symbol string, dir types.Direction, volume, price float64) (int64, error) {
	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideFor(dir.Opposite())).
		Type(futures.OrderTypeStopMarket).
		StopPrice(formatFloat(price)).
		Quantity(formatFloat(volume)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return res.OrderID, nil
}

func (g *Gateway) placeTarget(ctx context.Context, symbol string, dir types.Direction, volume, price float64) (int64, error) {
	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideFor(dir.Opposite())).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(formatFloat(price)).
		Quantity(formatFloat(volume)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return res.OrderID, nil
}

func (g *Gateway) placeTrailing(ctx context.Context, prot *protective, ts *exchange.TrailingStop) (int64, error) {
	// Binance expresses trailing distance as a callback rate in percent,
	// clamped to the exchange's accepted 0.1..10 range.
	rate := ts.Distance / prot.entry * 100
	if rate < 0.1 {
		rate = 0.1
	}
	if rate > 10 {
		rate = 10
	}
	svc := g.client.NewCreateOrderService().
		Symbol(prot.symbol).
		Side(sideFor(prot.direction.Opposite())).
		Type(futures.OrderTypeTrailingStopMarket).
		CallbackRate(strconv.FormatFloat(rate, 'f', 1, 64)).
		Quantity(formatFloat(prot.volume)).
		ReduceOnly(true)
	if ts.Threshold > 0 {
		svc = svc.ActivationPrice(formatFloat(ts.Threshold))
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return 0, err
	}
	return res.OrderID, nil
}

func (g *Gateway) cancelQuiet(ctx context.Context, symbol string, orderID int64) {
	if orderID == 0 {
		return
	}
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		logger.Debugf("binance: cancel %d on %s: %v", orderID, symbol, err)
	}
}

func (g *Gateway) symbolForOrder(orderID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, prot := range g.positions {
		switch orderID {
		case strconv.FormatInt(prot.entryID, 10),
			strconv.FormatInt(prot.stopID, 10),
			strconv.FormatInt(prot.tpID, 10):
			return prot.symbol
		}
	}
	return ""
}

func sideFor(d types.Direction) futures.SideType {
	if d == types.DirectionSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func stateFor(s futures.OrderStatusType) exchange.OrderState {
	switch s {
	case futures.OrderStatusTypeFilled:
		return exchange.OrderStateCompleted
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return exchange.OrderStateCanceled
	case futures.OrderStatusTypeRejected:
		return exchange.OrderStateRejected
	default:
		return exchange.OrderStatePending
	}
}

func cleanSymbol(s string) string {
	return symbolpkg.ToExchange(s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
