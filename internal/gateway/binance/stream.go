package binance

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"signalround/internal/gateway/exchange"
	"signalround/internal/logger"
	"signalround/internal/market"
	"signalround/internal/types"
)

// SubscribePrice opens a book-ticker stream for the symbol and feeds the
// callback. Duplicate subscriptions replace the previous stream.
func (g *Gateway) SubscribePrice(ctx context.Context, symbol string, callback func(market.Quote)) error {
	clean := cleanSymbol(symbol)
	subCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	if prev, ok := g.priceSubs[clean]; ok {
		prev()
	}
	g.priceSubs[clean] = cancel
	g.mu.Unlock()

	go g.runBookTickerLoop(subCtx, symbol, clean, callback)
	return nil
}

// UnsubscribePrice stops the symbol's stream.
func (g *Gateway) UnsubscribePrice(ctx context.Context, symbol string) error {
	clean := cleanSymbol(symbol)
	g.mu.Lock()
	cancel, ok := g.priceSubs[clean]
	if ok {
		delete(g.priceSubs, clean)
	}
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (g *Gateway) runBookTickerLoop(ctx context.Context, symbol, clean string, callback func(market.Quote)) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		handler := func(ev *futures.WsBookTickerEvent) {
			if ev == nil {
				return
			}
			q := market.Quote{
				Symbol:    symbol,
				Bid:       parseFloat(ev.BestBidPrice),
				Ask:       parseFloat(ev.BestAskPrice),
				UpdatedAt: time.Now(),
			}
			if q.Bid <= 0 && q.Ask <= 0 {
				return
			}
			callback(q)
		}
		errHandler := func(err error) {
			if err != nil {
				logger.Warnf("binance: book ticker %s: %v", symbol, err)
			}
		}
		doneC, stopC, err := futures.WsBookTickerServe(clean, handler, errHandler)
		if err != nil {
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// RegisterListener adds a consumer of position/order events and lazily
// starts the user-data stream on the first registration.
func (g *Gateway) RegisterListener(l exchange.EventListener) {
	g.mu.Lock()
	g.listeners = append(g.listeners, l)
	start := g.userCancel == nil
	var cancel context.CancelFunc
	var ctx context.Context
	if start {
		ctx, cancel = context.WithCancel(context.Background())
		g.userCancel = cancel
	}
	g.mu.Unlock()

	if start {
		go g.runUserDataLoop(ctx)
	}
}

func (g *Gateway) runUserDataLoop(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		listenKey, err := g.client.NewStartUserStreamService().Do(ctx)
		if err != nil {
			logger.Warnf("binance: start user stream: %v", err)
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		keepCtx, keepCancel := context.WithCancel(ctx)
		go g.keepAliveLoop(keepCtx, listenKey)

		streamErr := make(chan error, 1)
		handler := func(ev *futures.WsUserDataEvent) { g.dispatchUserEvent(ev) }
		errHandler := func(err error) {
			if err != nil {
				select {
				case streamErr <- err:
				default:
				}
			}
		}
		doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
		if err != nil {
			keepCancel()
			logger.Warnf("binance: user data stream: %v", err)
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		g.syncOnce.Do(func() { close(g.synced) })

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			keepCancel()
			return
		case <-doneC:
		case err := <-streamErr:
			logger.Warnf("binance: user data stream dropped: %v", err)
			close(stopC)
			<-doneC
		}
		keepCancel()
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (g *Gateway) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(25 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				logger.Warnf("binance: keepalive: %v", err)
			}
		}
	}
}

// dispatchUserEvent translates SDK events into the exchange contract and
// fans them out to listeners.
func (g *Gateway) dispatchUserEvent(ev *futures.WsUserDataEvent) {
	if ev == nil {
		return
	}
	switch ev.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		g.dispatchOrderUpdate(ev.OrderTradeUpdate, ev.Time)
	case futures.UserDataEventTypeAccountUpdate:
		g.dispatchAccountUpdate(ev.AccountUpdate)
	}
}

func (g *Gateway) dispatchOrderUpdate(u futures.WsOrderTradeUpdate, eventTime int64) {
	state := stateForStream(u.Status)
	orderEvt := exchange.OrderEvent{
		ID:         strconv.FormatInt(u.ID, 10),
		PositionID: u.ClientOrderID,
		Symbol:     u.Symbol,
		State:      state,
		Time:       time.UnixMilli(eventTime),
	}
	g.fanOut(func(l exchange.EventListener) { l.OnOrderUpdate(orderEvt) })

	if state != exchange.OrderStateCompleted {
		return
	}
	dir := types.DirectionBuy
	if u.Side == futures.SideTypeSell {
		dir = types.DirectionSell
	}
	reduce := g.reducingFill(u.ClientOrderID, dir)
	posEvt := exchange.PositionEvent{
		ID:        u.ClientOrderID,
		Symbol:    u.Symbol,
		Direction: dir,
		Volume:    parseFloat(u.AccumulatedFilledQty),
		Profit:    parseFloat(u.RealizedPnL),
		Time:      time.UnixMilli(eventTime),
	}
	if reduce {
		posEvt.ClosePrice = parseFloat(u.AveragePrice)
		posEvt.Closed = true
		posEvt.Direction = dir.Opposite()
	} else {
		posEvt.OpenPrice = parseFloat(u.AveragePrice)
	}
	g.fanOut(func(l exchange.EventListener) { l.OnPositionUpdate(posEvt) })
}

// reducingFill reports whether a filled order on the given side closes a
// tracked position rather than opening one.
func (g *Gateway) reducingFill(clientID string, side types.Direction) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prot, ok := g.positions[clientID]
	if !ok {
		return false
	}
	return prot.direction == side.Opposite()
}

func (g *Gateway) dispatchAccountUpdate(u futures.WsAccountUpdate) {
	for _, p := range u.Positions {
		if parseFloat(p.Amount) != 0 {
			continue
		}
		// flat on the symbol: every tracked position there is gone
		g.mu.Lock()
		var removed []string
		for id, prot := range g.positions {
			if prot.symbol == p.Symbol {
				removed = append(removed, id)
				delete(g.positions, id)
			}
		}
		g.mu.Unlock()
		for _, id := range removed {
			posID := id
			g.fanOut(func(l exchange.EventListener) { l.OnPositionRemoved(posID) })
		}
	}
}

func (g *Gateway) fanOut(fn func(exchange.EventListener)) {
	g.mu.Lock()
	listeners := make([]exchange.EventListener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

func stateForStream(s futures.OrderStatusType) exchange.OrderState {
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

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
