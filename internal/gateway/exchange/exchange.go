// Package exchange defines the operation contract against the execution
// gateway. The orchestration core talks only to these interfaces so it can
// run against a live backend or a test double without change.
package exchange

import (
	"context"

	"signalround/internal/market"
)

// Gateway is the order/price surface of the execution backend.
type Gateway interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	ModifyPosition(ctx context.Context, req ModifyRequest) error

	ClosePosition(ctx context.Context, positionID string) (*CloseResult, error)

	CancelOrder(ctx context.Context, orderID string) error

	GetCurrentPrice(ctx context.Context, symbol string) (market.Quote, error)

	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)

	GetAccountBalance(ctx context.Context) (float64, error)

	// WaitSynchronized blocks until the gateway has replayed its state or
	// ctx expires. Timeout is a soft failure; callers continue degraded.
	WaitSynchronized(ctx context.Context) error

	Close() error
}

// PriceSubscriber delivers streaming quotes per symbol.
type PriceSubscriber interface {
	SubscribePrice(ctx context.Context, symbol string, callback func(market.Quote)) error

	UnsubscribePrice(ctx context.Context, symbol string) error
}

// EventListener receives asynchronous position/order state from the gateway.
// The gateway redelivers state on reconnect; handlers must tolerate replays.
type EventListener interface {
	OnPositionUpdate(evt PositionEvent)
	OnPositionRemoved(positionID string)
	OnOrderUpdate(evt OrderEvent)
	// OnPositionsReplaced is the bulk snapshot delivered after reconnect.
	OnPositionsReplaced(evts []PositionEvent)
}

// EventSource lets the round manager register for gateway callbacks.
type EventSource interface {
	RegisterListener(l EventListener)
}
