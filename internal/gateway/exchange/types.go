package exchange

import (
	"time"

	"signalround/internal/types"
)

// OrderState is the terminal/non-terminal lifecycle of a placed order.
type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"
	OrderStateCompleted OrderState = "COMPLETED"
	OrderStateCanceled  OrderState = "CANCELED"
	OrderStateRejected  OrderState = "REJECTED"
)

// Terminal reports whether the order will not change state again.
func (s OrderState) Terminal() bool {
	return s == OrderStateCompleted || s == OrderStateCanceled || s == OrderStateRejected
}

// OrderRequest contains parameters for placing one order.
type OrderRequest struct {
	Symbol      string
	Direction   types.Direction
	Volume      float64
	EntryType   types.EntryType
	EntryPrice  float64 // required for limit entries, ignored for market
	StopLoss    float64 // 0 if not set
	TakeProfits []float64
	ClientID    string // caller-generated id for idempotent retry detection
	Comment     string
}

// OrderResult reports the gateway's answer to PlaceOrder.
type OrderResult struct {
	OrderID       string
	PositionID    string
	State         OrderState
	ExecutedPrice float64
	ExecutedAt    time.Time
}

// TrailingStop activates a stop that follows price at a fixed distance
// once Threshold has been touched.
type TrailingStop struct {
	Distance  float64
	Threshold float64
}

// ModifyRequest adjusts protective levels on an open position.
// Nil fields are left untouched.
type ModifyRequest struct {
	PositionID   string
	StopLoss     *float64
	TakeProfit   *float64
	TrailingStop *TrailingStop
}

// CloseResult reports the fill of a close request.
type CloseResult struct {
	Price  float64
	Profit float64
	Time   time.Time
}

// PositionEvent is the gateway's view of one position, delivered on every
// change and in bulk snapshots after reconnect.
type PositionEvent struct {
	ID         string
	Symbol     string
	Direction  types.Direction
	Volume     float64
	OpenPrice  float64
	ClosePrice float64 // 0 while open
	StopLoss   float64
	TakeProfit float64
	Profit     float64
	Closed     bool
	Time       time.Time
}

// OrderEvent reports a pending-order change.
type OrderEvent struct {
	ID         string
	PositionID string
	Symbol     string
	State      OrderState
	Time       time.Time
}
