package tp

import (
	"time"

	"signalround/internal/types"
)

// Status is the lifecycle of one take-profit level.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTriggered Status = "triggered"
	StatusCancelled Status = "cancelled"
)

// Level is one rung of a round's take-profit ladder.
type Level struct {
	Price    float64
	Status   Status
	HitCount int
	HitTime  time.Time
}

// ActionType names the declarative instructions emitted by the manager.
type ActionType string

const (
	ActionClosePosition       ActionType = "close_position"
	ActionModifyPosition      ActionType = "modify_position"
	ActionCancelPendingOrders ActionType = "cancel_pending_orders"
)

// Trailing describes a trailing-stop activation.
type Trailing struct {
	Distance  float64
	Threshold float64
}

// Action is one instruction for the round manager to execute against the
// execution gateway. The TP manager itself never touches the gateway.
type Action struct {
	Type       ActionType
	PositionID string
	StopLoss   *float64
	TakeProfit *float64
	Trailing   *Trailing
	Reason     string
}

// PositionView is the slice of position state the manager needs. The round
// manager builds these from its registry; keeping the manager free of
// gateway and registry types keeps it testable in isolation.
type PositionView struct {
	ID           string
	Direction    types.Direction
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64
	CurrentPrice float64
	Pending      bool // resting limit order, not yet filled
	Closed       bool
}

// InProfit reports whether the view's market price is past its entry in
// the profitable direction.
func (p PositionView) InProfit() bool {
	if p.EntryPrice <= 0 || p.CurrentPrice <= 0 {
		return false
	}
	return p.Direction.Favorable(p.EntryPrice, p.CurrentPrice)
}

// riskReward is reward-to-risk measured from the configured levels; zero
// when the stop sits on the entry.
func (p PositionView) riskReward() float64 {
	risk := abs(p.EntryPrice - p.StopLoss)
	if risk == 0 {
		return 0
	}
	return abs(p.TakeProfit-p.EntryPrice) / risk
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func floatPtr(f float64) *float64 { return &f }
