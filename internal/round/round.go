// Package round owns the authoritative registry of trade rounds: one
// logical trading decision spanning one or more positions on a single
// instrument, driven by asynchronous gateway events.
package round

import (
	"time"

	"signalround/internal/gateway/exchange"
	"signalround/internal/signal"
	"signalround/internal/types"
)

// PositionStatus is the lifecycle of a single order/fill unit.
type PositionStatus string

const (
	PositionPending         PositionStatus = "pending"
	PositionActive          PositionStatus = "active"
	PositionPartiallyClosed PositionStatus = "partially_closed"
	PositionClosed          PositionStatus = "closed"
	PositionCancelled       PositionStatus = "cancelled"
)

// Position is one order/fill unit owned by a TradeRound. It is mutated by
// gateway events, always under the round registry lock.
type Position struct {
	ID         string
	OrderID    string
	Symbol     string
	Direction  types.Direction
	Volume     float64
	EntryType  types.EntryType
	Status     PositionStatus
	EntryPrice float64
	StopLoss   float64
	// TakeProfits is ordered by ascending distance from entry in the
	// direction of profit.
	TakeProfits      []float64
	ClosePrice       float64
	RealizedProfit   float64
	UnrealizedProfit float64
	CurrentPrice     float64
	LayerIndex       int
	RoundID          string
	CreatedAt        time.Time
	OpenedAt         time.Time
	ClosedAt         time.Time
	Metadata         map[string]any
}

// Apply folds one gateway event into the position. A set close price
// always forces closed status.
func (p *Position) Apply(evt exchange.PositionEvent, at time.Time) {
	if evt.OpenPrice > 0 {
		p.EntryPrice = evt.OpenPrice
		if p.OpenedAt.IsZero() {
			p.OpenedAt = evt.Time
		}
		if p.Status == PositionPending {
			p.Status = PositionActive
		}
	}
	if evt.StopLoss > 0 {
		p.StopLoss = evt.StopLoss
	}
	p.UnrealizedProfit = evt.Profit
	if evt.ClosePrice > 0 || evt.Closed {
		p.ClosePrice = evt.ClosePrice
		p.RealizedProfit = evt.Profit
		p.markClosed(at)
	}
}

func (p *Position) markClosed(at time.Time) {
	if p.Status != PositionClosed {
		p.Status = PositionClosed
		if p.ClosedAt.IsZero() {
			p.ClosedAt = at
		}
	}
}

// Open reports whether the position still counts toward the round's
// active bucket.
func (p *Position) Open() bool {
	return p.Status != PositionClosed && p.Status != PositionCancelled
}

// InProfit reports unrealized gain.
func (p *Position) InProfit() bool { return p.UnrealizedProfit > 0 }

// Status of a round is a pure function of its positions' states and is
// re-derived after every event, never hand-set (except on explicit
// external reconfiguration).
type Status string

const (
	StatusPending         Status = "pending"
	StatusActive          Status = "active"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosed          Status = "closed"
)

// TradeRound is the unit of orchestration.
type TradeRound struct {
	ID        string
	Symbol    string
	Direction types.Direction
	CreatedAt time.Time
	Positions map[string]*Position
	// TPPrices is the round-level ladder; level state lives in the TP
	// manager.
	TPPrices []float64
	StopLoss float64
	Status   Status
	// StatusChangedAt drives retention decisions.
	StatusChangedAt time.Time
	LastActivity    time.Time
	Metadata        map[string]any
	Signal          *signal.Signal
}

// ActivePositions returns the open bucket.
func (r *TradeRound) ActivePositions() []*Position {
	var out []*Position
	for _, p := range r.Positions {
		if p.Open() {
			out = append(out, p)
		}
	}
	return out
}

// ClosedPositions returns the closed bucket.
func (r *TradeRound) ClosedPositions() []*Position {
	var out []*Position
	for _, p := range r.Positions {
		if !p.Open() {
			out = append(out, p)
		}
	}
	return out
}

// deriveStatus classifies every position into active/closed buckets and
// recomputes the round status. With no position data yet the status is
// left unchanged.
func (r *TradeRound) deriveStatus(at time.Time) {
	active, closed := 0, 0
	for _, p := range r.Positions {
		switch p.Status {
		case PositionClosed, PositionCancelled:
			closed++
		case PositionPending:
			// no fill confirmed yet; not counted in either bucket
		default:
			active++
		}
	}

	next := r.Status
	switch {
	case active == 0 && closed > 0:
		next = StatusClosed
	case closed > 0:
		next = StatusPartiallyClosed
	case active > 0:
		next = StatusActive
	}
	if next != r.Status {
		r.Status = next
		r.StatusChangedAt = at
	}
	r.LastActivity = at
}

// RealizedProfit sums profit across closed positions.
func (r *TradeRound) RealizedProfit() float64 {
	sum := 0.0
	for _, p := range r.Positions {
		sum += p.RealizedProfit
	}
	return sum
}
