// Package tp owns the take-profit ladder of a trading round and decides
// what to do when the market touches a level: close a fraction of the
// positions, move survivors to break-even, re-target the remaining rungs
// and arm trailing stops.
package tp

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalround/internal/logger"
	"signalround/internal/types"
)

const (
	// breakEvenMarginPct is the safety offset applied to the entry price
	// when moving a stop to break-even.
	breakEvenMarginPct = 0.001
	// trailingDistanceFraction of the hit-to-entry distance becomes the
	// trailing-stop distance.
	trailingDistanceFraction = 0.1
	// retargetFraction of the round's progress stretches the remaining
	// ladder rungs after a hit.
	retargetFraction = 0.1

	firstLevelCloseFraction    = 0.30
	interiorLevelCloseFraction = 0.50
)

// Manager keeps one ladder per round id.
type Manager struct {
	mu      sync.Mutex
	ladders map[string][]*Level
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		ladders: make(map[string][]*Level),
		now:     time.Now,
	}
}

// UpdateLadder (re)installs the ladder for a round and assigns levels to
// the given positions, sorted by descending risk/reward so the strongest
// setups aim at the nearest target. At least one position per level.
func (m *Manager) UpdateLadder(roundID string, targets []float64, positions []PositionView) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	levels := make([]*Level, 0, len(targets))
	for _, price := range targets {
		levels = append(levels, &Level{Price: price, Status: StatusPending})
	}
	m.ladders[roundID] = levels

	if len(levels) == 0 || len(positions) == 0 {
		return nil
	}

	sorted := make([]PositionView, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].riskReward() > sorted[j].riskReward()
	})

	perLevel := len(sorted) / len(levels)
	if perLevel < 1 {
		perLevel = 1
	}

	actions := make([]Action, 0, len(sorted))
	for i, pos := range sorted {
		levelIdx := i / perLevel
		if levelIdx >= len(levels) {
			levelIdx = len(levels) - 1
		}
		actions = append(actions, Action{
			Type:       ActionModifyPosition,
			PositionID: pos.ID,
			TakeProfit: floatPtr(levels[levelIdx].Price),
			Reason:     "tp_ladder_install",
		})
	}
	return actions
}

// HandleLevelHit processes at most one pending level per call: the first
// level in ladder order whose trigger condition is met by touchedPrice.
// A level already triggered never fires again.
func (m *Manager) HandleLevelHit(roundID string, touchedPrice float64, positions []PositionView) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	levels := m.ladders[roundID]
	if len(levels) == 0 || len(positions) == 0 {
		return nil
	}
	direction := positions[0].Direction

	hitIdx := -1
	for i, lvl := range levels {
		if lvl.Status != StatusPending {
			continue
		}
		if levelTouched(direction, touchedPrice, lvl.Price) {
			hitIdx = i
			break
		}
	}
	if hitIdx < 0 {
		return nil
	}

	hit := levels[hitIdx]
	hit.Status = StatusTriggered
	hit.HitCount++
	hit.HitTime = m.now()

	open := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		if !p.Closed {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return nil
	}

	var actions []Action
	var toClose, survivors []PositionView

	switch {
	case hitIdx == len(levels)-1:
		toClose = open
	case hitIdx == 0:
		n := ceilFraction(len(open), firstLevelCloseFraction)
		toClose, survivors = open[:n], open[n:]
		actions = append(actions, Action{
			Type:   ActionCancelPendingOrders,
			Reason: "first_tp_hit",
		})
	default:
		n := ceilFraction(len(open), interiorLevelCloseFraction)
		toClose, survivors = open[:n], open[n:]
	}

	for _, pos := range toClose {
		actions = append(actions, Action{
			Type:       ActionClosePosition,
			PositionID: pos.ID,
			Reason:     "tp_hit",
		})
	}

	if len(survivors) == 0 {
		return actions
	}

	for _, pos := range survivors {
		if pos.InProfit() {
			actions = append(actions, Action{
				Type:       ActionModifyPosition,
				PositionID: pos.ID,
				StopLoss:   floatPtr(breakEvenPrice(pos)),
				Reason:     "breakeven_after_tp",
			})
		}
	}

	m.retargetRemainingLocked(levels, hitIdx, direction, touchedPrice, avgEntry(open))
	if next := firstPendingPrice(levels); next > 0 {
		for _, pos := range survivors {
			actions = append(actions, Action{
				Type:       ActionModifyPosition,
				PositionID: pos.ID,
				TakeProfit: floatPtr(next),
				Reason:     "tp_retarget_after_hit",
			})
		}
	}

	for _, pos := range survivors {
		distance := trailingDistance(touchedPrice, pos.EntryPrice)
		if distance <= 0 {
			continue
		}
		actions = append(actions, Action{
			Type:       ActionModifyPosition,
			PositionID: pos.ID,
			Trailing:   &Trailing{Distance: distance, Threshold: touchedPrice},
			Reason:     "trailing_after_tp",
		})
	}

	logger.Debugf("tp: round %s level %d hit at %.5f, closing %d of %d positions",
		roundID, hitIdx, touchedPrice, len(toClose), len(open))
	return actions
}

// retargetRemainingLocked stretches the still-pending rungs in the
// profitable direction, proportional to how far the round has already
// travelled. Rounds hit while not in profit keep their ladder untouched.
func (m *Manager) retargetRemainingLocked(levels []*Level, hitIdx int,
	direction types.Direction, touchedPrice, entry float64) {

	if entry <= 0 || !direction.Favorable(entry, touchedPrice) {
		return
	}
	progress := abs(touchedPrice-entry) / entry
	factor := 1 + progress*retargetFraction
	for _, lvl := range levels[hitIdx+1:] {
		if lvl.Status != StatusPending {
			continue
		}
		price := decimal.NewFromFloat(lvl.Price)
		if direction == types.DirectionBuy {
			lvl.Price = price.Mul(decimal.NewFromFloat(factor)).InexactFloat64()
		} else {
			lvl.Price = price.Div(decimal.NewFromFloat(factor)).InexactFloat64()
		}
	}
}

// breakEvenPrice offsets the entry by a 0.1% margin on whichever side does
// not re-trigger immediately against the position's current price. The
// result never moves the stop past the current price.
func breakEvenPrice(pos PositionView) float64 {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	margin := entry.Mul(decimal.NewFromFloat(breakEvenMarginPct))
	if pos.Direction == types.DirectionBuy {
		candidate := entry.Add(margin)
		if candidate.InexactFloat64() >= pos.CurrentPrice {
			candidate = entry.Sub(margin)
		}
		return candidate.InexactFloat64()
	}
	candidate := entry.Sub(margin)
	if candidate.InexactFloat64() <= pos.CurrentPrice {
		candidate = entry.Add(margin)
	}
	return candidate.InexactFloat64()
}

func trailingDistance(touchedPrice, entry float64) float64 {
	span := decimal.NewFromFloat(touchedPrice).Sub(decimal.NewFromFloat(entry)).Abs()
	return span.Mul(decimal.NewFromFloat(trailingDistanceFraction)).InexactFloat64()
}

func levelTouched(direction types.Direction, price, level float64) bool {
	if direction == types.DirectionBuy {
		return price >= level
	}
	return price <= level
}

func firstPendingPrice(levels []*Level) float64 {
	for _, lvl := range levels {
		if lvl.Status == StatusPending {
			return lvl.Price
		}
	}
	return 0
}

func avgEntry(positions []PositionView) float64 {
	sum, n := 0.0, 0
	for _, p := range positions {
		if p.EntryPrice > 0 {
			sum += p.EntryPrice
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func ceilFraction(n int, fraction float64) int {
	c := int(math.Ceil(float64(n) * fraction))
	if c < 1 {
		c = 1
	}
	if c > n {
		c = n
	}
	return c
}

// LadderStatus summarises one round's ladder.
type LadderStatus struct {
	Found     bool          `json:"found"`
	Pending   int           `json:"pending"`
	Triggered int           `json:"triggered"`
	Levels    []LevelStatus `json:"levels,omitempty"`
}

type LevelStatus struct {
	Price    float64    `json:"price"`
	Status   Status     `json:"status"`
	HitCount int        `json:"hit_count"`
	HitTime  *time.Time `json:"hit_time,omitempty"`
}

// Status reports ladder state; Found is false for unknown rounds.
func (m *Manager) Status(roundID string) LadderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	levels, ok := m.ladders[roundID]
	if !ok {
		return LadderStatus{}
	}
	st := LadderStatus{Found: true}
	for _, lvl := range levels {
		ls := LevelStatus{Price: lvl.Price, Status: lvl.Status, HitCount: lvl.HitCount}
		if !lvl.HitTime.IsZero() {
			t := lvl.HitTime
			ls.HitTime = &t
		}
		st.Levels = append(st.Levels, ls)
		switch lvl.Status {
		case StatusPending:
			st.Pending++
		case StatusTriggered:
			st.Triggered++
		}
	}
	return st
}

// Drop removes a round's ladder, used on round eviction.
func (m *Manager) Drop(roundID string) {
	m.mu.Lock()
	delete(m.ladders, roundID)
	m.mu.Unlock()
}
