package round

import (
	"context"

	"signalround/internal/gateway/exchange"
	"signalround/internal/logger"
)

// Manager implements exchange.EventListener so gateway push events flow
// straight into the registry.
var _ exchange.EventListener = (*Manager)(nil)

// OnPositionUpdate folds a live position snapshot into its owning round.
// Events for positions no round owns are ignored.
func (m *Manager) OnPositionUpdate(evt exchange.PositionEvent) {
	now := m.now()
	m.mu.Lock()
	r, p := m.lookupLocked(evt.ID)
	if p == nil {
		m.mu.Unlock()
		return
	}
	p.Apply(evt, now)
	r.deriveStatus(now)
	closed := r.Status == StatusClosed
	if closed {
		m.tpm.Drop(r.ID)
	}
	m.mu.Unlock()

	if evt.Closed {
		logger.Infof("round %s: position %s closed, profit %.2f", r.ID, p.ID, evt.Profit)
	}
	m.persist(context.Background(), r)
}

// OnPositionRemoved marks the position closed when the gateway drops it
// without a final snapshot.
func (m *Manager) OnPositionRemoved(id string) {
	now := m.now()
	m.mu.Lock()
	r, p := m.lookupLocked(id)
	if p == nil {
		m.mu.Unlock()
		return
	}
	p.markClosed(now)
	r.deriveStatus(now)
	if r.Status == StatusClosed {
		m.tpm.Drop(r.ID)
	}
	m.mu.Unlock()
	m.persist(context.Background(), r)
}

// OnOrderUpdate tracks pending-order state. A filled order flips its
// position to active; cancellation and rejection retire it.
func (m *Manager) OnOrderUpdate(evt exchange.OrderEvent) {
	now := m.now()
	m.mu.Lock()
	r, p := m.lookupOrderLocked(evt)
	if p == nil {
		m.mu.Unlock()
		return
	}
	switch evt.State {
	case exchange.OrderStateCompleted:
		if p.Status == PositionPending {
			p.Status = PositionActive
			p.OpenedAt = evt.Time
		}
		if evt.PositionID != "" && evt.PositionID != p.ID {
			// gateway assigned the live position a new id
			delete(r.Positions, p.ID)
			p.ID = evt.PositionID
			r.Positions[p.ID] = p
		}
	case exchange.OrderStateCanceled, exchange.OrderStateRejected:
		p.Status = PositionCancelled
		p.ClosedAt = now
	}
	r.deriveStatus(now)
	m.mu.Unlock()
	m.persist(context.Background(), r)
}

// OnPositionsReplaced applies a full gateway snapshot: every owned
// position absent from the snapshot is considered closed.
func (m *Manager) OnPositionsReplaced(evts []exchange.PositionEvent) {
	now := m.now()
	seen := make(map[string]exchange.PositionEvent, len(evts))
	for _, e := range evts {
		seen[e.ID] = e
	}

	m.mu.Lock()
	var dirty []*TradeRound
	for _, r := range m.rounds {
		touched := false
		for id, p := range r.Positions {
			if !p.Open() {
				continue
			}
			if evt, ok := seen[id]; ok {
				p.Apply(evt, now)
			} else if p.Status != PositionPending {
				p.markClosed(now)
			}
			touched = true
		}
		if touched {
			r.deriveStatus(now)
			if r.Status == StatusClosed {
				m.tpm.Drop(r.ID)
			}
			dirty = append(dirty, r)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, r := range dirty {
		m.persist(ctx, r)
	}
}

func (m *Manager) lookupLocked(positionID string) (*TradeRound, *Position) {
	for _, r := range m.rounds {
		if p, ok := r.Positions[positionID]; ok {
			return r, p
		}
	}
	return nil, nil
}

func (m *Manager) lookupOrderLocked(evt exchange.OrderEvent) (*TradeRound, *Position) {
	if evt.PositionID != "" {
		if r, p := m.lookupLocked(evt.PositionID); p != nil {
			return r, p
		}
	}
	for _, r := range m.rounds {
		for _, p := range r.Positions {
			if p.OrderID == evt.ID {
				return r, p
			}
		}
	}
	return nil, nil
}
