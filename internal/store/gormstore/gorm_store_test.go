package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalround/internal/round"
	"signalround/internal/signal"
	"signalround/internal/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "rounds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRound(id string, status round.Status, at time.Time) *round.TradeRound {
	return &round.TradeRound{
		ID:              id,
		Symbol:          "XAUUSD",
		Direction:       types.DirectionBuy,
		Status:          status,
		StopLoss:        1990,
		TPPrices:        []float64{2010, 2020},
		Positions:       map[string]*round.Position{},
		CreatedAt:       at,
		StatusChangedAt: at,
		LastActivity:    at,
		Signal:          &signal.Signal{Type: signal.TypeEntry, Symbol: "XAUUSD", Action: types.DirectionBuy},
	}
}

func TestRoundSurvivesRestart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := sampleRound("R_XAUUSD_1", round.StatusActive, at)
	require.NoError(t, s.UpsertRound(ctx, r))
	require.NoError(t, s.UpsertPosition(ctx, &round.Position{
		ID:          "p1",
		OrderID:     "o1",
		RoundID:     r.ID,
		Symbol:      "XAUUSD",
		Direction:   types.DirectionBuy,
		Volume:      0.1,
		EntryType:   types.EntryMarket,
		Status:      round.PositionActive,
		EntryPrice:  2000,
		StopLoss:    1990,
		TakeProfits: []float64{2010},
		CreatedAt:   at,
		OpenedAt:    at,
	}))

	loaded, err := s.LoadOpenRounds(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, "R_XAUUSD_1", got.ID)
	assert.Equal(t, round.StatusActive, got.Status)
	assert.Equal(t, []float64{2010, 2020}, got.TPPrices)
	require.NotNil(t, got.Signal)
	assert.Equal(t, signal.TypeEntry, got.Signal.Type)

	p, ok := got.Positions["p1"]
	require.True(t, ok)
	assert.Equal(t, 2000.0, p.EntryPrice)
	assert.Equal(t, []float64{2010}, p.TakeProfits)
	assert.Equal(t, at.Unix(), p.OpenedAt.Unix())
}

func TestUpsertRoundIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := sampleRound("R_XAUUSD_1", round.StatusActive, at)
	require.NoError(t, s.UpsertRound(ctx, r))

	r.Status = round.StatusPartiallyClosed
	r.StopLoss = 1995
	require.NoError(t, s.UpsertRound(ctx, r))

	loaded, err := s.LoadOpenRounds(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, round.StatusPartiallyClosed, loaded[0].Status)
	assert.Equal(t, 1995.0, loaded[0].StopLoss)
}

func TestClosedRoundsAreNotRecovered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRound(ctx, sampleRound("R_XAUUSD_1", round.StatusClosed, at)))
	require.NoError(t, s.UpsertRound(ctx, sampleRound("R_XAUUSD_2", round.StatusActive, at)))

	loaded, err := s.LoadOpenRounds(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "R_XAUUSD_2", loaded[0].ID)
}

func TestPruneClosedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	closed := sampleRound("R_XAUUSD_1", round.StatusClosed, old)
	require.NoError(t, s.UpsertRound(ctx, closed))
	require.NoError(t, s.UpsertPosition(ctx, &round.Position{
		ID: "p1", RoundID: closed.ID, Symbol: "XAUUSD",
		Direction: types.DirectionBuy, Status: round.PositionClosed, CreatedAt: old,
	}))
	require.NoError(t, s.AppendSignalUpdate(ctx, closed.ID, signal.Update{
		Timestamp: old,
		Type:      signal.TypeEntry,
		Content:   closed.Signal,
	}))

	keep := sampleRound("R_XAUUSD_2", round.StatusClosed, old.Add(2*time.Hour))
	require.NoError(t, s.UpsertRound(ctx, keep))

	require.NoError(t, s.PruneClosedBefore(ctx, old.Add(time.Hour)))

	var remaining []roundModel
	require.NoError(t, s.db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "R_XAUUSD_2", remaining[0].RoundID)

	var positions []positionModel
	require.NoError(t, s.db.Find(&positions).Error)
	assert.Empty(t, positions)

	var journal []signalUpdateModel
	require.NoError(t, s.db.Find(&journal).Error)
	assert.Empty(t, journal)
}
