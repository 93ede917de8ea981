package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalround/internal/round"
	"signalround/internal/signal"
	"signalround/internal/tp"
	"signalround/internal/types"
)

type stubSink struct {
	id  string
	err error
}

func (s stubSink) Process(context.Context, []byte) (string, error) { return s.id, s.err }

type stubRounds struct {
	rounds map[string]round.Snapshot
}

func (s stubRounds) Snapshot(id string) (round.Snapshot, bool) {
	r, ok := s.rounds[id]
	return r, ok
}

func (s stubRounds) Rounds() []string {
	ids := make([]string, 0, len(s.rounds))
	for id := range s.rounds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type stubTracker struct {
	status  signal.RoundStatus
	updates []signal.Update
}

func (s stubTracker) Status(string) signal.RoundStatus          { return s.status }
func (s stubTracker) Updates(string, time.Time) []signal.Update { return s.updates }

func newTestServer(t *testing.T, sink SignalSink, rounds RoundReader, tracker TrackerReader) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{Processor: sink, Rounds: rounds, Tracker: tracker})
	require.NoError(t, err)
	return s
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, stubSink{}, stubRounds{}, nil)
	w := doRequest(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPostSignal(t *testing.T) {
	s := newTestServer(t, stubSink{id: "R_XAUUSD_1"}, stubRounds{}, nil)

	w := doRequest(s, http.MethodPost, "/api/signals", `{"type": "exit", "symbol": "XAUUSD"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "R_XAUUSD_1", resp["round_id"])
}

func TestPostSignalRejection(t *testing.T) {
	s := newTestServer(t, stubSink{id: "R_XAUUSD_1", err: fmt.Errorf("unknown round")}, stubRounds{}, nil)

	w := doRequest(s, http.MethodPost, "/api/signals", `{"type": "exit", "symbol": "XAUUSD"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "unknown round")
	assert.Equal(t, "R_XAUUSD_1", resp["round_id"])
}

func TestGetRoundNotFound(t *testing.T) {
	s := newTestServer(t, stubSink{}, stubRounds{}, nil)
	w := doRequest(s, http.MethodGet, "/api/rounds/R_MISSING_1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRoundSnapshot(t *testing.T) {
	snap := round.Snapshot{
		ID:        "R_XAUUSD_1",
		Symbol:    "XAUUSD",
		Direction: types.DirectionBuy,
		Status:    round.StatusActive,
		StopLoss:  1990,
		TPPrices:  []float64{2010},
		Positions: []round.Position{
			{ID: "p1", Status: round.PositionActive, Volume: 0.1, EntryPrice: 2000},
		},
		Ladder: tp.LadderStatus{
			Found:     true,
			Pending:   1,
			Triggered: 1,
			Levels: []tp.LevelStatus{
				{Price: 2010, Status: tp.StatusTriggered, HitCount: 1},
				{Price: 2020, Status: tp.StatusPending},
			},
		},
	}
	tracker := stubTracker{status: signal.RoundStatus{Found: true, UpdateCount: 2}}
	s := newTestServer(t, stubSink{}, stubRounds{rounds: map[string]round.Snapshot{snap.ID: snap}}, tracker)

	w := doRequest(s, http.MethodGet, "/api/rounds/R_XAUUSD_1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "R_XAUUSD_1", resp["round_id"])
	assert.Equal(t, "active", resp["status"])
	assert.Equal(t, 2.0, resp["signal_updates"])
	assert.Len(t, resp["positions"], 1)

	ladder, ok := resp["ladder"].(map[string]any)
	require.True(t, ok, "round response must carry ladder state")
	assert.Equal(t, 1.0, ladder["pending"])
	assert.Equal(t, 1.0, ladder["triggered"])
	assert.Len(t, ladder["levels"], 2)
}

func TestListRounds(t *testing.T) {
	rounds := stubRounds{rounds: map[string]round.Snapshot{
		"R_XAUUSD_1":  {ID: "R_XAUUSD_1"},
		"R_BTCUSDT_1": {ID: "R_BTCUSDT_1"},
	}}
	s := newTestServer(t, stubSink{}, rounds, nil)

	w := doRequest(s, http.MethodGet, "/api/rounds", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Rounds []string `json:"rounds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"R_BTCUSDT_1", "R_XAUUSD_1"}, resp.Rounds)
}

func TestGetRoundUpdates(t *testing.T) {
	tracker := stubTracker{updates: []signal.Update{
		{Timestamp: time.Now(), Type: signal.TypeEntry, Processed: true},
		{Timestamp: time.Now(), Type: signal.TypeModify},
	}}
	s := newTestServer(t, stubSink{}, stubRounds{}, tracker)

	w := doRequest(s, http.MethodGet, "/api/rounds/R_XAUUSD_1/updates", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RoundID string           `json:"round_id"`
		Updates []map[string]any `json:"updates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "R_XAUUSD_1", resp.RoundID)
	require.Len(t, resp.Updates, 2)
	assert.Equal(t, true, resp.Updates[0]["processed"])
}
