package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalround/internal/types"
)

func entrySignal(symbol string) *Signal {
	return &Signal{Type: TypeEntry, Symbol: symbol, Action: types.DirectionBuy}
}

func newTestTracker(start time.Time) (*Tracker, *time.Time) {
	clock := start
	t := NewTracker(TrackerConfig{})
	t.now = func() time.Time { return clock }
	return t, &clock
}

func TestAddSignalMintsRoundID(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(start)

	id := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")

	assert.Equal(t, fmt.Sprintf("R_XAUUSD_%d", start.Unix()), id)
	st := tr.Status(id)
	assert.True(t, st.Found)
	assert.Equal(t, 1, st.UpdateCount)
}

func TestEntryWithinWindowJoinsExistingRound(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	first := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	*clock = start.Add(3 * time.Minute)
	second := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")

	assert.Equal(t, first, second)
	assert.Equal(t, 2, tr.Status(first).UpdateCount)
}

func TestEntryOutsideWindowStartsNewRound(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	first := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	*clock = start.Add(6 * time.Minute)
	second := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")

	assert.NotEqual(t, first, second)
}

func TestMintedIDsUniqueWithinOneSecond(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(start)

	entry := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	exit := tr.AddSignal("XAUUSD", &Signal{Type: TypeExit, Symbol: "XAUUSD"}, "")

	assert.NotEqual(t, entry, exit, "an exit without a round hint must not rejoin by timestamp collision")
	assert.True(t, tr.Status(exit).Found)
}

func TestDifferentSymbolsNeverShareRounds(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	gold := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	*clock = start.Add(time.Minute)
	btc := tr.AddSignal("BTCUSDT", entrySignal("BTCUSDT"), "")

	assert.NotEqual(t, gold, btc)
}

func TestModifyWithKnownRoundIDJoinsIt(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	id := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	*clock = start.Add(time.Hour)
	mod := &Signal{Type: TypeModify, Symbol: "XAUUSD", StopLoss: 1990}
	joined := tr.AddSignal("XAUUSD", mod, id)

	assert.Equal(t, id, joined)
	assert.Equal(t, 2, tr.Status(id).UpdateCount)
}

func TestMarkProcessed(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(start)

	id := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	require.Len(t, tr.UnprocessedUpdates(id), 1)

	tr.MarkProcessed(id, start)
	assert.Empty(t, tr.UnprocessedUpdates(id))
}

func TestStaleRoundsPurgedOnWrite(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	old := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	*clock = start.Add(25 * time.Hour)
	tr.AddSignal("BTCUSDT", entrySignal("BTCUSDT"), "")

	assert.False(t, tr.Status(old).Found)
}

func TestUpdatesSinceFilters(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	id := tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")
	*clock = start.Add(2 * time.Minute)
	tr.AddSignal("XAUUSD", entrySignal("XAUUSD"), "")

	assert.Len(t, tr.Updates(id, time.Time{}), 2)
	assert.Len(t, tr.Updates(id, start.Add(time.Minute)), 1)
}
