package signal

import (
	"fmt"
	"sync"
	"time"

	"signalround/internal/logger"
)

// TrackerConfig bounds the tracker's windows.
type TrackerConfig struct {
	// UpdateWindow is the trailing window inside which entry signals for
	// the same symbol are folded into the existing round.
	UpdateWindow time.Duration
	// CleanupAfter evicts a round's history once its newest update is
	// older than this.
	CleanupAfter time.Duration
	// MaxTracked caps the number of tracked rounds.
	MaxTracked int
	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.UpdateWindow <= 0 {
		c.UpdateWindow = 5 * time.Minute
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = 24 * time.Hour
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = 100
	}
	return c
}

type activeRound struct {
	roundID   string
	createdAt time.Time
}

// Tracker deduplicates incoming signals per symbol and assigns each a
// stable round identifier. Deduplication is best-effort: any internal
// inconsistency degrades to minting a fresh id rather than failing the
// caller.
type Tracker struct {
	cfg TrackerConfig

	mu      sync.Mutex
	history map[string][]Update      // round id -> arrival log
	active  map[string][]activeRound // symbol -> open round index
	now     func() time.Time
}

func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{
		cfg:     cfg.withDefaults(),
		history: make(map[string][]Update),
		active:  make(map[string][]activeRound),
		now:     time.Now,
	}
	if cfg.Clock != nil {
		t.now = cfg.Clock
	}
	return t
}

// AddSignal records one signal arrival and returns the round id it belongs
// to. Non-entry signals with a known explicit round id join that round;
// entry signals reuse a round created within the update window, otherwise
// a new id is minted as R_<symbol>_<epoch-seconds>.
func (t *Tracker) AddSignal(symbol string, sig *Signal, roundID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	if sig.Type != TypeEntry && roundID != "" {
		if _, ok := t.history[roundID]; ok {
			t.appendLocked(roundID, sig, now)
			return roundID
		}
	}

	if roundID == "" && sig.Type == TypeEntry {
		roundID = t.findRecentLocked(symbol, now)
	}
	if roundID == "" {
		roundID = t.mintLocked(symbol, now)
	}

	if _, ok := t.history[roundID]; !ok {
		t.history[roundID] = nil
		t.active[symbol] = append(t.active[symbol], activeRound{roundID: roundID, createdAt: now})
	}
	t.appendLocked(roundID, sig, now)
	return roundID
}

// MintRoundID builds the canonical round identifier for a symbol.
func MintRoundID(symbol string, at time.Time) string {
	return fmt.Sprintf("R_%s_%d", symbol, at.Unix())
}

// mintLocked returns a round id unused by any tracked round. A second
// mint within the same wall-clock second gets a numeric suffix, so a
// signal arriving after its round's window expired never silently
// rejoins the old round.
func (t *Tracker) mintLocked(symbol string, now time.Time) string {
	id := MintRoundID(symbol, now)
	for n := 2; ; n++ {
		if _, taken := t.history[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", MintRoundID(symbol, now), n)
	}
}

func (t *Tracker) appendLocked(roundID string, sig *Signal, now time.Time) {
	t.history[roundID] = append(t.history[roundID], Update{
		Timestamp: now,
		Content:   sig,
		Type:      sig.Type,
	})
	t.purgeLocked(now)
}

func (t *Tracker) findRecentLocked(symbol string, now time.Time) string {
	windowStart := now.Add(-t.cfg.UpdateWindow)
	for _, ar := range t.active[symbol] {
		if !ar.createdAt.Before(windowStart) && !ar.createdAt.After(now) {
			return ar.roundID
		}
	}
	return ""
}

// purgeLocked drops rounds whose most recent update is past the retention
// threshold. Called lazily on every write.
func (t *Tracker) purgeLocked(now time.Time) {
	threshold := now.Add(-t.cfg.CleanupAfter)
	for roundID, updates := range t.history {
		if len(updates) == 0 {
			continue
		}
		latest := updates[0].Timestamp
		for _, u := range updates[1:] {
			if u.Timestamp.After(latest) {
				latest = u.Timestamp
			}
		}
		if latest.Before(threshold) {
			delete(t.history, roundID)
		}
	}
	for symbol, rounds := range t.active {
		kept := rounds[:0]
		for _, ar := range rounds {
			if ar.createdAt.After(threshold) {
				if _, ok := t.history[ar.roundID]; ok {
					kept = append(kept, ar)
				}
			}
		}
		if len(kept) == 0 {
			delete(t.active, symbol)
		} else {
			t.active[symbol] = kept
		}
	}
	if excess := len(t.history) - t.cfg.MaxTracked; excess > 0 {
		logger.Warnf("signal tracker holds %d rounds, %d over the configured cap", len(t.history), excess)
	}
}

// Updates returns the arrival log for roundID, optionally filtered to
// entries at or after since.
func (t *Tracker) Updates(roundID string, since time.Time) []Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Update
	for _, u := range t.history[roundID] {
		if since.IsZero() || !u.Timestamp.Before(since) {
			out = append(out, u)
		}
	}
	return out
}

// MarkProcessed flips the processed flag on every update that arrived
// at or before the given time.
func (t *Tracker) MarkProcessed(roundID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	updates := t.history[roundID]
	for i := range updates {
		if !updates[i].Timestamp.After(at) {
			updates[i].Processed = true
		}
	}
}

// UnprocessedUpdates returns updates that arrived but were never acted on.
func (t *Tracker) UnprocessedUpdates(roundID string) []Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Update
	for _, u := range t.history[roundID] {
		if !u.Processed {
			out = append(out, u)
		}
	}
	return out
}

// RoundStatus summarises tracking state for a round.
type RoundStatus struct {
	Found       bool
	LastUpdate  time.Time
	UpdateCount int
}

// Status reports tracking metadata; Found is false for unknown rounds.
func (t *Tracker) Status(roundID string) RoundStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	updates, ok := t.history[roundID]
	if !ok || len(updates) == 0 {
		return RoundStatus{}
	}
	latest := updates[0].Timestamp
	for _, u := range updates[1:] {
		if u.Timestamp.After(latest) {
			latest = u.Timestamp
		}
	}
	return RoundStatus{Found: true, LastUpdate: latest, UpdateCount: len(updates)}
}
