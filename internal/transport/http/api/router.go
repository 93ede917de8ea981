package apihttp

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signalround/internal/round"
	"signalround/internal/signal"
)

// SignalSink accepts raw signal payloads.
type SignalSink interface {
	Process(ctx context.Context, raw []byte) (string, error)
}

// RoundReader exposes the round registry.
type RoundReader interface {
	Snapshot(id string) (round.Snapshot, bool)
	Rounds() []string
}

// TrackerReader exposes signal-history status.
type TrackerReader interface {
	Status(roundID string) signal.RoundStatus
	Updates(roundID string, since time.Time) []signal.Update
}

// Router mounts the round API.
type Router struct {
	Processor SignalSink
	Rounds    RoundReader
	Tracker   TrackerReader
}

// Register mounts the routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/signals", r.handleSignal)
	group.GET("/rounds", r.handleRounds)
	group.GET("/rounds/:id", r.handleRoundByID)
	group.GET("/rounds/:id/updates", r.handleRoundUpdates)
}

func (r *Router) handleSignal(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	roundID, err := r.Processor.Process(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "round_id": roundID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"round_id": roundID})
}

func (r *Router) handleRounds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rounds": r.Rounds.Rounds()})
}

func (r *Router) handleRoundByID(c *gin.Context) {
	id := c.Param("id")
	snap, ok := r.Rounds.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "round not found"})
		return
	}
	resp := gin.H{
		"round_id":        snap.ID,
		"symbol":          snap.Symbol,
		"direction":       snap.Direction,
		"status":          snap.Status,
		"stop_loss":       snap.StopLoss,
		"take_profits":    snap.TPPrices,
		"created_at":      snap.CreatedAt,
		"realized_profit": snap.RealizedProfit,
		"positions":       positionsOf(snap.Positions),
	}
	if snap.Ladder.Found {
		resp["ladder"] = snap.Ladder
	}
	if r.Tracker != nil {
		st := r.Tracker.Status(id)
		resp["signal_updates"] = st.UpdateCount
		resp["last_signal_at"] = st.LastUpdate
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleRoundUpdates(c *gin.Context) {
	if r.Tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tracker unavailable"})
		return
	}
	id := c.Param("id")
	updates := r.Tracker.Updates(id, time.Time{})
	out := make([]gin.H, 0, len(updates))
	for _, u := range updates {
		out = append(out, gin.H{
			"timestamp": u.Timestamp,
			"type":      u.Type,
			"processed": u.Processed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"round_id": id, "updates": out})
}

func positionsOf(positions []round.Position) []gin.H {
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"id":          p.ID,
			"status":      p.Status,
			"volume":      p.Volume,
			"entry_price": p.EntryPrice,
			"stop_loss":   p.StopLoss,
			"layer":       p.LayerIndex,
			"profit":      p.RealizedProfit,
		})
	}
	return out
}
