// Package signal carries the structured output of the external
// text-to-signal extractor and tracks signal arrivals per trading round.
package signal

import (
	"fmt"
	"strings"
	"time"

	"signalround/internal/types"
)

// Type classifies a parsed signal.
type Type string

const (
	TypeEntry  Type = "entry"
	TypeModify Type = "modify"
	TypeExit   Type = "exit"
	TypeUpdate Type = "update"
)

func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry":
		return TypeEntry, nil
	case "modify":
		return TypeModify, nil
	case "exit":
		return TypeExit, nil
	case "update":
		return TypeUpdate, nil
	default:
		return "", fmt.Errorf("unknown signal type %q", s)
	}
}

// EntryRange bounds a limit-entry zone.
type EntryRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// LayersAdvanced tunes layered-entry spacing and sizing.
type LayersAdvanced struct {
	MinDistance      float64   `json:"min_distance"`
	MaxDistance      float64   `json:"max_distance"`
	VolumeScale      []float64 `json:"volume_scale"`
	UseMarketProfile bool      `json:"use_market_profile"`
}

// Layers is the multi-entry directive of a signal.
type Layers struct {
	Enabled      bool           `json:"enabled"`
	Count        int            `json:"count"`
	Distribution string         `json:"distribution"`
	Advanced     LayersAdvanced `json:"advanced"`
}

// Signal is the structured object consumed from the extraction collaborator.
type Signal struct {
	Type        Type            `json:"type"`
	Action      types.Direction `json:"action"`
	Symbol      string          `json:"symbol"`
	EntryType   types.EntryType `json:"entry_type"`
	EntryPrice  float64         `json:"entry_price"`
	EntryRange  *EntryRange     `json:"entry_range,omitempty"`
	StopLoss    float64         `json:"stop_loss"`
	TakeProfits []float64       `json:"take_profits"`
	Layers      Layers          `json:"layers"`
	CloseType   string          `json:"close_type,omitempty"` // "all" or "partial", exit signals only
	RoundID     string          `json:"round_id,omitempty"`
}

// HasStop reports whether the extractor provided a stop level.
func (s *Signal) HasStop() bool { return s.StopLoss > 0 }

// Update is an immutable record of one signal arrival for a round.
type Update struct {
	Timestamp time.Time
	Content   *Signal
	Type      Type
	Processed bool
}
