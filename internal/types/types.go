package types

import (
	"fmt"
	"strings"
)

// Direction is the trade side of a signal, position or round.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ParseDirection accepts the common aliases emitted by signal extraction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return DirectionBuy, nil
	case "sell", "short":
		return DirectionSell, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Favorable reports whether moving from ref to price is profit for d.
func (d Direction) Favorable(ref, price float64) bool {
	if d == DirectionBuy {
		return price > ref
	}
	return price < ref
}

// Opposite returns the closing side for d.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// EntryType distinguishes immediate from resting entries.
type EntryType string

const (
	EntryMarket EntryType = "market"
	EntryLimit  EntryType = "limit"
)

func ParseEntryType(s string) (EntryType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "market":
		return EntryMarket, nil
	case "limit", "pending":
		return EntryLimit, nil
	default:
		return "", fmt.Errorf("unknown entry type %q", s)
	}
}
