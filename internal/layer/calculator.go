// Package layer computes layered-entry plans: entry prices, per-entry
// volumes and take-profit ladders for one trading round.
package layer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"signalround/internal/market"
	"signalround/internal/types"
)

// Policy selects how entry prices are spread across the zone.
type Policy string

const (
	PolicyEqual          Policy = "equal"
	PolicyDynamic        Policy = "dynamic"
	PolicyMarketMomentum Policy = "market_momentum"
	PolicyWeighted       Policy = "weighted"
)

// ParsePolicy maps free-form distribution names onto a Policy, defaulting
// to equal spacing.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dynamic":
		return PolicyDynamic
	case "market_momentum", "momentum":
		return PolicyMarketMomentum
	case "weighted", "volume":
		return PolicyWeighted
	default:
		return PolicyEqual
	}
}

var (
	// ErrInsufficientData means no usable base price or candle history;
	// callers fall back to a single-position entry.
	ErrInsufficientData = errors.New("layer: insufficient market data")
	// ErrInvalidLayerCount rejects non-positive layer counts.
	ErrInvalidLayerCount = errors.New("layer: layer count must be positive")
)

// Range bounds an explicit entry zone taken from the signal.
type Range struct {
	Min float64
	Max float64
}

// Distribution is a computed, immutable layered-entry plan.
type Distribution struct {
	Symbol      string
	Direction   types.Direction
	Policy      Policy
	EntryPrices []float64
	Volumes     []float64
	TakeProfits [][]float64 // per-entry ladder, same length as EntryPrices
	StopLoss    float64
	Stats       Stats
}

// Config tunes the calculator.
type Config struct {
	// RiskFraction of the account allocated to one round.
	RiskFraction float64
	// Window is the candle lookback for volatility/momentum.
	Window int
	// MinVolume floors each layer's size.
	MinVolume float64
	// MaxLayers caps requested layer counts.
	MaxLayers int
}

func (c Config) withDefaults() Config {
	if c.RiskFraction <= 0 {
		c.RiskFraction = 0.02
	}
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.MinVolume <= 0 {
		c.MinVolume = 0.01
	}
	if c.MaxLayers <= 0 {
		c.MaxLayers = 7
	}
	return c
}

// CandleProvider supplies recent candles; *market.Store satisfies it.
type CandleProvider interface {
	Candles(symbol string, limit int) []market.Candle
}

// Calculator derives layered-entry distributions from market state.
type Calculator struct {
	cfg     Config
	candles CandleProvider
}

func NewCalculator(cfg Config, candles CandleProvider) *Calculator {
	return &Calculator{cfg: cfg.withDefaults(), candles: candles}
}

// sizing constants; see the TP ladder shape in Calculate.
const (
	volatilityBudgetDamping = 10.0
	stopVolatilityMultiple  = 2.0
	dynamicSpacingExponent  = 1.6
)

var tpVolatilityMultiples = [3]float64{2, 3, 4}

// Calculate builds the plan. priceRange may be nil, in which case the zone
// width is derived from volatility around basePrice.
func (c *Calculator) Calculate(symbol string, direction types.Direction, basePrice float64,
	priceRange *Range, layerCount int, accountSize float64, policy Policy) (*Distribution, error) {

	if layerCount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLayerCount, layerCount)
	}
	if layerCount > c.cfg.MaxLayers {
		layerCount = c.cfg.MaxLayers
	}
	if basePrice <= 0 {
		return nil, fmt.Errorf("%w: no base price for %s", ErrInsufficientData, symbol)
	}

	var candles []market.Candle
	if c.candles != nil {
		candles = c.candles.Candles(symbol, c.cfg.Window)
	}
	stats := estimateStats(candles)

	width := c.zoneWidth(basePrice, priceRange, stats)
	entries, err := c.entryPrices(symbol, direction, basePrice, width, layerCount, policy, stats, candles)
	if err != nil {
		return nil, err
	}

	volumes := c.pyramidVolumes(accountSize, layerCount, stats)
	ladders := c.takeProfitLadders(entries, direction, layerCount, stats)
	stop := c.sharedStop(entries, direction, stats)

	return &Distribution{
		Symbol:      symbol,
		Direction:   direction,
		Policy:      policy,
		EntryPrices: entries,
		Volumes:     volumes,
		TakeProfits: ladders,
		StopLoss:    stop,
		Stats:       stats,
	}, nil
}

func (c *Calculator) zoneWidth(basePrice float64, priceRange *Range, stats Stats) float64 {
	if priceRange != nil && priceRange.Max > priceRange.Min {
		return priceRange.Max - priceRange.Min
	}
	return basePrice * stats.Volatility * stopVolatilityMultiple
}

// entryPrices spaces layerCount entries away from basePrice in the adverse
// direction (below for long, above for short) so resting orders improve the
// average entry.
func (c *Calculator) entryPrices(symbol string, direction types.Direction, basePrice, width float64,
	layerCount int, policy Policy, stats Stats, candles []market.Candle) ([]float64, error) {

	ratios := make([]float64, layerCount)
	switch policy {
	case PolicyDynamic:
		for i := range ratios {
			ratios[i] = math.Pow(float64(i+1)/float64(layerCount), dynamicSpacingExponent)
		}
	case PolicyMarketMomentum:
		exponent := 1 / (1 + math.Abs(stats.Momentum))
		for i := range ratios {
			ratios[i] = math.Pow(float64(i+1)/float64(layerCount), exponent)
		}
	case PolicyWeighted:
		if weighted := c.weightedRatios(candles, layerCount); weighted != nil {
			ratios = weighted
			break
		}
		fallthrough
	default: // PolicyEqual
		for i := range ratios {
			ratios[i] = float64(i+1) / float64(layerCount+1)
		}
	}

	prices := make([]float64, layerCount)
	for i, r := range ratios {
		offset := width * r
		if direction == types.DirectionBuy {
			prices[i] = roundPrice(basePrice - offset)
		} else {
			prices[i] = roundPrice(basePrice + offset)
		}
		if prices[i] <= 0 {
			return nil, fmt.Errorf("%w: layer price collapsed below zero for %s", ErrInsufficientData, symbol)
		}
	}
	return prices, nil
}

// weightedRatios positions entries at cumulative-volume quantiles of the
// recent profile. Nil return means no usable volume data.
func (c *Calculator) weightedRatios(candles []market.Candle, layerCount int) []float64 {
	_, volumes := volumeProfile(candles, layerCount*4)
	if volumes == nil {
		return nil
	}
	total := 0.0
	for _, v := range volumes {
		total += v
	}
	if total <= 0 {
		return nil
	}
	ratios := make([]float64, layerCount)
	cumulative := 0.0
	bucket := 0
	for i := 0; i < layerCount; i++ {
		target := total * float64(i+1) / float64(layerCount+1)
		for bucket < len(volumes)-1 && cumulative+volumes[bucket] < target {
			cumulative += volumes[bucket]
			bucket++
		}
		ratios[i] = float64(bucket+1) / float64(len(volumes)+1)
	}
	sort.Float64s(ratios)
	return ratios
}

// pyramidVolumes weights layer i of n proportional to (n-i) and normalises
// so the sum equals the volatility-adjusted sizing budget. Earlier layers
// receive larger size.
func (c *Calculator) pyramidVolumes(accountSize float64, layerCount int, stats Stats) []float64 {
	budget := accountSize * c.cfg.RiskFraction / (1 + stats.Volatility*volatilityBudgetDamping)
	if budget < c.cfg.MinVolume*float64(layerCount) {
		budget = c.cfg.MinVolume * float64(layerCount)
	}
	totalWeight := 0.0
	for i := 0; i < layerCount; i++ {
		totalWeight += float64(layerCount - i)
	}
	volumes := make([]float64, layerCount)
	for i := 0; i < layerCount; i++ {
		v := budget * float64(layerCount-i) / totalWeight
		if v < c.cfg.MinVolume {
			v = c.cfg.MinVolume
		}
		volumes[i] = roundVolume(v)
	}
	return volumes
}

// takeProfitLadders builds each layer's TP levels: distance scales with
// volatility multiples {2,3,4} and the layer's position factor, stretched
// by momentum in the profitable direction.
func (c *Calculator) takeProfitLadders(entries []float64, direction types.Direction,
	layerCount int, stats Stats) [][]float64 {

	ladders := make([][]float64, len(entries))
	for i, entry := range entries {
		positionFactor := float64(i+1) / float64(layerCount)
		momentumBoost := 1 + stats.Momentum*positionFactor
		ladder := make([]float64, 0, len(tpVolatilityMultiples))
		for _, mult := range tpVolatilityMultiples {
			distance := entry * stats.Volatility * mult * positionFactor * momentumBoost
			if direction == types.DirectionBuy {
				ladder = append(ladder, roundPrice(entry+distance))
			} else {
				ladder = append(ladder, roundPrice(entry-distance))
			}
		}
		ladders[i] = ladder
	}
	return ladders
}

// sharedStop sits 2×volatility beyond the worst-positioned entry: the
// first layer for long rounds, the last for short.
func (c *Calculator) sharedStop(entries []float64, direction types.Direction, stats Stats) float64 {
	if direction == types.DirectionBuy {
		worst := entries[0]
		return roundPrice(worst * (1 - stats.Volatility*stopVolatilityMultiple))
	}
	worst := entries[len(entries)-1]
	return roundPrice(worst * (1 + stats.Volatility*stopVolatilityMultiple))
}

func roundPrice(p float64) float64 {
	return math.Round(p*1e5) / 1e5
}

func roundVolume(v float64) float64 {
	return math.Round(v*100) / 100
}
