package layer

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"signalround/internal/market"
)

const (
	// Degraded-mode constants applied when candle history is missing so
	// sizing math never divides by zero.
	DefaultVolatility = 0.001
	DefaultMomentum   = 0.0001
)

// Stats are the per-symbol market estimates feeding a distribution.
type Stats struct {
	Volatility float64 // stddev of log returns over the window
	Momentum   float64 // relative close-to-close drift over the window
	Degraded   bool    // true when defaults were substituted
}

// estimateStats derives volatility and momentum from recent candles.
// Fewer than three closes means no usable return series; the named
// defaults are substituted and Degraded is set.
func estimateStats(candles []market.Candle) Stats {
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Close > 0 {
			closes = append(closes, c.Close)
		}
	}
	if len(closes) < 3 {
		return Stats{Volatility: DefaultVolatility, Momentum: DefaultMomentum, Degraded: true}
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}

	stats := Stats{}
	stdDev := talib.StdDev(returns, len(returns), 1.0)
	stats.Volatility = stdDev[len(stdDev)-1]

	rocp := talib.Rocp(closes, len(closes)-1)
	stats.Momentum = rocp[len(rocp)-1]

	if stats.Volatility <= 0 || math.IsNaN(stats.Volatility) {
		stats.Volatility = DefaultVolatility
		stats.Degraded = true
	}
	if stats.Momentum == 0 || math.IsNaN(stats.Momentum) {
		stats.Momentum = DefaultMomentum
		stats.Degraded = true
	}
	return stats
}

// volumeProfile buckets candle volume by typical price, used by the
// weighted policy to bias entries toward traded levels.
func volumeProfile(candles []market.Candle, buckets int) (prices, volumes []float64) {
	if len(candles) == 0 || buckets <= 0 {
		return nil, nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range candles {
		tp := c.TypicalPrice()
		if tp < lo {
			lo = tp
		}
		if tp > hi {
			hi = tp
		}
	}
	if !(hi > lo) {
		return nil, nil
	}
	step := (hi - lo) / float64(buckets)
	prices = make([]float64, buckets)
	volumes = make([]float64, buckets)
	for i := range prices {
		prices[i] = lo + step*(float64(i)+0.5)
	}
	for _, c := range candles {
		idx := int((c.TypicalPrice() - lo) / step)
		if idx >= buckets {
			idx = buckets - 1
		}
		vol := c.Volume
		if vol <= 0 {
			vol = 1
		}
		volumes[idx] += vol
	}
	return prices, volumes
}
