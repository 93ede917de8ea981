package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalround/internal/market"
	"signalround/internal/types"
)

type staticCandles struct {
	candles []market.Candle
}

func (s staticCandles) Candles(string, int) []market.Candle { return s.candles }

func trendingCandles(n int, start, step float64) []market.Candle {
	out := make([]market.Candle, n)
	price := start
	for i := range out {
		out[i] = market.Candle{
			Open:   price,
			High:   price + step,
			Low:    price - step,
			Close:  price + step*0.5,
			Volume: 100,
		}
		price += step
	}
	return out
}

func TestCalculateEqualSpacingInsideRange(t *testing.T) {
	c := NewCalculator(Config{}, nil)

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000,
		&Range{Min: 1990, Max: 2000}, 4, 10000, PolicyEqual)
	require.NoError(t, err)

	// zone width 10, ratios (i+1)/(n+1)
	assert.Equal(t, []float64{1998, 1996, 1994, 1992}, dist.EntryPrices)
	assert.True(t, dist.Stats.Degraded)
}

func TestCalculateShortEntriesSitAboveBase(t *testing.T) {
	c := NewCalculator(Config{}, nil)

	dist, err := c.Calculate("XAUUSD", types.DirectionSell, 2000,
		&Range{Min: 2000, Max: 2010}, 3, 10000, PolicyEqual)
	require.NoError(t, err)

	for i, p := range dist.EntryPrices {
		assert.Greater(t, p, 2000.0, "entry %d", i)
		if i > 0 {
			assert.Greater(t, p, dist.EntryPrices[i-1])
		}
	}
}

func TestPyramidVolumesDecrease(t *testing.T) {
	c := NewCalculator(Config{}, nil)

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000, nil, 4, 10000, PolicyEqual)
	require.NoError(t, err)
	require.Len(t, dist.Volumes, 4)

	for i := 1; i < len(dist.Volumes); i++ {
		assert.Less(t, dist.Volumes[i], dist.Volumes[i-1])
	}
}

func TestVolumesFlooredAtMinimum(t *testing.T) {
	c := NewCalculator(Config{MinVolume: 0.01}, nil)

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000, nil, 4, 1, PolicyEqual)
	require.NoError(t, err)

	for i, v := range dist.Volumes {
		assert.GreaterOrEqual(t, v, 0.01, "layer %d", i)
	}
}

func TestSharedStopSitsBeyondFirstEntry(t *testing.T) {
	c := NewCalculator(Config{}, nil)

	t.Run("long", func(t *testing.T) {
		dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000, nil, 3, 10000, PolicyEqual)
		require.NoError(t, err)
		assert.Less(t, dist.StopLoss, dist.EntryPrices[0])
	})
	t.Run("short", func(t *testing.T) {
		dist, err := c.Calculate("XAUUSD", types.DirectionSell, 2000, nil, 3, 10000, PolicyEqual)
		require.NoError(t, err)
		assert.Greater(t, dist.StopLoss, dist.EntryPrices[len(dist.EntryPrices)-1])
	})
}

func TestTakeProfitLaddersPointIntoProfit(t *testing.T) {
	c := NewCalculator(Config{}, staticCandles{candles: trendingCandles(20, 2000, 1)})

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2020, nil, 3, 10000, PolicyEqual)
	require.NoError(t, err)
	require.Len(t, dist.TakeProfits, 3)

	for i, ladder := range dist.TakeProfits {
		require.Len(t, ladder, 3)
		prev := dist.EntryPrices[i]
		for _, tp := range ladder {
			assert.Greater(t, tp, prev)
			prev = tp
		}
	}
}

func TestCalculateUsesCandleStats(t *testing.T) {
	c := NewCalculator(Config{}, staticCandles{candles: trendingCandles(20, 2000, 2)})

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2040, nil, 3, 10000, PolicyEqual)
	require.NoError(t, err)

	assert.False(t, dist.Stats.Degraded)
	assert.Greater(t, dist.Stats.Volatility, 0.0)
	assert.Greater(t, dist.Stats.Momentum, 0.0)
}

func TestCalculateRejectsBadInput(t *testing.T) {
	c := NewCalculator(Config{}, nil)

	_, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000, nil, 0, 10000, PolicyEqual)
	assert.ErrorIs(t, err, ErrInvalidLayerCount)

	_, err = c.Calculate("XAUUSD", types.DirectionBuy, 0, nil, 3, 10000, PolicyEqual)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestLayerCountCappedAtMax(t *testing.T) {
	c := NewCalculator(Config{MaxLayers: 4}, nil)

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000, nil, 9, 10000, PolicyEqual)
	require.NoError(t, err)
	assert.Len(t, dist.EntryPrices, 4)
}

func TestDynamicPolicySpacingWidensWithDepth(t *testing.T) {
	c := NewCalculator(Config{}, nil)

	dist, err := c.Calculate("XAUUSD", types.DirectionBuy, 2000,
		&Range{Min: 1990, Max: 2000}, 4, 10000, PolicyDynamic)
	require.NoError(t, err)

	gaps := make([]float64, 0, 3)
	for i := 1; i < len(dist.EntryPrices); i++ {
		gaps = append(gaps, dist.EntryPrices[i-1]-dist.EntryPrices[i])
	}
	for i := 1; i < len(gaps); i++ {
		assert.Greater(t, gaps[i], gaps[i-1])
	}
}
