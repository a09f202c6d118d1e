package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func trendingSeries(n int) (highs, lows, closes []float64) {
	price := 100.0
	for i := 0; i < n; i++ {
		price += 1.0
		highs = append(highs, price+1)
		lows = append(lows, price-1)
		closes = append(closes, price)
	}
	return
}

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.0, SMA(prices, 3), 1e-9)
	// Shorter than period falls back to the full-series mean.
	assert.InDelta(t, 3.0, SMA(prices, 10), 1e-9)
	assert.Equal(t, 0.0, SMA(nil, 3))
}

func TestEMA(t *testing.T) {
	prices := []float64{10, 10, 10, 10, 10}
	assert.InDelta(t, 10.0, EMA(prices, 3), 1e-9)

	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ema := EMA(rising, 5)
	assert.Greater(t, ema, SMA(rising, 10))
	assert.Less(t, ema, 10.0)
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		up = append(up, float64(100+i))
	}
	assert.InDelta(t, 100.0, RSI(up, 14), 1e-9)

	down := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		down = append(down, float64(100-i))
	}
	assert.Less(t, RSI(down, 14), 1.0)

	// Not enough data is neutral.
	assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14))
}

func TestATR(t *testing.T) {
	highs := []float64{10, 11, 12, 11, 12, 13}
	lows := []float64{8, 9, 10, 9, 10, 11}
	closes := []float64{9, 10, 11, 10, 11, 12}

	atr := ATR(highs, lows, closes, 3)
	assert.InDelta(t, 2.0, atr, 1e-9)

	assert.Equal(t, 0.0, ATR(highs[:2], lows[:2], closes[:2], 3))
}

func TestADXTrendingIsStrong(t *testing.T) {
	highs, lows, closes := trendingSeries(60)
	adx := ADX(highs, lows, closes, 14)
	assert.Greater(t, adx, 20.0, "a monotonic trend should read as strong")
	assert.LessOrEqual(t, adx, 100.0)
}

func TestADXInsufficientData(t *testing.T) {
	highs, lows, closes := trendingSeries(10)
	assert.Equal(t, 0.0, ADX(highs, lows, closes, 14))
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-9)
}
