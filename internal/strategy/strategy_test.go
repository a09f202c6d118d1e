package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/market"
)

func flatCandles(n int, price float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Open: price, High: price, Low: price, Close: price, Volume: 100}
	}
	return out
}

func TestSignalAllFiltersDisabled(t *testing.T) {
	s := DefaultSettings()
	s.UseRSI = false
	s.UseEMATrendFilter = false
	s.UseADXFilter = false
	s.UseVolumeFilter = false
	s.UseATRFilter = false

	e := NewEngine(s)
	assert.Equal(t, None, e.Signal(flatCandles(300, 100)))
}

func TestSignalEmptyFrame(t *testing.T) {
	e := NewEngine(DefaultSettings())
	assert.Equal(t, None, e.Signal(nil))
}

func TestSignalLongWinsTieBreak(t *testing.T) {
	// Volume-only engine: a spike passes both directions, LONG must win.
	s := DefaultSettings()
	s.UseRSI = false
	s.UseEMATrendFilter = false
	s.UseADXFilter = false
	s.UseVolumeFilter = true
	s.VolumeSpikeMultiplier = 1.5

	candles := flatCandles(50, 100)
	candles[len(candles)-1].Volume = 1000

	e := NewEngine(s)
	assert.Equal(t, Long, e.Signal(candles))
}

func TestVolumeSpikeUsesRecentAverage(t *testing.T) {
	s := DefaultSettings()
	s.UseRSI = false
	s.UseEMATrendFilter = false
	s.UseADXFilter = false
	s.UseVolumeFilter = true
	s.VolumeSpikeMultiplier = 2.0

	candles := flatCandles(50, 100)
	// Last candle barely below 2x the 20-candle average.
	candles[len(candles)-1].Volume = 199
	e := NewEngine(s)
	assert.Equal(t, None, e.Signal(candles))

	candles[len(candles)-1].Volume = 201
	assert.Equal(t, Long, e.Signal(candles))
}

func TestRSIOversoldLong(t *testing.T) {
	s := DefaultSettings()
	s.UseEMATrendFilter = false
	s.UseADXFilter = false
	s.RSIPeriod = 5

	// Strictly falling closes push RSI to 0.
	candles := make([]market.Candle, 30)
	price := 200.0
	for i := range candles {
		price -= 1
		candles[i] = market.Candle{Open: price + 1, High: price + 1, Low: price, Close: price, Volume: 100}
	}

	e := NewEngine(s)
	assert.Equal(t, Long, e.Signal(candles))

	report := e.LastReport
	require.Len(t, report.Long, 5)
	require.NotNil(t, report.Long[0].Passed)
	assert.True(t, *report.Long[0].Passed)
	assert.Nil(t, report.Long[1].Passed, "disabled filter reports nil")
}

func TestReportText(t *testing.T) {
	passed := true
	failed := false
	r := Report{Long: []Check{
		{Name: "RSI", Passed: &passed},
		{Name: "EMA", Passed: &failed},
		{Name: "ADX"},
	}}
	assert.Equal(t, "RSI ✔ EMA ✘ ADX -", r.LongText())
}

func TestIsFutures(t *testing.T) {
	s := DefaultSettings()
	assert.False(t, s.IsFutures())

	s.EnableFutures = true
	assert.False(t, s.IsFutures(), "mode still Spot")

	s.Mode = ModeFutures
	assert.True(t, s.IsFutures())
}

func TestMinCandles(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 200, s.MinCandles())

	s.EMAPeriod = 10
	s.RSIPeriod = 21
	assert.Equal(t, 21, s.MinCandles())
}
