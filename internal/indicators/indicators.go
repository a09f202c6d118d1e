package indicators

import "math"

// RSI calculates the Relative Strength Index with Wilder smoothing.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50 // Neutral if not enough data
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	if len(gains) < period {
		return 50
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])

	// Smooth with remaining data
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates the Exponential Moving Average of the full series.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema
}

// SMA calculates the Simple Moving Average over the final period values.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}
	return average(prices[len(prices)-period:])
}

// ATR calculates the Average True Range over the final period true ranges.
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) < period+1 || len(lows) < period+1 || len(closes) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		trs = append(trs, trueRange(highs[i], lows[i], closes[i-1]))
	}

	return SMA(trs, period)
}

// ADX implements Wilder's Average Directional Index (trend strength).
// Needs at least 2*period+1 values for a stable reading; returns 0 before that.
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if len(highs) != n || len(lows) != n || n < 2*period+1 {
		return 0
	}

	trs := make([]float64, 0, n-1)
	pdms := make([]float64, 0, n-1)
	mdms := make([]float64, 0, n-1)

	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]

		var pdm, mdm float64
		if upMove > downMove && upMove > 0 {
			pdm = upMove
		}
		if downMove > upMove && downMove > 0 {
			mdm = downMove
		}

		trs = append(trs, trueRange(highs[i], lows[i], closes[i-1]))
		pdms = append(pdms, pdm)
		mdms = append(mdms, mdm)
	}

	// Warmup: initial smoothed sums over the first period samples.
	tr14 := sum(trs[:period])
	pdm14 := sum(pdms[:period])
	mdm14 := sum(mdms[:period])

	dxs := make([]float64, 0, len(trs)-period+1)
	dxs = append(dxs, dx(tr14, pdm14, mdm14))

	for i := period; i < len(trs); i++ {
		// Wilder smoothing: subtract the average, add the new sample.
		tr14 = tr14 - tr14/float64(period) + trs[i]
		pdm14 = pdm14 - pdm14/float64(period) + pdms[i]
		mdm14 = mdm14 - mdm14/float64(period) + mdms[i]
		dxs = append(dxs, dx(tr14, pdm14, mdm14))
	}

	if len(dxs) < period {
		return 0
	}

	adx := average(dxs[:period])
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx
}

// Mean returns the arithmetic mean of the series, 0 when empty.
func Mean(values []float64) float64 {
	return average(values)
}

func dx(tr, pdm, mdm float64) float64 {
	if tr == 0 {
		return 0
	}
	pdi := 100 * pdm / tr
	mdi := 100 * mdm / tr
	if pdi+mdi == 0 {
		return 0
	}
	return 100 * math.Abs(pdi-mdi) / (pdi + mdi)
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

func sum(data []float64) float64 {
	total := 0.0
	for _, v := range data {
		total += v
	}
	return total
}

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return sum(data) / float64(len(data))
}
