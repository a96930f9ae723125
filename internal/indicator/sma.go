// Package indicator
package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// SMA returns the simple moving average aligned to values, NaN until period
// values are available. Returns nil when period is invalid or data is short.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := talib.Sma(values, period)
	for i := 0; i < period-1 && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

// LastSMA averages the trailing period values.
func LastSMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sma := talib.Sma(values[len(values)-period:], period)
	return sma[len(sma)-1]
}

// PctChange returns close-to-close returns; the result is one shorter than values.
func PctChange(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = values[i]/values[i-1] - 1
	}
	return out
}

// Volatility is the population standard deviation of the last window
// close-to-close returns. It is 0 while fewer than window returns exist.
func Volatility(closes []float64, window int) float64 {
	if window < 2 || len(closes) < window+1 {
		return 0
	}
	returns := PctChange(closes[len(closes)-window-1:])
	std := talib.StdDev(returns, window, 1)
	v := std[len(std)-1]
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
