package indicator

import (
	"fmt"
	"math"
)

// CalculateRSI returns Wilder's RSI aligned to prices. The first period slots
// are NaN; the first value sits at index period. A window with no losses is 100.
func CalculateRSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) <= period {
		return nil
	}
	rsi := make([]float64, len(prices))
	for i := 0; i < period; i++ {
		rsi[i] = math.NaN()
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	rsi[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss = 0, 0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		rsi[i] = rsiValue(avgGain, avgLoss)
	}
	return rsi
}

// CalculateLastRSI returns only the most recent RSI value.
func CalculateLastRSI(prices []float64, period int) (float64, error) {
	rsi := CalculateRSI(prices, period)
	if rsi == nil {
		return math.NaN(), fmt.Errorf("need more than %d prices for RSI(%d), got %d", period, period, len(prices))
	}
	return rsi[len(rsi)-1], nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
