package exchange

import (
	"strconv"
	"strings"

	"github.com/amirphl/simple-backtester/internal/tfutils"
)

// NormalizeSymbol turns "btc-usdt" into "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(symbol, "-", ""), "/", ""))
}

// NormalizedTimeframe maps a timeframe to a chart resolution: minutes below
// a day, "1D" for daily bars.
func NormalizedTimeframe(timeframe string) string {
	minutes := tfutils.TimeframeMinutes(timeframe)
	switch {
	case minutes <= 0:
		return ""
	case minutes%1440 == 0:
		return strings.TrimSuffix(strings.ToUpper(timeframe), "D") + "D"
	default:
		return strconv.Itoa(minutes)
	}
}
