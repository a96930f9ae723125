// Package tfutils
package tfutils

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedTimeframe is returned for timeframes outside GetSupportedTimeframes.
var ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d, ok := durations[timeframe]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, timeframe)
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe, or 0 if unknown
func GetTimeframeDuration(timeframe string) time.Duration {
	return durations[timeframe]
}

func TimeframeMinutes(timeframe string) int {
	return int(GetTimeframeDuration(timeframe) / time.Minute)
}

// GetSupportedTimeframes returns all supported timeframes, shortest first
func GetSupportedTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

// PeriodsPerYear returns the annualization factor for bars of the given timeframe.
// Daily bars use the 252 trading-day convention; intraday bars assume a 24/7 market.
func PeriodsPerYear(timeframe string) float64 {
	minutes := TimeframeMinutes(timeframe)
	switch {
	case minutes <= 0:
		return 252
	case minutes >= 24*60:
		return 252 * float64(24*60) / float64(minutes)
	default:
		return float64(365*24*60) / float64(minutes)
	}
}
