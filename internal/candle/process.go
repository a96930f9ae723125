package candle

import (
	"sort"
	"time"

	"github.com/amirphl/simple-backtester/internal/tfutils"
)

// Process sorts, trims, generates missing candles, and eliminates duplicates.
// The range is [start, to). Gaps are filled with flat synthetic candles at the
// previous close so the bar series has a constant step.
func Process(candles []Candle, symbol, timeframe string, start, to time.Time) []Candle {
	if len(candles) == 0 {
		return candles
	}

	duration := tfutils.GetTimeframeDuration(timeframe)
	if duration == 0 {
		return nil
	}

	// Keep the first occurrence of each truncated timestamp
	seen := make(map[time.Time]Candle, len(candles))
	for _, c := range candles {
		c.Timestamp = c.Timestamp.UTC().Truncate(duration)
		if c.Timestamp.Before(start) || !c.Timestamp.Before(to) {
			continue
		}
		if _, ok := seen[c.Timestamp]; !ok {
			seen[c.Timestamp] = c
		}
	}

	if len(seen) == 0 {
		return nil
	}

	trimmed := make([]Candle, 0, len(seen))
	for _, c := range seen {
		trimmed = append(trimmed, c)
	}
	sort.Slice(trimmed, func(i, j int) bool {
		return trimmed[i].Timestamp.Before(trimmed[j].Timestamp)
	})

	complete := make([]Candle, 0, len(trimmed))
	basePrice := trimmed[0].Close
	lastTime := trimmed[len(trimmed)-1].Timestamp

	i := 0
	for ts := trimmed[0].Timestamp; !ts.After(lastTime); ts = ts.Add(duration) {
		if i < len(trimmed) && trimmed[i].Timestamp.Equal(ts) {
			complete = append(complete, trimmed[i])
			basePrice = trimmed[i].Close
			i++
			continue
		}
		complete = append(complete, Candle{
			Timestamp: ts,
			Open:      basePrice,
			High:      basePrice,
			Low:       basePrice,
			Close:     basePrice,
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    SourceSynthetic,
		})
	}

	return complete
}
