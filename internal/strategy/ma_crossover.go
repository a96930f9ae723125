package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/indicator"
)

const (
	MACrossoverName = "ma-crossover"

	// ModeCross signals only on the bar where the spread crosses the threshold.
	ModeCross = "cross"
	// ModeRegime signals on every bar according to which side of the band the spread is on.
	ModeRegime = "regime"
)

// MACrossover compares a short and a long simple moving average of closes.
// The spread is (short-long)/long.
type MACrossover struct {
	shortWindow    int
	longWindow     int
	mode           string
	threshold      float64
	minPriceChange float64
	rsiPeriod      int

	counts map[string]float64
}

func NewMACrossover(cfg Config) (*MACrossover, error) {
	if cfg.ShortWindow <= 0 || cfg.LongWindow <= 0 {
		return nil, fmt.Errorf("%w: windows must be positive, got short=%d long=%d", ErrInvalidParams, cfg.ShortWindow, cfg.LongWindow)
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return nil, fmt.Errorf("%w: short window %d must be below long window %d", ErrInvalidParams, cfg.ShortWindow, cfg.LongWindow)
	}
	if cfg.Threshold < 0 || cfg.MinPriceChange < 0 {
		return nil, fmt.Errorf("%w: thresholds must be >= 0", ErrInvalidParams)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeCross
	}
	if mode != ModeCross && mode != ModeRegime {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, cfg.Mode)
	}
	rsiPeriod := cfg.RSIPeriod
	if rsiPeriod <= 0 {
		rsiPeriod = 14
	}

	return &MACrossover{
		shortWindow:    cfg.ShortWindow,
		longWindow:     cfg.LongWindow,
		mode:           mode,
		threshold:      cfg.Threshold,
		minPriceChange: cfg.MinPriceChange,
		rsiPeriod:      rsiPeriod,
		counts:         make(map[string]float64),
	}, nil
}

func (s *MACrossover) Name() string {
	return fmt.Sprintf("%s(%d,%d,%s)", MACrossoverName, s.shortWindow, s.longWindow, s.mode)
}

func (s *MACrossover) WarmupPeriod() int {
	if s.mode == ModeRegime {
		return s.longWindow
	}
	return s.longWindow + 1
}

func (s *MACrossover) PerformanceMetrics() map[string]float64 {
	out := make(map[string]float64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *MACrossover) OnCandles(ctx context.Context, history []candle.Candle) (Signal, error) {
	if len(history) == 0 {
		return Signal{}, fmt.Errorf("no candles")
	}
	cur := history[len(history)-1]
	sig := Signal{
		Time:         cur.Timestamp,
		Action:       Hold,
		StrategyName: s.Name(),
		TriggerPrice: cur.Close,
	}

	if len(history) < s.WarmupPeriod() {
		sig.Reason = "warming up"
		s.counts["hold_signals"]++
		return sig, nil
	}

	// Only the tail that feeds the two latest long averages is needed
	tail := history
	if len(tail) > s.longWindow+1 {
		tail = tail[len(tail)-s.longWindow-1:]
	}
	closes := candle.Closes(tail)

	spread := s.spread(closes)
	if math.IsNaN(spread) {
		return sig, fmt.Errorf("moving average undefined at %s", cur.Timestamp)
	}

	switch s.mode {
	case ModeRegime:
		switch {
		case spread > s.threshold:
			sig.Action, sig.Reason = Buy, "bullish regime"
		case spread < -s.threshold:
			sig.Action, sig.Reason = Sell, "bearish regime"
		default:
			sig.Reason = "no crossover"
		}
	default:
		prev := s.spread(closes[:len(closes)-1])
		switch {
		case prev <= s.threshold && spread > s.threshold:
			sig.Action, sig.Reason = Buy, "bullish crossover"
		case prev >= -s.threshold && spread < -s.threshold:
			sig.Action, sig.Reason = Sell, "bearish crossover"
		default:
			sig.Reason = "no crossover"
		}
	}

	if sig.Action != Hold && s.minPriceChange > 0 && len(closes) >= 2 {
		prevClose := closes[len(closes)-2]
		if prevClose > 0 && math.Abs(cur.Close/prevClose-1) < s.minPriceChange {
			sig.Action, sig.Reason = Hold, "move below threshold"
			s.counts["filtered_signals"]++
		}
	}

	s.counts[sig.Action.String()+"_signals"]++
	return sig, nil
}

func (s *MACrossover) spread(closes []float64) float64 {
	short := indicator.LastSMA(closes, s.shortWindow)
	long := indicator.LastSMA(closes, s.longWindow)
	if math.IsNaN(short) || math.IsNaN(long) || long == 0 {
		return math.NaN()
	}
	return (short - long) / long
}

// Indicators returns the averages, spread and RSI aligned to candles, NaN during warmup.
func (s *MACrossover) Indicators(candles []candle.Candle) (map[string][]float64, error) {
	closes := candle.Closes(candles)
	short := orNaN(indicator.SMA(closes, s.shortWindow), len(closes))
	long := orNaN(indicator.SMA(closes, s.longWindow), len(closes))
	rsi := orNaN(indicator.CalculateRSI(closes, s.rsiPeriod), len(closes))

	spread := make([]float64, len(closes))
	for i := range closes {
		if math.IsNaN(short[i]) || math.IsNaN(long[i]) || long[i] == 0 {
			spread[i] = math.NaN()
			continue
		}
		spread[i] = (short[i] - long[i]) / long[i]
	}

	return map[string][]float64{
		"short_ma": short,
		"long_ma":  long,
		"spread":   spread,
		"rsi":      rsi,
	}, nil
}

func orNaN(series []float64, n int) []float64 {
	if series != nil {
		return series
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
