// Package strategy
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/rs/zerolog/log"
)

// ErrInvalidParams wraps strategy parameter validation failures.
var ErrInvalidParams = errors.New("invalid strategy params")

// Strategy turns the candle history up to the current bar into a signal.
// history[len(history)-1] is the current bar; implementations must not look
// beyond it. Instances keep counters and are used by one run at a time.
type Strategy interface {
	Name() string
	OnCandles(ctx context.Context, history []candle.Candle) (Signal, error)
	PerformanceMetrics() map[string]float64 // signal counters gathered during a run
	WarmupPeriod() int                      // candles needed before the first non-hold signal
}

// Indicator is implemented by strategies that can export their series for charts.
type Indicator interface {
	Indicators(candles []candle.Candle) (map[string][]float64, error)
}

type Action int8

const (
	Sell Action = -1
	Hold Action = 0
	Buy  Action = 1
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "hold"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy":
		*a = Buy
	case "sell":
		*a = Sell
	case "hold", "":
		*a = Hold
	default:
		return fmt.Errorf("unknown action %q", string(b))
	}
	return nil
}

type Signal struct {
	Time         time.Time `json:"time"`
	Action       Action    `json:"action"`
	Reason       string    `json:"reason"`
	StrategyName string    `json:"strategy_name"`
	TriggerPrice float64   `json:"trigger_price"`
}

// Config selects and parameterizes a strategy.
type Config struct {
	Name           string  `yaml:"name" json:"name"`
	ShortWindow    int     `yaml:"short_window" json:"short_window"`
	LongWindow     int     `yaml:"long_window" json:"long_window"`
	Mode           string  `yaml:"mode" json:"mode"`
	Threshold      float64 `yaml:"threshold" json:"threshold"`
	MinPriceChange float64 `yaml:"min_price_change" json:"min_price_change"`
	RSIPeriod      int     `yaml:"rsi_period" json:"rsi_period"`
}

func DefaultConfig() Config {
	return Config{
		Name:        MACrossoverName,
		ShortWindow: 20,
		LongWindow:  50,
		Mode:        ModeCross,
		RSIPeriod:   14,
	}
}

// New builds the strategy named by cfg.Name.
func New(cfg Config) (Strategy, error) {
	switch cfg.Name {
	case MACrossoverName, "sma", "ma":
		return NewMACrossover(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidParams, cfg.Name)
	}
}

// GenerateSignals replays candles through s one bar at a time and returns one
// signal per bar. A strategy error is logged and recorded as a hold.
func GenerateSignals(ctx context.Context, s Strategy, candles []candle.Candle) ([]Signal, error) {
	signals := make([]Signal, len(candles))
	for i := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		signals[i] = Evaluate(ctx, s, candles[:i+1])
	}
	return signals, nil
}

// Evaluate asks s for the signal of the last bar in history. Errors become holds.
func Evaluate(ctx context.Context, s Strategy, history []candle.Candle) Signal {
	sig, err := s.OnCandles(ctx, history)
	if err == nil {
		return sig
	}
	cur := history[len(history)-1]
	log.Warn().Err(err).Str("strategy", s.Name()).Time("bar", cur.Timestamp).
		Msg("Evaluate | strategy error, holding")
	return Signal{
		Time:         cur.Timestamp,
		Action:       Hold,
		Reason:       "strategy error",
		StrategyName: s.Name(),
		TriggerPrice: cur.Close,
	}
}

// ExposureSeries turns signals into a target exposure per bar: +1 after a buy,
// -1 (or 0 when shorting is off) after a sell, unchanged on hold.
func ExposureSeries(signals []Signal, allowShort bool) []float64 {
	out := make([]float64, len(signals))
	var cur float64
	for i, s := range signals {
		switch s.Action {
		case Buy:
			cur = 1
		case Sell:
			if allowShort {
				cur = -1
			} else {
				cur = 0
			}
		}
		out[i] = cur
	}
	return out
}
