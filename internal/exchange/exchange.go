// Package exchange downloads historical candles from public exchange APIs.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
)

var ErrUnknownSource = errors.New("unknown candle source")

// CandleSource returns candles with start <= timestamp < end, oldest first.
type CandleSource interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)
}

type Options struct {
	ProxyURL          string        `yaml:"proxy_url"`
	BaseURL           string        `yaml:"base_url"` // overrides the exchange endpoint
	APIKey            string        `yaml:"api_key"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	PageLimit         int           `yaml:"page_limit"`
	Timeout           time.Duration `yaml:"timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 2,
		Burst:             1,
		PageLimit:         1000,
		Timeout:           30 * time.Second,
		Retry:             DefaultRetryConfig(),
	}
}

// New builds the source registered under name.
func New(name string, opts Options) (CandleSource, error) {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinance(opts)
	case "wallex":
		return NewWallex(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
}

// inRange keeps valid candles with start <= timestamp < end.
func inRange(candles []candle.Candle, start, end time.Time) []candle.Candle {
	out := candles[:0]
	for _, c := range candles {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		if err := c.Validate(); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}
