package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	wallex "github.com/wallexchange/wallex-go"
	"golang.org/x/time/rate"
)

// wallexClient is the part of the wallex SDK the source uses.
type wallexClient interface {
	Candles(symbol, resolution string, from, to time.Time) ([]*wallex.Candle, error)
}

type WallexExchange struct {
	client  wallexClient
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

func NewWallex(opts Options) *WallexExchange {
	return newWallex(wallex.New(wallex.ClientOptions{APIKey: opts.APIKey}), opts)
}

func newWallex(client wallexClient, opts Options) *WallexExchange {
	return &WallexExchange{
		client:  client,
		limiter: newLimiter(opts),
		breaker: newBreaker("wallex"),
		retry:   opts.Retry,
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

func (w *WallexExchange) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("%w: %s", tfutils.ErrUnsupportedTimeframe, timeframe)
	}
	if !start.Before(end) {
		return nil, nil
	}

	resolution := NormalizedTimeframe(timeframe)
	market := NormalizeSymbol(symbol)

	var raw []*wallex.Candle
	err := withRetry(ctx, w.retry, "wallex candles", func(int) error {
		if err := w.limiter.Wait(ctx); err != nil {
			return permanent(err)
		}
		out, err := w.breaker.Execute(func() (interface{}, error) {
			return w.client.Candles(market, resolution, start, end)
		})
		if err != nil {
			return classify(fmt.Errorf("fetching candles: %w", err))
		}
		raw = out.([]*wallex.Candle)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("FetchCandles failed: %w", err)
	}

	candles := make([]candle.Candle, 0, len(raw))
	skipped := 0
	for _, wc := range raw {
		if wc == nil {
			continue
		}
		c, err := convertWallexCandle(wc, symbol, timeframe)
		if err != nil {
			skipped++
			continue
		}
		candles = append(candles, c)
	}
	if skipped > 0 {
		log.Debug().Str("symbol", symbol).Int("skipped", skipped).Msg("WallexExchange.FetchCandles | skipped unparsable candles")
	}

	return inRange(candles, start, end), nil
}

func convertWallexCandle(wc *wallex.Candle, symbol, timeframe string) (candle.Candle, error) {
	fields := [5]wallex.Number{wc.Open, wc.High, wc.Low, wc.Close, wc.Volume}
	var values [5]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(string(f), 64)
		if err != nil {
			return candle.Candle{}, err
		}
		values[i] = v
	}
	return candle.Candle{
		Timestamp: wc.Timestamp.UTC().Truncate(time.Minute),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Symbol:    symbol,
		Timeframe: timeframe,
		Source:    "wallex",
	}, nil
}

func newLimiter(opts Options) *rate.Limiter {
	if opts.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(opts.Burst, 1))
}
