package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	binanceBaseURL   = "https://api.binance.com"
	binanceMaxLimit  = 1000
	binanceUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

// BinanceExchange pages through the public klines endpoint.
type BinanceExchange struct {
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	retry     RetryConfig
	pageLimit int
}

func NewBinance(opts Options) (*BinanceExchange, error) {
	transport := &http.Transport{}
	if opts.ProxyURL != "" {
		proxyParsed, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyParsed)
		log.Info().Str("proxy", proxyParsed.Host).Msg("NewBinance | using proxy")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = binanceBaseURL
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 || pageLimit > binanceMaxLimit {
		pageLimit = binanceMaxLimit
	}

	return &BinanceExchange{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		limiter:   newLimiter(opts),
		breaker:   newBreaker("binance"),
		retry:     opts.Retry,
		pageLimit: pageLimit,
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about the exchange's health.
		IsSuccessful: func(err error) bool {
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) {
				return !isRetryableHTTPStatus(statusErr.StatusCode)
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

func (b *BinanceExchange) Name() string {
	return "binance"
}

func (b *BinanceExchange) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	step, err := tfutils.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	var all []candle.Candle
	cursor := start.UTC()
	for cursor.Before(end) {
		page, err := b.fetchPage(ctx, symbol, timeframe, cursor, end)
		if err != nil {
			return nil, err
		}
		all = append(all, page.candles...)

		// A short page ends the window. Skipped rows still count toward the limit.
		if page.rows < b.pageLimit || page.lastOpen.IsZero() {
			break
		}
		next := page.lastOpen.Add(step)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	log.Info().Str("symbol", symbol).Str("timeframe", timeframe).Int("candles", len(all)).
		Msg("BinanceExchange.FetchCandles | downloaded")
	return inRange(all, start, end), nil
}

// fetchPage downloads up to pageLimit klines opening in [from, end).
func (b *BinanceExchange) fetchPage(ctx context.Context, symbol, timeframe string, from, end time.Time) (klinesPage, error) {
	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("interval", timeframe)
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	q.Set("limit", strconv.Itoa(b.pageLimit))
	apiURL := b.baseURL + "/api/v3/klines?" + q.Encode()

	var body []byte
	err := withRetry(ctx, b.retry, "binance klines", func(int) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return permanent(err)
		}
		res, err := b.breaker.Execute(func() (interface{}, error) {
			return b.get(ctx, apiURL)
		})
		if err != nil {
			return classify(err)
		}
		body = res.([]byte)
		return nil
	})
	if err != nil {
		return klinesPage{}, fmt.Errorf("failed to download candles for %s: %w", symbol, err)
	}

	return parseKlines(body, symbol, timeframe)
}

func (b *BinanceExchange) get(ctx context.Context, apiURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", binanceUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// classify marks errors that another attempt cannot fix.
func classify(err error) error {
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &statusErr) && !isRetryableHTTPStatus(statusErr.StatusCode):
		return permanent(err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return permanent(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return permanent(err)
	default:
		return err
	}
}

// klinesPage is one decoded klines response. rows counts every row the
// exchange returned, including the ones that failed to parse.
type klinesPage struct {
	candles  []candle.Candle
	rows     int
	lastOpen time.Time
}

// parseKlines decodes the klines array. Numbers may arrive as JSON strings
// or numbers; malformed rows are skipped.
func parseKlines(body []byte, symbol, timeframe string) (klinesPage, error) {
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return klinesPage{}, fmt.Errorf("JSON decode error: %w", err)
	}

	page := klinesPage{rows: len(rows), candles: make([]candle.Candle, 0, len(rows))}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		ts, ok := parseNumber(row[0])
		if !ok {
			log.Debug().Interface("value", row[0]).Msg("parseKlines | bad open time")
			continue
		}
		openTime := time.UnixMilli(int64(ts)).UTC()
		if openTime.After(page.lastOpen) {
			page.lastOpen = openTime
		}
		if len(row) < 6 {
			continue
		}

		var ohlcv [5]float64
		valid := true
		for i := range ohlcv {
			if ohlcv[i], ok = parseNumber(row[i+1]); !ok {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}

		page.candles = append(page.candles, candle.Candle{
			Timestamp: openTime,
			Open:      ohlcv[0],
			High:      ohlcv[1],
			Low:       ohlcv[2],
			Close:     ohlcv[3],
			Volume:    ohlcv[4],
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    "binance",
		})
	}
	return page, nil
}

func parseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
