package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wallex "github.com/wallexchange/wallex-go"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:   baseURL,
		PageLimit: 3,
		Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

// klinesHandler serves hourly klines starting at t0 for the requested window.
func klinesHandler(t *testing.T, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		startMs, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		endMs, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var rows []string
		for ms := startMs; ms <= endMs && len(rows) < limit; ms += time.Hour.Milliseconds() {
			price := 100 + float64(ms-t0.UnixMilli())/float64(time.Hour.Milliseconds())
			rows = append(rows, fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","10.5",%d,"0",1,"0","0","0"]`,
				ms, price, price+1, price-1, price+0.5, ms+time.Hour.Milliseconds()-1))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
	}
}

func TestBinance_FetchCandlesPaginates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(klinesHandler(t, &calls))
	defer srv.Close()

	b, err := NewBinance(testOptions(srv.URL))
	require.NoError(t, err)

	got, err := b.FetchCandles(context.Background(), "btc-usdt", "1h", t0, t0.Add(7*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 7)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	for i, c := range got {
		assert.True(t, c.Timestamp.Equal(t0.Add(time.Duration(i)*time.Hour)), "candle %d", i)
		assert.Equal(t, "binance", c.Source)
		assert.Equal(t, "btc-usdt", c.Symbol)
		assert.Equal(t, "1h", c.Timeframe)
	}
	assert.InDelta(t, 100.5, got[0].Close, 1e-9)
	assert.InDelta(t, 10.5, got[6].Volume, 1e-9)
}

func TestBinance_MalformedRowsDoNotEndPagination(t *testing.T) {
	var calls int32
	inner := klinesHandler(t, &calls)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		inner(rec, r)
		body := rec.Body.String()
		// corrupt the close of the t0+1h row in the first page
		if r.URL.Query().Get("startTime") == strconv.FormatInt(t0.UnixMilli(), 10) {
			body = strings.Replace(body, `"101.00","102.00","100.00","101.50"`, `"101.00","102.00","100.00","bad"`, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	b, err := NewBinance(testOptions(srv.URL))
	require.NoError(t, err)

	got, err := b.FetchCandles(context.Background(), "BTCUSDT", "1h", t0, t0.Add(7*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.True(t, got[0].Timestamp.Equal(t0))
	assert.True(t, got[1].Timestamp.Equal(t0.Add(2*time.Hour)))
	assert.True(t, got[5].Timestamp.Equal(t0.Add(6*time.Hour)))
}

func TestBinance_RetriesTransientErrors(t *testing.T) {
	var calls int32
	inner := klinesHandler(t, new(int32))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	b, err := NewBinance(testOptions(srv.URL))
	require.NoError(t, err)

	got, err := b.FetchCandles(context.Background(), "BTCUSDT", "1h", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestBinance_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	b, err := NewBinance(testOptions(srv.URL))
	require.NoError(t, err)

	_, err = b.FetchCandles(context.Background(), "NOPE", "1h", t0, t0.Add(time.Hour))
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestBinance_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b, err := NewBinance(testOptions(srv.URL))
	require.NoError(t, err)

	_, err = b.FetchCandles(context.Background(), "BTCUSDT", "1h", t0, t0.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestBinance_RejectsUnsupportedTimeframe(t *testing.T) {
	b, err := NewBinance(Options{})
	require.NoError(t, err)
	_, err = b.FetchCandles(context.Background(), "BTCUSDT", "7m", t0, t0.Add(time.Hour))
	assert.Error(t, err)
}

func TestNewBinance_InvalidProxy(t *testing.T) {
	_, err := NewBinance(Options{ProxyURL: "://bad"})
	assert.Error(t, err)
}

func TestParseKlines(t *testing.T) {
	body := []byte(`[
		[1709251200000,"100","101","99","100.5","3"],
		["1709254800000",100.5,102,100,101,4],
		[1709258400000,"x","1","1","1","1"],
		[1709262000000,"1","1"]
	]`)
	page, err := parseKlines(body, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 4, page.rows)
	assert.True(t, page.lastOpen.Equal(t0.Add(3*time.Hour)))
	got := page.candles
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(t0))
	assert.True(t, got[1].Timestamp.Equal(t0.Add(time.Hour)))
	assert.Equal(t, 101.0, got[1].Close)

	_, err = parseKlines([]byte(`{"code":1}`), "BTCUSDT", "1h")
	assert.Error(t, err)
}

func TestCalculateRetryDelay(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		d := calculateRetryDelay(tt.attempt, time.Second, 30*time.Second, 2.0, 0.1)
		assert.GreaterOrEqual(t, d, time.Duration(float64(tt.expected)*0.9))
		assert.LessOrEqual(t, d, time.Duration(float64(tt.expected)*1.1))
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, isRetryableHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		assert.False(t, isRetryableHTTPStatus(code), code)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second}, "op", func(int) error {
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "ETHUSDT", NormalizeSymbol("ETH/USDT"))

	tests := map[string]string{"1m": "1", "15m": "15", "1h": "60", "4h": "240", "1d": "1D", "2w": ""}
	for tf, want := range tests {
		assert.Equal(t, want, NormalizedTimeframe(tf), tf)
	}
}

type fakeWallex struct {
	calls   int
	fail    int
	candles []*wallex.Candle
	gotRes  string
	gotSym  string
}

func (f *fakeWallex) Candles(symbol, resolution string, from, to time.Time) ([]*wallex.Candle, error) {
	f.calls++
	f.gotSym, f.gotRes = symbol, resolution
	if f.calls <= f.fail {
		return nil, errors.New("gateway timeout")
	}
	return f.candles, nil
}

func TestWallex_FetchCandles(t *testing.T) {
	fake := &fakeWallex{
		fail: 1,
		candles: []*wallex.Candle{
			{Timestamp: t0.Add(30 * time.Second), Open: "100", High: "101", Low: "99", Close: "100.5", Volume: "2"},
			{Timestamp: t0.Add(time.Hour), Open: "bad", High: "101", Low: "99", Close: "100", Volume: "2"},
			{Timestamp: t0.Add(2 * time.Hour), Open: "100", High: "99", Low: "101", Close: "100", Volume: "2"},
			{Timestamp: t0.Add(5 * time.Hour), Open: "100", High: "101", Low: "99", Close: "100", Volume: "2"},
		},
	}
	w := newWallex(fake, testOptions(""))

	got, err := w.FetchCandles(context.Background(), "btc-usdt", "1h", t0, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(t0))
	assert.Equal(t, "wallex", got[0].Source)
	assert.Equal(t, 2, fake.calls)
	assert.Equal(t, "BTCUSDT", fake.gotSym)
	assert.Equal(t, "60", fake.gotRes)
}

func TestWallex_BreakerOpens(t *testing.T) {
	fake := &fakeWallex{fail: 100}
	w := newWallex(fake, testOptions(""))
	ctx := context.Background()

	// five consecutive failures trip the breaker partway through the second fetch
	_, err := w.FetchCandles(ctx, "BTC-USDT", "1h", t0, t0.Add(time.Hour))
	require.Error(t, err)
	_, err = w.FetchCandles(ctx, "BTC-USDT", "1h", t0, t0.Add(time.Hour))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, fake.calls)

	_, err = w.FetchCandles(ctx, "BTC-USDT", "1h", t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, fake.calls, "an open breaker must not reach the client")
}

func TestNew(t *testing.T) {
	src, err := New("Binance", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "binance", src.Name())

	src, err = New("wallex", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "wallex", src.Name())

	_, err = New("kraken", DefaultOptions())
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestBinance_TopSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		fmt.Fprint(w, `[
			{"symbol":"BTCUSDT","quoteVolume":"900000000.5"},
			{"symbol":"SOLUSDT","quoteVolume":"120000000.25"},
			{"symbol":"DOGEUSDT","quoteVolume":"340000000"},
			{"symbol":"SOLBTC","quoteVolume":"999999999999"},
			{"symbol":"XRPUSDT","quoteVolume":"not-a-number"},
			{"symbol":"ADAUSDT","quoteVolume":"5000"}
		]`)
	}))
	defer srv.Close()

	b, err := NewBinance(testOptions(srv.URL))
	require.NoError(t, err)

	got, err := b.TopSymbols(context.Background(), 2, DefaultExcludedBases)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOGE-USDT", "SOL-USDT"}, got)

	got, err = b.TopSymbols(context.Background(), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USDT", "DOGE-USDT", "SOL-USDT", "ADA-USDT"}, got)
}
