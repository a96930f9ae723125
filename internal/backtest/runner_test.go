package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/simple-backtester/internal/cache"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/risk"
	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wave returns n hourly candles following a sine wave around 100.
func wave(symbol string, n int) []candle.Candle {
	out := make([]candle.Candle, n)
	prev := 100.0
	for i := range out {
		c := 100 + 10*math.Sin(float64(i)/6)
		out[i] = candle.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      prev,
			High:      math.Max(prev, c) + 0.5,
			Low:       math.Min(prev, c) - 0.5,
			Close:     c,
			Volume:    10,
			Symbol:    symbol,
			Timeframe: "1h",
			Source:    "fake",
		}
		prev = c
	}
	return out
}

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	candles map[string][]candle.Candle
	err     error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchCandles(_ context.Context, symbol, _ string, start, end time.Time) ([]candle.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []candle.Candle
	for _, c := range f.candles[symbol] {
		if !c.Timestamp.Before(start) && c.Timestamp.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]candle.Candle
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]candle.Candle{}} }

func (m *mapCache) key(source, symbol, tf string, from, to time.Time) string {
	return source + "|" + symbol + tf + from.String() + to.String()
}

func (m *mapCache) Get(_ context.Context, source, symbol, tf string, from, to time.Time) ([]candle.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[m.key(source, symbol, tf, from, to)]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return c, nil
}

func (m *mapCache) Set(_ context.Context, source, symbol, tf string, from, to time.Time, candles []candle.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[m.key(source, symbol, tf, from, to)] = candles
	return nil
}

type countingRecorder struct {
	mu                    sync.Mutex
	runs, failed, results int
	fetches, hits, misses int
}

func (c *countingRecorder) ObserveRun(_, _ string, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	if err != nil {
		c.failed++
	}
}
func (c *countingRecorder) ObserveResult(*Result) { c.mu.Lock(); c.results++; c.mu.Unlock() }
func (c *countingRecorder) ObserveFetch(string, int, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()
}
func (c *countingRecorder) ObserveCache(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func request(symbol string) Request {
	return Request{
		Symbol:    symbol,
		Timeframe: "1h",
		From:      t0,
		To:        t0.Add(200 * time.Hour),
		Source:    "fake",
		Strategy: strategy.Config{
			Name:        strategy.MACrossoverName,
			ShortWindow: 3,
			LongWindow:  8,
			Mode:        strategy.ModeCross,
		},
		Risk:   risk.DefaultParams(),
		Engine: DefaultConfig(),
	}
}

func TestRunner_LoadCandlesReadsThrough(t *testing.T) {
	src := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": wave("BTCUSDT", 200)}}
	store := db.NewMemory()
	c := newMapCache()
	rec := &countingRecorder{}
	r := NewRunner(RunnerOptions{
		Storage:   store,
		Cache:     c,
		Sources:   map[string]exchange.CandleSource{"fake": src},
		Telemetry: rec,
		ChunkBars: 64,
	})
	ctx := context.Background()
	req := request("BTCUSDT")

	got, err := r.LoadCandles(ctx, req)
	require.NoError(t, err)
	assert.Len(t, got, 200)
	assert.Equal(t, 4, src.calls, "200 bars in chunks of 64")
	assert.Equal(t, 1, c.sets)
	assert.Equal(t, 1, rec.misses)

	stored, err := store.GetCandles(ctx, "BTCUSDT", "1h", "", req.From, req.To)
	require.NoError(t, err)
	assert.Len(t, stored, 200)

	got, err = r.LoadCandles(ctx, req)
	require.NoError(t, err)
	assert.Len(t, got, 200)
	assert.Equal(t, 4, src.calls)
	assert.Equal(t, 1, rec.hits)
}

func TestRunner_CacheIsPerSource(t *testing.T) {
	a := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": wave("BTCUSDT", 200)}}
	b := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": wave("BTCUSDT", 200)}}
	c := newMapCache()
	r := NewRunner(RunnerOptions{
		Cache:     c,
		Sources:   map[string]exchange.CandleSource{"fake": a, "other": b},
		ChunkBars: 1000,
	})
	ctx := context.Background()

	req := request("BTCUSDT")
	_, err := r.LoadCandles(ctx, req)
	require.NoError(t, err)

	req.Source = "other"
	_, err = r.LoadCandles(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls, "a cached range from one source must not serve another")
	assert.Equal(t, 2, c.sets)

	_, err = r.LoadCandles(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, b.calls)
}

func TestRequest_SourceName(t *testing.T) {
	assert.Equal(t, "binance", Request{}.SourceName())
	assert.Equal(t, "wallex", Request{Source: "Wallex"}.SourceName())
}

func TestRunner_LoadCandlesFromStorage(t *testing.T) {
	store := db.NewMemory()
	require.NoError(t, store.SaveCandles(context.Background(), wave("ETHUSDT", 200)))
	src := &fakeSource{err: errors.New("must not be called")}

	r := NewRunner(RunnerOptions{Storage: store, Sources: map[string]exchange.CandleSource{"fake": src}})
	got, err := r.LoadCandles(context.Background(), request("ETHUSDT"))
	require.NoError(t, err)
	assert.Len(t, got, 200)
	assert.Zero(t, src.calls)
}

func TestRunner_LoadCandlesAggregates(t *testing.T) {
	src := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": wave("BTCUSDT", 200)}}
	r := NewRunner(RunnerOptions{Sources: map[string]exchange.CandleSource{"fake": src}})

	req := request("BTCUSDT")
	req.Timeframe, req.BaseTimeframe = "4h", "1h"
	got, err := r.LoadCandles(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, got, 50)
	assert.Equal(t, "4h", got[0].Timeframe)
	assert.True(t, got[1].Timestamp.Equal(t0.Add(4*time.Hour)))
}

func TestRunner_LoadCandlesHeikenAshi(t *testing.T) {
	raw := wave("BTCUSDT", 20)
	src := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": raw}}
	r := NewRunner(RunnerOptions{Sources: map[string]exchange.CandleSource{"fake": src}})

	req := request("BTCUSDT")
	req.To = t0.Add(20 * time.Hour)
	req.HeikenAshi = true
	got, err := r.LoadCandles(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, got, 20)
	assert.Equal(t, candle.SourceHeikenAshi, got[0].Source)
	assert.InDelta(t, (raw[0].Open+raw[0].High+raw[0].Low+raw[0].Close)/4, got[0].Close, 1e-9)
}

func TestRunner_LoadCandlesFromCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btc.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, candle.WriteCSV(f, wave("BTCUSDT", 50)))
	require.NoError(t, f.Close())

	r := NewRunner(RunnerOptions{})
	req := request("BTCUSDT")
	req.CSVPath, req.From, req.To = path, time.Time{}, time.Time{}

	got, err := r.LoadCandles(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestRunner_MissingSource(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	_, err := r.LoadCandles(context.Background(), request("BTCUSDT"))
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestRunner_RunPersistsAndReports(t *testing.T) {
	src := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": wave("BTCUSDT", 200)}}
	store := db.NewMemory()
	dir := t.TempDir()
	rec := &countingRecorder{}
	r := NewRunner(RunnerOptions{
		Storage:   store,
		Sources:   map[string]exchange.CandleSource{"fake": src},
		ReportDir: dir,
		Telemetry: rec,
	})
	ctx := context.Background()

	res, err := r.Run(ctx, request("BTCUSDT"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Trades)
	assert.Len(t, res.EquityCurve, 200)

	run, err := store.GetRun(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", run.Symbol)
	assert.Equal(t, ModeEvent, run.Mode)
	assert.InDelta(t, res.FinalEquity, run.FinalEquity, 1e-9)

	var params runParams
	require.NoError(t, json.Unmarshal(run.Params, &params))
	assert.Equal(t, 8, params.Strategy.LongWindow)

	trades, err := store.GetRunTrades(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, trades, len(res.Trades))
	equity, err := store.GetRunEquity(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, equity, 200)

	for _, suffix := range []string{"trades.csv", "equity.csv", "result.json", "chart.json"} {
		assert.FileExists(t, filepath.Join(dir, res.ID+"_"+suffix))
	}

	raw, err := os.ReadFile(filepath.Join(dir, res.ID+"_chart.json"))
	require.NoError(t, err)
	var chart []map[string]any
	require.NoError(t, json.Unmarshal(raw, &chart))
	assert.Len(t, chart, 200)

	assert.Equal(t, 1, rec.runs)
	assert.Equal(t, 1, rec.results)
}

func TestRunner_RunVectorMode(t *testing.T) {
	src := &fakeSource{candles: map[string][]candle.Candle{"BTCUSDT": wave("BTCUSDT", 200)}}
	r := NewRunner(RunnerOptions{Sources: map[string]exchange.CandleSource{"fake": src}})

	req := request("BTCUSDT")
	req.Mode = ModeVector
	res, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeVector, res.Mode)
	assert.Len(t, res.Returns, 199)
}

func TestRunner_RunRejectsBadRequests(t *testing.T) {
	r := NewRunner(RunnerOptions{})
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing symbol", func(r *Request) { r.Symbol = "" }},
		{"bad timeframe", func(r *Request) { r.Timeframe = "2h" }},
		{"inverted range", func(r *Request) { r.From, r.To = r.To, r.From }},
		{"unknown mode", func(r *Request) { r.Mode = "tick" }},
		{"base not smaller", func(r *Request) { r.BaseTimeframe = "4h" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("BTCUSDT")
			tt.mutate(&req)
			_, err := r.Run(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRunner_RunMany(t *testing.T) {
	src := &fakeSource{candles: map[string][]candle.Candle{
		"BTCUSDT": wave("BTCUSDT", 200),
		"ETHUSDT": wave("ETHUSDT", 200),
	}}
	store := db.NewMemory()
	rec := &countingRecorder{}
	r := NewRunner(RunnerOptions{Storage: store, Sources: map[string]exchange.CandleSource{"fake": src}, Telemetry: rec})

	missing := request("DOGEUSDT")
	reqs := []Request{request("BTCUSDT"), missing, request("ETHUSDT")}

	results, err := r.RunMany(context.Background(), reqs, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOGEUSDT")
	assert.ErrorIs(t, err, ErrNoCandles)

	require.Len(t, results, 3)
	require.NotNil(t, results[0])
	assert.Nil(t, results[1])
	require.NotNil(t, results[2])
	assert.Equal(t, "BTCUSDT", results[0].Symbol)
	assert.Equal(t, "ETHUSDT", results[2].Symbol)

	runs, err := store.ListRuns(context.Background(), db.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, 3, rec.runs)
	assert.Equal(t, 1, rec.failed)

	s := Summarize(results)
	assert.Equal(t, 3, s.TotalSymbols)
	assert.Equal(t, 2, s.SuccessfulRuns)
	assert.Equal(t, 1, s.FailedRuns)
	assert.Equal(t, results[0].Stats.Trades+results[2].Stats.Trades, s.TotalTrades)
	assert.NotEmpty(t, s.BestSymbol)
	LogMultiSummary(s)
}

func TestSummarize(t *testing.T) {
	results := []*Result{
		{Symbol: "A", InitialCapital: 100, FinalEquity: 120, Stats: TradeStats{Trades: 2, Wins: 2, TotalPnL: 20}},
		{Symbol: "B", InitialCapital: 100, FinalEquity: 90, Stats: TradeStats{Trades: 2, Wins: 0, Losses: 2, TotalPnL: -10}},
		nil,
	}
	results[0].Metrics.MaxDrawdown = -0.1
	results[1].Metrics.MaxDrawdown = -0.3

	s := Summarize(results)
	assert.Equal(t, 2, s.SuccessfulRuns)
	assert.Equal(t, 1, s.FailedRuns)
	assert.Equal(t, 4, s.TotalTrades)
	assert.InDelta(t, 0.5, s.OverallWinRate, 1e-12)
	assert.InDelta(t, 10, s.TotalPnL, 1e-12)
	assert.InDelta(t, 5, s.AvgPnLPerSymbol, 1e-12)
	assert.InDelta(t, 0.05, s.MeanReturn, 1e-12)
	assert.InDelta(t, -0.2, s.AvgMaxDrawdown, 1e-12)
	assert.InDelta(t, 105, s.AvgFinalEquity, 1e-12)
	assert.Equal(t, 1, s.ProfitableSymbols)
	assert.InDelta(t, 0.5, s.ProfitableRatio, 1e-12)
	assert.Equal(t, "A", s.BestSymbol)
	assert.Equal(t, "B", s.WorstSymbol)
}

func TestToRun(t *testing.T) {
	res := &Result{
		ID: "run-1", Strategy: "s", Symbol: "BTCUSDT", Timeframe: "1h", Mode: ModeEvent,
		InitialCapital: 100, FinalEquity: 110,
		Trades:      []Trade{{Symbol: "BTCUSDT", Side: "long", PnL: 10, Reason: "signal"}},
		EquityCurve: []EquityPoint{{Time: t0, Equity: 100}, {Time: t0.Add(time.Hour), Equity: 110}},
		Metrics:     riskmetrics.Undefined(),
		Stats:       CalculateTradeStats(nil),
	}
	run, err := toRun(res, request("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	require.Len(t, run.Trades, 1)
	assert.Equal(t, "signal", run.Trades[0].Reason)
	require.Len(t, run.Equity, 2)
	assert.InDelta(t, 110, run.Equity[1].Equity, 1e-12)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(run.Stats, &stats))
	assert.Nil(t, stats["win_rate"], "NaN is stored as null")
}
