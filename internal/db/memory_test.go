package db

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(symbol string, n int, source string) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      p, High: p + 1, Low: p - 1, Close: p, Volume: 10,
			Symbol: symbol, Timeframe: "1h", Source: source,
		}
	}
	return out
}

func TestMemoryStorage_Candles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveCandles(ctx, hourly("BTCUSDT", 5, "binance")))
	require.NoError(t, m.SaveCandles(ctx, hourly("ETHUSDT", 5, "binance")))

	got, err := m.GetCandles(ctx, "BTCUSDT", "1h", "", base.Add(time.Hour), base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3, "end is exclusive")
	assert.Equal(t, base.Add(time.Hour), got[0].Timestamp)
	assert.Equal(t, base.Add(3*time.Hour), got[2].Timestamp)

	none, err := m.GetCandles(ctx, "BTCUSDT", "1h", "wallex", base, base.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	// candle symbols match exactly, as the candles table's key does
	none, err = m.GetCandles(ctx, "btcusdt", "1h", "", base, base.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
	require.NoError(t, m.DeleteCandles(ctx, "btcusdt", "1h", base.Add(10*time.Hour)))

	// Upsert keeps one row per key
	updated := hourly("BTCUSDT", 1, "binance")
	updated[0].Close, updated[0].High = 100.5, 101
	require.NoError(t, m.SaveCandles(ctx, updated))
	got, err = m.GetCandles(ctx, "BTCUSDT", "1h", "binance", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100.5, got[0].Close)

	require.NoError(t, m.DeleteCandles(ctx, "BTCUSDT", "1h", base.Add(2*time.Hour)))
	got, err = m.GetCandles(ctx, "BTCUSDT", "1h", "", base, base.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMemoryStorage_SaveCandlesRejectsInvalid(t *testing.T) {
	m := NewMemory()
	bad := hourly("BTCUSDT", 2, "binance")
	bad[1].High = 0
	err := m.SaveCandles(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")

	got, err := m.GetCandles(context.Background(), "BTCUSDT", "1h", "", base, base.Add(time.Hour*3))
	require.NoError(t, err)
	assert.Empty(t, got, "nothing is saved when one candle is invalid")
}

func testRun(id, symbol string, created time.Time) Run {
	return Run{
		ID:             id,
		Strategy:       "ma-crossover(20,50,cross)",
		Symbol:         symbol,
		Timeframe:      "1h",
		Mode:           "event",
		StartTime:      base,
		EndTime:        base.Add(48 * time.Hour),
		InitialCapital: 100000,
		FinalEquity:    101000,
		Metrics:        []byte(`{"sharpe_ratio":1.2}`),
		CreatedAt:      created,
		Trades: []TradeRecord{
			{Symbol: symbol, Side: "long", EntryTime: base, ExitTime: base.Add(time.Hour), EntryPrice: 100, ExitPrice: 101, Quantity: 1, PnL: 1, Reason: "signal"},
		},
		Equity: []EquityRecord{
			{Time: base, Cash: 100000, Equity: 100000},
			{Time: base.Add(time.Hour), Cash: 100001, Equity: 100001},
		},
	}
}

func TestMemoryStorage_Runs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveRun(ctx, testRun("a", "BTCUSDT", base)))
	require.NoError(t, m.SaveRun(ctx, testRun("b", "ETHUSDT", base.Add(time.Minute))))
	require.NoError(t, m.SaveRun(ctx, testRun("c", "BTCUSDT", base.Add(2*time.Minute))))
	assert.ErrorIs(t, m.SaveRun(ctx, testRun("a", "BTCUSDT", base)), ErrDuplicateRun)

	run, err := m.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", run.Symbol)
	assert.Nil(t, run.Trades)

	_, err = m.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	runs, err := m.ListRuns(ctx, RunFilter{Symbol: "btcusdt"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID, "newest first")

	runs, err = m.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ID)

	runs, err = m.ListRuns(ctx, RunFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)

	trades, err := m.GetRunTrades(ctx, "a")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "a", trades[0].RunID)
	assert.Equal(t, 1, trades[0].Seq)

	equity, err := m.GetRunEquity(ctx, "a")
	require.NoError(t, err)
	require.Len(t, equity, 2)
	assert.Equal(t, 2, equity[1].Seq)

	require.NoError(t, m.DeleteRun(ctx, "a"))
	assert.ErrorIs(t, m.DeleteRun(ctx, "a"), ErrNotFound)
	_, err = m.GetRunTrades(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
