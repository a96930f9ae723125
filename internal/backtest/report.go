package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Decimal places used in the CSV reports.
const (
	pricePlaces  = 8
	moneyPlaces  = 4
	returnPlaces = 6
)

// createFile opens report files; tests replace it.
var createFile = func(name string) (io.WriteCloser, error) { return os.Create(name) }

// CandleWithSignal is one row of the chart export.
type CandleWithSignal struct {
	Candle     candle.Candle                  `json:"candle"`
	Signal     strategy.Signal                `json:"signal"`
	Indicators map[string]riskmetrics.Float64 `json:"indicators,omitempty"`
	Equity     float64                        `json:"equity"`
	Fills      []Fill                         `json:"fills,omitempty"`
}

// ChartData aligns candles with the run's signals, equity, fills and the
// optional indicator series.
func ChartData(res *Result, candles []candle.Candle, indicators map[string][]float64) []CandleWithSignal {
	fillsAt := make(map[time.Time][]Fill)
	for _, f := range res.Fills {
		fillsAt[f.Time] = append(fillsAt[f.Time], f)
	}

	rows := make([]CandleWithSignal, len(candles))
	for i, c := range candles {
		row := CandleWithSignal{Candle: c, Fills: fillsAt[c.Timestamp]}
		if i < len(res.Signals) {
			row.Signal = res.Signals[i]
		}
		if i < len(res.EquityCurve) {
			row.Equity = res.EquityCurve[i].Equity
		}
		if len(indicators) > 0 {
			row.Indicators = make(map[string]riskmetrics.Float64, len(indicators))
			for name, series := range indicators {
				if i < len(series) {
					row.Indicators[name] = riskmetrics.Float64(series[i])
				}
			}
		}
		rows[i] = row
	}
	return rows
}

// WriteReports writes <id>_trades.csv, <id>_equity.csv, <id>_result.json and,
// when candles are given, <id>_chart.json into dir. It returns the written paths.
func WriteReports(dir string, res *Result, candles []candle.Candle, indicators map[string][]float64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("WriteReports | %w", err)
	}
	path := func(suffix string) string { return filepath.Join(dir, res.ID+"_"+suffix) }

	tradeRows := [][]string{{"trade", "side", "entry_time", "entry_price", "exit_time", "exit_price",
		"quantity", "pnl", "return_pct", "commission", "reason", "mae", "mfe"}}
	for i, t := range res.Trades {
		tradeRows = append(tradeRows, []string{
			strconv.Itoa(i + 1),
			t.Side,
			t.EntryTime.UTC().Format(time.RFC3339),
			formatFloat(t.EntryPrice, pricePlaces),
			t.ExitTime.UTC().Format(time.RFC3339),
			formatFloat(t.ExitPrice, pricePlaces),
			formatFloat(t.Quantity, pricePlaces),
			formatFloat(t.PnL, moneyPlaces),
			formatFloat(t.ReturnPct, returnPlaces),
			formatFloat(t.Commission, moneyPlaces),
			t.Reason,
			formatFloat(t.MAE, pricePlaces),
			formatFloat(t.MFE, pricePlaces),
		})
	}

	equityRows := [][]string{{"time", "cash", "position_value", "equity"}}
	for _, p := range res.EquityCurve {
		equityRows = append(equityRows, []string{
			p.Time.UTC().Format(time.RFC3339),
			formatFloat(p.Cash, moneyPlaces),
			formatFloat(p.PositionValue, moneyPlaces),
			formatFloat(p.Equity, moneyPlaces),
		})
	}

	var written []string
	if err := saveCSV(path("trades.csv"), tradeRows); err != nil {
		return written, err
	}
	written = append(written, path("trades.csv"))
	if err := saveCSV(path("equity.csv"), equityRows); err != nil {
		return written, err
	}
	written = append(written, path("equity.csv"))
	if err := saveJSON(path("result.json"), res); err != nil {
		return written, err
	}
	written = append(written, path("result.json"))

	if len(candles) > 0 {
		if err := saveJSON(path("chart.json"), ChartData(res, candles, indicators)); err != nil {
			return written, err
		}
		written = append(written, path("chart.json"))
	}

	log.Info().Str("id", res.ID).Strs("files", written).Msg("WriteReports | saved backtest reports")
	return written, nil
}

// formatFloat rounds v to places and drops trailing
// zeros. NaN and infinities are written as empty cells.
func formatFloat(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).Round(places).String()
}

func saveCSV(filename string, rows [][]string) (err error) {
	f, err := createFile(filename)
	if err != nil {
		return fmt.Errorf("saveCSV | creating %s: %w", filename, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("saveCSV | closing %s: %w", filename, cerr)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("saveCSV | writing %s: %w", filename, err)
	}
	return nil
}

func saveJSON(filename string, v any) (err error) {
	f, err := createFile(filename)
	if err != nil {
		return fmt.Errorf("saveJSON | creating %s: %w", filename, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("saveJSON | closing %s: %w", filename, cerr)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("saveJSON | encoding %s: %w", filename, err)
	}
	return nil
}

// LogSummary prints the headline numbers and the last trades of a run.
func LogSummary(res *Result) {
	m, s := res.Metrics, res.Stats
	log.Info().
		Str("id", res.ID).
		Str("strategy", res.Strategy).
		Str("symbol", res.Symbol).
		Str("mode", res.Mode).
		Float64("initial_capital", res.InitialCapital).
		Float64("final_equity", res.FinalEquity).
		Float64("total_return", float64(m.TotalReturn)).
		Float64("annual_return", float64(m.AnnualReturn)).
		Float64("sharpe", float64(m.Sharpe)).
		Float64("sortino", float64(m.Sortino)).
		Float64("max_drawdown", float64(m.MaxDrawdown)).
		Bool("halted", res.Halted).
		Int("rejected", res.Rejected).
		Msg("LogSummary | backtest finished")

	log.Info().
		Int("trades", s.Trades).
		Int("long", s.LongTrades).
		Int("short", s.ShortTrades).
		Int("wins", s.Wins).
		Int("losses", s.Losses).
		Float64("win_rate", float64(s.WinRate)).
		Float64("avg_win", float64(s.AvgWin)).
		Float64("avg_loss", float64(s.AvgLoss)).
		Float64("profit_factor", float64(s.ProfitFactor)).
		Float64("expectancy", float64(s.Expectancy)).
		Int("max_consec_wins", s.MaxConsecWins).
		Int("max_consec_losses", s.MaxConsecLosses).
		Float64("avg_mae", float64(s.AvgMAE)).
		Float64("avg_mfe", float64(s.AvgMFE)).
		Msg("LogSummary | trade statistics")

	reasons := make([]string, 0, len(s.ExitReasons))
	for k := range s.ExitReasons {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	for _, k := range reasons {
		log.Info().Str("reason", k).Int("count", s.ExitReasons[k]).Msg("LogSummary | exits")
	}

	const maxTrades = 10
	from := max(0, len(res.Trades)-maxTrades)
	for i, t := range res.Trades[from:] {
		log.Info().
			Int("trade", from+i+1).
			Str("side", t.Side).
			Float64("entry", t.EntryPrice).
			Time("entry_time", t.EntryTime).
			Float64("exit", t.ExitPrice).
			Time("exit_time", t.ExitTime).
			Float64("pnl", t.PnL).
			Str("reason", t.Reason).
			Msg("LogSummary | trade")
	}
}
