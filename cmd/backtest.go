package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a strategy over historical candles for one or more symbols",
	Example: `  backtester backtest -s BTC-USDT -t 1h --from 2024-01-01 --to 2024-06-01
  backtester backtest --csv data/btc_1h.csv -s BTC-USDT --mode vector
  backtester backtest --top 10 --short-window 10 --long-window 40 --report-dir reports`,
	RunE: runBacktestCmd,
}

func init() {
	addDataFlags(backtestCmd)
	f := backtestCmd.Flags()
	f.String("csv", "", "read candles from this CSV file instead of storage or an exchange")
	f.String("mode", backtest.ModeEvent, "event (bar by bar with risk management) or vector")
	f.String("report-dir", "", "write CSV and JSON reports to this directory")
	f.String("metrics-file", "", "write run metrics in Prometheus text format to this file")
	f.Float64("vector-cost", 0, "vector mode cost per unit of exposure change")
	f.Bool("heiken-ashi", false, "trade on Heiken Ashi bars")

	f.String("strategy", "ma-crossover", "strategy name")
	f.Int("short-window", 20, "short moving average window")
	f.Int("long-window", 50, "long moving average window")
	f.String("strategy-mode", "cross", "cross (trade on crossovers) or regime (hold the regime)")
	f.Float64("threshold", 0, "minimum relative MA gap to act on")
	f.Float64("min-price-change", 0, "minimum relative price change since the last signal")

	f.Float64("capital", 100000, "initial capital")
	f.Float64("commission", 0.001, "commission rate per fill")
	f.Float64("slippage", 0.0005, "slippage rate per fill")
	f.Bool("allow-short", false, "allow short positions")
	f.Float64("max-daily-loss", 0, "stop opening positions for the day after this loss (currency, 0 disables)")

	f.Float64("max-position-size", 0.1, "max fraction of equity per position")
	f.Float64("max-drawdown", 0.2, "drawdown that triggers a margin call")
	f.Float64("stop-loss", 0.02, "stop loss distance as a fraction of entry")
	f.Float64("take-profit", 0.04, "take profit distance as a fraction of entry")
	f.Float64("trailing-stop", 0.01, "trailing stop distance as a fraction of the best price")
	f.Float64("risk-per-trade", 0, "fraction of equity risked per trade (0 uses max-position-size)")
}

func applyBacktestFlags(cmd *cobra.Command) {
	applyDataFlags(cmd)
	overrideString(cmd, "csv", &cfg.Data.CSVPath)
	overrideString(cmd, "mode", &cfg.Backtest.Mode)
	overrideString(cmd, "report-dir", &cfg.Backtest.ReportDir)
	overrideFloat(cmd, "vector-cost", &cfg.Backtest.VectorCost)
	overrideBool(cmd, "heiken-ashi", &cfg.Backtest.HeikenAshi)

	overrideString(cmd, "strategy", &cfg.Strategy.Name)
	overrideInt(cmd, "short-window", &cfg.Strategy.ShortWindow)
	overrideInt(cmd, "long-window", &cfg.Strategy.LongWindow)
	overrideString(cmd, "strategy-mode", &cfg.Strategy.Mode)
	overrideFloat(cmd, "threshold", &cfg.Strategy.Threshold)
	overrideFloat(cmd, "min-price-change", &cfg.Strategy.MinPriceChange)

	e := &cfg.Backtest.Engine
	overrideFloat(cmd, "capital", &e.InitialCapital)
	overrideFloat(cmd, "commission", &e.Commission)
	overrideFloat(cmd, "slippage", &e.Slippage)
	overrideBool(cmd, "allow-short", &e.AllowShort)
	overrideFloat(cmd, "max-daily-loss", &e.MaxDailyLoss)

	r := &cfg.Risk
	overrideFloat(cmd, "max-position-size", &r.MaxPositionSize)
	overrideFloat(cmd, "max-drawdown", &r.MaxDrawdown)
	overrideFloat(cmd, "stop-loss", &r.StopLossPct)
	overrideFloat(cmd, "take-profit", &r.TakeProfitPct)
	overrideFloat(cmd, "trailing-stop", &r.TrailingStopPct)
	overrideFloat(cmd, "risk-per-trade", &r.RiskPerTrade)
}

type topSymbolSource interface {
	TopSymbols(ctx context.Context, n int, excluded []string) ([]string, error)
}

// resolveSymbols returns the configured symbols, or the most traded USDT
// pairs when a top count is set.
func resolveSymbols(ctx context.Context, d *deps) ([]string, error) {
	n := cfg.Backtest.TopSymbols
	if n <= 0 {
		return cfg.Backtest.Symbols, nil
	}
	src, ok := d.sources["binance"].(topSymbolSource)
	if !ok {
		return nil, errors.New("top symbols need the binance source")
	}
	symbols, err := src.TopSymbols(ctx, n, exchange.DefaultExcludedBases)
	if err != nil {
		return nil, fmt.Errorf("failed to rank symbols: %w", err)
	}
	log.Info().Strs("symbols", symbols).Msg("resolveSymbols | using top symbols by volume")
	return symbols, nil
}

func runBacktestCmd(cmd *cobra.Command, args []string) error {
	applyBacktestFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	symbols, err := resolveSymbols(ctx, d)
	if err != nil {
		return err
	}
	reqs, err := cfg.Requests(symbols)
	if err != nil {
		return err
	}

	metrics := telemetry.New()
	runner := d.runner(cfg.Backtest.ReportDir, metrics, cfg.Data.ChunkBars)

	log.Info().
		Int("symbols", len(reqs)).
		Str("timeframe", cfg.Backtest.Timeframe).
		Str("mode", cfg.Backtest.Mode).
		Str("strategy", cfg.Strategy.Name).
		Msg("runBacktestCmd | starting backtests")

	results, runErr := runner.RunMany(ctx, reqs, cfg.Backtest.Concurrency)

	if len(reqs) > 1 {
		summary := backtest.Summarize(results)
		backtest.LogMultiSummary(summary)
		if cfg.Backtest.ReportDir != "" {
			if err := writeSummary(filepath.Join(cfg.Backtest.ReportDir, "multi_symbol_summary.json"), summary); err != nil {
				log.Warn().Err(err).Msg("runBacktestCmd | failed to write summary")
			}
		}
	}

	if path, _ := cmd.Flags().GetString("metrics-file"); path != "" {
		if err := prometheus.WriteToTextfile(path, metrics.Registry()); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("runBacktestCmd | failed to write metrics")
		}
	}

	for _, res := range results {
		if res != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tfinal_equity=%.2f\ttotal_return=%.4f\ttrades=%d\n",
				res.ID, res.Symbol, res.FinalEquity, float64(res.Metrics.TotalReturn), res.Stats.Trades)
		}
	}
	return runErr
}

func writeSummary(path string, summary backtest.MultiSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
