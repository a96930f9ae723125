package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Fetch candles from an exchange into storage and the cache",
	Example: `  backtester download -s BTC-USDT,ETH-USDT -t 1h --from 2024-01-01 --to 2024-06-01
  backtester download --top 20 -t 4h --out data/
  backtester download -s BTC-USDT --prune-before 2023-01-01`,
	RunE: runDownloadCmd,
}

func init() {
	addDataFlags(downloadCmd)
	f := downloadCmd.Flags()
	f.String("out", "", "also write one CSV per symbol into this directory")
	f.Bool("refresh", false, "drop cached candles for the symbols before loading")
	f.String("prune-before", "", "delete stored candles older than this date (2006-01-02) after downloading")
}

func runDownloadCmd(cmd *cobra.Command, args []string) error {
	applyDataFlags(cmd)
	cfg.Backtest.BaseTimeframe = ""
	cfg.Data.CSVPath = ""
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	outDir, _ := cmd.Flags().GetString("out")
	refresh, _ := cmd.Flags().GetBool("refresh")
	pruneBefore, _ := cmd.Flags().GetString("prune-before")

	var prune time.Time
	if pruneBefore != "" {
		var err error
		if prune, err = time.Parse(config.DateLayout, pruneBefore); err != nil {
			return fmt.Errorf("invalid --prune-before: %w", err)
		}
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
	runner := d.runner("", nil, cfg.Data.ChunkBars)

	errs := make([]error, len(reqs))
	semaphore := make(chan struct{}, cfg.Backtest.Concurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if refresh && d.cache != nil {
				if err := d.cache.Invalidate(ctx, req.SourceName(), req.Symbol, req.Timeframe); err != nil {
					log.Warn().Err(err).Str("symbol", req.Symbol).Msg("runDownloadCmd | cache invalidation failed")
				}
			}

			candles, err := runner.LoadCandles(ctx, req)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", req.Symbol, err)
				return
			}
			log.Info().Str("symbol", req.Symbol).Int("candles", len(candles)).Msg("runDownloadCmd | candles ready")

			if outDir != "" {
				name := fmt.Sprintf("%s_%s.csv", strings.ToLower(strings.ReplaceAll(req.Symbol, "/", "-")), req.Timeframe)
				if err := writeCandlesCSV(filepath.Join(outDir, name), candles); err != nil {
					errs[i] = fmt.Errorf("%s: %w", req.Symbol, err)
					return
				}
			}

			if !prune.IsZero() {
				if err := d.storage.DeleteCandles(ctx, req.Symbol, req.Timeframe, prune); err != nil {
					errs[i] = fmt.Errorf("%s: pruning: %w", req.Symbol, err)
				}
			}
		}(i)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func writeCandlesCSV(path string, candles []candle.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := candle.WriteCSV(f, candles); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
