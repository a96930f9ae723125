package main

import (
	"context"
	"fmt"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/cache"
	"github.com/amirphl/simple-backtester/internal/config"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/rs/zerolog/log"
)

// openStorage uses Postgres when a DSN is configured and memory otherwise.
func openStorage(ctx context.Context, c *config.Config) (db.Storage, error) {
	if c.Database.DSN == "" {
		log.Info().Msg("openStorage | no database DSN, using in-memory storage")
		return db.NewMemory(), nil
	}
	pg, err := db.Open(ctx, c.Database.DSN, c.Database.Pool)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("openStorage | connected to Postgres")
	return pg, nil
}

// openCache returns nil when Redis is not configured or unreachable.
func openCache(ctx context.Context, c *config.Config) *cache.CandleCache {
	if c.Redis.Addr == "" {
		return nil
	}
	cc, err := cache.Connect(ctx, c.Redis)
	if err != nil {
		log.Warn().Err(err).Str("addr", c.Redis.Addr).Msg("openCache | redis unavailable, continuing without cache")
		return nil
	}
	return cc
}

func newSources(c *config.Config) (map[string]exchange.CandleSource, error) {
	binance, err := exchange.NewBinance(c.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to create binance source: %w", err)
	}
	return map[string]exchange.CandleSource{
		binance.Name(): binance,
		"wallex":       exchange.NewWallex(c.Exchange),
	}, nil
}

type deps struct {
	storage db.Storage
	cache   *cache.CandleCache
	sources map[string]exchange.CandleSource
}

func openDeps(ctx context.Context, c *config.Config) (*deps, error) {
	sources, err := newSources(c)
	if err != nil {
		return nil, err
	}
	storage, err := openStorage(ctx, c)
	if err != nil {
		return nil, err
	}
	return &deps{storage: storage, cache: openCache(ctx, c), sources: sources}, nil
}

func (d *deps) runner(reportDir string, telemetry backtest.Recorder, chunkBars int) *backtest.Runner {
	opts := backtest.RunnerOptions{
		Storage:   d.storage,
		Sources:   d.sources,
		ReportDir: reportDir,
		Telemetry: telemetry,
		ChunkBars: chunkBars,
	}
	// a nil *CandleCache must not become a non-nil interface
	if d.cache != nil {
		opts.Cache = d.cache
	}
	return backtest.NewRunner(opts)
}

func (d *deps) Close() {
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Close | failed to close cache")
		}
	}
	if err := d.storage.Close(); err != nil {
		log.Warn().Err(err).Msg("Close | failed to close storage")
	}
}
