package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/cache"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/risk"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/rs/zerolog/log"
)

var ErrNoSource = errors.New("no candle source configured")

const DefaultSource = "binance"

// Cache is the candle cache the runner reads through.
type Cache interface {
	Get(ctx context.Context, source, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error)
	Set(ctx context.Context, source, symbol, timeframe string, from, to time.Time, candles []candle.Candle) error
}

// Recorder receives run and data-loading events.
type Recorder interface {
	ObserveRun(mode, strategy string, elapsed time.Duration, err error)
	ObserveResult(res *Result)
	ObserveFetch(source string, candles int, err error)
	ObserveCache(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(string, string, time.Duration, error) {}
func (nopRecorder) ObserveResult(*Result)                           {}
func (nopRecorder) ObserveFetch(string, int, error)                 {}
func (nopRecorder) ObserveCache(bool)                               {}

// Request describes one backtest.
type Request struct {
	Symbol    string
	Timeframe string
	// BaseTimeframe, when set, loads candles at this smaller timeframe and
	// aggregates them up to Timeframe.
	BaseTimeframe string
	From          time.Time
	To            time.Time
	CSVPath       string
	Source        string
	Mode          string
	Strategy      strategy.Config
	Risk          risk.Params
	Engine        Config
	// VectorCost is the per-unit exposure change cost of vector mode.
	VectorCost float64
	// HeikenAshi runs the strategy and the engine on Heiken Ashi bars.
	HeikenAshi bool
}

// SourceName is the candle source the request downloads from, binance by default.
func (r Request) SourceName() string {
	if r.Source == "" {
		return DefaultSource
	}
	return strings.ToLower(r.Source)
}

func (r Request) loadTimeframe() string {
	if r.BaseTimeframe != "" {
		return r.BaseTimeframe
	}
	return r.Timeframe
}

func (r Request) validate() error {
	var errs []error
	if strings.TrimSpace(r.Symbol) == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if !tfutils.IsValidTimeframe(r.Timeframe) {
		errs = append(errs, fmt.Errorf("%w: %q", tfutils.ErrUnsupportedTimeframe, r.Timeframe))
	}
	if r.BaseTimeframe != "" && tfutils.GetTimeframeDuration(r.BaseTimeframe) >= tfutils.GetTimeframeDuration(r.Timeframe) {
		errs = append(errs, fmt.Errorf("base timeframe %q must be smaller than %q", r.BaseTimeframe, r.Timeframe))
	}
	if r.CSVPath == "" && !r.From.Before(r.To) {
		errs = append(errs, fmt.Errorf("from (%s) must be before to (%s)", r.From.Format(time.DateOnly), r.To.Format(time.DateOnly)))
	}
	switch r.Mode {
	case "", ModeEvent, ModeVector:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", r.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

type RunnerOptions struct {
	Storage   db.Storage
	Cache     Cache
	Sources   map[string]exchange.CandleSource
	ReportDir string
	Telemetry Recorder
	// ChunkBars is the number of bars requested from a source per call.
	ChunkBars int
}

// Runner loads data for a Request, runs it and stores the outcome. Every
// dependency is optional except a way to obtain candles.
type Runner struct {
	storage   db.Storage
	cache     Cache
	sources   map[string]exchange.CandleSource
	reportDir string
	telemetry Recorder
	chunkBars int
}

func NewRunner(opts RunnerOptions) *Runner {
	r := &Runner{
		storage:   opts.Storage,
		cache:     opts.Cache,
		sources:   opts.Sources,
		reportDir: opts.ReportDir,
		telemetry: opts.Telemetry,
		chunkBars: opts.ChunkBars,
	}
	if r.telemetry == nil {
		r.telemetry = nopRecorder{}
	}
	if r.chunkBars <= 0 {
		r.chunkBars = 5000
	}
	return r
}

// LoadCandles returns processed candles for the request, trying the CSV
// file, the cache, storage and finally the exchange source.
func (r *Runner) LoadCandles(ctx context.Context, req Request) ([]candle.Candle, error) {
	tf := req.loadTimeframe()

	candles, err := r.loadRaw(ctx, req, tf)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w for %s %s", ErrNoCandles, req.Symbol, tf)
	}

	if tf != req.Timeframe {
		agg, err := candle.Aggregate(candles, req.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("LoadCandles | aggregating %s to %s: %w", tf, req.Timeframe, err)
		}
		log.Info().Str("symbol", req.Symbol).Int("from_candles", len(candles)).Int("to_candles", len(agg)).
			Str("timeframe", req.Timeframe).Msg("LoadCandles | aggregated")
		candles = agg
	}
	if req.HeikenAshi {
		candles = candle.HeikenAshi(candles)
	}
	return candles, nil
}

func (r *Runner) loadRaw(ctx context.Context, req Request, tf string) ([]candle.Candle, error) {
	if req.CSVPath != "" {
		candles, err := candle.LoadCSVFile(req.CSVPath, req.Symbol, tf)
		if err != nil {
			return nil, fmt.Errorf("LoadCandles | %w", err)
		}
		from, to := req.From, req.To
		if from.IsZero() && len(candles) > 0 {
			from = candles[0].Timestamp
		}
		if to.IsZero() && len(candles) > 0 {
			to = candles[len(candles)-1].Timestamp.Add(tfutils.GetTimeframeDuration(tf))
		}
		log.Info().Str("path", req.CSVPath).Int("candles", len(candles)).Msg("LoadCandles | loaded csv")
		return candle.Process(candles, req.Symbol, tf, from, to), nil
	}

	if r.cache != nil {
		cached, err := r.cache.Get(ctx, req.SourceName(), req.Symbol, tf, req.From, req.To)
		switch {
		case err == nil && len(cached) > 0:
			r.telemetry.ObserveCache(true)
			log.Debug().Str("symbol", req.Symbol).Int("candles", len(cached)).Msg("LoadCandles | cache hit")
			return cached, nil
		case err == nil, errors.Is(err, cache.ErrCacheMiss):
			r.telemetry.ObserveCache(false)
		default:
			r.telemetry.ObserveCache(false)
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("LoadCandles | cache unavailable")
		}
	}

	if r.storage != nil {
		stored, err := r.storage.GetCandles(ctx, req.Symbol, tf, req.Source, req.From, req.To)
		if err != nil {
			return nil, fmt.Errorf("LoadCandles | reading storage: %w", err)
		}
		if covers(stored, req.From, req.To, tf) {
			candles := candle.Process(stored, req.Symbol, tf, req.From, req.To)
			log.Info().Str("symbol", req.Symbol).Int("candles", len(candles)).Msg("LoadCandles | loaded from storage")
			r.fillCache(ctx, req, tf, candles)
			return candles, nil
		}
	}

	downloaded, err := r.download(ctx, req, tf)
	if err != nil {
		return nil, err
	}
	candles := candle.Process(downloaded, req.Symbol, tf, req.From, req.To)

	if r.storage != nil && len(candles) > 0 {
		if err := r.storage.SaveCandles(ctx, candles); err != nil {
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("LoadCandles | saving candles failed")
		}
	}
	r.fillCache(ctx, req, tf, candles)
	return candles, nil
}

// download fetches [From, To) from the request's source in chunks.
func (r *Runner) download(ctx context.Context, req Request, tf string) ([]candle.Candle, error) {
	name := req.SourceName()
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSource, name)
	}

	step := tfutils.GetTimeframeDuration(tf) * time.Duration(r.chunkBars)
	var all []candle.Candle
	for start := req.From; start.Before(req.To); start = start.Add(step) {
		end := start.Add(step)
		if end.After(req.To) {
			end = req.To
		}
		chunk, err := src.FetchCandles(ctx, req.Symbol, tf, start, end)
		r.telemetry.ObserveFetch(src.Name(), len(chunk), err)
		if err != nil {
			return nil, fmt.Errorf("LoadCandles | downloading %s from %s: %w", req.Symbol, src.Name(), err)
		}
		log.Debug().Str("symbol", req.Symbol).Time("start", start).Time("end", end).Int("candles", len(chunk)).
			Msg("LoadCandles | chunk downloaded")
		all = append(all, chunk...)
	}
	log.Info().Str("symbol", req.Symbol).Str("source", src.Name()).Int("candles", len(all)).Msg("LoadCandles | downloaded")
	return all, nil
}

func (r *Runner) fillCache(ctx context.Context, req Request, tf string, candles []candle.Candle) {
	if r.cache == nil || len(candles) == 0 {
		return
	}
	if err := r.cache.Set(ctx, req.SourceName(), req.Symbol, tf, req.From, req.To, candles); err != nil {
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("LoadCandles | caching candles failed")
	}
}

// covers reports whether stored spans the whole of [from, to).
func covers(stored []candle.Candle, from, to time.Time, tf string) bool {
	if len(stored) == 0 {
		return false
	}
	step := tfutils.GetTimeframeDuration(tf)
	first, last := stored[0].Timestamp, stored[len(stored)-1].Timestamp
	return !first.After(from.Truncate(step)) && !last.Add(step).Before(to.Truncate(step))
}

// Run executes one request end to end.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	res, err := r.run(ctx, req)
	r.telemetry.ObserveRun(modeOf(req), req.Strategy.Name, time.Since(started), err)
	if err != nil {
		return nil, err
	}
	r.telemetry.ObserveResult(res)
	return res, nil
}

func modeOf(req Request) string {
	if req.Mode == "" {
		return ModeEvent
	}
	return req.Mode
}

func (r *Runner) run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	candles, err := r.LoadCandles(ctx, req)
	if err != nil {
		return nil, err
	}

	strat, err := strategy.New(req.Strategy)
	if err != nil {
		return nil, err
	}

	var res *Result
	switch modeOf(req) {
	case ModeVector:
		res, err = RunVectorized(ctx, candles, strat, VectorOptions{
			InitialCapital: req.Engine.InitialCapital,
			Cost:           req.VectorCost,
			AllowShort:     req.Engine.AllowShort,
			RiskFreeRate:   req.Engine.RiskFreeRate,
			PeriodsPerYear: req.Engine.PeriodsPerYear,
		})
	default:
		var rm *risk.Manager
		if rm, err = risk.New(req.Risk); err != nil {
			return nil, err
		}
		var engine *Engine
		if engine, err = NewEngine(req.Engine, rm); err != nil {
			return nil, err
		}
		res, err = engine.Run(ctx, candles, strat)
	}
	if err != nil {
		return nil, err
	}

	if r.storage != nil {
		run, err := toRun(res, req)
		if err != nil {
			return nil, err
		}
		if err := r.storage.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("Run | saving run %s: %w", res.ID, err)
		}
	}

	if r.reportDir != "" {
		var indicators map[string][]float64
		if ind, ok := strat.(strategy.Indicator); ok {
			if indicators, err = ind.Indicators(candles); err != nil {
				log.Warn().Err(err).Msg("Run | computing chart indicators failed")
			}
		}
		if _, err := WriteReports(r.reportDir, res, candles, indicators); err != nil {
			return nil, err
		}
	}

	LogSummary(res)
	return res, nil
}

type runParams struct {
	Strategy   strategy.Config `json:"strategy"`
	Risk       risk.Params     `json:"risk"`
	Engine     Config          `json:"engine"`
	VectorCost float64         `json:"vector_cost,omitempty"`
	Source     string          `json:"source,omitempty"`
	CSVPath    string          `json:"csv_path,omitempty"`
	HeikenAshi bool            `json:"heiken_ashi,omitempty"`
}

// toRun converts a result to its stored form.
func toRun(res *Result, req Request) (db.Run, error) {
	params, err := json.Marshal(runParams{
		Strategy:   req.Strategy,
		Risk:       req.Risk,
		Engine:     req.Engine,
		VectorCost: req.VectorCost,
		Source:     req.Source,
		CSVPath:    req.CSVPath,
		HeikenAshi: req.HeikenAshi,
	})
	if err != nil {
		return db.Run{}, fmt.Errorf("encoding params: %w", err)
	}
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return db.Run{}, fmt.Errorf("encoding metrics: %w", err)
	}
	stats, err := json.Marshal(res.Stats)
	if err != nil {
		return db.Run{}, fmt.Errorf("encoding stats: %w", err)
	}

	run := db.Run{
		ID:             res.ID,
		Strategy:       res.Strategy,
		Symbol:         res.Symbol,
		Timeframe:      res.Timeframe,
		Mode:           res.Mode,
		StartTime:      res.Start,
		EndTime:        res.End,
		InitialCapital: res.InitialCapital,
		FinalEquity:    res.FinalEquity,
		Halted:         res.Halted,
		Params:         params,
		Metrics:        metrics,
		Stats:          stats,
		CreatedAt:      time.Now().UTC(),
		Trades:         make([]db.TradeRecord, len(res.Trades)),
		Equity:         make([]db.EquityRecord, len(res.EquityCurve)),
	}
	for i, t := range res.Trades {
		run.Trades[i] = db.TradeRecord{
			Symbol:     t.Symbol,
			Side:       t.Side,
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Quantity:   t.Quantity,
			PnL:        t.PnL,
			ReturnPct:  t.ReturnPct,
			Commission: t.Commission,
			Reason:     t.Reason,
			MAE:        t.MAE,
			MFE:        t.MFE,
		}
	}
	for i, p := range res.EquityCurve {
		run.Equity[i] = db.EquityRecord{
			Time:          p.Time,
			Cash:          p.Cash,
			PositionValue: p.PositionValue,
			Equity:        p.Equity,
		}
	}
	return run, nil
}

// RunMany runs the requests with at most concurrency in flight. Results keep
// the request order; a failed request leaves a nil entry and its error is
// joined into the returned error without stopping the others.
func (r *Runner) RunMany(ctx context.Context, reqs []Request, concurrency int) ([]*Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))
	semaphore := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				errs[i] = fmt.Errorf("%s: %w", req.Symbol, ctx.Err())
				return
			}

			res, err := r.Run(ctx, req)
			if err != nil {
				log.Error().Err(err).Str("symbol", req.Symbol).Msg("RunMany | backtest failed")
				errs[i] = fmt.Errorf("%s: %w", req.Symbol, err)
				return
			}
			results[i] = res
		}(i, req)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// MultiSummary aggregates the outcome of RunMany.
type MultiSummary struct {
	TotalSymbols      int     `json:"total_symbols"`
	SuccessfulRuns    int     `json:"successful_runs"`
	FailedRuns        int     `json:"failed_runs"`
	TotalTrades       int     `json:"total_trades"`
	TotalWins         int     `json:"total_wins"`
	TotalLosses       int     `json:"total_losses"`
	OverallWinRate    float64 `json:"overall_win_rate"`
	TotalPnL          float64 `json:"total_pnl"`
	AvgPnLPerSymbol   float64 `json:"avg_pnl_per_symbol"`
	MeanReturn        float64 `json:"mean_return"`
	AvgMaxDrawdown    float64 `json:"avg_max_drawdown"`
	AvgFinalEquity    float64 `json:"avg_final_equity"`
	ProfitableSymbols int     `json:"profitable_symbols_count"`
	ProfitableRatio   float64 `json:"profitable_symbols_ratio"`
	BestSymbol        string  `json:"best_symbol,omitempty"`
	WorstSymbol       string  `json:"worst_symbol,omitempty"`
}

// Summarize builds a MultiSummary from RunMany's results; nil entries count
// as failures.
func Summarize(results []*Result) MultiSummary {
	s := MultiSummary{TotalSymbols: len(results)}
	var ddSum, eqSum, retSum, bestRet, worstRet float64
	ddCount := 0
	for _, res := range results {
		if res == nil {
			s.FailedRuns++
			continue
		}
		s.SuccessfulRuns++
		s.TotalTrades += res.Stats.Trades
		s.TotalWins += res.Stats.Wins
		s.TotalLosses += res.Stats.Losses
		s.TotalPnL += res.Stats.TotalPnL
		eqSum += res.FinalEquity
		if dd := float64(res.Metrics.MaxDrawdown); !math.IsNaN(dd) {
			ddSum += dd
			ddCount++
		}

		ret := res.FinalEquity/res.InitialCapital - 1
		retSum += ret
		if res.FinalEquity > res.InitialCapital {
			s.ProfitableSymbols++
		}
		if s.BestSymbol == "" || ret > bestRet {
			s.BestSymbol, bestRet = res.Symbol, ret
		}
		if s.WorstSymbol == "" || ret < worstRet {
			s.WorstSymbol, worstRet = res.Symbol, ret
		}
	}
	if s.TotalTrades > 0 {
		s.OverallWinRate = float64(s.TotalWins) / float64(s.TotalTrades)
	}
	if n := float64(s.SuccessfulRuns); n > 0 {
		s.AvgPnLPerSymbol = s.TotalPnL / n
		s.MeanReturn = retSum / n
		s.AvgFinalEquity = eqSum / n
		s.ProfitableRatio = float64(s.ProfitableSymbols) / n
	}
	if ddCount > 0 {
		s.AvgMaxDrawdown = ddSum / float64(ddCount)
	}
	return s
}

// LogMultiSummary prints a MultiSummary.
func LogMultiSummary(s MultiSummary) {
	log.Info().
		Int("symbols", s.TotalSymbols).
		Int("successful", s.SuccessfulRuns).
		Int("failed", s.FailedRuns).
		Int("trades", s.TotalTrades).
		Float64("win_rate", s.OverallWinRate).
		Float64("total_pnl", s.TotalPnL).
		Float64("mean_return", s.MeanReturn).
		Float64("avg_max_drawdown", s.AvgMaxDrawdown).
		Float64("profitable_ratio", s.ProfitableRatio).
		Str("best", s.BestSymbol).
		Str("worst", s.WorstSymbol).
		Msg("RunMany | summary")
}
