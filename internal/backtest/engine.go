// Package backtest replays candles through a strategy against a simulated
// ledger and evaluates the result.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/indicator"
	"github.com/amirphl/simple-backtester/internal/risk"
	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoCandles     = errors.New("no candles")
	ErrInvalidConfig = errors.New("invalid backtest config")
)

// Config holds the execution assumptions of a run. Rates are fractions.
type Config struct {
	InitialCapital   float64 `yaml:"initial_capital" json:"initial_capital"`
	Commission       float64 `yaml:"commission" json:"commission"`
	Slippage         float64 `yaml:"slippage" json:"slippage"`
	AllowShort       bool    `yaml:"allow_short" json:"allow_short"`
	CloseAtEnd       bool    `yaml:"close_at_end" json:"close_at_end"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss" json:"max_daily_loss"` // currency, 0 disables
	VolatilityWindow int     `yaml:"volatility_window" json:"volatility_window"`
	RiskFreeRate     float64 `yaml:"risk_free_rate" json:"risk_free_rate"`
	PeriodsPerYear   float64 `yaml:"periods_per_year" json:"periods_per_year"` // 0 derives it from the timeframe
}

func DefaultConfig() Config {
	return Config{
		InitialCapital:   100000,
		Commission:       0.001,
		Slippage:         0.0005,
		CloseAtEnd:       true,
		VolatilityWindow: 20,
		RiskFreeRate:     riskmetrics.DefaultRiskFreeRate,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.InitialCapital <= 0 {
		errs = append(errs, fmt.Errorf("initial_capital must be positive, got %v", c.InitialCapital))
	}
	if c.Commission < 0 || c.Commission >= 1 {
		errs = append(errs, fmt.Errorf("commission must be in [0, 1), got %v", c.Commission))
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		errs = append(errs, fmt.Errorf("slippage must be in [0, 1), got %v", c.Slippage))
	}
	if c.MaxDailyLoss < 0 {
		errs = append(errs, fmt.Errorf("max_daily_loss must be >= 0, got %v", c.MaxDailyLoss))
	}
	if c.VolatilityWindow < 2 {
		errs = append(errs, fmt.Errorf("volatility_window must be >= 2, got %d", c.VolatilityWindow))
	}
	if c.PeriodsPerYear < 0 {
		errs = append(errs, fmt.Errorf("periods_per_year must be >= 0, got %v", c.PeriodsPerYear))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) metricsOptions(timeframe string) riskmetrics.Options {
	ppy := c.PeriodsPerYear
	if ppy <= 0 {
		ppy = tfutils.PeriodsPerYear(timeframe)
	}
	return riskmetrics.Options{RiskFreeRate: c.RiskFreeRate, PeriodsPerYear: ppy}
}

// Engine runs event-driven backtests. It holds no per-run state and may be
// shared, but the strategy passed to Run must not be.
type Engine struct {
	cfg  Config
	risk *risk.Manager
}

func NewEngine(cfg Config, rm *risk.Manager) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, fmt.Errorf("%w: risk manager is required", ErrInvalidConfig)
	}
	return &Engine{cfg: cfg, risk: rm}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// run is the mutable state of one Engine.Run call.
type run struct {
	e      *Engine
	ledger *Ledger
	res    *Result
	symbol string

	day      time.Time
	dailyPnL float64
	halted   bool
}

// Run replays candles bar by bar. On each bar it checks protective exits
// against the bar's range, asks the strategy for a signal, trades at the
// close, then marks to market and checks the drawdown limit.
func (e *Engine) Run(ctx context.Context, candles []candle.Candle, strat strategy.Strategy) (*Result, error) {
	if len(candles) == 0 {
		return nil, ErrNoCandles
	}
	if err := candle.ValidateAll(candles); err != nil {
		return nil, fmt.Errorf("Run | %w", err)
	}

	first, last := candles[0], candles[len(candles)-1]
	r := &run{
		e:      e,
		ledger: NewLedger(e.cfg.InitialCapital, e.cfg.Commission),
		symbol: first.Symbol,
		res: &Result{
			ID:             uuid.New().String(),
			Strategy:       strat.Name(),
			Symbol:         first.Symbol,
			Timeframe:      first.Timeframe,
			Mode:           ModeEvent,
			Start:          first.Timestamp,
			End:            last.Timestamp,
			InitialCapital: e.cfg.InitialCapital,
			EquityCurve:    make([]EquityPoint, 0, len(candles)),
			Signals:        make([]strategy.Signal, 0, len(candles)),
		},
	}

	closes := candle.Closes(candles)
	for i, c := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.newBar(c.Timestamp)

		exited := false
		if pos := r.ledger.Position(r.symbol); pos != nil {
			pos.track(c.High, c.Low)
			if reason, price := e.risk.CheckExit(pos.Levels, c.Open, c.High, c.Low, pos.Side); reason != risk.NoExit {
				if err := r.exit(c, price, reason); err != nil {
					return nil, err
				}
				exited = true
			} else {
				pos.Levels = e.risk.Update(pos.Levels, c.High, c.Low, pos.Side)
			}
		}

		sig := strategy.Evaluate(ctx, strat, candles[:i+1])
		r.res.Signals = append(r.res.Signals, sig)
		if !r.halted && !exited {
			if err := r.act(sig, c, closes[:i+1]); err != nil {
				return nil, err
			}
		}

		point := r.mark(c)
		r.res.EquityCurve = append(r.res.EquityCurve, point)

		if !r.halted && e.risk.CheckMarginCall(point.Equity, e.cfg.InitialCapital) {
			if r.ledger.Position(r.symbol) != nil {
				if err := r.exit(c, c.Close, risk.MarginCall); err != nil {
					return nil, err
				}
				r.res.EquityCurve[len(r.res.EquityCurve)-1] = r.mark(c)
			}
			at := c.Timestamp
			r.halted = true
			r.res.Halted, r.res.HaltedAt = true, &at
			log.Warn().Str("symbol", r.symbol).Time("at", at).Float64("equity", point.Equity).
				Msg("Run | max drawdown reached, trading halted")
		}
	}

	if e.cfg.CloseAtEnd && r.ledger.Position(r.symbol) != nil {
		if err := r.exit(last, last.Close, risk.EndOfTest); err != nil {
			return nil, err
		}
		r.res.EquityCurve[len(r.res.EquityCurve)-1] = r.mark(last)
	}

	r.res.StrategyMetrics = strat.PerformanceMetrics()
	finish(r.res, e.cfg.metricsOptions(first.Timeframe))
	return r.res, nil
}

// finish fills the derived fields of a result from its curve and trades.
func finish(res *Result, opts riskmetrics.Options) {
	if n := len(res.EquityCurve); n > 0 {
		res.FinalEquity = res.EquityCurve[n-1].Equity
	}
	if res.Returns == nil {
		res.Returns = riskmetrics.Returns(res.EquityValues())
	}
	metrics, err := riskmetrics.Compute(res.Returns, opts)
	if err != nil {
		metrics = riskmetrics.Undefined()
	}
	res.Metrics = metrics
	res.Stats = CalculateTradeStats(res.Trades)
}

func (r *run) newBar(t time.Time) {
	day := t.UTC().Truncate(24 * time.Hour)
	if !day.Equal(r.day) {
		r.day = day
		r.dailyPnL = 0
	}
}

func (r *run) canEnter() bool {
	limit := r.e.cfg.MaxDailyLoss
	return limit == 0 || r.dailyPnL > -limit
}

func (r *run) act(sig strategy.Signal, c candle.Candle, closes []float64) error {
	pos := r.ledger.Position(r.symbol)
	switch sig.Action {
	case strategy.Buy:
		if pos != nil && pos.Side == risk.Short {
			if err := r.exit(c, c.Close, risk.Signal); err != nil {
				return err
			}
			pos = nil
		}
		if pos == nil && r.canEnter() {
			r.enter(c, risk.Long, closes)
		}
	case strategy.Sell:
		if pos != nil && pos.Side == risk.Long {
			if err := r.exit(c, c.Close, risk.Signal); err != nil {
				return err
			}
			pos = nil
		}
		if pos == nil && r.e.cfg.AllowShort && r.canEnter() {
			r.enter(c, risk.Short, closes)
		}
	}
	return nil
}

// fillPrice applies slippage against the trader: buys fill higher, sells lower.
func (r *run) fillPrice(price float64, buy bool) float64 {
	if buy {
		return price * (1 + r.e.cfg.Slippage)
	}
	return price * (1 - r.e.cfg.Slippage)
}

func (r *run) enter(c candle.Candle, side risk.Side, closes []float64) {
	price := r.fillPrice(c.Close, side == risk.Long)
	equity := r.ledger.Equity(map[string]float64{r.symbol: c.Close})
	vol := indicator.Volatility(closes, r.e.cfg.VolatilityWindow)

	qty := r.e.risk.PositionSize(equity, price, vol)
	if qty <= 0 {
		r.res.Rejected++
		log.Debug().Str("symbol", r.symbol).Time("at", c.Timestamp).Msg("enter | position size is zero")
		return
	}

	fill, err := r.ledger.Open(r.symbol, side, qty, price, c.Timestamp)
	if err != nil {
		r.res.Rejected++
		log.Debug().Err(err).Str("symbol", r.symbol).Time("at", c.Timestamp).Msg("enter | order rejected")
		return
	}
	r.ledger.Position(r.symbol).Levels = r.e.risk.Open(price, side)
	r.res.Fills = append(r.res.Fills, fill)
}

func (r *run) exit(c candle.Candle, raw float64, reason risk.ExitReason) error {
	pos := r.ledger.Position(r.symbol)
	if pos == nil {
		return nil
	}
	price := r.fillPrice(raw, pos.Side == risk.Short)
	fill, trade, err := r.ledger.Close(r.symbol, price, c.Timestamp, reason)
	if err != nil {
		return fmt.Errorf("exit | %w", err)
	}
	r.dailyPnL += trade.PnL
	r.res.Fills = append(r.res.Fills, fill)
	r.res.Trades = append(r.res.Trades, trade)
	log.Debug().Str("symbol", r.symbol).Str("side", trade.Side).Str("reason", trade.Reason).
		Float64("pnl", trade.PnL).Msg("exit | position closed")
	return nil
}

func (r *run) mark(c candle.Candle) EquityPoint {
	marks := map[string]float64{r.symbol: c.Close}
	posValue := r.ledger.PositionValue(marks)
	return EquityPoint{
		Time:          c.Timestamp,
		Cash:          r.ledger.Cash(),
		PositionValue: posValue,
		Equity:        r.ledger.Cash() + posValue,
	}
}
