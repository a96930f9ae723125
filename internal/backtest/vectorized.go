package backtest

import (
	"context"
	"fmt"
	"math"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/risk"
	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/strategy"
	"github.com/google/uuid"
)

// VectorOptions configures RunVectorized. Cost is charged per unit of
// exposure change and is zero unless set.
type VectorOptions struct {
	InitialCapital float64
	Cost           float64
	AllowShort     bool
	RiskFreeRate   float64
	PeriodsPerYear float64
}

// RunVectorized evaluates the strategy as an exposure series: the exposure
// decided at the close of bar i-1 earns the return of bar i, and every change
// in exposure pays Cost on the changed amount. There is no sizing and no
// protective exit.
func RunVectorized(ctx context.Context, candles []candle.Candle, strat strategy.Strategy, opts VectorOptions) (*Result, error) {
	if len(candles) == 0 {
		return nil, ErrNoCandles
	}
	if opts.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: initial capital must be positive", ErrInvalidConfig)
	}
	if err := candle.ValidateAll(candles); err != nil {
		return nil, fmt.Errorf("RunVectorized | %w", err)
	}

	signals, err := strategy.GenerateSignals(ctx, strat, candles)
	if err != nil {
		return nil, err
	}
	exposure := strategy.ExposureSeries(signals, opts.AllowShort)

	n := len(candles)
	first, last := candles[0], candles[n-1]
	equity := make([]float64, n)
	equity[0] = opts.InitialCapital
	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		ret := candles[i].Close/candles[i-1].Close - 1
		held, before := exposure[i-1], 0.0
		if i >= 2 {
			before = exposure[i-2]
		}
		sr := held*ret - math.Abs(held-before)*opts.Cost
		returns = append(returns, sr)
		equity[i] = equity[i-1] * (1 + sr)
	}

	res := &Result{
		ID:              uuid.New().String(),
		Strategy:        strat.Name(),
		Symbol:          first.Symbol,
		Timeframe:       first.Timeframe,
		Mode:            ModeVector,
		Start:           first.Timestamp,
		End:             last.Timestamp,
		InitialCapital:  opts.InitialCapital,
		EquityCurve:     make([]EquityPoint, n),
		Returns:         returns,
		Signals:         signals,
		StrategyMetrics: strat.PerformanceMetrics(),
	}
	for i, c := range candles {
		posValue := exposure[i] * equity[i]
		res.EquityCurve[i] = EquityPoint{
			Time:          c.Timestamp,
			Cash:          equity[i] - posValue,
			PositionValue: posValue,
			Equity:        equity[i],
		}
	}
	res.Fills, res.Trades = vectorTrades(candles, exposure, equity, opts.Cost)

	ppy := opts.PeriodsPerYear
	if ppy <= 0 {
		ppy = Config{}.metricsOptions(first.Timeframe).PeriodsPerYear
	}
	finish(res, riskmetrics.Options{RiskFreeRate: opts.RiskFreeRate, PeriodsPerYear: ppy})
	return res, nil
}

// vectorTrades reconstructs round trips from exposure changes. A trade holds
// the whole portfolio, so its PnL is the equity change while it was open.
// The curve charges an exposure change on the following bar, so the exit cost
// is taken from the trade and the previous trade's exit cost paid inside this
// trade's window on a flip is given back.
func vectorTrades(candles []candle.Candle, exposure, equity []float64, cost float64) ([]Fill, []Trade) {
	var (
		fills      []Fill
		trades     []Trade
		open       *Trade
		entryI     int
		entryCarry float64
	)
	// changeCost is what the curve charges on bar i+1 for unwinding size at bar i.
	changeCost := func(i int, size float64) float64 {
		if i+1 >= len(equity) {
			return 0
		}
		return equity[i] * math.Abs(size) * cost
	}
	closeAt := func(i int, reason risk.ExitReason) {
		c := candles[i]
		side := "sell"
		if open.Side == risk.Short.String() {
			side = "buy"
		}
		exitCommission := open.Quantity * c.Close * cost
		fills = append(fills, Fill{Time: c.Timestamp, Symbol: c.Symbol, Side: side, Price: c.Close,
			Quantity: open.Quantity, Commission: exitCommission, Reason: string(reason)})

		open.ExitTime = c.Timestamp
		open.ExitPrice = c.Close
		open.Commission += exitCommission
		open.PnL = equity[i] - equity[entryI] + entryCarry - changeCost(i, exposure[entryI])
		open.ReturnPct = open.PnL / equity[entryI]
		open.Reason = string(reason)
		for _, b := range candles[entryI+1 : i+1] {
			var adverse, favorable float64
			if open.Side == risk.Short.String() {
				adverse, favorable = open.EntryPrice-b.High, open.EntryPrice-b.Low
			} else {
				adverse, favorable = b.Low-open.EntryPrice, b.High-open.EntryPrice
			}
			open.MAE = math.Min(open.MAE, adverse)
			open.MFE = math.Max(open.MFE, favorable)
		}
		trades = append(trades, *open)
		open = nil
	}

	prev := 0.0
	for i, c := range candles {
		cur := exposure[i]
		if cur == prev {
			continue
		}
		if open != nil {
			closeAt(i, risk.Signal)
		}
		if cur != 0 {
			side, fillSide := risk.Long, "buy"
			if cur < 0 {
				side, fillSide = risk.Short, "sell"
			}
			qty := equity[i] / c.Close
			commission := qty * c.Close * cost
			fills = append(fills, Fill{Time: c.Timestamp, Symbol: c.Symbol, Side: fillSide, Price: c.Close,
				Quantity: qty, Commission: commission, Reason: "entry"})
			open = &Trade{
				Symbol:     c.Symbol,
				Side:       side.String(),
				EntryTime:  c.Timestamp,
				EntryPrice: c.Close,
				Quantity:   qty,
				Commission: commission,
			}
			entryI = i
			entryCarry = changeCost(i, prev)
		}
		prev = cur
	}
	if open != nil {
		closeAt(len(candles)-1, risk.EndOfTest)
	}
	return fills, trades
}
