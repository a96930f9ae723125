package backtest

import (
	"math"
	"time"

	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/strategy"
)

const (
	ModeEvent  = "event"
	ModeVector = "vector"
)

// EquityPoint is the mark-to-market state after one bar.
type EquityPoint struct {
	Time          time.Time `json:"time"`
	Cash          float64   `json:"cash"`
	PositionValue float64   `json:"position_value"`
	Equity        float64   `json:"equity"`
}

// Fill is one executed order against the ledger.
type Fill struct {
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // "buy" or "sell"
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Commission float64   `json:"commission"`
	Reason     string    `json:"reason"`
}

// Trade is a closed round trip.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // "long" or "short"
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`        // net of entry and exit commission
	ReturnPct  float64   `json:"return_pct"` // PnL over entry notional
	Commission float64   `json:"commission"`
	Reason     string    `json:"reason"` // exit reason
	MAE        float64   `json:"mae"`    // Maximum Adverse Excursion per unit
	MFE        float64   `json:"mfe"`    // Maximum Favorable Excursion per unit
}

// TradeStats summarizes closed trades. Undefined ratios are NaN.
type TradeStats struct {
	Trades          int                 `json:"trades"`
	LongTrades      int                 `json:"long_trades"`
	ShortTrades     int                 `json:"short_trades"`
	Wins            int                 `json:"wins"`
	Losses          int                 `json:"losses"`
	Breakevens      int                 `json:"breakevens"`
	WinRate         riskmetrics.Float64 `json:"win_rate"`
	AvgWin          riskmetrics.Float64 `json:"avg_win"`
	AvgLoss         riskmetrics.Float64 `json:"avg_loss"`
	ProfitFactor    riskmetrics.Float64 `json:"profit_factor"`
	Expectancy      riskmetrics.Float64 `json:"expectancy"`
	AvgTrade        riskmetrics.Float64 `json:"avg_trade"`
	TotalPnL        float64             `json:"total_pnl"`
	TotalCommission float64             `json:"total_commission"`
	MaxConsecWins   int                 `json:"max_consecutive_wins"`
	MaxConsecLosses int                 `json:"max_consecutive_losses"`
	AvgMAE          riskmetrics.Float64 `json:"avg_mae"`
	AvgMFE          riskmetrics.Float64 `json:"avg_mfe"`
	ExitReasons     map[string]int      `json:"exit_reasons"`
}

// Result holds the outcome of one backtest run.
type Result struct {
	ID             string              `json:"id"`
	Strategy       string              `json:"strategy"`
	Symbol         string              `json:"symbol"`
	Timeframe      string              `json:"timeframe"`
	Mode           string              `json:"mode"`
	Start          time.Time           `json:"start"`
	End            time.Time           `json:"end"`
	InitialCapital float64             `json:"initial_capital"`
	FinalEquity    float64             `json:"final_equity"`
	Metrics        riskmetrics.Metrics `json:"metrics"`
	Stats          TradeStats          `json:"stats"`
	Halted         bool                `json:"halted"`
	HaltedAt       *time.Time          `json:"halted_at,omitempty"`
	Rejected       int                 `json:"rejected_entries"`

	EquityCurve     []EquityPoint      `json:"equity_curve"`
	Returns         []float64          `json:"-"`
	Fills           []Fill             `json:"fills"`
	Trades          []Trade            `json:"trades"`
	Signals         []strategy.Signal  `json:"-"`
	StrategyMetrics map[string]float64 `json:"strategy_metrics,omitempty"`
}

// Summary flattens the headline numbers.
func (r *Result) Summary() map[string]float64 {
	return map[string]float64{
		"total_return":  float64(r.Metrics.TotalReturn),
		"annual_return": float64(r.Metrics.AnnualReturn),
		"sharpe":        float64(r.Metrics.Sharpe),
		"max_drawdown":  float64(r.Metrics.MaxDrawdown),
		"win_rate":      float64(r.Stats.WinRate),
		"avg_trade":     float64(r.Stats.AvgTrade),
		"num_trades":    float64(r.Stats.Trades),
		"final_equity":  r.FinalEquity,
	}
}

// EquityValues returns the equity column of the curve.
func (r *Result) EquityValues() []float64 {
	out := make([]float64, len(r.EquityCurve))
	for i, p := range r.EquityCurve {
		out[i] = p.Equity
	}
	return out
}

// CalculateTradeStats derives win/loss statistics from closed trades.
func CalculateTradeStats(trades []Trade) TradeStats {
	nan := riskmetrics.Float64(math.NaN())
	stats := TradeStats{
		WinRate:      nan,
		AvgWin:       nan,
		AvgLoss:      nan,
		ProfitFactor: nan,
		Expectancy:   nan,
		AvgTrade:     nan,
		AvgMAE:       nan,
		AvgMFE:       nan,
		ExitReasons:  make(map[string]int),
	}
	if len(trades) == 0 {
		return stats
	}

	var winSum, lossSum, maeSum, mfeSum float64
	var consecWins, consecLosses int
	for _, t := range trades {
		stats.Trades++
		if t.Side == "short" {
			stats.ShortTrades++
		} else {
			stats.LongTrades++
		}
		stats.TotalPnL += t.PnL
		stats.TotalCommission += t.Commission
		stats.ExitReasons[t.Reason]++
		maeSum += t.MAE
		mfeSum += t.MFE

		switch {
		case t.PnL > 0:
			stats.Wins++
			winSum += t.PnL
			consecWins++
			consecLosses = 0
		case t.PnL < 0:
			stats.Losses++
			lossSum += t.PnL
			consecLosses++
			consecWins = 0
		default:
			stats.Breakevens++
			consecWins, consecLosses = 0, 0
		}
		stats.MaxConsecWins = max(stats.MaxConsecWins, consecWins)
		stats.MaxConsecLosses = max(stats.MaxConsecLosses, consecLosses)
	}

	n := float64(stats.Trades)
	winRate := float64(stats.Wins) / n
	stats.WinRate = riskmetrics.Float64(winRate)
	stats.AvgTrade = riskmetrics.Float64(stats.TotalPnL / n)
	stats.AvgMAE = riskmetrics.Float64(maeSum / n)
	stats.AvgMFE = riskmetrics.Float64(mfeSum / n)

	avgWin, avgLoss := 0.0, 0.0
	if stats.Wins > 0 {
		avgWin = winSum / float64(stats.Wins)
		stats.AvgWin = riskmetrics.Float64(avgWin)
	}
	if stats.Losses > 0 {
		avgLoss = lossSum / float64(stats.Losses)
		stats.AvgLoss = riskmetrics.Float64(avgLoss)
	}
	if lossSum != 0 {
		stats.ProfitFactor = riskmetrics.Float64(winSum / math.Abs(lossSum))
	}
	lossRate := float64(stats.Losses) / n
	stats.Expectancy = riskmetrics.Float64(winRate*avgWin + lossRate*avgLoss)

	return stats
}
