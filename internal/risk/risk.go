// Package risk sizes positions and tracks protective exit levels.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid risk params")

type Side int

const (
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "none"
	}
}

// ExitReason names why a position was closed.
type ExitReason string

const (
	NoExit       ExitReason = ""
	StopLoss     ExitReason = "stop-loss"
	TakeProfit   ExitReason = "take-profit"
	TrailingStop ExitReason = "trailing-stop"
	MarginCall   ExitReason = "margin-call"
	Signal       ExitReason = "signal"
	EndOfTest    ExitReason = "end-of-backtest"
)

// Params are fractions, not percents: 0.02 means 2%.
type Params struct {
	MaxPositionSize float64 `yaml:"max_position_size" json:"max_position_size"`
	MaxDrawdown     float64 `yaml:"max_drawdown" json:"max_drawdown"`
	StopLossPct     float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct" json:"trailing_stop_pct"`
	KellyFraction   float64 `yaml:"kelly_fraction" json:"kelly_fraction"`

	// RiskPerTrade > 0 sizes by the amount lost if the stop is hit instead of
	// by the Kelly-scaled allocation.
	RiskPerTrade  float64 `yaml:"risk_per_trade" json:"risk_per_trade"`
	MaxCapitalPct float64 `yaml:"max_capital_pct" json:"max_capital_pct"`

	LotStep     float64 `yaml:"lot_step" json:"lot_step"`
	MinNotional float64 `yaml:"min_notional" json:"min_notional"`
}

func DefaultParams() Params {
	return Params{
		MaxPositionSize: 0.1,
		MaxDrawdown:     0.2,
		StopLossPct:     0.02,
		TakeProfitPct:   0.04,
		TrailingStopPct: 0.01,
		KellyFraction:   0.5,
		MaxCapitalPct:   0.95,
	}
}

func (p Params) Validate() error {
	var errs []error
	inUnit := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %v", name, v))
		}
	}
	nonNegative := func(name string, v float64) {
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %v", name, v))
		}
	}

	inUnit("max_position_size", p.MaxPositionSize)
	inUnit("max_drawdown", p.MaxDrawdown)
	inUnit("kelly_fraction", p.KellyFraction)
	inUnit("max_capital_pct", p.MaxCapitalPct)
	nonNegative("stop_loss_pct", p.StopLossPct)
	nonNegative("take_profit_pct", p.TakeProfitPct)
	nonNegative("trailing_stop_pct", p.TrailingStopPct)
	nonNegative("risk_per_trade", p.RiskPerTrade)
	nonNegative("lot_step", p.LotStep)
	nonNegative("min_notional", p.MinNotional)
	if p.StopLossPct >= 1 {
		errs = append(errs, fmt.Errorf("stop_loss_pct must be below 1, got %v", p.StopLossPct))
	}
	if p.TrailingStopPct >= 1 {
		errs = append(errs, fmt.Errorf("trailing_stop_pct must be below 1, got %v", p.TrailingStopPct))
	}
	if p.RiskPerTrade > 0 && p.StopLossPct == 0 {
		errs = append(errs, errors.New("risk_per_trade sizing needs a stop_loss_pct"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}
	return nil
}

// Levels are the protective prices of one open position. A zero level is disabled.
type Levels struct {
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	TrailingStop float64 `json:"trailing_stop"`
	Extreme      float64 `json:"extreme"`
}

type Manager struct {
	params Params
}

func New(p Params) (*Manager, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Manager{params: p}, nil
}

func (m *Manager) Params() Params { return m.params }

// PositionSize returns the quantity to open at price, rounded down to the lot step.
func (m *Manager) PositionSize(portfolioValue, price, volatility float64) float64 {
	if !finite(portfolioValue) || !finite(price) || portfolioValue <= 0 || price <= 0 {
		return 0
	}
	if math.IsInf(volatility, 0) {
		return 0
	}
	if volatility < 0 || math.IsNaN(volatility) {
		volatility = 0
	}

	var notional float64
	if m.params.RiskPerTrade > 0 {
		// Loss at the stop equals portfolioValue * RiskPerTrade
		notional = portfolioValue * m.params.RiskPerTrade / m.params.StopLossPct
		if maxNotional := portfolioValue * m.params.MaxCapitalPct; notional > maxNotional {
			notional = maxNotional
		}
	} else {
		notional = portfolioValue * m.params.MaxPositionSize * m.params.KellyFraction / (1 + volatility)
	}

	if !finite(notional) || notional <= 0 {
		return 0
	}
	if m.params.MinNotional > 0 && notional < m.params.MinNotional {
		return 0
	}

	qty := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price))
	if m.params.LotStep > 0 {
		step := decimal.NewFromFloat(m.params.LotStep)
		qty = qty.Div(step).Floor().Mul(step)
	}

	out, _ := qty.Float64()
	if out < 0 {
		return 0
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (m *Manager) StopLoss(entry float64, side Side) float64 {
	if m.params.StopLossPct == 0 {
		return 0
	}
	if side == Short {
		return entry * (1 + m.params.StopLossPct)
	}
	return entry * (1 - m.params.StopLossPct)
}

func (m *Manager) TakeProfit(entry float64, side Side) float64 {
	if m.params.TakeProfitPct == 0 {
		return 0
	}
	if side == Short {
		return entry * (1 - m.params.TakeProfitPct)
	}
	return entry * (1 + m.params.TakeProfitPct)
}

// TrailingStop trails extreme, the best price seen since entry.
func (m *Manager) TrailingStop(extreme float64, side Side) float64 {
	if m.params.TrailingStopPct == 0 {
		return 0
	}
	if side == Short {
		return extreme * (1 + m.params.TrailingStopPct)
	}
	return extreme * (1 - m.params.TrailingStopPct)
}

func (m *Manager) Open(entry float64, side Side) Levels {
	return Levels{
		StopLoss:     m.StopLoss(entry, side),
		TakeProfit:   m.TakeProfit(entry, side),
		TrailingStop: m.TrailingStop(entry, side),
		Extreme:      entry,
	}
}

// Update moves the extreme with the bar and ratchets the trailing stop.
// The trailing stop only ever tightens.
func (m *Manager) Update(l Levels, high, low float64, side Side) Levels {
	if side == Short {
		if low < l.Extreme {
			l.Extreme = low
		}
	} else if high > l.Extreme {
		l.Extreme = high
	}

	next := m.TrailingStop(l.Extreme, side)
	if next == 0 {
		return l
	}
	if l.TrailingStop == 0 ||
		(side == Long && next > l.TrailingStop) ||
		(side == Short && next < l.TrailingStop) {
		l.TrailingStop = next
	}
	return l
}

// CheckExit reports whether the bar touched one of the levels and the raw
// fill price. Levels are checked in the order stop-loss, trailing stop,
// take-profit. A bar that opens through a level fills at the open.
func (m *Manager) CheckExit(l Levels, open, high, low float64, side Side) (ExitReason, float64) {
	for _, stop := range []struct {
		reason ExitReason
		price  float64
	}{{StopLoss, l.StopLoss}, {TrailingStop, l.TrailingStop}} {
		if stop.price <= 0 {
			continue
		}
		if side == Short && high >= stop.price {
			return stop.reason, math.Max(open, stop.price)
		}
		if side == Long && low <= stop.price {
			return stop.reason, math.Min(open, stop.price)
		}
	}

	if l.TakeProfit > 0 {
		if side == Short && low <= l.TakeProfit {
			return TakeProfit, math.Min(open, l.TakeProfit)
		}
		if side == Long && high >= l.TakeProfit {
			return TakeProfit, math.Max(open, l.TakeProfit)
		}
	}
	return NoExit, 0
}

// CheckMarginCall reports whether the drawdown from initial capital reached MaxDrawdown.
func (m *Manager) CheckMarginCall(portfolioValue, initialCapital float64) bool {
	if initialCapital <= 0 {
		return false
	}
	return (initialCapital-portfolioValue)/initialCapital >= m.params.MaxDrawdown
}
