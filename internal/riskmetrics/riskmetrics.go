// Package riskmetrics computes performance and risk statistics over a series
// of periodic returns.
package riskmetrics

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
)

const (
	DefaultRiskFreeRate   = 0.02
	DefaultPeriodsPerYear = 252
)

// ErrNoReturns is returned when the series holds no finite values.
var ErrNoReturns = errors.New("no returns to evaluate")

// Float64 marshals NaN and ±Inf as JSON null, and null back to NaN.
type Float64 float64

func (f Float64) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte(`null`), nil
	}
	return json.Marshal(v)
}

func (f *Float64) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float64(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float64(v)
	return nil
}

// Options controls annualization.
type Options struct {
	RiskFreeRate   float64
	PeriodsPerYear float64
}

func DefaultOptions() Options {
	return Options{RiskFreeRate: DefaultRiskFreeRate, PeriodsPerYear: DefaultPeriodsPerYear}
}

// Metrics holds the statistics of one returns series. Undefined values are NaN.
type Metrics struct {
	TotalReturn         Float64 `json:"total_return"`
	AnnualReturn        Float64 `json:"annual_return"`
	Volatility          Float64 `json:"volatility"`
	Sharpe              Float64 `json:"sharpe_ratio"`
	Sortino             Float64 `json:"sortino_ratio"`
	MaxDrawdown         Float64 `json:"max_drawdown"`
	Calmar              Float64 `json:"calmar_ratio"`
	VaR95               Float64 `json:"var_95"`
	ExpectedShortfall95 Float64 `json:"expected_shortfall_95"`
	NumTrades           int     `json:"num_trades"`
	WinRate             Float64 `json:"win_rate"`
	AvgWin              Float64 `json:"avg_win"`
	AvgLoss             Float64 `json:"avg_loss"`
	AvgWinLossRatio     Float64 `json:"avg_win_loss_ratio"`
	ProfitFactor        Float64 `json:"profit_factor"`
	Periods             int     `json:"periods"`
}

// Undefined returns metrics with every ratio set to NaN, used when a run
// produced fewer than two equity points.
func Undefined() Metrics {
	nan := Float64(math.NaN())
	return Metrics{
		TotalReturn: nan, AnnualReturn: nan, Volatility: nan, Sharpe: nan,
		Sortino: nan, MaxDrawdown: nan, Calmar: nan, VaR95: nan,
		ExpectedShortfall95: nan, WinRate: nan, AvgWin: nan, AvgLoss: nan,
		AvgWinLossRatio: nan, ProfitFactor: nan,
	}
}

// Map flattens the metrics for logging and telemetry.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"total_return":          float64(m.TotalReturn),
		"annual_return":         float64(m.AnnualReturn),
		"volatility":            float64(m.Volatility),
		"sharpe_ratio":          float64(m.Sharpe),
		"sortino_ratio":         float64(m.Sortino),
		"max_drawdown":          float64(m.MaxDrawdown),
		"calmar_ratio":          float64(m.Calmar),
		"var_95":                float64(m.VaR95),
		"expected_shortfall_95": float64(m.ExpectedShortfall95),
		"num_trades":            float64(m.NumTrades),
		"win_rate":              float64(m.WinRate),
		"avg_win":               float64(m.AvgWin),
		"avg_loss":              float64(m.AvgLoss),
		"avg_win_loss_ratio":    float64(m.AvgWinLossRatio),
		"profit_factor":         float64(m.ProfitFactor),
	}
}

// Compute evaluates a returns series. Non-finite inputs are dropped.
func Compute(returns []float64, opts Options) (Metrics, error) {
	r := finite(returns)
	if len(r) == 0 {
		return Metrics{}, ErrNoReturns
	}
	ppy := opts.PeriodsPerYear
	if ppy <= 0 {
		ppy = DefaultPeriodsPerYear
	}

	nan := Float64(math.NaN())
	m := Metrics{Periods: len(r)}

	total := 1.0
	for _, x := range r {
		total *= 1 + x
	}
	m.TotalReturn = Float64(total - 1)
	if total > 0 {
		m.AnnualReturn = Float64(math.Pow(total, ppy/float64(len(r))) - 1)
	} else {
		m.AnnualReturn = -1
	}

	mean := Mean(r)
	std := StdDev(r)
	m.Volatility = Float64(std * math.Sqrt(ppy))
	m.Sharpe = ratio(mean*ppy-opts.RiskFreeRate, std*math.Sqrt(ppy))

	var negatives []float64
	for _, x := range r {
		if x < 0 {
			negatives = append(negatives, x)
		}
	}
	m.Sortino = ratio(mean*ppy-opts.RiskFreeRate, StdDev(negatives)*math.Sqrt(ppy))

	m.MaxDrawdown = Float64(MaxDrawdown(r))
	if m.MaxDrawdown == 0 {
		m.Calmar = nan
	} else {
		m.Calmar = Float64(float64(m.AnnualReturn) / math.Abs(float64(m.MaxDrawdown)))
	}

	m.VaR95 = Float64(Percentile(r, 5))
	var tail []float64
	for _, x := range r {
		if x <= float64(m.VaR95) {
			tail = append(tail, x)
		}
	}
	m.ExpectedShortfall95 = Float64(Mean(tail))

	var wins, losses []float64
	for _, x := range r {
		switch {
		case x > 0:
			wins = append(wins, x)
		case x < 0:
			losses = append(losses, x)
		}
	}
	m.NumTrades = len(wins) + len(losses)
	if m.NumTrades > 0 {
		m.WinRate = Float64(float64(len(wins)) / float64(m.NumTrades))
	} else {
		m.WinRate = nan
	}
	m.AvgWin = Float64(Mean(wins))
	m.AvgLoss = Float64(Mean(losses))
	m.AvgWinLossRatio = Float64(math.Abs(float64(ratio(float64(m.AvgWin), float64(m.AvgLoss)))))
	m.ProfitFactor = ratio(sum(wins), math.Abs(sum(losses)))

	return m, nil
}

// Returns converts an equity series into simple period returns.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = equity[i]/equity[i-1] - 1
	}
	return out
}

// MaxDrawdown compounds returns from a starting value of 1 and returns the
// deepest peak-to-trough decline as a non-positive fraction.
func MaxDrawdown(returns []float64) float64 {
	cum, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		cum *= 1 + r
		if cum > peak {
			peak = cum
		}
		if dd := (cum - peak) / peak; dd < worst {
			worst = dd
		}
	}
	return worst
}

// Drawdowns returns the drawdown of each equity point from its running peak.
func Drawdowns(equity []float64) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = (v - peak) / peak
		}
	}
	return out
}

// Percentile uses linear interpolation between closest ranks, p in [0,100].
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if p <= 0 {
		return s[0]
	}
	if p >= 100 {
		return s[len(s)-1]
	}
	pos := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// Mean is NaN for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return sum(xs) / float64(len(xs))
}

// StdDev is the sample standard deviation (n-1); NaN below two values.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	mean := Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func ratio(num, den float64) Float64 {
	if den == 0 || math.IsNaN(den) || math.IsNaN(num) {
		return Float64(math.NaN())
	}
	return Float64(num / den)
}

func finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		out = append(out, x)
	}
	return out
}
