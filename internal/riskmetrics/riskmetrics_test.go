package riskmetrics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.03, 0, -0.01, 0.02}

	m, err := Compute(returns, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 6, m.Periods)
	assert.InDelta(t, 0.029485041, float64(m.TotalReturn), 1e-9)
	assert.InDelta(t, 2.388766949, float64(m.AnnualReturn), 1e-6)
	assert.InDelta(t, 0.296984848, float64(m.Volatility), 1e-9)
	assert.InDelta(t, 4.175297184, float64(m.Sharpe), 1e-6)
	assert.InDelta(t, 11.046797999, float64(m.Sortino), 1e-6)
	assert.InDelta(t, -0.02, float64(m.MaxDrawdown), 1e-12)
	assert.InDelta(t, 119.438347427, float64(m.Calmar), 1e-4)
	assert.InDelta(t, -0.0175, float64(m.VaR95), 1e-12)
	assert.InDelta(t, -0.02, float64(m.ExpectedShortfall95), 1e-12)

	assert.Equal(t, 5, m.NumTrades, "zero returns are not trades")
	assert.InDelta(t, 0.6, float64(m.WinRate), 1e-12)
	assert.InDelta(t, 0.02, float64(m.AvgWin), 1e-12)
	assert.InDelta(t, -0.015, float64(m.AvgLoss), 1e-12)
	assert.InDelta(t, 4.0/3.0, float64(m.AvgWinLossRatio), 1e-9)
	assert.InDelta(t, 2.0, float64(m.ProfitFactor), 1e-9)
}

func TestCompute_EdgeCases(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := Compute(nil, DefaultOptions())
		assert.ErrorIs(t, err, ErrNoReturns)
	})

	t.Run("only NaN", func(t *testing.T) {
		_, err := Compute([]float64{math.NaN(), math.Inf(1)}, DefaultOptions())
		assert.ErrorIs(t, err, ErrNoReturns)
	})

	t.Run("single value leaves ratios undefined", func(t *testing.T) {
		m, err := Compute([]float64{0.01}, DefaultOptions())
		require.NoError(t, err)
		assert.InDelta(t, 0.01, float64(m.TotalReturn), 1e-12)
		assert.True(t, math.IsNaN(float64(m.Sharpe)))
		assert.True(t, math.IsNaN(float64(m.Volatility)))
		assert.True(t, math.IsNaN(float64(m.Calmar)), "no drawdown")
		assert.True(t, math.IsNaN(float64(m.ProfitFactor)), "no losses")
	})

	t.Run("constant returns", func(t *testing.T) {
		m, err := Compute([]float64{0.25, 0.25, 0.25}, DefaultOptions())
		require.NoError(t, err)
		assert.True(t, math.IsNaN(float64(m.Sharpe)), "zero stdev")
		assert.True(t, math.IsNaN(float64(m.Sortino)))
		assert.Zero(t, float64(m.MaxDrawdown))
	})

	t.Run("all flat", func(t *testing.T) {
		m, err := Compute([]float64{0, 0, 0}, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 0, m.NumTrades)
		assert.True(t, math.IsNaN(float64(m.WinRate)))
	})

	t.Run("wipeout", func(t *testing.T) {
		m, err := Compute([]float64{0.1, -1}, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, Float64(-1), m.AnnualReturn)
		assert.InDelta(t, -1.0, float64(m.MaxDrawdown), 1e-12)
	})

	t.Run("periods per year defaults", func(t *testing.T) {
		a, err := Compute([]float64{0.01, -0.005, 0.002}, Options{RiskFreeRate: 0.02})
		require.NoError(t, err)
		b, err := Compute([]float64{0.01, -0.005, 0.002}, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, a.Sharpe, b.Sharpe)
	})
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name    string
		returns []float64
		want    float64
	}{
		{name: "no losses", returns: []float64{0.1, 0.1}, want: 0},
		{name: "first bar loss counts from start", returns: []float64{-0.1, 0.05}, want: -0.1},
		{name: "peak then trough", returns: []float64{0.5, -0.2, -0.25, 0.1}, want: -0.4},
		{name: "empty", returns: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MaxDrawdown(tt.returns), 1e-12)
		})
	}
}

func TestPercentile(t *testing.T) {
	xs := []float64{4, 1, 3, 2, 5}
	assert.InDelta(t, 1.2, Percentile(xs, 5), 1e-12)
	assert.InDelta(t, 3.0, Percentile(xs, 50), 1e-12)
	assert.Equal(t, 1.0, Percentile(xs, 0))
	assert.Equal(t, 5.0, Percentile(xs, 100))
	assert.True(t, math.IsNaN(Percentile(nil, 5)))
	assert.Equal(t, []float64{4, 1, 3, 2, 5}, xs, "input is not reordered")
}

func TestReturnsAndDrawdowns(t *testing.T) {
	equity := []float64{100, 110, 99, 121}
	r := Returns(equity)
	require.Len(t, r, 3)
	assert.InDelta(t, 0.1, r[0], 1e-12)
	assert.InDelta(t, -0.1, r[1], 1e-12)

	dd := Drawdowns(equity)
	assert.Equal(t, []float64{0, 0, -0.1, 0}, roundAll(dd))
	assert.Nil(t, Returns([]float64{1}))
}

func TestFloat64_JSON(t *testing.T) {
	m := Metrics{Sharpe: Float64(math.NaN()), TotalReturn: 0.5, Calmar: Float64(math.Inf(1))}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sharpe_ratio":null`)
	assert.Contains(t, string(b), `"calmar_ratio":null`)
	assert.Contains(t, string(b), `"total_return":0.5`)

	var back Metrics
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, math.IsNaN(float64(back.Sharpe)))
	assert.Equal(t, Float64(0.5), back.TotalReturn)
}

func roundAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Round(x*1e9) / 1e9
	}
	return out
}
