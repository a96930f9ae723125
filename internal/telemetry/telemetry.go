// Package telemetry exposes backtest activity as Prometheus metrics:
//
//   - backtester_runs_total{mode,strategy,status}
//   - backtester_run_duration_seconds{mode}
//   - backtester_trades_total{side,reason}
//   - backtester_final_equity{symbol,strategy}
//   - backtester_candles_fetched_total{source}
//   - backtester_fetch_errors_total{source}
//   - backtester_cache_requests_total{result}
package telemetry

import (
	"net/http"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backtester"

// Metrics implements backtest.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	Runs           *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	Trades         *prometheus.CounterVec
	FinalEquity    *prometheus.GaugeVec
	CandlesFetched *prometheus.CounterVec
	FetchErrors    *prometheus.CounterVec
	CacheRequests  *prometheus.CounterVec
}

var _ backtest.Recorder = (*Metrics)(nil)

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Backtest runs by mode, strategy and status",
			},
			[]string{"mode", "strategy", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a backtest run including data loading",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_total",
				Help:      "Closed trades split by side and exit reason",
			},
			[]string{"side", "reason"},
		),
		FinalEquity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "final_equity",
				Help:      "Final equity of the latest run per symbol and strategy",
			},
			[]string{"symbol", "strategy"},
		),
		CandlesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_fetched_total",
				Help:      "Candles downloaded from exchanges",
			},
			[]string{"source"},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Failed candle downloads",
			},
			[]string{"source"},
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Candle cache lookups by result (hit|miss)",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.Runs,
		m.RunDuration,
		m.Trades,
		m.FinalEquity,
		m.CandlesFetched,
		m.FetchErrors,
		m.CacheRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(mode, strategy string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Runs.WithLabelValues(mode, strategy, status).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveResult(res *backtest.Result) {
	if res == nil {
		return
	}
	for _, t := range res.Trades {
		m.Trades.WithLabelValues(t.Side, t.Reason).Inc()
	}
	m.FinalEquity.WithLabelValues(res.Symbol, res.Strategy).Set(res.FinalEquity)
}

func (m *Metrics) ObserveFetch(source string, candles int, err error) {
	if err != nil {
		m.FetchErrors.WithLabelValues(source).Inc()
		return
	}
	m.CandlesFetched.WithLabelValues(source).Add(float64(candles))
}

func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}
