// Package telemetry provides Prometheus instrumentation for backtest runs.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backtest"

// Metrics is the collector set shared by the simulators and optimizers.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	TradesTotal      prometheus.Counter
	EngineFallbacks  prometheus.Counter
	ValidationErrors prometheus.Counter

	MonteCarloTrials   prometheus.Counter
	MonteCarloDuration prometheus.Histogram

	WalkForwardIterations *prometheus.CounterVec
	GridEvaluations       prometheus.Counter
}

// New creates the collector set. Call Register to expose it.
func New() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Backtest runs by engine and result status",
		}, []string{"engine", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Backtest run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"engine"}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Closed trades produced by backtest runs",
		}),
		EngineFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_fallbacks_total",
			Help:      "Times the vectorized engine was unavailable and the event engine was used",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Runs rejected for malformed input",
		}),
		MonteCarloTrials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "trials_total",
			Help:      "Monte Carlo trials completed",
		}),
		MonteCarloDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "run_duration_seconds",
			Help:      "Monte Carlo run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		WalkForwardIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walkforward",
			Name:      "iterations_total",
			Help:      "Walk-forward iterations by outcome",
		}, []string{"outcome"}),
		GridEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walkforward",
			Name:      "grid_evaluations_total",
			Help:      "Parameter combinations evaluated in-sample",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.TradesTotal,
		m.EngineFallbacks,
		m.ValidationErrors,
		m.MonteCarloTrials,
		m.MonteCarloDuration,
		m.WalkForwardIterations,
		m.GridEvaluations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun records a completed backtest.
func (m *Metrics) RecordRun(engine, status string, trades int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(engine, status).Inc()
	m.RunDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
	m.TradesTotal.Add(float64(trades))
}

// RecordFallback records a vectorized-engine fallback.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.EngineFallbacks.Inc()
}

// RecordValidationError records a rejected run.
func (m *Metrics) RecordValidationError() {
	if m == nil {
		return
	}
	m.ValidationErrors.Inc()
}

// RecordMonteCarlo records a completed Monte Carlo run.
func (m *Metrics) RecordMonteCarlo(trials int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MonteCarloTrials.Add(float64(trials))
	m.MonteCarloDuration.Observe(elapsed.Seconds())
}

// RecordIteration records a walk-forward iteration outcome ("evaluated" or "skipped").
func (m *Metrics) RecordIteration(outcome string, gridSize int) {
	if m == nil {
		return
	}
	m.WalkForwardIterations.WithLabelValues(outcome).Inc()
	m.GridEvaluations.Add(float64(gridSize))
}
