// Package observability exposes Prometheus metrics for the service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	TokensProcessed prometheus.Counter
	PricesUpdated   prometheus.Counter
	TokenErrors     *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LastSuccessRun  prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "price_update_runs_total",
			Help: "Completed pipeline runs by final status.",
		}, []string{"status"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "price_update_batches_total",
			Help: "Processed token batches by result.",
		}, []string{"result"}),
		TokensProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "price_update_tokens_processed_total",
			Help: "Tokens read from the store across all runs.",
		}),
		PricesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "price_update_prices_updated_total",
			Help: "Tokens whose price actually changed and was persisted.",
		}),
		TokenErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "price_update_token_errors_total",
			Help: "Tokens skipped or lost to failures, by failure kind.",
		}, []string{"kind"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "price_update_run_duration_seconds",
			Help:    "Wall-clock duration of a full pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LastSuccessRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "price_update_last_successful_run_timestamp_seconds",
			Help: "Unix time of the last run that completed without a fatal error.",
		}),
	}
}

// ObserveRun records the outcome of one pipeline run.
func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(duration.Seconds())
	if status == "completed" {
		m.LastSuccessRun.SetToCurrentTime()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
