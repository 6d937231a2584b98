// Package metrics holds the Prometheus collectors of the riskscore service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/riskscore/internal/scoring"
)

// Metrics contains all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Scoring metrics
	ScoresTotal        *prometheus.CounterVec
	ScoreValue         prometheus.Histogram
	RuleFailures       *prometheus.CounterVec
	ConfigReplacements prometheus.Counter

	// HTTP API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ScoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskscore_scores_total",
			Help: "Total number of computed risk scores",
		}, []string{"source"}),

		ScoreValue: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskscore_score_value",
			Help:    "Distribution of final risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 10),
		}),

		RuleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskscore_custom_rule_failures_total",
			Help: "Total number of custom rule evaluation failures",
		}, []string{"rule"}),

		ConfigReplacements: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskscore_config_replacements_total",
			Help: "Total number of active risk configuration replacements",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskscore_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskscore_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveScore records a computed score and its custom rule failures.
// source is "api" or "worker".
func (m *Metrics) ObserveScore(source string, res *scoring.Result) {
	if m == nil || res == nil {
		return
	}
	m.ScoresTotal.WithLabelValues(source).Inc()
	m.ScoreValue.Observe(res.Breakdown.FinalScore)
	for _, failure := range res.RuleErrors {
		m.RuleFailures.WithLabelValues(failure.Name).Inc()
	}
}

// ConfigReplaced counts an active configuration swap.
func (m *Metrics) ConfigReplaced() {
	if m == nil {
		return
	}
	m.ConfigReplacements.Inc()
}

// ObserveHTTP records a finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
