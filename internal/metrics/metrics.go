package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "anomalyd"

// Metrics holds the self-observability collectors of the daemon. One value
// satisfies the recorder interfaces of promclient, detector and tracker.
type Metrics struct {
	QueriesTotal        *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryRetries        *prometheus.CounterVec
	CircuitOpen         prometheus.Gauge
	CircuitTrips        prometheus.Counter
	CacheRequests       *prometheus.CounterVec
	RuleEvaluations     *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	RulesRegistered     prometheus.Gauge
	ObservationsTotal   *prometheus.CounterVec
	BaselineBreaches    *prometheus.CounterVec
	SnapshotOperations  *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector with reg. Pass prometheus.DefaultRegisterer
// in the daemon and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prometheus_queries_total",
				Help:      "Queries sent to the metrics backend by outcome",
			},
			[]string{"op", "outcome"},
		),
		QueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "prometheus_query_duration_seconds",
				Help:      "Backend query latency including retries",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"op"},
		),
		QueryRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prometheus_query_retries_total",
				Help:      "Retried backend query attempts",
			},
			[]string{"op"},
		),
		CircuitOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_open",
				Help:      "1 while the backend circuit breaker is open",
			},
		),
		CircuitTrips: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Times the backend circuit breaker opened",
			},
		),
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_cache_requests_total",
				Help:      "Query cache lookups by result",
			},
			[]string{"result"}, // hit/miss
		),
		RuleEvaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Rule evaluations by verdict",
			},
			[]string{"rule", "result"}, // anomaly/normal/error
		),
		EvaluationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_evaluation_duration_seconds",
				Help:      "Rule evaluation latency",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"rule"},
		),
		RulesRegistered: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_registered",
				Help:      "Number of rules in the registry",
			},
		),
		ObservationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observations_total",
				Help:      "Values observed per stream",
			},
			[]string{"stream"},
		),
		BaselineBreaches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "baseline_breaches_total",
				Help:      "Values above their seasonal threshold per stream",
			},
			[]string{"stream"},
		),
		SnapshotOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_operations_total",
				Help:      "Window snapshot saves and restores",
			},
			[]string{"op", "status"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "API requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// QueryCompleted counts a query by outcome and observes its latency
func (m *Metrics) QueryCompleted(op, outcome string, d time.Duration) {
	m.QueriesTotal.WithLabelValues(op, outcome).Inc()
	m.QueryDuration.WithLabelValues(op).Observe(d.Seconds())
}

// QueryRetried counts one retry attempt
func (m *Metrics) QueryRetried(op string) {
	m.QueryRetries.WithLabelValues(op).Inc()
}

// CircuitChanged sets the breaker gauge and counts trips
func (m *Metrics) CircuitChanged(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		m.CircuitTrips.Inc()
		return
	}
	m.CircuitOpen.Set(0)
}

// CacheAccessed counts a cache hit or miss
func (m *Metrics) CacheAccessed(hit bool) {
	if hit {
		m.CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

// RuleEvaluated counts an evaluation by result and observes its latency
func (m *Metrics) RuleEvaluated(rule, result string, d time.Duration) {
	m.RuleEvaluations.WithLabelValues(rule, result).Inc()
	m.EvaluationDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// RuleCount sets the registered rules gauge
func (m *Metrics) RuleCount(n int) {
	m.RulesRegistered.Set(float64(n))
}

// Observed counts an observation on stream
func (m *Metrics) Observed(stream string) {
	m.ObservationsTotal.WithLabelValues(stream).Inc()
}

// BreachDetected counts a breach on stream
func (m *Metrics) BreachDetected(stream string) {
	m.BaselineBreaches.WithLabelValues(stream).Inc()
}

// SnapshotCompleted counts a snapshot operation by outcome
func (m *Metrics) SnapshotCompleted(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SnapshotOperations.WithLabelValues(op, status).Inc()
}

// HTTPRequest counts a request by route and status and observes its latency
func (m *Metrics) HTTPRequest(method, route string, code int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusLabel(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
