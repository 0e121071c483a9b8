// Package metrics exposes the Prometheus instruments of the resilience layer.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"PulseGuard/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulseguard"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	circuitRejections  *prometheus.CounterVec

	ingestResults   *prometheus.CounterVec
	enqueueFailures prometheus.Counter
	rateLimited     prometheus.Counter
	queryResults    *prometheus.CounterVec

	queueResults       *prometheus.CounterVec
	processingDuration prometheus.Histogram

	healthAvailability prometheus.Gauge
	healthErrorBudget  prometheus.Gauge
	healthVerdict      prometheus.Gauge
	probeLatency       *prometheus.HistogramVec
	alertsSent         *prometheus.CounterVec

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit state per route (0 closed, 1 half-open, 2 open)",
		}, []string{"route"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Number of circuit state transitions",
		}, []string{"route", "from", "to"}),
		circuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "rejections_total",
			Help:      "Calls rejected without reaching the dependency",
		}, []string{"route"}),
		ingestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "submissions_total",
			Help:      "Metric submissions by outcome",
		}, []string{"outcome"}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "enqueue_failures_total",
			Help:      "Stored records that could not be enqueued for async processing",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rate_limited_total",
			Help:      "Submissions rejected by the per-entity rate limit",
		}),
		queryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Metric queries by outcome",
		}, []string{"outcome"}),
		queueResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Processed queue messages by outcome",
		}, []string{"outcome"}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one queue message",
			Buckets:   histogramBuckets,
		}),
		healthAvailability: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "rolling_availability",
			Help:      "Availability over the rolling SLO window",
		}),
		healthErrorBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "error_budget_remaining",
			Help:      "Fraction of the error budget left",
		}),
		healthVerdict: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "verdict",
			Help:      "Latest verdict (0 healthy, 1 degraded, 2 critical)",
		}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Dependency probe latency",
			Buckets:   histogramBuckets,
		}, []string{"dependency", "status"}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alerts_total",
			Help:      "Alert notifications by severity",
		}, []string{"severity"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.circuitState, m.circuitTransitions, m.circuitRejections,
		m.ingestResults, m.enqueueFailures, m.rateLimited, m.queryResults,
		m.queueResults, m.processingDuration,
		m.healthAvailability, m.healthErrorBudget, m.healthVerdict, m.probeLatency, m.alertsSent,
		m.requestTotal, m.requestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CircuitTransition records a route changing state.
func (m *Metrics) CircuitTransition(route string, from, to model.BreakerState) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(route).Set(to.Gauge())
	m.circuitTransitions.WithLabelValues(route, string(from), string(to)).Inc()
}

// CircuitRejected records a call rejected by an open breaker.
func (m *Metrics) CircuitRejected(route string) {
	if m == nil {
		return
	}
	m.circuitRejections.WithLabelValues(route).Inc()
}

// IngestResult records a submission outcome (accepted, invalid, rate_limited, circuit_open, failed).
func (m *Metrics) IngestResult(outcome string) {
	if m == nil {
		return
	}
	m.ingestResults.WithLabelValues(outcome).Inc()
}

// QueryResult records a query outcome (ok, invalid, circuit_open, failed).
func (m *Metrics) QueryResult(outcome string) {
	if m == nil {
		return
	}
	m.queryResults.WithLabelValues(outcome).Inc()
}

// EnqueueFailed records a stored record that never reached the queue.
func (m *Metrics) EnqueueFailed() {
	if m == nil {
		return
	}
	m.enqueueFailures.Inc()
}

// RateLimited records a submission rejected by the rate limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// QueueResult records how a message was settled and how long it took.
func (m *Metrics) QueueResult(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queueResults.WithLabelValues(outcome).Inc()
	m.processingDuration.Observe(elapsed.Seconds())
}

// HealthCycle records the outcome of a monitor cycle.
func (m *Metrics) HealthCycle(snapshot *model.HealthSnapshot) {
	if m == nil || snapshot == nil {
		return
	}
	m.healthAvailability.Set(snapshot.RollingAvailability)
	m.healthErrorBudget.Set(snapshot.ErrorBudgetRemaining)
	m.healthVerdict.Set(float64(snapshot.Verdict.Rank()))
	for name, result := range snapshot.DependencyResults {
		if result.Status == model.DependencyUnknown {
			continue
		}
		m.probeLatency.WithLabelValues(name, string(result.Status)).Observe(result.LatencyMs / 1000)
	}
}

// AlertSent records an alert notification.
func (m *Metrics) AlertSent(severity model.Severity) {
	if m == nil {
		return
	}
	m.alertsSent.WithLabelValues(string(severity)).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(elapsed.Seconds())
}
