package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the routing subsystem.
// A nil *Metrics is valid and records nothing, which keeps component
// constructors usable in tests without a registry.
type Metrics struct {
	selectionsTotal      *prometheus.CounterVec
	selectionErrorsTotal *prometheus.CounterVec
	healthChecksTotal    *prometheus.CounterVec
	healthCheckDuration  *prometheus.HistogramVec
	backendHealthy       *prometheus.GaugeVec
	circuitState         *prometheus.GaugeVec
	circuitTransitions   *prometheus.CounterVec
	circuitRejections    *prometheus.CounterVec
	scalingDecisions     *prometheus.CounterVec
	workers              prometheus.Gauge
	workerRestarts       prometheus.Counter
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	registry             *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
//
//nolint:funlen // many metrics require many statements
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avaroute"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		selectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of backend selections by strategy",
			},
			[]string{"strategy", "backend"},
		),
		selectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selection_errors_total",
				Help:      "Total number of failed backend selections",
			},
			[]string{"strategy", "reason"},
		),
		healthChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "health_checks_total",
				Help:      "Total number of backend health probes by result",
			},
			[]string{"backend", "result"},
		),
		healthCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "health_check_duration_seconds",
				Help:      "Duration of backend health probes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		backendHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "healthy",
				Help:      "Backend health (1=healthy, 0=unhealthy)",
			},
			[]string{"backend"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		circuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"backend", "from", "to"},
		),
		circuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "rejected_total",
				Help:      "Total number of calls rejected by an open circuit",
			},
			[]string{"backend"},
		),
		scalingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "autoscaler",
				Name:      "decisions_total",
				Help:      "Total number of autoscaler decisions by action",
			},
			[]string{"action"},
		),
		workers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "workers",
				Help:      "Current number of supervised workers",
			},
		),
		workerRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "worker_restarts_total",
				Help:      "Total number of workers respawned after an unexpected exit",
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of routed requests by outcome",
			},
			[]string{"backend", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of routed requests",
				Buckets: []float64{
					.001, .005, .01, .025, .05,
					.1, .25, .5, 1, 2.5, 5, 10,
				},
			},
			[]string{"backend"},
		),
	}
}

// RecordSelection records a successful backend selection.
func (m *Metrics) RecordSelection(strategy, backendID string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(strategy, backendID).Inc()
}

// RecordSelectionError records a failed backend selection.
func (m *Metrics) RecordSelectionError(strategy, reason string) {
	if m == nil {
		return
	}
	m.selectionErrorsTotal.WithLabelValues(strategy, reason).Inc()
}

// RecordHealthCheck records a probe outcome and its duration.
func (m *Metrics) RecordHealthCheck(backendID string, healthy bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if healthy {
		result = "success"
	}
	m.healthChecksTotal.WithLabelValues(backendID, result).Inc()
	m.healthCheckDuration.WithLabelValues(backendID).Observe(d.Seconds())
	m.backendHealthy.WithLabelValues(backendID).Set(boolToFloat(healthy))
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(backendID, from, to string, state int) {
	if m == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(backendID, from, to).Inc()
	m.circuitState.WithLabelValues(backendID).Set(float64(state))
}

// RecordCircuitRejection records a call rejected by an open breaker.
func (m *Metrics) RecordCircuitRejection(backendID string) {
	if m == nil {
		return
	}
	m.circuitRejections.WithLabelValues(backendID).Inc()
}

// RecordScalingDecision records an autoscaler decision.
func (m *Metrics) RecordScalingDecision(action string) {
	if m == nil {
		return
	}
	m.scalingDecisions.WithLabelValues(action).Inc()
}

// SetWorkers sets the current worker count.
func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}

// RecordWorkerRestart records a respawn after an unexpected exit.
func (m *Metrics) RecordWorkerRestart() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

// RecordRequest records a routed request outcome.
func (m *Metrics) RecordRequest(backendID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(backendID, outcome).Inc()
	m.requestDuration.WithLabelValues(backendID).Observe(d.Seconds())
}

// ForgetBackend drops all per-backend series for a retired backend so that
// respawned workers do not leave stale label values behind.
func (m *Metrics) ForgetBackend(backendID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"backend": backendID}
	m.selectionsTotal.DeletePartialMatch(labels)
	m.healthChecksTotal.DeletePartialMatch(labels)
	m.healthCheckDuration.DeletePartialMatch(labels)
	m.backendHealthy.DeletePartialMatch(labels)
	m.circuitState.DeletePartialMatch(labels)
	m.circuitTransitions.DeletePartialMatch(labels)
	m.circuitRejections.DeletePartialMatch(labels)
	m.requestsTotal.DeletePartialMatch(labels)
	m.requestDuration.DeletePartialMatch(labels)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
