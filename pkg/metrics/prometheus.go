// Package metrics exposes Prometheus instrumentation for the router and
// node processes. Each process owns a dedicated registry so tests can
// construct instances without global collector collisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection
type PrometheusMetrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Dispatch metrics
	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	dispatchSelections *prometheus.CounterVec

	// Node lifecycle metrics
	modelLoadsTotal   *prometheus.CounterVec
	modelLoadDuration prometheus.Histogram
	modelStatus       *prometheus.GaugeVec

	// Store metrics
	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec

	// Authentication metrics
	authAttempts *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "gridserve"
	}

	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of completion requests by model and outcome",
		},
		[]string{"model", "status"},
	)

	m.completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "End-to-end completion latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"model"},
	)

	m.dispatchSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_selections_total",
			Help:      "Completion dispatches per selected node",
		},
		[]string{"node"},
	)

	m.modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model load attempts by outcome",
		},
		[]string{"status"},
	)

	m.modelLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Download plus load time for a model in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	m.modelStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_status",
			Help:      "Current model lifecycle state (1 for the active state)",
		},
		[]string{"status"},
	)

	m.storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Coordination store operations by outcome",
		},
		[]string{"operation", "status"},
	)

	m.storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_latency_seconds",
			Help:      "Coordination store operation latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"operation"},
	)

	m.authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Node authentication attempts by outcome",
		},
		[]string{"status"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by code and component",
		},
		[]string{"code", "component"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.completionsTotal,
		m.completionDuration,
		m.dispatchSelections,
		m.modelLoadsTotal,
		m.modelLoadDuration,
		m.modelStatus,
		m.storeOperations,
		m.storeLatency,
		m.authAttempts,
		m.errorsTotal,
	)

	return m
}

// RecordRequest records an HTTP request
func (m *PrometheusMetrics) RecordRequest(method, endpoint string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCompletion records a completion dispatch outcome
func (m *PrometheusMetrics) RecordCompletion(model string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.completionsTotal.WithLabelValues(model, status).Inc()
	m.completionDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordDispatchSelection records which node won a dispatch
func (m *PrometheusMetrics) RecordDispatchSelection(nodeID string) {
	m.dispatchSelections.WithLabelValues(nodeID).Inc()
}

// RecordModelLoad records a model load attempt
func (m *PrometheusMetrics) RecordModelLoad(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.modelLoadsTotal.WithLabelValues(status).Inc()
	if success {
		m.modelLoadDuration.Observe(duration.Seconds())
	}
}

// SetModelStatus marks the current lifecycle state
func (m *PrometheusMetrics) SetModelStatus(status string) {
	for _, s := range []string{"idle", "queued", "downloading", "loading", "ready", "error"} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.modelStatus.WithLabelValues(s).Set(value)
	}
}

// RecordStoreOperation records a coordination store call
func (m *PrometheusMetrics) RecordStoreOperation(operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.storeOperations.WithLabelValues(operation, status).Inc()
	m.storeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAuthAttempt records a node authentication attempt
func (m *PrometheusMetrics) RecordAuthAttempt(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.authAttempts.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *PrometheusMetrics) RecordError(code, component string) {
	m.errorsTotal.WithLabelValues(code, component).Inc()
}

// GetRegistry returns the Prometheus registry
func (m *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// GetHTTPHandler returns an HTTP handler for the metrics endpoint
func (m *PrometheusMetrics) GetHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
