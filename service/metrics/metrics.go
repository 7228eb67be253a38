package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Payment processor metrics
	processorCallsTotal   *prometheus.CounterVec
	processorCallDuration *prometheus.HistogramVec

	// Transfer execution metrics
	transfersTotal         *prometheus.CounterVec
	transferDuration       *prometheus.HistogramVec
	idempotencyClaims      *prometheus.CounterVec
	reconcileAttemptsTotal *prometheus.CounterVec
	reconcileOutcomes      *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		processorCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "processor_calls_total",
				Help: "Total number of payment processor calls by method and status",
			},
			[]string{"method", "status"},
		),
		processorCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "processor_call_duration_seconds",
				Help:    "Duration of payment processor calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_total",
				Help: "Total number of transfer executions by terminal status",
			},
			[]string{"status"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_duration_seconds",
				Help:    "End-to-end duration of transfer execution in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"status"},
		),
		idempotencyClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idempotency_claims_total",
				Help: "Total number of idempotency key claims by result (fresh, in_flight, resolved)",
			},
			[]string{"result"},
		),
		reconcileAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_attempts_total",
				Help: "Total number of reconciliation status queries against the processor",
			},
			[]string{"result"},
		),
		reconcileOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_outcomes_total",
				Help: "Total number of reconciliation outcomes (recovered, failed, unresolved)",
			},
			[]string{"outcome"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "path"},
		),
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS by subject and status",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"subject"},
		),
	}
}

// RecordProcessorCall records a payment processor call.
func (m *Metrics) RecordProcessorCall(method, status string, duration time.Duration) {
	m.processorCallsTotal.WithLabelValues(method, status).Inc()
	m.processorCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTransfer records a finished transfer execution.
func (m *Metrics) RecordTransfer(status string, duration time.Duration) {
	m.transfersTotal.WithLabelValues(status).Inc()
	m.transferDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordIdempotencyClaim records the result of an idempotency key claim.
func (m *Metrics) RecordIdempotencyClaim(result string) {
	m.idempotencyClaims.WithLabelValues(result).Inc()
}

// RecordReconcileAttempt records one reconciliation status query.
func (m *Metrics) RecordReconcileAttempt(result string) {
	m.reconcileAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordReconcileOutcome records the final outcome of a reconciliation pass.
func (m *Metrics) RecordReconcileOutcome(outcome string) {
	m.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, code string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration time.Duration) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration.Seconds())
}
