package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	solanaRPCRetries      *prometheus.CounterVec

	// Nonce Lifecycle Metrics
	nonceTransitionsTotal     *prometheus.CounterVec
	nonceReservationConflicts prometheus.Counter
	nonceCreationBatchSize    prometheus.Histogram
	nonceMaterializationDelay prometheus.Histogram

	// Durable Transaction Metrics
	durableTransactionsTotal *prometheus.CounterVec
	submissionDuration       *prometheus.HistogramVec

	// Database Metrics
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of retried Solana reads (read-after-create lag)",
			},
			[]string{"method"},
		),

		// Nonce Lifecycle Metrics
		nonceTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nonce_transitions_total",
				Help: "Total number of nonce account lifecycle transitions",
			},
			[]string{"to_status"},
		),
		// Not labeled by owner: wallet addresses would make the label
		// set unbounded.
		nonceReservationConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nonce_reservation_conflicts_total",
				Help: "Total number of reservation attempts that found no usable nonce",
			},
		),
		nonceCreationBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nonce_creation_batch_size",
				Help:    "Number of nonce accounts requested per creation batch",
				Buckets: []float64{1, 2, 3, 5, 8, 10},
			},
		),
		nonceMaterializationDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nonce_materialization_delay_seconds",
				Help:    "Time between creation confirmation and the nonce account becoming readable",
				Buckets: []float64{0.5, 1, 2, 3, 6, 9, 12},
			},
		),

		// Durable Transaction Metrics
		durableTransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "durable_transactions_total",
				Help: "Total number of durable transactions by payload kind and status",
			},
			[]string{"kind", "status"},
		),
		submissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_submission_duration_seconds",
				Help:    "Duration of send-and-confirm round trips in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"status"},
		),

		// Database Metrics
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of lifecycle events published to NATS",
			},
			[]string{"subject_prefix", "status"},
		),
	}
}

// RecordRPCCall records a Solana RPC call with its duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRPCRetry records a retried Solana read.
func (m *Metrics) RecordRPCRetry(method string) {
	m.solanaRPCRetries.WithLabelValues(method).Inc()
}

// RecordNonceTransition records a nonce lifecycle transition into to_status.
func (m *Metrics) RecordNonceTransition(toStatus string) {
	m.nonceTransitionsTotal.WithLabelValues(toStatus).Inc()
}

// RecordReservationConflict records a reservation attempt that found no usable nonce.
func (m *Metrics) RecordReservationConflict() {
	m.nonceReservationConflicts.Inc()
}

// RecordNonceCreationBatch records the size of a nonce creation batch.
func (m *Metrics) RecordNonceCreationBatch(size int) {
	m.nonceCreationBatchSize.Observe(float64(size))
}

// RecordMaterializationDelay records how long a fresh nonce account took to become readable.
func (m *Metrics) RecordMaterializationDelay(seconds float64) {
	m.nonceMaterializationDelay.Observe(seconds)
}

// RecordDurableTransaction records a durable transaction status change.
func (m *Metrics) RecordDurableTransaction(kind, status string) {
	m.durableTransactionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordSubmission records a send-and-confirm round trip.
func (m *Metrics) RecordSubmission(status string, duration float64) {
	m.submissionDuration.WithLabelValues(status).Observe(duration)
}

// RecordDBOperation records a database operation.
func (m *Metrics) RecordDBOperation(operation, status string) {
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
}

// RecordNATSPublish records a published lifecycle event.
func (m *Metrics) RecordNATSPublish(subjectPrefix, status string) {
	m.natsMessagesPublished.WithLabelValues(subjectPrefix, status).Inc()
}
