package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Freshness Metrics
	freshnessRefreshesTotal *prometheus.CounterVec
	freshnessSlot           prometheus.Gauge

	// Lookup Table Metrics
	lookupTablesResolvedTotal *prometheus.CounterVec
	lookupTableAddresses      prometheus.Histogram

	// Budget Metrics
	simulatedComputeUnits prometheus.Histogram
	declaredComputeUnits  prometheus.Histogram

	// Submission Metrics
	submissionTransmissionsTotal *prometheus.CounterVec
	submissionOutcomesTotal      *prometheus.CounterVec
	submissionDuration           *prometheus.HistogramVec
	submissionReassembliesTotal  prometheus.Counter

	// Swap API (HTTP client) Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
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
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Freshness Metrics
		freshnessRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freshness_refreshes_total",
				Help: "Total number of blockhash refresh attempts by outcome (updated, stale, error)",
			},
			[]string{"status"},
		),
		freshnessSlot: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "freshness_slot",
				Help: "Slot at which the currently cached blockhash was observed",
			},
		),

		// Lookup Table Metrics
		lookupTablesResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lookup_tables_resolved_total",
				Help: "Total number of address lookup table resolutions by status",
			},
			[]string{"status"},
		),
		lookupTableAddresses: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lookup_table_addresses",
				Help:    "Number of member addresses per resolved lookup table",
				Buckets: []float64{1, 8, 16, 32, 64, 128, 256},
			},
		),

		// Budget Metrics
		simulatedComputeUnits: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "simulated_compute_units",
				Help:    "Compute units consumed by simulated probe transactions",
				Buckets: []float64{10_000, 50_000, 100_000, 200_000, 400_000, 800_000, 1_400_000},
			},
		),
		declaredComputeUnits: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "declared_compute_units",
				Help:    "Compute unit limit declared in final transactions",
				Buckets: []float64{10_000, 50_000, 100_000, 200_000, 400_000, 800_000, 1_400_000},
			},
		),

		// Submission Metrics
		submissionTransmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submission_transmissions_total",
				Help: "Total number of transaction transmissions by kind (initial, retry, rebroadcast) and status",
			},
			[]string{"kind", "status"},
		),
		submissionOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submission_outcomes_total",
				Help: "Total number of terminal submission outcomes by status",
			},
			[]string{"status"},
		),
		submissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submission_duration_seconds",
				Help:    "Duration from first transmission to terminal outcome in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		submissionReassembliesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "submission_reassemblies_total",
				Help: "Total number of re-assemblies with a fresh blockhash after expiry",
			},
		),

		// Swap API (HTTP client) Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swap_api_request_duration_seconds",
				Help:    "Duration of swap API requests in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"path", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_api_requests_total",
				Help: "Total number of swap API requests",
			},
			[]string{"path", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Freshness metric helpers

// RecordFreshnessRefresh records a blockhash refresh attempt.
func (m *Metrics) RecordFreshnessRefresh(status string) {
	m.freshnessRefreshesTotal.WithLabelValues(status).Inc()
}

// SetFreshnessSlot records the slot of the currently cached blockhash.
func (m *Metrics) SetFreshnessSlot(slot uint64) {
	m.freshnessSlot.Set(float64(slot))
}

// Lookup table metric helpers

// RecordLookupTableResolved records a lookup table resolution and its size.
func (m *Metrics) RecordLookupTableResolved(status string, addresses int) {
	m.lookupTablesResolvedTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.lookupTableAddresses.Observe(float64(addresses))
	}
}

// Budget metric helpers

// RecordSimulatedUnits records the compute units consumed by a probe simulation.
func (m *Metrics) RecordSimulatedUnits(units uint64) {
	m.simulatedComputeUnits.Observe(float64(units))
}

// RecordDeclaredUnits records the compute unit limit declared in a final transaction.
func (m *Metrics) RecordDeclaredUnits(units uint32) {
	m.declaredComputeUnits.Observe(float64(units))
}

// Submission metric helpers

// RecordTransmission records a single transmission of a signed transaction.
func (m *Metrics) RecordTransmission(kind, status string) {
	m.submissionTransmissionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordSubmissionOutcome records a terminal submission outcome with its duration.
func (m *Metrics) RecordSubmissionOutcome(status string, duration float64) {
	m.submissionOutcomesTotal.WithLabelValues(status).Inc()
	m.submissionDuration.WithLabelValues(status).Observe(duration)
}

// RecordReassembly records a re-assembly with a fresh blockhash.
func (m *Metrics) RecordReassembly() {
	m.submissionReassembliesTotal.Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an outbound swap API request with duration.
func (m *Metrics) RecordHTTPRequest(path, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(path, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(path, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	case code == 0:
		return "transport_error"
	default:
		return "unknown"
	}
}
