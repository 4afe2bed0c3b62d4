package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Upstream API metrics
	heliusCallsTotal     *prometheus.CounterVec
	heliusCallDuration   *prometheus.HistogramVec
	heliusRateLimitHits  *prometheus.CounterVec
	heliusRetries        *prometheus.CounterVec
	heliusRecordsPerPage *prometheus.HistogramVec

	// Export pipeline metrics
	exportPagesFetched    *prometheus.HistogramVec
	exportRecordsFetched  *prometheus.CounterVec
	exportRecordsFiltered *prometheus.CounterVec
	exportRowsEmitted     *prometheus.HistogramVec
	exportDuration        *prometheus.HistogramVec
	exportsTotal          *prometheus.CounterVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

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
		// Upstream API metrics
		heliusCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helius_api_calls_total",
				Help: "Total number of Helius API calls by status",
			},
			[]string{"status"},
		),
		heliusCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helius_api_call_duration_seconds",
				Help:    "Duration of Helius API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"status"},
		),
		heliusRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helius_api_rate_limit_hits_total",
				Help: "Total number of Helius API rate limit hits (429 responses)",
			},
			[]string{"wallet_address"},
		),
		heliusRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helius_api_retries_total",
				Help: "Total number of Helius API retry attempts by reason",
			},
			[]string{"reason"},
		),
		heliusRecordsPerPage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helius_api_records_per_page",
				Help:    "Number of activity records returned per page fetch",
				Buckets: []float64{0, 1, 10, 25, 50, 100},
			},
			[]string{"wallet_address"},
		),

		// Export pipeline metrics
		exportPagesFetched: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "export_pages_fetched",
				Help:    "Number of pages fetched per export",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 300},
			},
			[]string{"wallet_address"},
		),
		exportRecordsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_records_fetched_total",
				Help: "Total number of raw activity records fetched",
			},
			[]string{"wallet_address"},
		),
		exportRecordsFiltered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_records_filtered_total",
				Help: "Total number of records dropped during normalization by reason",
			},
			[]string{"reason"},
		),
		exportRowsEmitted: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "export_rows_emitted",
				Help:    "Number of CSV rows emitted per export",
				Buckets: []float64{0, 10, 100, 1000, 10000, 30000},
			},
			[]string{"wallet_address"},
		),
		exportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "export_duration_seconds",
				Help:    "End-to-end export duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		exportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exports_total",
				Help: "Total number of exports by terminal status",
			},
			[]string{"status"},
		),

		// Database metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP metrics
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
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"job_id"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"job_id", "event_type"},
		),

		// NATS metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Upstream API metric helpers

// RecordAPICall records a Helius API call with duration.
func (m *Metrics) RecordAPICall(status string, duration float64) {
	m.heliusCallsTotal.WithLabelValues(status).Inc()
	m.heliusCallDuration.WithLabelValues(status).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 response).
func (m *Metrics) RecordRateLimitHit(walletAddress string) {
	m.heliusRateLimitHits.WithLabelValues(walletAddress).Inc()
}

// RecordRetry records a retry attempt.
func (m *Metrics) RecordRetry(reason string) {
	m.heliusRetries.WithLabelValues(reason).Inc()
}

// RecordRecordsPerPage records the number of activity records on one page.
func (m *Metrics) RecordRecordsPerPage(walletAddress string, count float64) {
	m.heliusRecordsPerPage.WithLabelValues(walletAddress).Observe(count)
}

// Export pipeline metric helpers

// RecordExportPages records the page count of a completed pagination run.
func (m *Metrics) RecordExportPages(walletAddress string, pages float64) {
	m.exportPagesFetched.WithLabelValues(walletAddress).Observe(pages)
}

// RecordRecordsFetched records raw records accumulated by the paginator.
func (m *Metrics) RecordRecordsFetched(walletAddress string, count int) {
	m.exportRecordsFetched.WithLabelValues(walletAddress).Add(float64(count))
}

// RecordRecordFiltered records a record dropped during normalization.
func (m *Metrics) RecordRecordFiltered(reason string) {
	m.exportRecordsFiltered.WithLabelValues(reason).Inc()
}

// RecordRowsEmitted records the final row count of an export.
func (m *Metrics) RecordRowsEmitted(walletAddress string, rows float64) {
	m.exportRowsEmitted.WithLabelValues(walletAddress).Observe(rows)
}

// RecordExport records a completed export with its terminal status and duration.
func (m *Metrics) RecordExport(status string, duration float64) {
	m.exportDuration.WithLabelValues(status).Observe(duration)
	m.exportsTotal.WithLabelValues(status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(jobID string, delta float64) {
	m.sseActiveConnections.WithLabelValues(jobID).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(jobID, eventType string) {
	m.sseEventsSent.WithLabelValues(jobID, eventType).Inc()
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
	default:
		return "unknown"
	}
}
