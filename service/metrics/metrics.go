package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerRPCCallsTotal   *prometheus.CounterVec
	ledgerRPCCallDuration *prometheus.HistogramVec
	ledgerRPCRetries      *prometheus.CounterVec

	// Cache Metrics
	cacheLookupsTotal *prometheus.CounterVec
	cacheEvictions    *prometheus.CounterVec

	// Poll Scheduler Metrics
	pollTicksTotal     *prometheus.CounterVec
	pollTickDuration   *prometheus.HistogramVec
	pollRowErrorsTotal *prometheus.CounterVec

	// Market Metrics
	marketsCreatedTotal prometheus.Counter
	wagersTotal         *prometheus.CounterVec
	settlementsTotal    *prometheus.CounterVec
	payoutsTotal        *prometheus.CounterVec
	signSessionsActive  prometheus.Gauge

	// Notification Metrics
	notificationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ledgerRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		ledgerRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		ledgerRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_retries_total",
				Help: "Total number of ledger RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups by TTL partition and result (hit, miss, error)",
			},
			[]string{"partition", "result"},
		),
		cacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Entries evicted because a partition reached its size bound",
			},
			[]string{"partition"},
		),

		pollTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poll_ticks_total",
				Help: "Total number of poll passes by task",
			},
			[]string{"task"},
		),
		pollTickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poll_tick_duration_seconds",
				Help:    "Duration of a full poll pass in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"task"},
		),
		pollRowErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poll_row_errors_total",
				Help: "Rows that failed inside a poll pass (the pass continues)",
			},
			[]string{"task"},
		),

		marketsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "markets_created_total",
				Help: "Total number of prediction markets created",
			},
		),
		wagersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wagers_total",
				Help: "Wager placements by token and outcome",
			},
			[]string{"token", "outcome"},
		),
		settlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_total",
				Help: "Settlement attempts by outcome",
			},
			[]string{"outcome"},
		),
		payoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payouts_total",
				Help: "Payout transfers by token and status",
			},
			[]string{"token", "status"},
		),
		signSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sign_sessions_active",
				Help: "Wager placements currently waiting for a signed transaction",
			},
		),

		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Notifications delivered by sink and status",
			},
			[]string{"sink", "status"},
		),

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
	}
}

// Ledger RPC metric helpers

// RecordRPCCall records a ledger RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.ledgerRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.ledgerRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.ledgerRPCRetries.WithLabelValues(method, reason).Inc()
}

// Cache metric helpers

// RecordCacheLookup records a cache lookup result ("hit", "miss" or "error").
func (m *Metrics) RecordCacheLookup(partition, result string) {
	m.cacheLookupsTotal.WithLabelValues(partition, result).Inc()
}

// RecordCacheEviction records an LRU eviction.
func (m *Metrics) RecordCacheEviction(partition string) {
	m.cacheEvictions.WithLabelValues(partition).Inc()
}

// Poll metric helpers

// RecordPollTick records a completed poll pass.
func (m *Metrics) RecordPollTick(task string, duration float64) {
	m.pollTicksTotal.WithLabelValues(task).Inc()
	m.pollTickDuration.WithLabelValues(task).Observe(duration)
}

// RecordPollRowError records a failed row inside a poll pass.
func (m *Metrics) RecordPollRowError(task string) {
	m.pollRowErrorsTotal.WithLabelValues(task).Inc()
}

// Market metric helpers

// RecordMarketCreated increments the created markets counter.
func (m *Metrics) RecordMarketCreated() {
	m.marketsCreatedTotal.Inc()
}

// RecordWager records a wager placement outcome (placed, expired, verification_failed, error).
func (m *Metrics) RecordWager(token, outcome string) {
	m.wagersTotal.WithLabelValues(token, outcome).Inc()
}

// RecordSettlement records a settlement attempt outcome.
func (m *Metrics) RecordSettlement(outcome string) {
	m.settlementsTotal.WithLabelValues(outcome).Inc()
}

// RecordPayout records a payout transfer result.
func (m *Metrics) RecordPayout(token, status string) {
	m.payoutsTotal.WithLabelValues(token, status).Inc()
}

// RecordSignSessionChange adjusts the active sign session gauge.
func (m *Metrics) RecordSignSessionChange(delta float64) {
	m.signSessionsActive.Add(delta)
}

// Notification metric helpers

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.notificationsTotal.WithLabelValues(sink, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
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
