package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the token indexer
type PrometheusMetrics struct {
	// Materializer metrics
	TransfersAppliedTotal     *prometheus.CounterVec
	TransfersDuplicateTotal   *prometheus.CounterVec
	BalanceInconsistencies    *prometheus.CounterVec
	TransferApplyDuration     prometheus.Histogram
	DeploymentsProcessedTotal *prometheus.CounterVec

	// Backfill metrics
	BackfillChunksTotal   *prometheus.CounterVec
	BackfillChunkShrinks  prometheus.Counter
	BackfillBlocksScanned prometheus.Counter
	BackfillsActive       prometheus.Gauge

	// Watcher metrics
	WatchersByState      *prometheus.GaugeVec
	WatcherRestartsTotal *prometheus.CounterVec
	HealthChecksTotal    prometheus.Counter

	// Webhook metrics
	DeliveriesTotal      *prometheus.CounterVec
	DeliveryLogsTotal    *prometheus.CounterVec
	SubscriptionsByState *prometheus.GaugeVec
	ProviderCallsTotal   *prometheus.CounterVec

	// Connection and error metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec
	LatestChainBlock      prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all Prometheus metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TransfersAppliedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_transfers_applied_total",
				Help: "Transfer events applied to holder balances",
			},
			[]string{"token_address", "source"},
		),

		TransfersDuplicateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_transfers_duplicate_total",
				Help: "Transfer events skipped because they were already recorded",
			},
			[]string{"source"},
		),

		BalanceInconsistencies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_balance_inconsistencies_total",
				Help: "Debits that would have driven a holder balance below zero",
			},
			[]string{"token_address"},
		),

		TransferApplyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "token_indexer_transfer_apply_duration_seconds",
				Help:    "Time spent applying a transfer inside one storage transaction",
				Buckets: prometheus.DefBuckets,
			},
		),

		DeploymentsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_deployments_processed_total",
				Help: "TokenCreated events handled",
			},
			[]string{"source", "status"},
		),

		BackfillChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_backfill_chunks_total",
				Help: "Backfill chunks fetched",
			},
			[]string{"status"},
		),

		BackfillChunkShrinks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_indexer_backfill_chunk_shrinks_total",
				Help: "Times a backfill chunk was halved after a range too large error",
			},
		),

		BackfillBlocksScanned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_indexer_backfill_blocks_scanned_total",
				Help: "Blocks covered by completed backfill chunks",
			},
		),

		BackfillsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "token_indexer_backfills_active",
				Help: "Backfills currently holding a concurrency slot",
			},
		),

		WatchersByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "token_indexer_watchers",
				Help: "Live watchers by state",
			},
			[]string{"state"},
		),

		WatcherRestartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_watcher_restarts_total",
				Help: "Watcher restarts by reason",
			},
			[]string{"reason"},
		),

		HealthChecksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_indexer_health_checks_total",
				Help: "Health monitor ticks",
			},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_webhook_deliveries_total",
				Help: "Webhook deliveries by payload shape and outcome",
			},
			[]string{"shape", "status"},
		),

		DeliveryLogsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_webhook_logs_total",
				Help: "Logs extracted from webhook deliveries by classification",
			},
			[]string{"kind"},
		),

		SubscriptionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "token_indexer_webhook_subscriptions",
				Help: "Persisted webhook subscriptions by event type and status",
			},
			[]string{"event_type", "status"},
		),

		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_provider_calls_total",
				Help: "Webhook provider API calls",
			},
			[]string{"operation", "status"},
		),

		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_indexer_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		LatestChainBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "token_indexer_latest_chain_block",
				Help: "Latest block height reported by the chain node",
			},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_indexer_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_indexer_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_indexer_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "token_indexer_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "token_indexer_component_health",
				Help: "Health status of components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "token_indexer_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "token_indexer_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordTransferApplied records a transfer that changed the materialized view
func (m *PrometheusMetrics) RecordTransferApplied(tokenAddress, source string, duration time.Duration) {
	m.TransfersAppliedTotal.WithLabelValues(tokenAddress, source).Inc()
	m.TransferApplyDuration.Observe(duration.Seconds())
}

// RecordTransferDuplicate records a redelivered transfer
func (m *PrometheusMetrics) RecordTransferDuplicate(source string) {
	m.TransfersDuplicateTotal.WithLabelValues(source).Inc()
}

// RecordBalanceInconsistency records a clamped negative balance
func (m *PrometheusMetrics) RecordBalanceInconsistency(tokenAddress string) {
	m.BalanceInconsistencies.WithLabelValues(tokenAddress).Inc()
}

// RecordDeployment records a handled TokenCreated event
func (m *PrometheusMetrics) RecordDeployment(source, status string) {
	m.DeploymentsProcessedTotal.WithLabelValues(source, status).Inc()
}

// RecordBackfillChunk records one chunk fetch outcome
func (m *PrometheusMetrics) RecordBackfillChunk(status string, blocks uint64) {
	m.BackfillChunksTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.BackfillBlocksScanned.Add(float64(blocks))
	}
}

// RecordChunkShrink records a chunk size reduction
func (m *PrometheusMetrics) RecordChunkShrink() {
	m.BackfillChunkShrinks.Inc()
}

// UpdateWatcherStates replaces the per-state watcher gauge
func (m *PrometheusMetrics) UpdateWatcherStates(counts map[string]int) {
	m.WatchersByState.Reset()
	for state, n := range counts {
		m.WatchersByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordWatcherRestart records a watcher restart
func (m *PrometheusMetrics) RecordWatcherRestart(reason string) {
	m.WatcherRestartsTotal.WithLabelValues(reason).Inc()
}

// RecordDelivery records one webhook delivery
func (m *PrometheusMetrics) RecordDelivery(shape, status string) {
	m.DeliveriesTotal.WithLabelValues(shape, status).Inc()
}

// RecordDeliveryLog records one extracted log by kind
func (m *PrometheusMetrics) RecordDeliveryLog(kind string) {
	m.DeliveryLogsTotal.WithLabelValues(kind).Inc()
}

// UpdateSubscriptionCounts replaces the subscription gauge
func (m *PrometheusMetrics) UpdateSubscriptionCounts(counts map[string]map[string]int) {
	m.SubscriptionsByState.Reset()
	for eventType, byStatus := range counts {
		for status, n := range byStatus {
			m.SubscriptionsByState.WithLabelValues(eventType, status).Set(float64(n))
		}
	}
}

// RecordProviderCall records a webhook provider API call
func (m *PrometheusMetrics) RecordProviderCall(operation, status string) {
	m.ProviderCallsTotal.WithLabelValues(operation, status).Inc()
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdateLatestChainBlock sets the latest observed chain height
func (m *PrometheusMetrics) UpdateLatestChainBlock(blockNumber uint64) {
	m.LatestChainBlock.Set(float64(blockNumber))
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates memory usage
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
