// Package metrics provides performance tracking and observability for
// Polystore using Prometheus metrics. Every provider mutation and query
// records its operation name, duration, and outcome here before returning
// to the caller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts provider operations by technology, operation
	// name, and outcome (success/failure).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polystore_operations_total",
			Help: "Total number of provider operations",
		},
		[]string{"technology", "operation", "status"},
	)

	// OperationLatency tracks the distribution of provider operation
	// latencies in seconds.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "polystore_operation_latency_seconds",
			Help: "Provider operation latency in seconds",
			Buckets: []float64{
				0.0001, // 100μs - cache hits
				0.001,  // 1ms - local lookups
				0.005,  // 5ms - indexed queries
				0.01,   // 10ms - standard queries
				0.05,   // 50ms - cross-region reads
				0.1,    // 100ms - scans
				0.5,    // 500ms - aggregations
				1,      // 1s - batch operations
				5,      // 5s - lifecycle batches
			},
		},
		[]string{"technology", "operation"},
	)

	// ActiveConnections tracks active pooled connections per technology.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polystore_active_connections",
			Help: "Number of active connections",
		},
		[]string{"technology"},
	)

	// ProviderHealth reports provider health (1 healthy, 0.5 degraded, 0 unhealthy).
	ProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polystore_provider_health",
			Help: "Provider health status",
		},
		[]string{"technology"},
	)

	// RouterCacheHits counts router decision cache hits.
	RouterCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polystore_router_cache_hits_total",
			Help: "Router decision cache hits",
		},
	)

	// RouterCacheMisses counts router decision cache misses.
	RouterCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polystore_router_cache_misses_total",
			Help: "Router decision cache misses",
		},
	)

	// RouterFallbacks counts routing decisions that used a fallback technology.
	RouterFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polystore_router_fallbacks_total",
			Help: "Routing decisions served by a fallback technology",
		},
		[]string{"table", "technology"},
	)

	// TransactionsTotal counts coordinated transactions by final outcome
	// (committed, rolled_back, inconsistent).
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polystore_transactions_total",
			Help: "Total number of coordinated transactions",
		},
		[]string{"status"},
	)

	// InconsistentCommits counts partial commits escalated to operators.
	// Any increase here requires manual reconciliation.
	InconsistentCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polystore_inconsistent_commits_total",
			Help: "Transactions that committed on some participants only",
		},
	)

	// LifecycleRecordsProcessed counts records handled by lifecycle rules.
	LifecycleRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polystore_lifecycle_records_total",
			Help: "Records processed by lifecycle rules",
		},
		[]string{"rule", "action"},
	)

	// ShardRebalances counts explicit shard rebalancing operations.
	ShardRebalances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polystore_shard_rebalances_total",
			Help: "Explicit shard rebalance operations",
		},
		[]string{"table"},
	)
)

// Collector provides a per-component metrics recording interface. Each
// provider creates its own collector labeled with its technology name.
type Collector struct {
	technology string
	startTime  time.Time
}

// NewCollector creates a new metrics collector for a technology.
func NewCollector(technology string) *Collector {
	return &Collector{
		technology: technology,
		startTime:  time.Now(),
	}
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// ObserveOperation records one provider operation: name, duration, outcome.
func (c *Collector) ObserveOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	OperationsTotal.WithLabelValues(c.technology, operation, status).Inc()
	OperationLatency.WithLabelValues(c.technology, operation).Observe(time.Since(start).Seconds())
}

// SetActiveConnections updates the active connection gauge.
func (c *Collector) SetActiveConnections(n float64) {
	ActiveConnections.WithLabelValues(c.technology).Set(n)
}

// SetHealth updates the provider health gauge.
func (c *Collector) SetHealth(v float64) {
	ProviderHealth.WithLabelValues(c.technology).Set(v)
}
