package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// AllocationLatency tracks the time from allocation request to a claimed
	// sandbox being returned.
	AllocationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_allocation_latency_ms",
			Help:    "Latency of warm sandbox allocation in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
	)

	// AllocationResponses tracks allocation attempts and their results.
	AllocationResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_allocation_responses",
			Help: "Total number of sandbox allocation requests and their results",
		},
		[]string{"result"}, // "success", "empty" or "failure"
	)

	// SandboxesCreated counts pod creations by what triggered them.
	SandboxesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sandboxes_created_total",
			Help: "Total number of sandboxes created per trigger",
		},
		[]string{"trigger"}, // "backfill" or "on-demand"
	)

	// SandboxesDeleted counts pod deletions by the recorded reason.
	SandboxesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sandboxes_deleted_total",
			Help: "Total number of sandboxes deleted per reason",
		},
		[]string{"reason"},
	)

	// PoolSandboxes mirrors the per-pool counters so dashboards see the same
	// numbers the backfill loop works from.
	PoolSandboxes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_pool_sandboxes",
			Help: "Current number of sandboxes per pool and pool status",
		},
		[]string{"pool", "status"},
	)

	// ProxyDecisions counts CONNECT requests by the policy action applied.
	ProxyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_egress_decisions_total",
			Help: "Total number of egress CONNECT requests per policy action",
		},
		[]string{"action"}, // "mitm", "passthrough" or "deny"
	)

	// ProxySyntheticResponses counts error responses the proxy fabricated
	// instead of relaying an upstream answer.
	ProxySyntheticResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_egress_synthetic_responses_total",
			Help: "Total number of synthetic error responses returned to sandboxes",
		},
		[]string{"error"},
	)

	// BrokerRequests counts calls to the credential broker by operation and
	// outcome.
	BrokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_broker_requests_total",
			Help: "Total number of credential broker requests per operation and result",
		},
		[]string{"operation", "result"},
	)

	// TokenCacheEvents tracks short-lived token reuse in the egress proxy.
	TokenCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_token_cache_events_total",
			Help: "Total number of token cache lookups per outcome",
		},
		[]string{"event"}, // "hit", "miss" or "refresh"
	)
)

func init() {
	// Register custom metrics with the global prometheus registry
	metrics.Registry.MustRegister(
		AllocationLatency,
		AllocationResponses,
		SandboxesCreated,
		SandboxesDeleted,
		PoolSandboxes,
		ProxyDecisions,
		ProxySyntheticResponses,
		BrokerRequests,
		TokenCacheEvents,
	)
}
