// Package observability holds the Prometheus collectors for the sync
// engine, the approval workflow, and the job cache. Metrics are a UI
// convenience, never a correctness mechanism — state transitions are
// reported through the notifier, not scraped.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Sync Metrics ───────────────────────────────────────────────────────────

// SyncPushes counts queue item pushes by kind and outcome
// (completed, requeued, failed, skipped).
var SyncPushes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldledger",
	Subsystem: "sync",
	Name:      "pushes_total",
	Help:      "Total sync queue pushes by kind and outcome.",
}, []string{"kind", "outcome"})

// SyncRetries counts transient-failure retries.
var SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fieldledger",
	Subsystem: "sync",
	Name:      "retries_total",
	Help:      "Total transient-failure retries across all queue items.",
})

// SyncQueueDepth tracks the number of undelivered queue items.
var SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fieldledger",
	Subsystem: "sync",
	Name:      "queue_depth",
	Help:      "Current number of pending or in-flight sync queue items.",
})

// SyncDrainDuration tracks how long a full drain pass takes.
var SyncDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fieldledger",
	Subsystem: "sync",
	Name:      "drain_seconds",
	Help:      "Duration of a sync queue drain pass in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
})

// SyncRunsCoalesced counts run requests absorbed by an active pass.
var SyncRunsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fieldledger",
	Subsystem: "sync",
	Name:      "runs_coalesced_total",
	Help:      "Total drain requests coalesced into an already-running pass.",
})

// ─── Approval Metrics ───────────────────────────────────────────────────────

// ApprovalTransitions counts approval operations by type and outcome.
var ApprovalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldledger",
	Subsystem: "approval",
	Name:      "transitions_total",
	Help:      "Total approval state machine operations by operation and outcome.",
}, []string{"operation", "outcome"})

// ─── Job Cache Metrics ──────────────────────────────────────────────────────

// JobCacheRefreshes counts cache refresh attempts by outcome.
var JobCacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldledger",
	Subsystem: "jobcache",
	Name:      "refreshes_total",
	Help:      "Total job cache refresh attempts by outcome.",
}, []string{"outcome"})

// JobCacheSize tracks the cached job count.
var JobCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fieldledger",
	Subsystem: "jobcache",
	Name:      "size",
	Help:      "Number of jobs currently cached.",
})

// ─── Connectivity Metrics ───────────────────────────────────────────────────

// Online tracks backend reachability (1 = online, 0 = offline).
var Online = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fieldledger",
	Subsystem: "net",
	Name:      "online",
	Help:      "Whether the finance backend is currently reachable (1) or not (0).",
})
