// Package telemetry holds the engine's prometheus collectors. Collectors
// register on the default registry; the operational HTTP server exposes
// them via promhttp on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxDepth is the number of entries currently persisted in the
	// outbound queue, by status.
	OutboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "convosync",
		Subsystem: "outbox",
		Name:      "depth",
		Help:      "Entries in the outbound queue by status.",
	}, []string{"status"})

	// OutboxAttempts counts delivery attempts, by outcome
	// (success|transient|permanent).
	OutboxAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "outbox",
		Name:      "attempts_total",
		Help:      "Delivery attempts by outcome.",
	}, []string{"outcome"})

	// OutboxExhausted counts entries that reached the retry ceiling and
	// were marked failed.
	OutboxExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "outbox",
		Name:      "exhausted_total",
		Help:      "Entries failed after exhausting retries.",
	})

	// DrainDuration observes the wall time of full drain passes.
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "convosync",
		Subsystem: "outbox",
		Name:      "drain_seconds",
		Help:      "Duration of outbox drain passes.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	// ReconcileOps counts reconciler applications, by kind
	// (replaced|inserted|patched|deleted|noop).
	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "reconcile",
		Name:      "ops_total",
		Help:      "Reconciler applications by kind.",
	}, []string{"kind"})

	// RealtimeEvents counts push events received, by table.
	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Push events received by table.",
	}, []string{"table"})

	// RealtimeCoalesced counts handler invocations suppressed by the
	// per-scope debounce window.
	RealtimeCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "realtime",
		Name:      "coalesced_total",
		Help:      "Events coalesced by debounce windows.",
	})

	// RealtimeReconnects counts push source reconnect attempts.
	RealtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "realtime",
		Name:      "reconnects_total",
		Help:      "Push event source reconnect attempts.",
	})

	// CachedThreads is the number of conversation threads held in cache.
	CachedThreads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "convosync",
		Subsystem: "cache",
		Name:      "threads",
		Help:      "Conversation threads resident in the local cache.",
	})

	// SweeperPruned counts entries removed by the maintenance sweeper.
	SweeperPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convosync",
		Subsystem: "sweeper",
		Name:      "pruned_total",
		Help:      "Records pruned by the sweeper by kind.",
	}, []string{"kind"})
)
