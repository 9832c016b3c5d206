// Package metrics exposes Prometheus instrumentation for the sync engine.
// Collectors cover queue throughput, dispatch outcomes and latency, retry
// pressure, leadership, and storage degradation, with label cardinality kept
// bounded:
//
//   - kind:    the logical entity kind (e.g. "borrowers"); bounded by the
//     application's resource catalogue
//   - op:      create/update/delete
//   - outcome: synced, duplicate, retried, failed, validation_failed
//
// All collectors are safe for concurrent use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// enqueued counts mutations registered in the queue by kind and operation.
	enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_mutations_enqueued_total",
			Help: "Total number of mutations enqueued.",
		},
		[]string{"kind", "op"},
	)

	// dispatched counts completed dispatch attempts by outcome.
	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_dispatch_total",
			Help: "Total number of dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// dispatchLat records the duration of a single send attempt. Status is
	// intentionally omitted to keep histogram cardinality low.
	dispatchLat = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_dispatch_duration_seconds",
			Help:    "Duration of backend send attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// queueDepth gauges the number of queued mutations per status.
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Current number of mutations in the queue per status.",
		},
		[]string{"status"},
	)

	// leader reports whether this instance currently holds the dispatcher
	// lease (1) or not (0).
	leader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_leader",
			Help: "Whether this instance is the elected dispatcher.",
		},
	)

	// online reports the connectivity monitor's current view.
	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_online",
			Help: "Whether the backend is currently considered reachable.",
		},
	)

	// storageDegraded counts writes the durable store rejected, forcing
	// memory-only tracking.
	storageDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_storage_degraded_total",
			Help: "Total number of mutations tracked in memory because the durable store rejected the write.",
		},
	)

	// pruned counts terminal mutations removed from the durable store.
	pruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_pruned_total",
			Help: "Total number of terminal mutations pruned.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		enqueued, dispatched, dispatchLat, queueDepth,
		leader, online, storageDegraded, pruned,
	)
}

// RecordEnqueued increments the enqueue counter.
func RecordEnqueued(kind, op string) { enqueued.WithLabelValues(kind, op).Inc() }

// RecordDispatch records a completed dispatch attempt and its latency.
func RecordDispatch(outcome string, d time.Duration) {
	dispatched.WithLabelValues(outcome).Inc()
	dispatchLat.Observe(d.Seconds())
}

// SetQueueDepth updates the per-status depth gauge.
func SetQueueDepth(status string, n float64) { queueDepth.WithLabelValues(status).Set(n) }

// SetLeader flags whether this instance holds the dispatcher lease.
func SetLeader(isLeader bool) { leader.Set(boolToGauge(isLeader)) }

// SetOnline flags the connectivity monitor's current view.
func SetOnline(isOnline bool) { online.Set(boolToGauge(isOnline)) }

// RecordStorageDegradation counts a rejected durable write.
func RecordStorageDegradation() { storageDegraded.Inc() }

// RecordPruned counts removed terminal mutations.
func RecordPruned(n int64) { pruned.Add(float64(n)) }

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
