package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts dictionary cache probes by outcome (hit|miss).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawsync_cache_lookups_total",
			Help: "Total number of dictionary cache probes",
		},
		[]string{"namespace", "result"},
	)

	// CacheBackfills counts records fetched from the remote to fill cache misses.
	CacheBackfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawsync_cache_backfills_total",
			Help: "Total number of records backfilled into the local cache",
		},
		[]string{"namespace"},
	)

	// CacheEvictions counts records removed by the TTL sweep.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pawsync_cache_evictions_total",
			Help: "Total number of cache records evicted by the TTL sweep",
		},
	)

	// OfflineFallbacks counts reads served from the local-only path.
	OfflineFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pawsync_offline_fallbacks_total",
			Help: "Total number of reads served without the remote store",
		},
	)

	// PullBatches counts incremental pull batches by result (success|failure).
	PullBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawsync_pull_batches_total",
			Help: "Total number of replication pull batches",
		},
		[]string{"collection", "result"},
	)

	// PushConflicts counts rows returned to the conflicts list during push.
	PushConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawsync_push_conflicts_total",
			Help: "Total number of pushed rows that failed and await retry",
		},
		[]string{"collection"},
	)

	// RealtimeEvents counts remote change events by disposition (applied|skipped).
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pawsync_realtime_events_total",
			Help: "Total number of remote change events processed",
		},
		[]string{"collection", "result"},
	)
)
