// Package metrics provides Prometheus metrics for the planwise storage tier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all planwise metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// StorageMetrics holds all Prometheus metrics for the storage tier.
type StorageMetrics struct {
	// Tenant lifecycle
	ResidentTenants prometheus.Gauge
	RestoresTotal   prometheus.Counter
	RestoreFailures prometheus.Counter
	RestoreSeconds  prometheus.Histogram
	EvictionsTotal  prometheus.Counter
	ShipperCrashes  prometheus.Counter

	// Replication
	SegmentsShipped  prometheus.Counter
	SegmentBytes     prometheus.Counter
	SnapshotsShipped prometheus.Counter
	SnapshotBytes    prometheus.Counter

	// Distributed lock
	LockAcquiredTotal   prometheus.Counter
	LockContentionTotal prometheus.Counter

	// Bulk replace
	BulkJobsTotal        *prometheus.CounterVec // labels: result
	BulkRowsAdded        prometheus.Counter
	BulkRowsSkipped      prometheus.Counter
	GenerationConflicts  prometheus.Counter
	GenerationsPublished prometheus.Counter
}

// New initializes storage metrics against the given registerer. Tests pass a
// fresh registry; the server passes Registry.
func New(reg prometheus.Registerer) *StorageMetrics {
	return &StorageMetrics{
		ResidentTenants: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "planwise_resident_tenants",
			Help: "Tenant databases currently hydrated in this process",
		}),
		RestoresTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_restores_total",
			Help: "Cold-start restores attempted",
		}),
		RestoreFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_restore_failures_total",
			Help: "Cold-start restores that exhausted their retries",
		}),
		RestoreSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "planwise_restore_duration_seconds",
			Help:    "Cold-start restore latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		EvictionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_evictions_total",
			Help: "Idle tenant databases evicted",
		}),
		ShipperCrashes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_shipper_crashes_total",
			Help: "Replication shippers that exited unexpectedly",
		}),
		SegmentsShipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_wal_segments_shipped_total",
			Help: "WAL segments uploaded to the durable store",
		}),
		SegmentBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_wal_segment_bytes_total",
			Help: "Compressed WAL segment bytes uploaded",
		}),
		SnapshotsShipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_snapshots_shipped_total",
			Help: "Full snapshots uploaded to the durable store",
		}),
		SnapshotBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_snapshot_bytes_total",
			Help: "Compressed snapshot bytes uploaded",
		}),
		LockAcquiredTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_lock_acquired_total",
			Help: "Distributed lock acquisitions",
		}),
		LockContentionTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_lock_contention_total",
			Help: "Lock acquisitions rejected because the lease was held",
		}),
		BulkJobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "planwise_bulk_jobs_total",
			Help: "Bulk replace jobs by result",
		}, []string{"result"}),
		BulkRowsAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_bulk_rows_added_total",
			Help: "Rows added or overwritten by bulk replace jobs",
		}),
		BulkRowsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_bulk_rows_skipped_total",
			Help: "Rows skipped by bulk replace jobs",
		}),
		GenerationConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_generation_conflicts_total",
			Help: "Optimistic generation publishes lost to a concurrent writer",
		}),
		GenerationsPublished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "planwise_generations_published_total",
			Help: "Dataset generations published",
		}),
	}
}
