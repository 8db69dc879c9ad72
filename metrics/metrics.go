// Package metrics counts the work done by mutations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ReclusterBlocksToRead prometheus.Counter
	ReclusterBytesToRead  prometheus.Counter
	ReclusterRowsToRead   prometheus.Counter
	ReclusterBlocksWrite  prometheus.Counter

	CommitAttempts  prometheus.Counter
	CommitConflicts prometheus.Counter
	CommitRetries   prometheus.Counter

	MutationRows      *prometheus.CounterVec
	TableLockWait     prometheus.Histogram
	TableLockTimeouts prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ReclusterBlocksToRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_recluster_blocks_to_read_total",
			Help: "Number of blocks read by recluster.",
		}),
		ReclusterBytesToRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_recluster_bytes_to_read_total",
			Help: "Number of uncompressed bytes read by recluster.",
		}),
		ReclusterRowsToRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_recluster_rows_to_read_total",
			Help: "Number of rows read by recluster.",
		}),
		ReclusterBlocksWrite: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_recluster_blocks_write_total",
			Help: "Number of blocks written by recluster.",
		}),
		CommitAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_commit_attempts_total",
			Help: "Number of attempts to commit a snapshot.",
		}),
		CommitConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_commit_conflicts_total",
			Help: "Number of commits that lost to a concurrent commit.",
		}),
		CommitRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_commit_retries_total",
			Help: "Number of commits retried after a transient error.",
		}),
		MutationRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fuse_mutation_rows_total",
			Help: "Number of rows changed by mutations.",
		}, []string{"kind"}),
		TableLockWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fuse_table_lock_wait_seconds",
			Help:    "Time spent waiting for table locks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		TableLockTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fuse_table_lock_timeouts_total",
			Help: "Number of table lock attempts that timed out.",
		}),
	}
}

// Discard returns metrics which are not registered anywhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
