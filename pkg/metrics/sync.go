package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/parsecfs/pkg/fs"
)

// syncMetrics is the Prometheus implementation of fs.Metrics.
type syncMetrics struct {
	syncs        *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	blockBytes   *prometheus.CounterVec
	blocks       *prometheus.CounterVec
}

var syncOnce memo[*syncMetrics]

// NewSyncMetrics returns the synchronization metrics of the filesystems.
//
// Returns nil if metrics are not enabled.
func NewSyncMetrics() fs.Metrics {
	if !IsEnabled() {
		return nil
	}
	return syncOnce.get(func(reg *prometheus.Registry) *syncMetrics {
		return &syncMetrics{
			syncs: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sync_entries_total",
					Help:      "Entry synchronizations by manifest kind and outcome",
				},
				[]string{"kind", "outcome"},
			),
			syncDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "sync_entry_duration_seconds",
					Help:      "Duration of one entry synchronization in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.005, 4, 7),
				},
				[]string{"kind"},
			),
			blockBytes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "block_transfer_bytes_total",
					Help:      "Block bytes uploaded or downloaded",
				},
				[]string{"direction"},
			),
			blocks: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "block_transfers_total",
					Help:      "Blocks uploaded or downloaded",
				},
				[]string{"direction"},
			),
		}
	})
}

func (m *syncMetrics) ObserveSync(kind string, outcome string, duration time.Duration) {
	m.syncs.WithLabelValues(kind, outcome).Inc()
	m.syncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *syncMetrics) ObserveBlockTransfer(direction string, bytes int) {
	m.blocks.WithLabelValues(direction).Inc()
	m.blockBytes.WithLabelValues(direction).Add(float64(bytes))
}
