package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/parsecfs/pkg/fs/storage"
)

// cacheMetrics is the Prometheus implementation of storage.CacheMetrics.
//
// Every workspace storage of the process shares it: gauges describe the
// last storage that reported.
type cacheMetrics struct {
	blockReads     *prometheus.CounterVec
	blockReadBytes prometheus.Counter
	evictions      prometheus.Counter
	manifests      *prometheus.GaugeVec
}

var cacheOnce memo[*cacheMetrics]

// NewCacheMetrics returns the local cache metrics.
//
// Returns nil if metrics are not enabled, which makes the storage use its
// no-op implementation.
func NewCacheMetrics() storage.CacheMetrics {
	if !IsEnabled() {
		return nil
	}
	return cacheOnce.get(func(reg *prometheus.Registry) *cacheMetrics {
		return &cacheMetrics{
			blockReads: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_block_reads_total",
					Help:      "Clean block lookups in the local cache by result",
				},
				[]string{"result"},
			),
			blockReadBytes: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_block_read_bytes_total",
					Help:      "Bytes served from the local block cache",
				},
			),
			evictions: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_block_evictions_total",
					Help:      "Blocks dropped from the local cache",
				},
			),
			manifests: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "cache_manifests",
					Help:      "Resident manifests, and how many need sync",
				},
				[]string{"state"},
			),
		}
	})
}

func (m *cacheMetrics) ObserveBlockRead(hit bool, bytes int) {
	if !hit {
		m.blockReads.WithLabelValues("miss").Inc()
		return
	}
	m.blockReads.WithLabelValues("hit").Inc()
	m.blockReadBytes.Add(float64(bytes))
}

func (m *cacheMetrics) RecordBlockEviction() {
	m.evictions.Inc()
}

func (m *cacheMetrics) RecordManifests(total, dirty int) {
	m.manifests.WithLabelValues("resident").Set(float64(total))
	m.manifests.WithLabelValues("dirty").Set(float64(dirty))
}
