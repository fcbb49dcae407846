package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/parsecfs/pkg/gc"
)

type gcMetrics struct {
	runs     prometheus.Counter
	duration prometheus.Histogram
	removed  *prometheus.CounterVec
}

var gcOnce memo[*gcMetrics]

// NewGCMetrics returns the garbage collector metrics, or nil if metrics
// are not enabled.
func NewGCMetrics() gc.Metrics {
	if !IsEnabled() {
		return nil
	}
	return gcOnce.get(func(reg *prometheus.Registry) *gcMetrics {
		return &gcMetrics{
			runs: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gc_runs_total",
					Help:      "Garbage collection runs",
				},
			),
			duration: promauto.With(reg).NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "gc_duration_seconds",
					Help:      "Duration of garbage collection runs in seconds",
				},
			),
			removed: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gc_removed_total",
					Help:      "Local objects removed by the garbage collector",
				},
				[]string{"kind"},
			),
		}
	})
}

func (m *gcMetrics) ObserveRun(stats *gc.Stats) {
	m.runs.Inc()
	m.duration.Observe(stats.Duration().Seconds())
	m.removed.WithLabelValues("chunk").Add(float64(stats.DeletedCount))
	m.removed.WithLabelValues("block").Add(float64(stats.TrimmedCount))
}
