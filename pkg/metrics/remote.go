package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/parsecfs/pkg/remote"
)

// remoteMetrics is the Prometheus implementation of remote.Metrics.
type remoteMetrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	connection      *prometheus.GaugeVec
}

var remoteOnce memo[*remoteMetrics]

// NewRemoteMetrics returns the command metrics of the backend connection.
//
// Returns nil if metrics are not enabled, which makes the connection use
// its no-op implementation.
func NewRemoteMetrics() remote.Metrics {
	if !IsEnabled() {
		return nil
	}
	return remoteOnce.get(func(reg *prometheus.Registry) *remoteMetrics {
		return &remoteMetrics{
			commands: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "remote_commands_total",
					Help:      "Total number of backend commands by command and status",
				},
				[]string{"command", "status"},
			),
			commandDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "remote_command_duration_seconds",
					Help:      "Round trip of backend commands in seconds",
					Buckets: []float64{
						0.005, // 5ms
						0.025, // 25ms
						0.1,   // 100ms
						0.5,   // 500ms
						2,     // 2s
						10,    // 10s
						30,    // call timeout
					},
				},
				[]string{"command"},
			),
			connection: promauto.With(reg).NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "remote_connection_state",
					Help:      "1 for the current connection state, 0 for the others",
				},
				[]string{"state"},
			),
		}
	})
}

func (m *remoteMetrics) ObserveCommand(command string, status string, duration time.Duration) {
	m.commands.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *remoteMetrics) SetConnectionState(state string) {
	for _, s := range []remote.ConnectionState{remote.StateOffline, remote.StateConnecting, remote.StateReady, remote.StateLost} {
		v := 0.0
		if string(s) == state {
			v = 1
		}
		m.connection.WithLabelValues(string(s)).Set(v)
	}
}
