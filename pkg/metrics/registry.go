// Package metrics provides Prometheus metrics for the parsecfs components.
//
// All metrics are optional. Until InitRegistry is called, every constructor
// returns nil and the components fall back to their no-op implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	client := remote.NewAuthenticated(transport, remote.Options{Metrics: metrics.NewRemoteMetrics()})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parsecfs"

var (
	// registry is written once by InitRegistry.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// memo builds a collector set once per process, since registering the same
// metric names twice panics.
type memo[T any] struct {
	once sync.Once
	v    T
}

func (m *memo[T]) get(build func(reg *prometheus.Registry) T) T {
	m.once.Do(func() { m.v = build(GetRegistry()) })
	return m.v
}
