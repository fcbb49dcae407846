package config

import (
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/gc"
	"github.com/marmos91/parsecfs/pkg/metrics"
	"github.com/marmos91/parsecfs/pkg/remote"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// The collectors below are nil when metrics are disabled; every consumer
	// treats nil as no-op.
	Remote remote.Metrics
	Sync   fs.Metrics
	Cache  storage.CacheMetrics
	GC     gc.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled, the global Prometheus registry is initialized and
// every collector registers on it. Otherwise all fields are nil.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{Address: cfg.Metrics.Address}),
		Remote: metrics.NewRemoteMetrics(),
		Sync:   metrics.NewSyncMetrics(),
		Cache:  metrics.NewCacheMetrics(),
		GC:     metrics.NewGCMetrics(),
	}
}
