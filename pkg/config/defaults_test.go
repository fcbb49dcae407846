package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	ApplyDefaults(cfg)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestApplyDefaults_Store(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "badger", cfg.Store.Type)
	assert.Equal(t, true, cfg.Store.Badger["sync_writes"])
	assert.Contains(t, cfg.Store.Memory, "max_bytes")
	assert.Equal(t, int64(1024), cfg.Store.BlockCacheSize)
}

func TestApplyDefaults_Remote(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "localhost:6777", cfg.Remote.Address)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Remote.Reconnect.Min)
	assert.Equal(t, 30*time.Second, cfg.Remote.Reconnect.Max)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Store: StoreConfig{
			Type:   "memory",
			Badger: map[string]any{"sync_writes": false},
		},
		Sync: SyncConfig{Interval: time.Minute, Blocksize: 64 * 1024, UploadConcurrency: 2},
		GC:   GCConfig{Interval: 10 * time.Minute},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, false, cfg.Store.Badger["sync_writes"])
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, uint64(64*1024), cfg.Sync.Blocksize)
	assert.Equal(t, 2, cfg.Sync.UploadConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.GC.Interval)
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()

	require.NoError(t, Validate(cfg))
	assert.True(t, cfg.Sync.Enabled)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Remanence.Debounce)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Address)
}
