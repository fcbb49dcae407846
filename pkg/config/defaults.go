package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/fs/chunks"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/trust"
)

// DefaultPasswordEnv holds the device password unless device.password_env
// says otherwise.
const DefaultPasswordEnv = "PARSECFS_DEVICE_PASSWORD"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults, explicit values are preserved.
// Booleans that default to true (sync.enabled, gc.enabled) are set as viper
// defaults by Load and by GetDefaultConfig.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	applyDeviceDefaults(&cfg.Device)
	applyStoreDefaults(&cfg.Store)
	applyRemoteDefaults(&cfg.Remote)
	applySyncDefaults(&cfg.Sync)
	if cfg.Trust.CacheSize == 0 {
		cfg.Trust.CacheSize = trust.DefaultMaxEntries
	}
	if cfg.Ballpark.Client == 0 {
		cfg.Ballpark.Client = manifest.DefaultClientBallpark
	}
	if cfg.Ballpark.Server == 0 {
		cfg.Ballpark.Server = manifest.DefaultServerBallpark
	}
	if cfg.Remanence.Debounce == 0 {
		cfg.Remanence.Debounce = 5 * time.Second
	}
	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Hour
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9090"
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = filepath.Join(getConfigDir(), "devices")
	}
	if cfg.PasswordEnv == "" {
		cfg.PasswordEnv = DefaultPasswordEnv
	}
}

// applyStoreDefaults sets local store defaults. Both backend sections are
// filled so that generated sample files document them.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Memory["max_bytes"]; !ok {
		cfg.Memory["max_bytes"] = uint64(0)
	}
	if _, ok := cfg.Badger["sync_writes"]; !ok {
		cfg.Badger["sync_writes"] = true
	}
	if _, ok := cfg.Badger["max_bytes"]; !ok {
		cfg.Badger["max_bytes"] = uint64(0)
	}
	if cfg.BlockCacheSize == 0 {
		cfg.BlockCacheSize = 1024
	}
}

func applyRemoteDefaults(cfg *RemoteConfig) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6777"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = remote.DefaultTimeout
	}
	if cfg.Reconnect.Min == 0 {
		cfg.Reconnect.Min = 100 * time.Millisecond
	}
	if cfg.Reconnect.Max == 0 {
		cfg.Reconnect.Max = 30 * time.Second
	}
}

func applySyncDefaults(cfg *SyncConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Second
	}
	if cfg.Blocksize == 0 {
		cfg.Blocksize = chunks.DefaultBlocksize
	}
	if cfg.UploadConcurrency == 0 {
		cfg.UploadConcurrency = fs.DefaultUploadConcurrency
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Sync: SyncConfig{Enabled: true},
		GC:   GCConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}
