package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "invalid log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "TRACE" },
			wantErr: "oneof",
		},
		{
			name:    "invalid log format",
			mutate:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantErr: "Format",
		},
		{
			name:    "unknown store type",
			mutate:  func(cfg *Config) { cfg.Store.Type = "sqlite" },
			wantErr: "Store.Type",
		},
		{
			name:    "remote address without port",
			mutate:  func(cfg *Config) { cfg.Remote.Address = "parsec.example.com" },
			wantErr: "hostname_port",
		},
		{
			name:    "zero sync interval",
			mutate:  func(cfg *Config) { cfg.Sync.Interval = 0 },
			wantErr: "Sync.Interval",
		},
		{
			name:    "tiny blocksize",
			mutate:  func(cfg *Config) { cfg.Sync.Blocksize = 512 },
			wantErr: "Sync.Blocksize",
		},
		{
			name: "reconnect max below min",
			mutate: func(cfg *Config) {
				cfg.Remote.Reconnect = BackoffConfig{Min: time.Minute, Max: time.Second}
			},
			wantErr: "remote.reconnect",
		},
		{
			name:    "server ballpark above client ballpark",
			mutate:  func(cfg *Config) { cfg.Ballpark.Server = time.Hour },
			wantErr: "ballpark",
		},
		{
			name: "metrics enabled with bad address",
			mutate: func(cfg *Config) {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = "nowhere"
			},
			wantErr: "metrics.address",
		},
		{
			name: "badger path and in_memory",
			mutate: func(cfg *Config) {
				cfg.Store.Badger["path"] = "/var/lib/parsecfs"
				cfg.Store.Badger["in_memory"] = true
			},
			wantErr: "mutually exclusive",
		},
		{
			name:    "badger option of the wrong type",
			mutate:  func(cfg *Config) { cfg.Store.Badger["sync_writes"] = []string{"yes"} },
			wantErr: "invalid badger config",
		},
		{
			name: "memory option of the wrong type",
			mutate: func(cfg *Config) {
				cfg.Store.Type = "memory"
				cfg.Store.Memory["max_bytes"] = "lots"
			},
			wantErr: "invalid memory config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_LowercaseLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "debug"

	assert.NoError(t, Validate(cfg))
}

func TestValidate_MetricsEnabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true

	assert.NoError(t, Validate(cfg))
}
