package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete parsecfs configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PARSECFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each local store backend defines its own configuration type. The Store
// section holds type-specific maps (store.badger, store.memory) and only the
// one matching store.type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains settings of the long-running serve command
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Device locates the device key file
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Store selects the local object store backend
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Remote configures the connection to the Parsec server
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`

	// Sync configures background synchronization
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Trust configures the certificate cache
	Trust TrustConfig `mapstructure:"trust" yaml:"trust"`

	// Ballpark bounds accepted clock skew
	Ballpark BallparkConfig `mapstructure:"ballpark" yaml:"ballpark"`

	// Remanence keeps a full local copy of every workspace
	Remanence RemanenceConfig `mapstructure:"remanence" yaml:"remanence"`

	// GC configures the local state garbage collector
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, file (logs/ of the device directory) or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains settings of the serve command.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// DeviceConfig locates the device.
type DeviceConfig struct {
	// ConfigDir holds the device key files and one data directory per device
	ConfigDir string `mapstructure:"config_dir" yaml:"config_dir" validate:"required"`

	// KeyFile selects a key file. When empty, ConfigDir must hold exactly one.
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`

	// PasswordEnv names the environment variable holding the key file password
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env" validate:"required"`
}

// StoreConfig specifies the local object store.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific section is used.
type StoreConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// BlockCacheSize is the number of clean blocks kept per realm
	BlockCacheSize int64 `mapstructure:"block_cache_size" yaml:"block_cache_size" validate:"gt=0"`
}

// RemoteConfig configures the server connection.
type RemoteConfig struct {
	// Address is the gRPC address of the server (host:port)
	Address string `mapstructure:"address" yaml:"address" validate:"required,hostname_port"`

	// Timeout bounds each command
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"required,gt=0"`

	// Insecure disables TLS
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// Reconnect is the backoff of the event stream and of failed syncs
	Reconnect BackoffConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// BackoffConfig is a jittered exponential backoff.
type BackoffConfig struct {
	Min time.Duration `mapstructure:"min" yaml:"min" validate:"required,gt=0"`
	Max time.Duration `mapstructure:"max" yaml:"max" validate:"required,gt=0"`
}

// SyncConfig configures background synchronization.
type SyncConfig struct {
	// Enabled starts the sync and message monitors in serve
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is the period of full sync passes
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"required,gt=0"`

	// Debounce groups local changes before syncing them
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"required,gt=0"`

	// Blocksize is the size of reshaped file blocks in bytes
	Blocksize uint64 `mapstructure:"blocksize" yaml:"blocksize" validate:"gte=4096"`

	// UploadConcurrency bounds parallel block uploads of one file
	UploadConcurrency int `mapstructure:"upload_concurrency" yaml:"upload_concurrency" validate:"gt=0"`

	// MaxEntriesPerSecond paces entry synchronizations (0 = unlimited)
	MaxEntriesPerSecond uint `mapstructure:"max_entries_per_second" yaml:"max_entries_per_second"`
}

// TrustConfig configures the certificate cache.
type TrustConfig struct {
	// CacheSize bounds the number of cached devices and users
	CacheSize int64 `mapstructure:"cache_size" yaml:"cache_size" validate:"gt=0"`
}

// BallparkConfig bounds accepted timestamps.
type BallparkConfig struct {
	// Client bounds client-supplied timestamps against the local clock
	Client time.Duration `mapstructure:"client" yaml:"client" validate:"required,gt=0"`

	// Server bounds server timestamps against the local clock
	Server time.Duration `mapstructure:"server" yaml:"server" validate:"required,gt=0"`
}

// RemanenceConfig configures the remanence monitor.
type RemanenceConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Debounce groups downloads after bursts of remote changes
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"required,gt=0"`
}

// GCConfig configures the garbage collector.
type GCConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is how often to run garbage collection
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"required,gt=0"`

	// DryRun counts garbage without deleting it
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address the /metrics HTTP server listens on
	Address string `mapstructure:"address" yaml:"address"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PARSECFS_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith is Load on a caller-provided viper instance, typically one with
// command-line flags already bound.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: PARSECFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PARSECFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Booleans that default to true cannot be told apart from an explicit
	// false after unmarshalling.
	v.SetDefault("sync.enabled", true)
	v.SetDefault("gc.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/parsecfs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"device.config_dir", "device.key_file", "device.password_env",
	"store.type", "remote.address", "remote.timeout", "remote.insecure",
	"sync.enabled", "sync.interval", "sync.max_entries_per_second",
	"remanence.enabled", "gc.enabled", "gc.dry_run",
	"metrics.enabled", "metrics.address",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "parsecfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "parsecfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
