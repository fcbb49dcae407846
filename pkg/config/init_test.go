package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	isolate(t)

	configPath, err := InitConfig(false)
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfigPath(), configPath)

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)

	s := string(content)
	for _, section := range []string{
		"# Parsecfs Configuration File",
		"logging:",
		"device:",
		"store:",
		"remote:",
		"sync:",
		"ballpark:",
		"gc:",
		"metrics:",
	} {
		assert.Contains(t, s, section)
	}

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(content, &raw), "generated config is not valid YAML")
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	isolate(t)

	_, err := InitConfig(false)
	require.NoError(t, err)

	_, err = InitConfig(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInitConfig_ForceOverwrite(t *testing.T) {
	isolate(t)

	configPath, err := InitConfig(false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, []byte("existing"), 0o644))

	newPath, err := InitConfig(true)
	require.NoError(t, err)
	assert.Equal(t, configPath, newPath)

	content, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.NotEqual(t, "existing", string(content))
}

func TestInitConfigToPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "parsecfs.yaml")

	require.NoError(t, InitConfigToPath(configPath, false))
	assert.FileExists(t, configPath)

	err := InitConfigToPath(configPath, false)
	require.Error(t, err)

	require.NoError(t, InitConfigToPath(configPath, true))
}

func TestGenerateYAMLWithComments(t *testing.T) {
	isolate(t)

	out, err := generateYAMLWithComments(GetDefaultConfig())
	require.NoError(t, err)

	assert.Contains(t, out, "# Parsec server connection.")
	assert.Contains(t, out, "level: INFO")
	assert.Contains(t, out, "interval: 30s")
	assert.Contains(t, out, "blocksize: 524288")
	assert.Contains(t, out, "sync_writes: true")

	// Comments sit above their section.
	comment := strings.Index(out, "# Prometheus endpoint.")
	section := strings.Index(out, "\nmetrics:")
	require.GreaterOrEqual(t, comment, 0)
	assert.Less(t, comment, section)
	assert.Less(t, strings.Index(out, "# Garbage collection"), comment)
}

func TestGeneratedConfigRoundTrips(t *testing.T) {
	isolate(t)

	configPath, err := InitConfig(false)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	want := GetDefaultConfig()
	assert.Equal(t, want.Logging, cfg.Logging)
	assert.Equal(t, want.Device, cfg.Device)
	assert.Equal(t, want.Remote, cfg.Remote)
	assert.Equal(t, want.Sync, cfg.Sync)
	assert.Equal(t, want.Ballpark, cfg.Ballpark)
	assert.Equal(t, want.GC, cfg.GC)
	assert.Equal(t, want.Store.Type, cfg.Store.Type)
}
