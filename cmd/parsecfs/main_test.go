package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/config"
)

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		in        string
		workspace string
		path      string
		wantErr   bool
	}{
		{in: "docs", workspace: "docs", path: "/"},
		{in: "docs:", workspace: "docs", path: "/"},
		{in: "docs:/a/b.txt", workspace: "docs", path: "/a/b.txt"},
		{in: "docs:a.txt", wantErr: true},
		{in: ":/a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			workspace, path, err := splitTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.workspace, workspace)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "just now", formatAge(10*time.Second))
	assert.Equal(t, "5m ago", formatAge(5*time.Minute))
	assert.Equal(t, "30h ago", formatAge(30*time.Hour))
	assert.Equal(t, "3d ago", formatAge(72*time.Hour))
}

func TestConfigSample(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, run([]string{"config", "sample", path}))
	_, err := os.Stat(path)
	require.NoError(t, err)

	assert.Error(t, run([]string{"config", "sample", path}))
	require.NoError(t, run([]string{"config", "sample", "--force", path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Type)
}

func TestGlobalFlagsOverrideConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	g := &globals{}
	g.flags = newGlobalFlags(g)
	require.NoError(t, g.flags.Parse([]string{"--store", "memory", "--log-level", "debug", "ls"}))

	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestUnknownCommand(t *testing.T) {
	assert.Error(t, run([]string{"frobnicate"}))
	assert.NoError(t, run([]string{"--help"}))
}
