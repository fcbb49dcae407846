package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/device"
	"github.com/marmos91/parsecfs/pkg/types"
)

func newLocalDevice(t *testing.T) *device.LocalDevice {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &device.LocalDevice{
		OrganizationID:  types.NewOrganizationID(),
		RootVerifyKey:   crypto.GenerateSigningKey().VerifyKey(),
		DeviceID:        types.NewDeviceID(),
		UserID:          types.NewUserID(),
		Profile:         certif.ProfileStandard,
		SigningKey:      crypto.GenerateSigningKey(),
		PrivateKey:      priv,
		LocalKey:        crypto.GenerateSecretKey(),
		UserManifestID:  types.NewEntryID(),
		UserManifestKey: crypto.GenerateSecretKey(),
	}
}

func TestDeviceConfig_LoadDevice(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := DeviceConfig{ConfigDir: "/home/alice/.config/parsecfs/devices", PasswordEnv: "TEST_PARSECFS_PASSWORD"}

	_, err := cfg.LoadDevice(fsys)
	assert.ErrorContains(t, err, "no device found")

	d := newLocalDevice(t)
	require.NoError(t, device.Save(fsys, device.PathFor(cfg.ConfigDir, d), d, "hunter2"))

	_, err = cfg.LoadDevice(fsys)
	assert.ErrorContains(t, err, "TEST_PARSECFS_PASSWORD")

	t.Setenv("TEST_PARSECFS_PASSWORD", "wrong")
	_, err = cfg.LoadDevice(fsys)
	assert.ErrorIs(t, err, device.ErrBadPassword)

	t.Setenv("TEST_PARSECFS_PASSWORD", "hunter2")
	loaded, err := cfg.LoadDevice(fsys)
	require.NoError(t, err)
	assert.Equal(t, d.DeviceID, loaded.DeviceID)
	assert.Equal(t, filepath.Join(cfg.ConfigDir, d.Slug()), cfg.DataDir(loaded))
}

func TestDeviceConfig_KeyFilePath(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := DeviceConfig{ConfigDir: "/devices", PasswordEnv: DefaultPasswordEnv}

	first, second := newLocalDevice(t), newLocalDevice(t)
	require.NoError(t, device.Save(fsys, device.PathFor(cfg.ConfigDir, first), first, "pw"))
	require.NoError(t, device.Save(fsys, device.PathFor(cfg.ConfigDir, second), second, "pw"))

	_, err := cfg.KeyFilePath(fsys)
	assert.ErrorContains(t, err, "set device.key_file")

	cfg.KeyFile = device.PathFor(cfg.ConfigDir, second)
	path, err := cfg.KeyFilePath(fsys)
	require.NoError(t, err)
	assert.Equal(t, cfg.KeyFile, path)
}

func TestConfig_LogOutput(t *testing.T) {
	d := newLocalDevice(t)
	cfg := &Config{Device: DeviceConfig{ConfigDir: "/devices"}, Logging: LoggingConfig{Output: "stdout"}}
	assert.Equal(t, "stdout", cfg.LogOutput(d))

	cfg.Logging.Output = "file"
	assert.Equal(t, filepath.Join("/devices", d.Slug(), "logs", "parsecfs.log"), cfg.LogOutput(d))
}
