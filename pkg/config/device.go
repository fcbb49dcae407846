package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/marmos91/parsecfs/pkg/device"
)

// KeyFilePath returns the key file selected by the configuration: device.key_file
// when set, otherwise the single key file found in device.config_dir.
func (c DeviceConfig) KeyFilePath(fsys afero.Fs) (string, error) {
	if c.KeyFile != "" {
		return c.KeyFile, nil
	}
	paths, err := device.List(fsys, c.ConfigDir)
	if err != nil {
		return "", fmt.Errorf("failed to list devices in %s: %w", c.ConfigDir, err)
	}
	switch len(paths) {
	case 0:
		return "", fmt.Errorf("no device found in %s", c.ConfigDir)
	case 1:
		return paths[0], nil
	default:
		return "", fmt.Errorf("%d devices found in %s, set device.key_file", len(paths), c.ConfigDir)
	}
}

// LoadDevice decrypts the configured device with the password read from
// the device.password_env environment variable.
func (c DeviceConfig) LoadDevice(fsys afero.Fs) (*device.LocalDevice, error) {
	path, err := c.KeyFilePath(fsys)
	if err != nil {
		return nil, err
	}
	password, ok := os.LookupEnv(c.PasswordEnv)
	if !ok {
		return nil, fmt.Errorf("device password not set: export %s", c.PasswordEnv)
	}
	return device.Load(fsys, path, password)
}

// DataDir is the directory holding the local state of d.
func (c DeviceConfig) DataDir(d *device.LocalDevice) string {
	return filepath.Join(c.ConfigDir, d.Slug())
}

// LogOutput resolves logging.output for d: "file" maps to the logs/
// directory of the device data directory.
func (c *Config) LogOutput(d *device.LocalDevice) string {
	if c.Logging.Output != "file" {
		return c.Logging.Output
	}
	return filepath.Join(c.Device.DataDir(d), "logs", "parsecfs.log")
}
