// Package device holds the local device material and its password
// protected key file.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/codec"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/types"
)

// KeyFileExt is the extension of device key files.
const KeyFileExt = ".keys"

const keyFileVersion = 1

var (
	// ErrBadPassword is returned when a key file cannot be decrypted.
	ErrBadPassword = errors.New("bad password or corrupted key file")

	// ErrInvalidKeyFile is returned for unreadable key files.
	ErrInvalidKeyFile = errors.New("invalid key file")
)

// LocalDevice is everything a device needs to act for its user.
type LocalDevice struct {
	OrganizationID types.OrganizationID `cbor:"organization_id"`
	RootVerifyKey  crypto.VerifyKey     `cbor:"root_verify_key"`
	DeviceID       types.DeviceID       `cbor:"device_id"`
	UserID         types.UserID         `cbor:"user_id"`
	Profile        certif.Profile       `cbor:"profile"`

	SigningKey crypto.SigningKey `cbor:"signing_key"`
	PrivateKey crypto.PrivateKey `cbor:"private_key"`

	// LocalKey encrypts everything the device persists locally.
	LocalKey crypto.SecretKey `cbor:"local_key"`

	UserManifestID  types.EntryID    `cbor:"user_manifest_id"`
	UserManifestKey crypto.SecretKey `cbor:"user_manifest_key"`
}

// Slug is the file name stem of the device's key file.
func (d *LocalDevice) Slug() string {
	return d.OrganizationID.String()[:8] + "-" + d.DeviceID.String()
}

type keyFile struct {
	Version    int    `cbor:"version"`
	DeviceID   string `cbor:"device_id"`
	Salt       []byte `cbor:"salt"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// Save writes d to path encrypted with a key derived from password.
func Save(fs afero.Fs, path string, d *LocalDevice, password string) error {
	plaintext, err := codec.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}
	salt := crypto.GenerateSalt()
	key := crypto.DeriveKeyFromPassword(password, salt)
	data, err := codec.Marshal(keyFile{
		Version:    keyFileVersion,
		DeviceID:   d.DeviceID.String(),
		Salt:       salt,
		Ciphertext: key.Encrypt(plaintext),
	})
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key file directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Load reads and decrypts the key file at path.
func Load(fs afero.Fs, path string, password string) (*LocalDevice, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := codec.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyFile, kf.Version)
	}
	key := crypto.DeriveKeyFromPassword(password, kf.Salt)
	plaintext, err := key.Decrypt(kf.Ciphertext)
	if err != nil {
		return nil, ErrBadPassword
	}
	var d LocalDevice
	if err := codec.Unmarshal(plaintext, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	return &d, nil
}

// List returns the key files found directly under dir, sorted by name. A
// missing directory yields no files.
func List(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), KeyFileExt) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// PathFor returns the conventional key file path of d under dir.
func PathFor(dir string, d *LocalDevice) string {
	return filepath.Join(dir, d.Slug()+KeyFileExt)
}
