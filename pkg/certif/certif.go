// Package certif implements the signed certificates binding users and
// devices to their keys. Certificates are authored either by the
// organization root key (Author is the zero DeviceID) or by a device of an
// administrator.
package certif

import (
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/parsecfs/pkg/codec"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Profile is a user's organization-level profile.
type Profile string

const (
	ProfileAdmin    Profile = "ADMIN"
	ProfileStandard Profile = "STANDARD"
)

// ErrInvalidCertificate wraps every decoding and verification failure.
var ErrInvalidCertificate = errors.New("invalid certificate")

const (
	tagUser        = "user_certificate"
	tagDevice      = "device_certificate"
	tagRevokedUser = "revoked_user_certificate"
)

type envelope struct {
	Type string           `cbor:"type"`
	Body codec.RawMessage `cbor:"body"`
}

// UserCertificate binds a user id to the public key sharing messages are
// encrypted to.
type UserCertificate struct {
	Author    types.DeviceID   `cbor:"author"`
	Timestamp time.Time        `cbor:"timestamp"`
	UserID    types.UserID     `cbor:"user_id"`
	PublicKey crypto.PublicKey `cbor:"public_key"`
	Profile   Profile          `cbor:"profile"`
}

// DeviceCertificate binds a device id to its user and verify key.
type DeviceCertificate struct {
	Author    types.DeviceID   `cbor:"author"`
	Timestamp time.Time        `cbor:"timestamp"`
	DeviceID  types.DeviceID   `cbor:"device_id"`
	UserID    types.UserID     `cbor:"user_id"`
	VerifyKey crypto.VerifyKey `cbor:"verify_key"`
}

// RevokedUserCertificate marks a user as revoked from the organization.
type RevokedUserCertificate struct {
	Author    types.DeviceID `cbor:"author"`
	Timestamp time.Time      `cbor:"timestamp"`
	UserID    types.UserID   `cbor:"user_id"`
}

func sign(tag string, body any, key crypto.SigningKey) ([]byte, error) {
	raw, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	payload, err := codec.Marshal(envelope{Type: tag, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	return key.Sign(payload), nil
}

func unwrap(tag string, payload []byte, out any) error {
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if env.Type != tag {
		return fmt.Errorf("%w: expected %s, got %q", ErrInvalidCertificate, tag, env.Type)
	}
	if err := codec.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

func verify(tag string, signed []byte, key crypto.VerifyKey, out any) error {
	payload, err := key.Verify(signed)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCertificate, tag, err)
	}
	return unwrap(tag, payload, out)
}

func unsecure(tag string, signed []byte, out any) error {
	payload, err := crypto.UnsecureUnwrap(signed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return unwrap(tag, payload, out)
}

// Sign encodes and signs the certificate.
func (c UserCertificate) Sign(key crypto.SigningKey) ([]byte, error) {
	return sign(tagUser, c, key)
}

// Sign encodes and signs the certificate.
func (c DeviceCertificate) Sign(key crypto.SigningKey) ([]byte, error) {
	return sign(tagDevice, c, key)
}

// Sign encodes and signs the certificate.
func (c RevokedUserCertificate) Sign(key crypto.SigningKey) ([]byte, error) {
	return sign(tagRevokedUser, c, key)
}

// VerifyUser checks signed against key and decodes it.
func VerifyUser(signed []byte, key crypto.VerifyKey) (UserCertificate, error) {
	var c UserCertificate
	err := verify(tagUser, signed, key, &c)
	return c, err
}

// VerifyDevice checks signed against key and decodes it.
func VerifyDevice(signed []byte, key crypto.VerifyKey) (DeviceCertificate, error) {
	var c DeviceCertificate
	err := verify(tagDevice, signed, key, &c)
	return c, err
}

// VerifyRevokedUser checks signed against key and decodes it.
func VerifyRevokedUser(signed []byte, key crypto.VerifyKey) (RevokedUserCertificate, error) {
	var c RevokedUserCertificate
	err := verify(tagRevokedUser, signed, key, &c)
	return c, err
}

// UnsecureDevice decodes a device certificate without checking its
// signature, to learn which key must be used to verify it.
func UnsecureDevice(signed []byte) (DeviceCertificate, error) {
	var c DeviceCertificate
	err := unsecure(tagDevice, signed, &c)
	return c, err
}

// UnsecureUser decodes a user certificate without checking its signature.
func UnsecureUser(signed []byte) (UserCertificate, error) {
	var c UserCertificate
	err := unsecure(tagUser, signed, &c)
	return c, err
}

// UnsecureRevokedUser decodes a revocation without checking its signature.
func UnsecureRevokedUser(signed []byte) (RevokedUserCertificate, error) {
	var c RevokedUserCertificate
	err := unsecure(tagRevokedUser, signed, &c)
	return c, err
}

// AuthoredByRoot reports whether a certificate author is the organization root key.
func AuthoredByRoot(author types.DeviceID) bool { return author.IsZero() }
