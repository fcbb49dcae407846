// Package crypto provides the primitives used by the filesystem core:
//   - SecretKey: XChaCha20-Poly1305 authenticated symmetric encryption
//   - SigningKey / VerifyKey: ed25519 signatures (signed blob = signature || message)
//   - PrivateKey / PublicKey: age X25519 encryption to a user
//   - HashDigest: BLAKE3-256 content digests
//   - password and sub-key derivation (argon2id, HKDF-SHA256)
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every symmetric key.
const KeySize = 32

var (
	// ErrDecryption is returned when authenticated decryption fails (wrong
	// key or tampered ciphertext).
	ErrDecryption = errors.New("decryption failed")

	// ErrSignature is returned when a signature does not verify.
	ErrSignature = errors.New("signature verification failed")
)

// ============================================================================
// Symmetric encryption
// ============================================================================

// SecretKey is a 256-bit XChaCha20-Poly1305 key.
type SecretKey [KeySize]byte

// GenerateSecretKey returns a fresh random key.
func GenerateSecretKey() SecretKey {
	var k SecretKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		panic("crypto: random source failure: " + err.Error())
	}
	return k
}

// SecretKeyFromBytes copies b into a SecretKey.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	var k SecretKey
	if len(b) != KeySize {
		return k, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Encrypt seals plaintext. Output layout: nonce (24 bytes) || ciphertext+tag.
func (k SecretKey) Encrypt(plaintext []byte) []byte {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		panic("crypto: invalid key size")
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		panic("crypto: random source failure: " + err.Error())
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, nil)
}

// Decrypt opens a blob produced by Encrypt.
func (k SecretKey) Decrypt(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrDecryption, len(blob))
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Equal compares two keys in constant time.
func (k SecretKey) Equal(other SecretKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// String never prints key material.
func (k SecretKey) String() string { return "SecretKey(****)" }

// ============================================================================
// Signatures
// ============================================================================

// SigningKey is an ed25519 private key.
type SigningKey struct {
	key ed25519.PrivateKey
}

// VerifyKey is an ed25519 public key.
type VerifyKey struct {
	key ed25519.PublicKey
}

// GenerateSigningKey returns a fresh ed25519 key pair.
func GenerateSigningKey() SigningKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic("crypto: random source failure: " + err.Error())
	}
	return SigningKey{key: priv}
}

// VerifyKey returns the public half.
func (s SigningKey) VerifyKey() VerifyKey {
	return VerifyKey{key: s.key.Public().(ed25519.PublicKey)}
}

// Sign returns signature || message.
func (s SigningKey) Sign(message []byte) []byte {
	sig := ed25519.Sign(s.key, message)
	out := make([]byte, 0, len(sig)+len(message))
	out = append(out, sig...)
	return append(out, message...)
}

// SignDetached returns only the signature.
func (s SigningKey) SignDetached(message []byte) []byte {
	return ed25519.Sign(s.key, message)
}

func (s SigningKey) MarshalBinary() ([]byte, error) {
	if len(s.key) == 0 {
		return nil, nil
	}
	return append([]byte(nil), s.key.Seed()...), nil
}

func (s *SigningKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		s.key = nil
		return nil
	}
	if len(data) != ed25519.SeedSize {
		return fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	s.key = ed25519.NewKeyFromSeed(data)
	return nil
}

// IsZero reports whether the key is unset.
func (s SigningKey) IsZero() bool { return len(s.key) == 0 }

// Verify checks a signed blob and returns the embedded message.
func (v VerifyKey) Verify(signed []byte) ([]byte, error) {
	if len(signed) < ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signed blob too short", ErrSignature)
	}
	sig, message := signed[:ed25519.SignatureSize], signed[ed25519.SignatureSize:]
	if !v.VerifyDetached(message, sig) {
		return nil, ErrSignature
	}
	return message, nil
}

// VerifyDetached checks sig against message.
func (v VerifyKey) VerifyDetached(message, sig []byte) bool {
	if len(v.key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(v.key, message, sig)
}

// UnsecureUnwrap returns the message of a signed blob without checking the
// signature. Used to read the claimed author before fetching its key.
func UnsecureUnwrap(signed []byte) ([]byte, error) {
	if len(signed) < ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signed blob too short", ErrSignature)
	}
	return signed[ed25519.SignatureSize:], nil
}

func (v VerifyKey) Equal(other VerifyKey) bool { return v.key.Equal(other.key) }

func (v VerifyKey) IsZero() bool { return len(v.key) == 0 }

func (v VerifyKey) Bytes() []byte { return append([]byte(nil), v.key...) }

func (v VerifyKey) String() string { return hex.EncodeToString(v.key) }

func (v VerifyKey) MarshalBinary() ([]byte, error) { return v.Bytes(), nil }

func (v *VerifyKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		v.key = nil
		return nil
	}
	if len(data) != ed25519.PublicKeySize {
		return fmt.Errorf("verify key must be %d bytes, got %d", ed25519.PublicKeySize, len(data))
	}
	v.key = append(ed25519.PublicKey(nil), data...)
	return nil
}

// ============================================================================
// Digests and key derivation
// ============================================================================

// HashDigest is a BLAKE3-256 digest.
type HashDigest [32]byte

// Digest hashes data.
func Digest(data []byte) HashDigest {
	return HashDigest(blake3.Sum256(data))
}

func (h HashDigest) String() string { return hex.EncodeToString(h[:]) }

// Argon2id parameters for password-protected key files.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	SaltSize     = 16
)

// GenerateSalt returns a random salt for DeriveKeyFromPassword.
func GenerateSalt() []byte {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		panic("crypto: random source failure: " + err.Error())
	}
	return salt
}

// DeriveKeyFromPassword stretches a password with argon2id.
func DeriveKeyFromPassword(password string, salt []byte) SecretKey {
	var k SecretKey
	copy(k[:], argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize))
	return k
}

// DeriveSubKey derives a purpose-bound key from a root key with HKDF-SHA256.
func DeriveSubKey(root SecretKey, info string) SecretKey {
	var k SecretKey
	r := hkdf.New(sha256.New, root[:], nil, []byte(info))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		panic("crypto: hkdf failure: " + err.Error())
	}
	return k
}
