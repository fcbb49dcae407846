package crypto

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// PrivateKey is a user's X25519 decryption key. Sharing messages are
// encrypted to the matching PublicKey with age.
type PrivateKey struct {
	identity *age.X25519Identity
}

// PublicKey is the recipient half of a PrivateKey.
type PublicKey struct {
	recipient *age.X25519Recipient
}

// GeneratePrivateKey creates a fresh X25519 identity.
func GeneratePrivateKey() (PrivateKey, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return PrivateKey{}, fmt.Errorf("generate x25519 identity: %w", err)
	}
	return PrivateKey{identity: id}, nil
}

// PublicKey returns the recipient for this key.
func (p PrivateKey) PublicKey() PublicKey {
	return PublicKey{recipient: p.identity.Recipient()}
}

// Decrypt opens an age payload addressed to this key.
func (p PrivateKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if p.identity == nil {
		return nil, fmt.Errorf("%w: empty private key", ErrDecryption)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), p.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func (p PrivateKey) IsZero() bool { return p.identity == nil }

func (p PrivateKey) MarshalBinary() ([]byte, error) {
	if p.identity == nil {
		return nil, nil
	}
	return []byte(p.identity.String()), nil
}

func (p *PrivateKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		p.identity = nil
		return nil
	}
	id, err := age.ParseX25519Identity(string(data))
	if err != nil {
		return fmt.Errorf("parse x25519 identity: %w", err)
	}
	p.identity = id
	return nil
}

// Encrypt seals plaintext so only the owner of the matching PrivateKey can
// read it.
func (k PublicKey) Encrypt(plaintext []byte) ([]byte, error) {
	if k.recipient == nil {
		return nil, fmt.Errorf("encrypt: empty public key")
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

func (k PublicKey) Equal(other PublicKey) bool { return k.String() == other.String() }

func (k PublicKey) String() string {
	if k.recipient == nil {
		return ""
	}
	return k.recipient.String()
}

func (k PublicKey) MarshalBinary() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		k.recipient = nil
		return nil
	}
	r, err := age.ParseX25519Recipient(string(data))
	if err != nil {
		return fmt.Errorf("parse x25519 recipient: %w", err)
	}
	k.recipient = r
	return nil
}
