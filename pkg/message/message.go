// Package message implements the per-user messages used to distribute
// workspace keys and role changes. A message is signed by the author
// device and encrypted to the recipient user's public key.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/parsecfs/pkg/codec"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Type is the payload variant of a message.
type Type string

const (
	// SharingGranted gives the recipient access to a workspace.
	SharingGranted Type = "sharing.granted"

	// SharingReencrypted distributes a new key after a reencryption.
	SharingReencrypted Type = "sharing.reencrypted"

	// SharingRoleUpdated changes the recipient's cached role.
	SharingRoleUpdated Type = "sharing.role_updated"

	// SharingRevoked removes the recipient's access.
	SharingRevoked Type = "sharing.revoked"
)

// ErrInvalidMessage wraps every decoding failure after decryption and
// signature checks succeeded.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a decrypted, verified message.
type Message struct {
	Type      Type           `cbor:"type"`
	Author    types.DeviceID `cbor:"author"`
	Timestamp time.Time      `cbor:"timestamp"`

	WorkspaceID        types.EntryID    `cbor:"workspace_id"`
	WorkspaceName      types.EntryName  `cbor:"workspace_name,omitempty"`
	Key                crypto.SecretKey `cbor:"key"`
	EncryptionRevision uint64           `cbor:"encryption_revision"`
	EncryptedOn        time.Time        `cbor:"encrypted_on"`
	Role               types.RealmRole  `cbor:"role,omitempty"`
}

func (m Message) validate() error {
	if m.WorkspaceID.IsZero() {
		return fmt.Errorf("%w: missing workspace id", ErrInvalidMessage)
	}
	switch m.Type {
	case SharingGranted, SharingReencrypted:
		if m.EncryptionRevision == 0 {
			return fmt.Errorf("%w: %s without encryption revision", ErrInvalidMessage, m.Type)
		}
	case SharingRoleUpdated, SharingRevoked:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// DumpSignAndEncryptFor produces the body to hand to the server for
// recipient.
func (m Message) DumpSignAndEncryptFor(author crypto.SigningKey, recipient crypto.PublicKey) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	raw, err := codec.MarshalCompressed(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return recipient.Encrypt(author.Sign(raw))
}

// Decrypt opens a message body and returns the still-signed payload along
// with the author it claims, so the caller can fetch the author's key.
func Decrypt(body []byte, recipient crypto.PrivateKey) (signed []byte, author types.DeviceID, err error) {
	signed, err = recipient.Decrypt(body)
	if err != nil {
		return nil, types.DeviceID{}, err
	}
	raw, err := crypto.UnsecureUnwrap(signed)
	if err != nil {
		return nil, types.DeviceID{}, err
	}
	var m Message
	if err := codec.UnmarshalCompressed(raw, &m); err != nil {
		return nil, types.DeviceID{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return signed, m.Author, nil
}

// VerifyAndLoad checks the signature of a payload returned by Decrypt and
// that it was authored by expectedAuthor at expectedTimestamp (the sender
// and timestamp recorded by the server).
func VerifyAndLoad(signed []byte, authorKey crypto.VerifyKey, expectedAuthor types.DeviceID, expectedTimestamp time.Time) (Message, error) {
	raw, err := authorKey.Verify(signed)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := codec.UnmarshalCompressed(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Author != expectedAuthor {
		return Message{}, fmt.Errorf("%w: author %s does not match sender %s", ErrInvalidMessage, m.Author, expectedAuthor)
	}
	if !expectedTimestamp.IsZero() && !m.Timestamp.Equal(expectedTimestamp) {
		return Message{}, fmt.Errorf("%w: timestamp does not match", ErrInvalidMessage)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
