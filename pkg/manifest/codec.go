package manifest

import (
	"fmt"
	"time"

	"github.com/marmos91/parsecfs/pkg/codec"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/types"
)

type envelope struct {
	Type Kind             `cbor:"type"`
	Body codec.RawMessage `cbor:"body"`
}

func encodeTagged(kind Kind, body any) ([]byte, error) {
	raw, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(envelope{Type: kind, Body: raw})
}

// Dump serializes a remote manifest to its signed payload form (tagged CBOR,
// zstd-compressed).
func Dump(m Manifest) ([]byte, error) {
	raw, err := encodeTagged(m.Kind(), m)
	if err != nil {
		return nil, fmt.Errorf("encode %s manifest: %w", m.Kind(), err)
	}
	return codec.Compress(raw), nil
}

// Load parses the output of Dump.
func Load(payload []byte) (Manifest, error) {
	raw, err := codec.Decompress(payload)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case KindUser:
		var m UserManifest
		err = codec.Unmarshal(env.Body, &m)
		return m, err
	case KindWorkspace:
		var m WorkspaceManifest
		err = codec.Unmarshal(env.Body, &m)
		return m, err
	case KindFolder:
		var m FolderManifest
		err = codec.Unmarshal(env.Body, &m)
		return m, err
	case KindFile:
		var m FileManifest
		err = codec.Unmarshal(env.Body, &m)
		return m, err
	}
	return nil, fmt.Errorf("unknown manifest tag %d", env.Type)
}

// DumpSignAndEncrypt produces the blob uploaded to the server: the payload
// is signed by the author device and encrypted with the realm key.
func DumpSignAndEncrypt(m Manifest, author crypto.SigningKey, key crypto.SecretKey) ([]byte, error) {
	payload, err := Dump(m)
	if err != nil {
		return nil, err
	}
	return key.Encrypt(author.Sign(payload)), nil
}

// Expected lists what a downloaded manifest must claim about itself.
// Zero values are not checked.
type Expected struct {
	Author    types.DeviceID
	ID        types.EntryID
	Version   uint32
	Timestamp time.Time
}

// DecryptVerifyAndLoad reverses DumpSignAndEncrypt and checks the decoded
// header against expected.
//
// Failures are reported as fserror DecryptionError, SignatureError or
// InvalidManifest.
func DecryptVerifyAndLoad(blob []byte, key crypto.SecretKey, authorKey crypto.VerifyKey, expected Expected) (Manifest, error) {
	signed, err := key.Decrypt(blob)
	if err != nil {
		return nil, fserror.Wrap(fserror.DecryptionError, err, "cannot decrypt manifest %s", expected.ID)
	}
	payload, err := authorKey.Verify(signed)
	if err != nil {
		return nil, fserror.Wrap(fserror.SignatureError, err, "invalid signature on manifest %s", expected.ID)
	}
	m, err := Load(payload)
	if err != nil {
		return nil, fserror.Wrap(fserror.InvalidManifest, err, "malformed manifest %s", expected.ID)
	}
	if err := checkExpected(m.Head(), expected); err != nil {
		return nil, err
	}
	return m, nil
}

func checkExpected(h Header, expected Expected) error {
	invalid := func(field string, got, want any) error {
		return fserror.New(fserror.InvalidManifest, "manifest %s: %s mismatch (got %v, expected %v)", expected.ID, field, got, want)
	}
	if !expected.Author.IsZero() && h.Author != expected.Author {
		return invalid("author", h.Author, expected.Author)
	}
	if !expected.ID.IsZero() && h.ID != expected.ID {
		return invalid("id", h.ID, expected.ID)
	}
	if expected.Version != 0 && h.Version != expected.Version {
		return invalid("version", h.Version, expected.Version)
	}
	if !expected.Timestamp.IsZero() && !h.Timestamp.Equal(expected.Timestamp) {
		return invalid("timestamp", h.Timestamp, expected.Timestamp)
	}
	return nil
}
