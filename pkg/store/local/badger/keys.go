package badger

import (
	"fmt"

	"github.com/marmos91/parsecfs/pkg/store/local"
)

// Database Key Namespace Design
// ==============================
//
// Every value lives under a short kind prefix followed by the 16 raw bytes
// of its id:
//
// Data Type      Prefix   Key Format        Value
// =================================================================
// Manifests      "m:"     m:<16-byte id>    encrypted local manifest
// Clean blocks   "b:"     b:<16-byte id>    block ciphertext
// Dirty blocks   "d:"     d:<16-byte id>    encrypted local chunk data
//
// Prefixes make IterKind a single prefix scan and keep the kinds from
// colliding even though entry and block ids share one 128-bit space.

const (
	prefixManifest   = "m:"
	prefixBlock      = "b:"
	prefixDirtyBlock = "d:"
	prefixLen        = 2
)

func prefixFor(kind local.Kind) ([]byte, error) {
	switch kind {
	case local.KindManifest:
		return []byte(prefixManifest), nil
	case local.KindBlock:
		return []byte(prefixBlock), nil
	case local.KindDirtyBlock:
		return []byte(prefixDirtyBlock), nil
	}
	return nil, fmt.Errorf("unknown kind %d", kind)
}

func keyFor(kind local.Kind, id local.ID) ([]byte, error) {
	prefix, err := prefixFor(kind)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, prefixLen+len(id))
	key = append(key, prefix...)
	return append(key, id[:]...), nil
}

func idFromKey(key []byte) (local.ID, error) {
	var id local.ID
	if len(key) != prefixLen+len(id) {
		return id, fmt.Errorf("malformed key of length %d", len(key))
	}
	copy(id[:], key[prefixLen:])
	return id, nil
}
