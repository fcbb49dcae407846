// Package manifest implements the manifest model of a workspace: the
// remote (signed, versioned, immutable) forms, the local (mutable,
// descended from a remote version) forms, their encoding, and the three-way
// merge algebra used by the syncer.
//
// Manifests are a closed sum of four variants (user, workspace, folder,
// file). Consumers match on the concrete type with a type switch.
package manifest

import (
	"fmt"
	"time"

	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Kind is the leading tag of an encoded manifest.
type Kind uint8

const (
	KindUser      Kind = 1
	KindWorkspace Kind = 2
	KindFolder    Kind = 3
	KindFile      Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindWorkspace:
		return "workspace"
	case KindFolder:
		return "folder"
	case KindFile:
		return "file"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Header holds the fields shared by every remote manifest.
type Header struct {
	Author    types.DeviceID `cbor:"author"`
	Timestamp time.Time      `cbor:"timestamp"`
	ID        types.EntryID  `cbor:"id"`
	Version   uint32         `cbor:"version"`
	Created   time.Time      `cbor:"created"`
	Updated   time.Time      `cbor:"updated"`
}

// Head returns the header. It is promoted to every remote variant.
func (h Header) Head() Header { return h }

// Manifest is a remote manifest: one of UserManifest, WorkspaceManifest,
// FolderManifest or FileManifest.
type Manifest interface {
	Head() Header
	Kind() Kind
	isRemote()
}

// BlockAccess references one uploaded block of a file.
//
// Digest is the BLAKE3 digest of the block ciphertext and ID is derived from
// it, so uploading the same ciphertext twice targets the same block.
type BlockAccess struct {
	ID     types.BlockID     `cbor:"id"`
	Key    crypto.SecretKey  `cbor:"key"`
	Offset uint64            `cbor:"offset"`
	Size   uint64            `cbor:"size"`
	Digest crypto.HashDigest `cbor:"digest"`
}

// WorkspaceEntry is a user's view of a workspace they have access to.
type WorkspaceEntry struct {
	Name               types.EntryName  `cbor:"name"`
	ID                 types.EntryID    `cbor:"id"`
	Key                crypto.SecretKey `cbor:"key"`
	EncryptionRevision uint64           `cbor:"encryption_revision"`
	EncryptedOn        time.Time        `cbor:"encrypted_on"`
	RoleCachedOn       time.Time        `cbor:"role_cached_on"`
	Role               types.RealmRole  `cbor:"role"`
}

// UserManifest is the root of a user's forest of workspaces.
type UserManifest struct {
	Header
	LastProcessedMessage uint64           `cbor:"last_processed_message"`
	Workspaces           []WorkspaceEntry `cbor:"workspaces"`
}

// WorkspaceManifest is the root folder of a workspace.
type WorkspaceManifest struct {
	Header
	Children map[types.EntryName]types.EntryID `cbor:"children"`
}

// FolderManifest is a folder inside a workspace.
type FolderManifest struct {
	Header
	Parent   types.EntryID                     `cbor:"parent"`
	Children map[types.EntryName]types.EntryID `cbor:"children"`
}

// FileManifest is a regular file. Blocks are sorted by offset, do not
// overlap and cover [0, Size).
type FileManifest struct {
	Header
	Parent    types.EntryID `cbor:"parent"`
	Size      uint64        `cbor:"size"`
	Blocksize uint64        `cbor:"blocksize"`
	Blocks    []BlockAccess `cbor:"blocks"`
}

func (UserManifest) Kind() Kind      { return KindUser }
func (WorkspaceManifest) Kind() Kind { return KindWorkspace }
func (FolderManifest) Kind() Kind    { return KindFolder }
func (FileManifest) Kind() Kind      { return KindFile }

func (UserManifest) isRemote()      {}
func (WorkspaceManifest) isRemote() {}
func (FolderManifest) isRemote()    {}
func (FileManifest) isRemote()      {}

// GetWorkspace returns the entry for id.
func (m UserManifest) GetWorkspace(id types.EntryID) (WorkspaceEntry, bool) {
	for _, w := range m.Workspaces {
		if w.ID == id {
			return w, true
		}
	}
	return WorkspaceEntry{}, false
}

// CloneChildren returns a copy of a children map (never nil).
func CloneChildren(children map[types.EntryName]types.EntryID) map[types.EntryName]types.EntryID {
	out := make(map[types.EntryName]types.EntryID, len(children))
	for k, v := range children {
		out[k] = v
	}
	return out
}

// ChildrenEqual compares two children maps, treating nil as empty.
func ChildrenEqual(a, b map[types.EntryName]types.EntryID) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// BlocksEqual compares two block access lists.
func BlocksEqual(a, b []BlockAccess) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
