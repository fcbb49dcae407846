package manifest

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marmos91/parsecfs/pkg/codec"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Chunk is a view on a contiguous byte range of a file.
//
// The underlying data covers [RawOffset, RawOffset+RawSize) in file
// coordinates; the chunk exposes [Start, Stop) of it. Access is set when the
// data lives in a block (uploaded or about to be); otherwise the chunk is a
// dirty local chunk whose data is kept by the workspace storage under ID.
type Chunk struct {
	ID        types.BlockID `cbor:"id"`
	Start     uint64        `cbor:"start"`
	Stop      uint64        `cbor:"stop"`
	RawOffset uint64        `cbor:"raw_offset"`
	RawSize   uint64        `cbor:"raw_size"`
	Access    *BlockAccess  `cbor:"access,omitempty"`
}

// NewDirtyChunk returns a chunk for freshly written data at offset.
func NewDirtyChunk(offset, size uint64) Chunk {
	return Chunk{
		ID:        types.NewBlockID(),
		Start:     offset,
		Stop:      offset + size,
		RawOffset: offset,
		RawSize:   size,
	}
}

// ChunkFromBlock returns a chunk exposing a whole block.
func ChunkFromBlock(b BlockAccess) Chunk {
	access := b
	return Chunk{
		ID:        b.ID,
		Start:     b.Offset,
		Stop:      b.Offset + b.Size,
		RawOffset: b.Offset,
		RawSize:   b.Size,
		Access:    &access,
	}
}

// Size is the number of bytes exposed.
func (c Chunk) Size() uint64 { return c.Stop - c.Start }

// IsBlock reports whether the data lives in a block.
func (c Chunk) IsBlock() bool { return c.Access != nil }

// IsWholeBlock reports whether the chunk exposes exactly its block.
func (c Chunk) IsWholeBlock() bool {
	return c.Access != nil && c.Start == c.RawOffset && c.Stop == c.RawOffset+c.RawSize
}

// Local is a local manifest: one of *LocalUser, *LocalWorkspace,
// *LocalFolder or *LocalFile.
type Local interface {
	EntryID() types.EntryID
	BaseVersion() uint32
	IsPlaceholder() bool
	NeedsSync() bool
	UpdatedAt() time.Time
	Kind() Kind
	isLocal()
}

// LocalUser is the local form of a user manifest.
type LocalUser struct {
	Base                 UserManifest     `cbor:"base"`
	NeedSync             bool             `cbor:"need_sync"`
	Updated              time.Time        `cbor:"updated"`
	LastProcessedMessage uint64           `cbor:"last_processed_message"`
	Workspaces           []WorkspaceEntry `cbor:"workspaces"`
	Speculative          bool             `cbor:"speculative"`
}

// LocalWorkspace is the local form of a workspace manifest.
type LocalWorkspace struct {
	Base        WorkspaceManifest                 `cbor:"base"`
	NeedSync    bool                              `cbor:"need_sync"`
	Updated     time.Time                         `cbor:"updated"`
	Children    map[types.EntryName]types.EntryID `cbor:"children"`
	Speculative bool                              `cbor:"speculative"`
}

// LocalFolder is the local form of a folder manifest.
type LocalFolder struct {
	Base     FolderManifest                    `cbor:"base"`
	NeedSync bool                              `cbor:"need_sync"`
	Updated  time.Time                         `cbor:"updated"`
	Parent   types.EntryID                     `cbor:"parent"`
	Children map[types.EntryName]types.EntryID `cbor:"children"`
}

// LocalFile is the local form of a file manifest.
//
// Blocks are clean chunks sorted by offset and non-overlapping. DirtyBlocks
// is an overlay in write order: for any byte, the latest dirty chunk
// containing it wins, then the clean chunk containing it, then zero.
type LocalFile struct {
	Base        FileManifest  `cbor:"base"`
	NeedSync    bool          `cbor:"need_sync"`
	Updated     time.Time     `cbor:"updated"`
	Parent      types.EntryID `cbor:"parent"`
	Size        uint64        `cbor:"size"`
	Blocksize   uint64        `cbor:"blocksize"`
	Blocks      []Chunk       `cbor:"blocks"`
	DirtyBlocks []Chunk       `cbor:"dirty_blocks"`
}

func (l *LocalUser) EntryID() types.EntryID      { return l.Base.ID }
func (l *LocalWorkspace) EntryID() types.EntryID { return l.Base.ID }
func (l *LocalFolder) EntryID() types.EntryID    { return l.Base.ID }
func (l *LocalFile) EntryID() types.EntryID      { return l.Base.ID }

func (l *LocalUser) BaseVersion() uint32      { return l.Base.Version }
func (l *LocalWorkspace) BaseVersion() uint32 { return l.Base.Version }
func (l *LocalFolder) BaseVersion() uint32    { return l.Base.Version }
func (l *LocalFile) BaseVersion() uint32      { return l.Base.Version }

func (l *LocalUser) IsPlaceholder() bool      { return l.Base.Version == 0 }
func (l *LocalWorkspace) IsPlaceholder() bool { return l.Base.Version == 0 }
func (l *LocalFolder) IsPlaceholder() bool    { return l.Base.Version == 0 }
func (l *LocalFile) IsPlaceholder() bool      { return l.Base.Version == 0 }

func (l *LocalUser) NeedsSync() bool      { return l.NeedSync }
func (l *LocalWorkspace) NeedsSync() bool { return l.NeedSync }
func (l *LocalFolder) NeedsSync() bool    { return l.NeedSync }
func (l *LocalFile) NeedsSync() bool      { return l.NeedSync }

func (l *LocalUser) UpdatedAt() time.Time      { return l.Updated }
func (l *LocalWorkspace) UpdatedAt() time.Time { return l.Updated }
func (l *LocalFolder) UpdatedAt() time.Time    { return l.Updated }
func (l *LocalFile) UpdatedAt() time.Time      { return l.Updated }

func (l *LocalUser) Kind() Kind      { return KindUser }
func (l *LocalWorkspace) Kind() Kind { return KindWorkspace }
func (l *LocalFolder) Kind() Kind    { return KindFolder }
func (l *LocalFile) Kind() Kind      { return KindFile }

func (*LocalUser) isLocal()      {}
func (*LocalWorkspace) isLocal() {}
func (*LocalFolder) isLocal()    {}
func (*LocalFile) isLocal()      {}

// ChildrenOf returns the children map of a folder-like local manifest.
func ChildrenOf(l Local) (map[types.EntryName]types.EntryID, bool) {
	switch m := l.(type) {
	case *LocalWorkspace:
		return m.Children, true
	case *LocalFolder:
		return m.Children, true
	}
	return nil, false
}

// ============================================================================
// Construction
// ============================================================================

func placeholderHeader(author types.DeviceID, id types.EntryID, now time.Time) Header {
	return Header{Author: author, Timestamp: now, ID: id, Version: 0, Created: now, Updated: now}
}

// NewPlaceholderFolder returns a new, never uploaded folder under parent.
func NewPlaceholderFolder(author types.DeviceID, parent types.EntryID, now time.Time) *LocalFolder {
	id := types.NewEntryID()
	return &LocalFolder{
		Base:     FolderManifest{Header: placeholderHeader(author, id, now), Parent: parent, Children: map[types.EntryName]types.EntryID{}},
		NeedSync: true,
		Updated:  now,
		Parent:   parent,
		Children: map[types.EntryName]types.EntryID{},
	}
}

// NewPlaceholderFile returns a new, empty, never uploaded file under parent.
func NewPlaceholderFile(author types.DeviceID, parent types.EntryID, blocksize uint64, now time.Time) *LocalFile {
	id := types.NewEntryID()
	return &LocalFile{
		Base:      FileManifest{Header: placeholderHeader(author, id, now), Parent: parent, Blocksize: blocksize},
		NeedSync:  true,
		Updated:   now,
		Parent:    parent,
		Blocksize: blocksize,
	}
}

// NewPlaceholderWorkspace returns a new workspace root. When speculative is
// true the workspace may already exist remotely and the manifest only stands
// in until the remote one is fetched.
func NewPlaceholderWorkspace(author types.DeviceID, id types.EntryID, now time.Time, speculative bool) *LocalWorkspace {
	return &LocalWorkspace{
		Base:        WorkspaceManifest{Header: placeholderHeader(author, id, now), Children: map[types.EntryName]types.EntryID{}},
		NeedSync:    !speculative,
		Updated:     now,
		Children:    map[types.EntryName]types.EntryID{},
		Speculative: speculative,
	}
}

// NewPlaceholderUser returns a new user manifest.
func NewPlaceholderUser(author types.DeviceID, id types.EntryID, now time.Time, speculative bool) *LocalUser {
	return &LocalUser{
		Base:        UserManifest{Header: placeholderHeader(author, id, now)},
		NeedSync:    !speculative,
		Updated:     now,
		Speculative: speculative,
	}
}

// FromRemote converts a verified remote manifest to a clean local form.
func FromRemote(m Manifest) Local {
	switch r := m.(type) {
	case UserManifest:
		return &LocalUser{
			Base:                 r,
			Updated:              r.Updated,
			LastProcessedMessage: r.LastProcessedMessage,
			Workspaces:           slices.Clone(r.Workspaces),
		}
	case WorkspaceManifest:
		return &LocalWorkspace{Base: r, Updated: r.Updated, Children: CloneChildren(r.Children)}
	case FolderManifest:
		return &LocalFolder{Base: r, Updated: r.Updated, Parent: r.Parent, Children: CloneChildren(r.Children)}
	case FileManifest:
		blocks := make([]Chunk, 0, len(r.Blocks))
		for _, b := range r.Blocks {
			blocks = append(blocks, ChunkFromBlock(b))
		}
		return &LocalFile{
			Base:      r,
			Updated:   r.Updated,
			Parent:    r.Parent,
			Size:      r.Size,
			Blocksize: r.Blocksize,
			Blocks:    blocks,
		}
	}
	panic(fmt.Sprintf("manifest: unknown remote variant %T", m))
}

// ============================================================================
// Copies
// ============================================================================

// Clone returns a deep copy of l.
func Clone(l Local) Local {
	switch m := l.(type) {
	case *LocalUser:
		c := *m
		c.Workspaces = slices.Clone(m.Workspaces)
		return &c
	case *LocalWorkspace:
		c := *m
		c.Children = CloneChildren(m.Children)
		return &c
	case *LocalFolder:
		c := *m
		c.Children = CloneChildren(m.Children)
		return &c
	case *LocalFile:
		c := *m
		c.Blocks = slices.Clone(m.Blocks)
		c.DirtyBlocks = slices.Clone(m.DirtyBlocks)
		return &c
	}
	panic(fmt.Sprintf("manifest: unknown local variant %T", l))
}

// Touch records a local mutation: updated timestamp and need_sync.
func Touch(l Local, now time.Time) {
	switch m := l.(type) {
	case *LocalUser:
		m.Updated, m.NeedSync = now, true
	case *LocalWorkspace:
		m.Updated, m.NeedSync = now, true
	case *LocalFolder:
		m.Updated, m.NeedSync = now, true
	case *LocalFile:
		m.Updated, m.NeedSync = now, true
	}
}

// ============================================================================
// Local -> remote
// ============================================================================

// ErrNotReshaped is returned by ToRemote for a file whose dirty chunks have
// not been turned into blocks yet.
var ErrNotReshaped = errors.New("file manifest has pending dirty chunks")

// ToRemote builds the remote manifest to upload as the next version of l.
func ToRemote(l Local, author types.DeviceID, now time.Time) (Manifest, error) {
	switch m := l.(type) {
	case *LocalUser:
		return UserManifest{
			Header:               nextHeader(m.Base.Header, author, m.Updated, now),
			LastProcessedMessage: m.LastProcessedMessage,
			Workspaces:           slices.Clone(m.Workspaces),
		}, nil
	case *LocalWorkspace:
		return WorkspaceManifest{
			Header:   nextHeader(m.Base.Header, author, m.Updated, now),
			Children: CloneChildren(m.Children),
		}, nil
	case *LocalFolder:
		return FolderManifest{
			Header:   nextHeader(m.Base.Header, author, m.Updated, now),
			Parent:   m.Parent,
			Children: CloneChildren(m.Children),
		}, nil
	case *LocalFile:
		if !m.IsReshaped() {
			return nil, ErrNotReshaped
		}
		blocks := make([]BlockAccess, 0, len(m.Blocks))
		for _, c := range m.Blocks {
			blocks = append(blocks, *c.Access)
		}
		return FileManifest{
			Header:    nextHeader(m.Base.Header, author, m.Updated, now),
			Parent:    m.Parent,
			Size:      m.Size,
			Blocksize: m.Blocksize,
			Blocks:    blocks,
		}, nil
	}
	return nil, fmt.Errorf("manifest: unknown local variant %T", l)
}

func nextHeader(base Header, author types.DeviceID, updated, now time.Time) Header {
	created := base.Created
	if base.Version == 0 || created.IsZero() {
		created = updated
	}
	return Header{
		Author:    author,
		Timestamp: now,
		ID:        base.ID,
		Version:   base.Version + 1,
		Created:   created,
		Updated:   updated,
	}
}

// IsReshaped reports whether every byte of the file is held by whole
// blocks, i.e. the file can be uploaded as is.
func (l *LocalFile) IsReshaped() bool {
	if len(l.DirtyBlocks) > 0 {
		return false
	}
	var cursor uint64
	for _, c := range l.Blocks {
		if !c.IsWholeBlock() || c.Start != cursor {
			return false
		}
		cursor = c.Stop
	}
	return cursor == l.Size
}

// ContentMatches reports whether the local file content is the one
// described by remote.
func (l *LocalFile) ContentMatches(remote FileManifest) bool {
	if l.Size != remote.Size || len(l.DirtyBlocks) > 0 || len(l.Blocks) != len(remote.Blocks) {
		return false
	}
	for i, c := range l.Blocks {
		if !c.IsWholeBlock() || *c.Access != remote.Blocks[i] {
			return false
		}
	}
	return true
}

// MatchesRemote reports whether l holds exactly the content of remote
// (ignoring versioning and timestamps).
func MatchesRemote(l Local, remote Manifest) bool {
	switch m := l.(type) {
	case *LocalUser:
		r, ok := remote.(UserManifest)
		return ok && m.LastProcessedMessage == r.LastProcessedMessage && workspacesEqual(m.Workspaces, r.Workspaces)
	case *LocalWorkspace:
		r, ok := remote.(WorkspaceManifest)
		return ok && ChildrenEqual(m.Children, r.Children)
	case *LocalFolder:
		r, ok := remote.(FolderManifest)
		return ok && m.Parent == r.Parent && ChildrenEqual(m.Children, r.Children)
	case *LocalFile:
		r, ok := remote.(FileManifest)
		return ok && m.Parent == r.Parent && m.ContentMatches(r)
	}
	return false
}

func workspacesEqual(a, b []WorkspaceEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Name != y.Name || x.Key != y.Key || x.EncryptionRevision != y.EncryptionRevision ||
			x.Role != y.Role || !x.EncryptedOn.Equal(y.EncryptedOn) || !x.RoleCachedOn.Equal(y.RoleCachedOn) {
			return false
		}
	}
	return true
}

// ============================================================================
// Local persistence encoding
// ============================================================================

// DumpLocal serializes a local manifest for the local object store.
func DumpLocal(l Local) ([]byte, error) {
	raw, err := encodeTagged(l.Kind(), l)
	if err != nil {
		return nil, fmt.Errorf("encode local %s manifest: %w", l.Kind(), err)
	}
	return raw, nil
}

// LoadLocal parses the output of DumpLocal.
func LoadLocal(data []byte) (Local, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var l Local
	switch env.Type {
	case KindUser:
		l = &LocalUser{}
	case KindWorkspace:
		l = &LocalWorkspace{}
	case KindFolder:
		l = &LocalFolder{}
	case KindFile:
		l = &LocalFile{}
	default:
		return nil, fmt.Errorf("unknown local manifest tag %d", env.Type)
	}
	if err := codec.Unmarshal(env.Body, l); err != nil {
		return nil, err
	}
	return l, nil
}
