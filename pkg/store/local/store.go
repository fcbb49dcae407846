// Package local defines the local object store: a persistent cache of opaque
// encrypted byte strings keyed by (kind, id).
//
// The store never encrypts or interprets values. Callers hand in ciphertexts
// produced by the workspace storage layer.
package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind partitions the key space.
type Kind uint8

const (
	// KindManifest holds local manifests. Never evicted.
	KindManifest Kind = iota + 1

	// KindBlock holds clean blocks downloaded from or uploaded to the server.
	// Entries may be discarded at any time; they can be fetched again.
	KindBlock

	// KindDirtyBlock holds data that only exists locally (written chunks and
	// reshaped blocks waiting for upload). Never evicted.
	KindDirtyBlock
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindBlock:
		return "block"
	case KindDirtyBlock:
		return "dirty_block"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds lists every kind, in key order.
var Kinds = []Kind{KindManifest, KindBlock, KindDirtyBlock}

// ID is the 128-bit identifier of a stored value. Entry and block ids
// convert to it directly.
type ID [16]byte

func (id ID) String() string { return uuid.UUID(id).String() }

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("local store: not found")

	// ErrStorageFull is returned when a write would exceed the store quota.
	ErrStorageFull = errors.New("local store: storage full")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("local store: closed")
)

// Batch collects writes applied atomically by Store.Batch.
type Batch interface {
	Set(kind Kind, id ID, value []byte)
	Remove(kind Kind, id ID)
}

// Usage summarizes the values of one kind.
type Usage struct {
	Count uint64
	Bytes uint64
}

// Store is the local object store contract.
//
// Guarantees:
//   - A successful Set or Batch is durable before returning.
//   - Get after Set on the same key in the same process returns the new value.
//   - A Batch is atomic: after a crash either all or none of its writes are visible.
//   - Remove of a missing key is not an error.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns a copy of the value, or ErrNotFound.
	Get(ctx context.Context, kind Kind, id ID) ([]byte, error)

	// Set stores value under (kind, id), replacing any previous value.
	Set(ctx context.Context, kind Kind, id ID, value []byte) error

	// Remove deletes (kind, id).
	Remove(ctx context.Context, kind Kind, id ID) error

	// IterKind calls fn for every id of kind with the size of its value.
	// Iteration stops at the first error returned by fn.
	IterKind(ctx context.Context, kind Kind, fn func(id ID, size int) error) error

	// Batch runs fn and applies the writes it recorded atomically. Nothing
	// is applied if fn returns an error.
	Batch(ctx context.Context, fn func(b Batch) error) error

	// Usage returns the count and total size of values of kind.
	Usage(ctx context.Context, kind Kind) (Usage, error)

	// Close releases resources.
	Close() error
}

// Op is one write recorded in a batch.
type Op struct {
	Kind   Kind
	ID     ID
	Value  []byte
	Delete bool
}

// OpBatch is a Batch that records operations in order. Backends use it to
// collect a batch before applying it in one transaction.
type OpBatch struct {
	Ops []Op
}

func (b *OpBatch) Set(kind Kind, id ID, value []byte) {
	b.Ops = append(b.Ops, Op{Kind: kind, ID: id, Value: append([]byte(nil), value...)})
}

func (b *OpBatch) Remove(kind Kind, id ID) {
	b.Ops = append(b.Ops, Op{Kind: kind, ID: id, Delete: true})
}
