// Package storage is the local persistence of one workspace (or of the user
// manifest): decrypted manifests cached in memory, dirty chunk data and
// clean blocks kept in the local object store, plus the bookkeeping that
// goes with them (entry locks, quarantine, placeholder aliases).
//
// Every value written to the local store is encrypted with the device local
// key, except block ciphertexts which are already encrypted with their own
// key and are stored as downloaded.
//
// Mutations go through Commit so that a multi-manifest change (a move, a
// placeholder resolution) reaches the store in one atomic batch and the
// in-memory view only changes once the batch is durable.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/fs/lock"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/types"
)

// ErrMiss is returned when a manifest or block is not present locally and
// must be fetched from the server.
var ErrMiss = errors.New("not present locally")

// Options configures a Storage.
type Options struct {
	// Store is the local object store of this workspace.
	Store local.Store

	// LocalKey encrypts everything the storage writes.
	LocalKey crypto.SecretKey

	// BlockCacheSize bounds the number of clean blocks kept locally.
	BlockCacheSize int64

	// Metrics is optional.
	Metrics CacheMetrics
}

// Storage holds the local state of one workspace.
type Storage struct {
	store   local.Store
	key     crypto.SecretKey
	blocks  *blockCache
	locks   *lock.Manager
	metrics CacheMetrics

	// commitMu is held shared by Commit and exclusively by SweepChunks.
	commitMu sync.RWMutex

	mu         sync.RWMutex
	manifests  map[types.EntryID]manifest.Local
	volatile   map[types.EntryID]bool
	quarantine map[types.EntryID]error
	aliases    map[types.EntryID]types.EntryID
}

// Open builds a Storage and loads every manifest of the store in memory.
func Open(ctx context.Context, opts Options) (*Storage, error) {
	if opts.Store == nil {
		return nil, errors.New("storage: local store is required")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopCacheMetrics{}
	}
	blocks, err := newBlockCache(opts.Store, opts.BlockCacheSize, metrics)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		store:      opts.Store,
		key:        opts.LocalKey,
		blocks:     blocks,
		locks:      lock.NewManager(),
		metrics:    metrics,
		manifests:  make(map[types.EntryID]manifest.Local),
		volatile:   make(map[types.EntryID]bool),
		quarantine: make(map[types.EntryID]error),
		aliases:    make(map[types.EntryID]types.EntryID),
	}
	if err := s.load(ctx); err != nil {
		blocks.close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) load(ctx context.Context) error {
	var ids []local.ID
	err := s.store.IterKind(ctx, local.KindManifest, func(id local.ID, _ int) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("list local manifests: %w", err)
	}
	for _, id := range ids {
		raw, err := s.store.Get(ctx, local.KindManifest, id)
		if err != nil {
			return fmt.Errorf("read local manifest %s: %w", id, err)
		}
		m, err := s.decodeManifest(raw)
		if err != nil {
			logger.Error("Local manifest %s is unreadable, quarantining: %v", id, err)
			s.quarantine[types.EntryID(id)] = err
			continue
		}
		s.manifests[m.EntryID()] = m
	}

	err = s.store.IterKind(ctx, local.KindBlock, func(id local.ID, _ int) error {
		s.blocks.track(id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("list cached blocks: %w", err)
	}
	s.blocks.wait()

	logger.Debug("Loaded %d local manifests", len(s.manifests))
	s.recordManifests()
	return nil
}

// Close releases the block cache. The local store is owned by the caller.
func (s *Storage) Close() {
	s.blocks.close()
}

// Locks returns the entry lock manager of this workspace.
func (s *Storage) Locks() *lock.Manager { return s.locks }

func (s *Storage) decodeManifest(raw []byte) (manifest.Local, error) {
	plain, err := s.key.Decrypt(raw)
	if err != nil {
		return nil, err
	}
	return manifest.LoadLocal(plain)
}

// ============================================================================
// Manifests
// ============================================================================

// Manifest returns a copy of the local manifest of id, or ErrMiss.
func (s *Storage) Manifest(id types.EntryID) (manifest.Local, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cause, ok := s.quarantine[id]; ok {
		return nil, quarantined(id, cause)
	}
	m, ok := s.manifests[id]
	if !ok {
		return nil, ErrMiss
	}
	return manifest.Clone(m), nil
}

// Has reports whether id is present locally.
func (s *Storage) Has(id types.EntryID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.manifests[id]
	return ok
}

// Entries returns the ids of every local manifest.
func (s *Storage) Entries() []types.EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.EntryID, 0, len(s.manifests))
	for id := range s.manifests {
		ids = append(ids, id)
	}
	return ids
}

// NeedSync returns the ids of the manifests with local changes.
func (s *Storage) NeedSync() []types.EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []types.EntryID
	for id, m := range s.manifests {
		if m.NeedsSync() {
			if _, bad := s.quarantine[id]; !bad {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (s *Storage) recordManifests() {
	dirty := 0
	for _, m := range s.manifests {
		if m.NeedsSync() {
			dirty++
		}
	}
	s.metrics.RecordManifests(len(s.manifests), dirty)
}

// ============================================================================
// Chunks and blocks
// ============================================================================

// Chunk returns the plaintext of a dirty chunk.
func (s *Storage) Chunk(ctx context.Context, id types.BlockID) ([]byte, error) {
	raw, err := s.store.Get(ctx, local.KindDirtyBlock, local.ID(id))
	if errors.Is(err, local.ErrNotFound) {
		return nil, fserror.Wrap(fserror.Corrupted, err, "dirty chunk %s is missing", id)
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.key.Decrypt(raw)
	if err != nil {
		return nil, fserror.Wrap(fserror.DecryptionError, err, "dirty chunk %s", id)
	}
	return plain, nil
}

// Block returns the ciphertext of a block: a clean cached copy, or a
// reshaped block waiting for upload. ErrMiss means it must be downloaded.
func (s *Storage) Block(ctx context.Context, id types.BlockID) ([]byte, error) {
	lid := local.ID(id)
	raw, err := s.store.Get(ctx, local.KindBlock, lid)
	if err == nil {
		s.blocks.touch(lid)
		s.metrics.ObserveBlockRead(true, len(raw))
		return raw, nil
	}
	if !errors.Is(err, local.ErrNotFound) {
		return nil, err
	}
	raw, err = s.store.Get(ctx, local.KindDirtyBlock, lid)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, local.ErrNotFound) {
		return nil, err
	}
	s.metrics.ObserveBlockRead(false, 0)
	return nil, ErrMiss
}

// PendingBlock returns the ciphertext of a reshaped block waiting for
// upload. ok is false when id is not pending.
func (s *Storage) PendingBlock(ctx context.Context, id types.BlockID) (ciphertext []byte, ok bool, err error) {
	raw, err := s.store.Get(ctx, local.KindDirtyBlock, local.ID(id))
	if errors.Is(err, local.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// CacheBlock keeps a downloaded block ciphertext locally. Failures are
// not fatal: the block can be downloaded again.
func (s *Storage) CacheBlock(ctx context.Context, id types.BlockID, ciphertext []byte) {
	lid := local.ID(id)
	if err := s.store.Set(ctx, local.KindBlock, lid, ciphertext); err != nil {
		logger.Warn("Failed to cache block %s: %v", id, err)
		return
	}
	s.blocks.track(lid)
}

// TrimBlocks removes cached blocks the cache index no longer tracks, which
// happens when the index drops an admission under contention. It returns
// the number of blocks removed.
func (s *Storage) TrimBlocks(ctx context.Context) (int, error) {
	s.blocks.wait()
	var stale []local.ID
	err := s.store.IterKind(ctx, local.KindBlock, func(id local.ID, _ int) error {
		if !s.blocks.tracked(id) {
			stale = append(stale, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range stale {
		if err := s.store.Remove(ctx, local.KindBlock, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Usage reports local store usage per kind.
func (s *Storage) Usage(ctx context.Context) (map[local.Kind]local.Usage, error) {
	out := make(map[local.Kind]local.Usage, len(local.Kinds))
	for _, k := range local.Kinds {
		u, err := s.store.Usage(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = u
	}
	return out, nil
}

// ============================================================================
// Quarantine and aliases
// ============================================================================

// Quarantine marks id inaccessible. It stays excluded from reads and sync
// until the process restarts or Release is called.
func (s *Storage) Quarantine(id types.EntryID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[id] = cause
}

// Release lifts a quarantine.
func (s *Storage) Release(id types.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantine, id)
}

// Quarantined returns a Corrupted error if id is quarantined.
func (s *Storage) Quarantined(id types.EntryID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cause, ok := s.quarantine[id]; ok {
		return quarantined(id, cause)
	}
	return nil
}

func quarantined(id types.EntryID, cause error) error {
	return fserror.Wrap(fserror.Corrupted, cause, "entry %s is quarantined", id)
}

// Alias records that the placeholder id from now lives under to.
func (s *Storage) Alias(from, to types.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[from] = to
}

// Canonical follows aliases from id.
func (s *Storage) Canonical(id types.EntryID) types.EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for range len(s.aliases) + 1 {
		to, ok := s.aliases[id]
		if !ok {
			break
		}
		id = to
	}
	return id
}
