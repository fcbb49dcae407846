package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Tx records the writes of one Commit.
type Tx struct {
	s         *Storage
	batch     local.OpBatch
	manifests map[types.EntryID]manifest.Local
	volatile  map[types.EntryID]manifest.Local
	removed   map[types.EntryID]bool
	cached    []local.ID
	uncached  []local.ID
	err       error
}

// SetManifest stages m. The caller must hold the entry lock of m.
func (tx *Tx) SetManifest(m manifest.Local) {
	if tx.err != nil {
		return
	}
	raw, err := manifest.DumpLocal(m)
	if err != nil {
		tx.err = err
		return
	}
	id := m.EntryID()
	tx.batch.Set(local.KindManifest, local.ID(id), tx.s.key.Encrypt(raw))
	tx.manifests[id] = manifest.Clone(m)
	delete(tx.volatile, id)
	delete(tx.removed, id)
}

// CacheManifest stages m in memory only. It reaches the store on the next
// SetManifest or Persist of the same entry.
func (tx *Tx) CacheManifest(m manifest.Local) {
	id := m.EntryID()
	tx.volatile[id] = manifest.Clone(m)
	delete(tx.manifests, id)
	delete(tx.removed, id)
}

// RemoveManifest stages the removal of the local manifest of id.
func (tx *Tx) RemoveManifest(id types.EntryID) {
	tx.batch.Remove(local.KindManifest, local.ID(id))
	delete(tx.manifests, id)
	delete(tx.volatile, id)
	tx.removed[id] = true
}

// SetChunk stages the plaintext of a dirty chunk.
func (tx *Tx) SetChunk(id types.BlockID, data []byte) {
	tx.batch.Set(local.KindDirtyBlock, local.ID(id), tx.s.key.Encrypt(data))
}

// RemoveChunk stages the removal of a dirty chunk or pending block.
func (tx *Tx) RemoveChunk(id types.BlockID) {
	tx.batch.Remove(local.KindDirtyBlock, local.ID(id))
}

// SetPendingBlock stages the ciphertext of a reshaped block that is not
// uploaded yet. It is never evicted.
func (tx *Tx) SetPendingBlock(id types.BlockID, ciphertext []byte) {
	tx.batch.Set(local.KindDirtyBlock, local.ID(id), ciphertext)
}

// PromoteBlock turns an uploaded pending block into a clean cached block.
func (tx *Tx) PromoteBlock(id types.BlockID, ciphertext []byte) {
	lid := local.ID(id)
	tx.batch.Remove(local.KindDirtyBlock, lid)
	tx.batch.Set(local.KindBlock, lid, ciphertext)
	tx.cached = append(tx.cached, lid)
}

// RemoveBlock stages the removal of a clean cached block.
func (tx *Tx) RemoveBlock(id types.BlockID) {
	lid := local.ID(id)
	tx.batch.Remove(local.KindBlock, lid)
	tx.uncached = append(tx.uncached, lid)
}

// Commit runs fn and writes what it staged in one atomic batch. The
// in-memory view is updated only when the batch is durable.
func (s *Storage) Commit(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{
		s:         s,
		manifests: make(map[types.EntryID]manifest.Local),
		volatile:  make(map[types.EntryID]manifest.Local),
		removed:   make(map[types.EntryID]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return fmt.Errorf("stage local changes: %w", tx.err)
	}
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	if len(tx.batch.Ops) > 0 {
		err := s.store.Batch(ctx, func(b local.Batch) error {
			for _, op := range tx.batch.Ops {
				if op.Delete {
					b.Remove(op.Kind, op.ID)
				} else {
					b.Set(op.Kind, op.ID, op.Value)
				}
			}
			return nil
		})
		if errors.Is(err, local.ErrStorageFull) {
			return fserror.Wrap(fserror.LocalStorageFull, err, "local storage full")
		}
		if err != nil {
			return fmt.Errorf("commit local changes: %w", err)
		}
	}

	s.mu.Lock()
	for id, m := range tx.manifests {
		s.manifests[id] = m
		delete(s.volatile, id)
	}
	for id, m := range tx.volatile {
		s.manifests[id] = m
		s.volatile[id] = true
	}
	for id := range tx.removed {
		delete(s.manifests, id)
		delete(s.volatile, id)
	}
	s.recordManifests()
	s.mu.Unlock()

	for _, id := range tx.cached {
		s.blocks.track(id)
	}
	for _, id := range tx.uncached {
		s.blocks.forget(id)
	}
	return nil
}

// SetManifest persists a single manifest.
func (s *Storage) SetManifest(ctx context.Context, m manifest.Local) error {
	return s.Commit(ctx, func(tx *Tx) error {
		tx.SetManifest(m)
		return nil
	})
}

// Publish inserts m in memory only if id is not present yet, and persists
// it. It reports whether m was inserted. The caller holds the entry lock,
// so a loader that lost the race to another one is a no-op.
func (s *Storage) Publish(ctx context.Context, m manifest.Local) (bool, error) {
	if s.Has(m.EntryID()) {
		return false, nil
	}
	if err := s.SetManifest(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// Persist writes the in-memory manifest of id if it was only cached. The
// caller holds the entry lock.
func (s *Storage) Persist(ctx context.Context, id types.EntryID) error {
	s.mu.RLock()
	m, ok := s.manifests[id]
	volatile := s.volatile[id]
	s.mu.RUnlock()
	if !ok || !volatile {
		return nil
	}
	return s.SetManifest(ctx, m)
}

// Volatile returns the ids of the manifests only held in memory.
func (s *Storage) Volatile() []types.EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.EntryID, 0, len(s.volatile))
	for id := range s.volatile {
		ids = append(ids, id)
	}
	return ids
}
