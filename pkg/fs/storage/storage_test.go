package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/store/local/memory"
	"github.com/marmos91/parsecfs/pkg/types"
)

func open(t *testing.T, store local.Store, key crypto.SecretKey, blocks int64) *Storage {
	t.Helper()
	s, err := Open(context.Background(), Options{Store: store, LocalKey: key, BlockCacheSize: blocks})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newFolder() *manifest.LocalFolder {
	return manifest.NewPlaceholderFolder(types.NewDeviceID(), types.NewEntryID(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestManifestsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	key := crypto.GenerateSecretKey()

	s := open(t, store, key, 0)
	folder := newFolder()
	folder.Children["a"] = types.NewEntryID()
	require.NoError(t, s.SetManifest(ctx, folder))

	got, err := s.Manifest(folder.EntryID())
	require.NoError(t, err)
	assert.Equal(t, folder, got)
	assert.Equal(t, []types.EntryID{folder.EntryID()}, s.NeedSync())

	raw, err := store.Get(ctx, local.KindManifest, local.ID(folder.EntryID()))
	require.NoError(t, err)
	plain, err := manifest.DumpLocal(folder)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, plain), "manifests are stored encrypted")

	reopened := open(t, store, key, 0)
	got, err = reopened.Manifest(folder.EntryID())
	require.NoError(t, err)
	assert.Equal(t, folder, got)
}

func TestManifestReturnsCopy(t *testing.T) {
	s := open(t, memory.New(memory.Config{}), crypto.GenerateSecretKey(), 0)
	folder := newFolder()
	require.NoError(t, s.SetManifest(context.Background(), folder))

	got, err := s.Manifest(folder.EntryID())
	require.NoError(t, err)
	got.(*manifest.LocalFolder).Children["x"] = types.NewEntryID()

	again, err := s.Manifest(folder.EntryID())
	require.NoError(t, err)
	assert.Empty(t, again.(*manifest.LocalFolder).Children)
}

func TestMissingManifestIsMiss(t *testing.T) {
	s := open(t, memory.New(memory.Config{}), crypto.GenerateSecretKey(), 0)
	_, err := s.Manifest(types.NewEntryID())
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := open(t, memory.New(memory.Config{}), crypto.GenerateSecretKey(), 0)
	a, b := newFolder(), newFolder()

	boom := errors.New("boom")
	err := s.Commit(ctx, func(tx *Tx) error {
		tx.SetManifest(a)
		tx.SetManifest(b)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, s.Has(a.EntryID()))
	assert.False(t, s.Has(b.EntryID()))

	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.SetManifest(a)
		tx.SetManifest(b)
		return nil
	}))
	assert.True(t, s.Has(a.EntryID()))
	assert.True(t, s.Has(b.EntryID()))

	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.RemoveManifest(a.EntryID())
		return nil
	}))
	assert.False(t, s.Has(a.EntryID()))
}

func TestStorageFullMapsToLocalStorageFull(t *testing.T) {
	s := open(t, memory.New(memory.Config{MaxBytes: 64}), crypto.GenerateSecretKey(), 0)
	err := s.Commit(context.Background(), func(tx *Tx) error {
		tx.SetChunk(types.NewBlockID(), make([]byte, 1024))
		return nil
	})
	assert.Equal(t, fserror.LocalStorageFull, fserror.CodeOf(err))
}

func TestChunksAreEncrypted(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	s := open(t, store, crypto.GenerateSecretKey(), 0)

	id := types.NewBlockID()
	data := []byte("some secret file content")
	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.SetChunk(id, data)
		return nil
	}))

	got, err := s.Chunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	raw, err := store.Get(ctx, local.KindDirtyBlock, local.ID(id))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, data))

	_, err = s.Chunk(ctx, types.NewBlockID())
	assert.ErrorIs(t, err, fserror.Corrupted)
}

func TestPendingBlockPromotion(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	s := open(t, store, crypto.GenerateSecretKey(), 0)

	id := types.NewBlockID()
	ciphertext := []byte("ciphertext")
	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.SetPendingBlock(id, ciphertext)
		return nil
	}))
	got, err := s.Block(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, got)

	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.PromoteBlock(id, ciphertext)
		return nil
	}))
	_, err = store.Get(ctx, local.KindDirtyBlock, local.ID(id))
	assert.ErrorIs(t, err, local.ErrNotFound)
	got, err = s.Block(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, got)

	_, err = s.Block(ctx, types.NewBlockID())
	assert.ErrorIs(t, err, ErrMiss)
}

func TestBlockCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	s := open(t, store, crypto.GenerateSecretKey(), 2)

	for range 20 {
		s.CacheBlock(ctx, types.NewBlockID(), []byte("block"))
	}
	s.blocks.wait()
	_, err := s.TrimBlocks(ctx)
	require.NoError(t, err)

	usage, err := store.Usage(ctx, local.KindBlock)
	require.NoError(t, err)
	assert.LessOrEqual(t, usage.Count, uint64(2))
}

func TestCachedBlocksSurviveClose(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	key := crypto.GenerateSecretKey()

	s, err := Open(ctx, Options{Store: store, LocalKey: key})
	require.NoError(t, err)
	id := types.NewBlockID()
	s.CacheBlock(ctx, id, []byte("cipher"))
	s.blocks.wait()
	s.Close()

	usage, err := store.Usage(ctx, local.KindBlock)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), usage.Count)

	reopened := open(t, store, key, 0)
	got, err := reopened.Block(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher"), got)
}

func TestUnreadableManifestIsQuarantinedOnOpen(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	id := types.NewEntryID()
	require.NoError(t, store.Set(ctx, local.KindManifest, local.ID(id), []byte("garbage")))

	s := open(t, store, crypto.GenerateSecretKey(), 0)
	_, err := s.Manifest(id)
	assert.ErrorIs(t, err, fserror.Corrupted)
	assert.ErrorIs(t, s.Quarantined(id), fserror.Corrupted)

	s.Release(id)
	assert.NoError(t, s.Quarantined(id))
}

func TestQuarantineExcludesFromSync(t *testing.T) {
	s := open(t, memory.New(memory.Config{}), crypto.GenerateSecretKey(), 0)
	folder := newFolder()
	require.NoError(t, s.SetManifest(context.Background(), folder))
	require.Len(t, s.NeedSync(), 1)

	s.Quarantine(folder.EntryID(), errors.New("bad signature"))
	assert.Empty(t, s.NeedSync())
}

func TestAliasesChain(t *testing.T) {
	s := open(t, memory.New(memory.Config{}), crypto.GenerateSecretKey(), 0)
	a, b, c := types.NewEntryID(), types.NewEntryID(), types.NewEntryID()
	s.Alias(a, b)
	s.Alias(b, c)
	assert.Equal(t, c, s.Canonical(a))
	assert.Equal(t, c, s.Canonical(c))
}

func TestCachedManifestIsPersistedOnDemand(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	key := crypto.GenerateSecretKey()
	s := open(t, store, key, 0)

	folder := newFolder()
	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.CacheManifest(folder)
		return nil
	}))
	assert.True(t, s.Has(folder.EntryID()))
	assert.Equal(t, []types.EntryID{folder.EntryID()}, s.Volatile())
	assert.False(t, open(t, store, key, 0).Has(folder.EntryID()), "not on disk yet")

	require.NoError(t, s.Persist(ctx, folder.EntryID()))
	assert.Empty(t, s.Volatile())
	assert.True(t, open(t, store, key, 0).Has(folder.EntryID()))
}

func TestSweepChunksRemovesOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	s := open(t, store, crypto.GenerateSecretKey(), 0)

	f := manifest.NewPlaceholderFile(types.NewDeviceID(), types.NewEntryID(), 512*1024, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	kept := manifest.NewDirtyChunk(0, 4)
	f.DirtyBlocks = append(f.DirtyBlocks, kept)
	f.Size = 4
	orphan := types.NewBlockID()
	require.NoError(t, s.Commit(ctx, func(tx *Tx) error {
		tx.SetChunk(kept.ID, []byte("keep"))
		tx.SetChunk(orphan, []byte("lost"))
		tx.SetManifest(f)
		return nil
	}))

	stats, err := s.SweepChunks(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Existing: 2, Referenced: 1, Orphaned: 1}, stats)

	stats, err = s.SweepChunks(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	data, err := s.Chunk(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
	_, err = store.Get(ctx, local.KindDirtyBlock, local.ID(orphan))
	assert.ErrorIs(t, err, local.ErrNotFound)
}
