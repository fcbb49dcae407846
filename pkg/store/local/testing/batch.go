package testing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/store/local"
)

// RunBatchTests executes the atomic batch tests.
func (suite *StoreTestSuite) RunBatchTests(t *testing.T) {
	t.Run("Batch_AppliesAll", suite.testBatchAppliesAll)
	t.Run("Batch_FnErrorAppliesNothing", suite.testBatchFnErrorAppliesNothing)
	t.Run("Batch_LastWriteWins", suite.testBatchLastWriteWins)
	t.Run("Batch_Empty", suite.testBatchEmpty)
}

func (suite *StoreTestSuite) testBatchAppliesAll(t *testing.T) {
	store := suite.newStore(t)
	parent, child, stale := newID(), newID(), newID()
	require.NoError(t, store.Set(testContext(), local.KindDirtyBlock, stale, []byte("old chunk")))

	err := store.Batch(testContext(), func(b local.Batch) error {
		b.Set(local.KindManifest, parent, []byte("parent"))
		b.Set(local.KindManifest, child, []byte("child"))
		b.Remove(local.KindDirtyBlock, stale)
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(testContext(), local.KindManifest, parent)
	require.NoError(t, err)
	assert.Equal(t, []byte("parent"), got)
	got, err = store.Get(testContext(), local.KindManifest, child)
	require.NoError(t, err)
	assert.Equal(t, []byte("child"), got)
	_, err = store.Get(testContext(), local.KindDirtyBlock, stale)
	assert.ErrorIs(t, err, local.ErrNotFound)
}

func (suite *StoreTestSuite) testBatchFnErrorAppliesNothing(t *testing.T) {
	store := suite.newStore(t)
	id := newID()
	boom := errors.New("boom")

	err := store.Batch(testContext(), func(b local.Batch) error {
		b.Set(local.KindManifest, id, []byte("never"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = store.Get(testContext(), local.KindManifest, id)
	assert.ErrorIs(t, err, local.ErrNotFound)
}

func (suite *StoreTestSuite) testBatchLastWriteWins(t *testing.T) {
	store := suite.newStore(t)
	id := newID()

	err := store.Batch(testContext(), func(b local.Batch) error {
		b.Set(local.KindManifest, id, []byte("first"))
		b.Remove(local.KindManifest, id)
		b.Set(local.KindManifest, id, []byte("last"))
		return nil
	})
	require.NoError(t, err)
	got, err := store.Get(testContext(), local.KindManifest, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), got)

	u, err := store.Usage(testContext(), local.KindManifest)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), u.Bytes)
}

func (suite *StoreTestSuite) testBatchEmpty(t *testing.T) {
	store := suite.newStore(t)
	assert.NoError(t, store.Batch(testContext(), func(local.Batch) error { return nil }))
}

// RunQuotaTests executes the storage limit tests.
func (suite *StoreTestSuite) RunQuotaTests(t *testing.T) {
	if suite.NewLimitedStore == nil {
		t.Skip("store has no quota support")
	}
	store := suite.NewLimitedStore(t, 100)
	t.Cleanup(func() { _ = store.Close() })

	first := newID()
	require.NoError(t, store.Set(testContext(), local.KindDirtyBlock, first, make([]byte, 80)))

	err := store.Set(testContext(), local.KindDirtyBlock, newID(), make([]byte, 30))
	assert.ErrorIs(t, err, local.ErrStorageFull)

	// Freeing space in the same batch makes the write fit.
	err = store.Batch(testContext(), func(b local.Batch) error {
		b.Remove(local.KindDirtyBlock, first)
		b.Set(local.KindDirtyBlock, newID(), make([]byte, 30))
		return nil
	})
	assert.NoError(t, err)
}
