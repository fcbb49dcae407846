package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/store/local"
)

// RunBasicTests executes the single-key operation tests.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("SetGet", suite.testSetGet)
	t.Run("Set_Overwrites", suite.testSetOverwrites)
	t.Run("Set_EmptyValue", suite.testSetEmptyValue)
	t.Run("KindsAreIsolated", suite.testKindsAreIsolated)
	t.Run("Remove", suite.testRemove)
	t.Run("IterKind", suite.testIterKind)
	t.Run("IterKind_StopsOnError", suite.testIterKindStopsOnError)
	t.Run("Usage", suite.testUsage)
	t.Run("CancelledContext", suite.testCancelledContext)
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	store := suite.newStore(t)
	_, err := store.Get(testContext(), local.KindManifest, newID())
	assert.ErrorIs(t, err, local.ErrNotFound)
}

func (suite *StoreTestSuite) testSetGet(t *testing.T) {
	store := suite.newStore(t)
	id := newID()
	value := []byte("encrypted manifest")

	require.NoError(t, store.Set(testContext(), local.KindManifest, id, value))
	got, err := store.Get(testContext(), local.KindManifest, id)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// The returned slice is a copy.
	got[0] = 'X'
	again, err := store.Get(testContext(), local.KindManifest, id)
	require.NoError(t, err)
	assert.Equal(t, value, again)
}

func (suite *StoreTestSuite) testSetOverwrites(t *testing.T) {
	store := suite.newStore(t)
	id := newID()

	require.NoError(t, store.Set(testContext(), local.KindBlock, id, []byte("v1")))
	require.NoError(t, store.Set(testContext(), local.KindBlock, id, []byte("version 2")))
	got, err := store.Get(testContext(), local.KindBlock, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("version 2"), got)
}

func (suite *StoreTestSuite) testSetEmptyValue(t *testing.T) {
	store := suite.newStore(t)
	id := newID()

	require.NoError(t, store.Set(testContext(), local.KindDirtyBlock, id, []byte{}))
	got, err := store.Get(testContext(), local.KindDirtyBlock, id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func (suite *StoreTestSuite) testKindsAreIsolated(t *testing.T) {
	store := suite.newStore(t)
	id := newID()

	require.NoError(t, store.Set(testContext(), local.KindManifest, id, []byte("m")))
	require.NoError(t, store.Set(testContext(), local.KindDirtyBlock, id, []byte("d")))

	_, err := store.Get(testContext(), local.KindBlock, id)
	assert.ErrorIs(t, err, local.ErrNotFound)

	m, err := store.Get(testContext(), local.KindManifest, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), m)
}

func (suite *StoreTestSuite) testRemove(t *testing.T) {
	store := suite.newStore(t)
	id := newID()

	require.NoError(t, store.Set(testContext(), local.KindBlock, id, []byte("x")))
	require.NoError(t, store.Remove(testContext(), local.KindBlock, id))
	_, err := store.Get(testContext(), local.KindBlock, id)
	assert.ErrorIs(t, err, local.ErrNotFound)

	// Removing a missing key is fine.
	assert.NoError(t, store.Remove(testContext(), local.KindBlock, newID()))
}

func (suite *StoreTestSuite) testIterKind(t *testing.T) {
	store := suite.newStore(t)
	want := map[local.ID]int{}
	for i := 0; i < 5; i++ {
		id := newID()
		value := make([]byte, i+1)
		want[id] = len(value)
		require.NoError(t, store.Set(testContext(), local.KindDirtyBlock, id, value))
	}
	require.NoError(t, store.Set(testContext(), local.KindManifest, newID(), []byte("other kind")))

	got := map[local.ID]int{}
	err := store.IterKind(testContext(), local.KindDirtyBlock, func(id local.ID, size int) error {
		got[id] = size
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func (suite *StoreTestSuite) testIterKindStopsOnError(t *testing.T) {
	store := suite.newStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Set(testContext(), local.KindBlock, newID(), []byte("b")))
	}
	stop := errors.New("stop")
	calls := 0
	err := store.IterKind(testContext(), local.KindBlock, func(local.ID, int) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func (suite *StoreTestSuite) testUsage(t *testing.T) {
	store := suite.newStore(t)
	require.NoError(t, store.Set(testContext(), local.KindBlock, newID(), make([]byte, 10)))
	require.NoError(t, store.Set(testContext(), local.KindBlock, newID(), make([]byte, 32)))

	u, err := store.Usage(testContext(), local.KindBlock)
	require.NoError(t, err)
	assert.Equal(t, local.Usage{Count: 2, Bytes: 42}, u)

	u, err = store.Usage(testContext(), local.KindManifest)
	require.NoError(t, err)
	assert.Zero(t, u.Count)
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	store := suite.newStore(t)
	ctx, cancel := context.WithCancel(testContext())
	cancel()

	assert.ErrorIs(t, store.Set(ctx, local.KindBlock, newID(), []byte("x")), context.Canceled)
	_, err := store.Get(ctx, local.KindBlock, newID())
	assert.ErrorIs(t, err, context.Canceled)
}
