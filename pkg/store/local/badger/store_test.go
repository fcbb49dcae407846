package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/store/local"
	storetesting "github.com/marmos91/parsecfs/pkg/store/local/testing"
)

func TestBadgerStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) local.Store {
			store, err := Open(context.Background(), Config{InMemory: true})
			require.NoError(t, err)
			return store
		},
		NewLimitedStore: func(t *testing.T, maxBytes uint64) local.Store {
			store, err := Open(context.Background(), Config{InMemory: true, MaxBytes: maxBytes})
			require.NoError(t, err)
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := local.ID{1, 2, 3}

	store, err := Open(ctx, Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, local.KindManifest, id, []byte("durable")))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, local.KindManifest, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
