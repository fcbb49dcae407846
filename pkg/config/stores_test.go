package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/types"
)

func TestStores_Memory(t *testing.T) {
	ctx := context.Background()
	cfg := GetDefaultConfig().Store
	cfg.Type = "memory"

	stores, err := NewStores(cfg, "")
	require.NoError(t, err)

	realm := types.NewEntryID()
	id := local.ID(types.NewEntryID())

	s, err := stores.Open(ctx, realm)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, local.KindManifest, id, []byte("manifest")))
	require.NoError(t, s.Close())

	// Data outlives Close within the same Stores.
	s, err = stores.Open(ctx, realm)
	require.NoError(t, err)
	got, err := s.Get(ctx, local.KindManifest, id)
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(got))

	// Realms are isolated.
	other, err := stores.Open(ctx, types.NewEntryID())
	require.NoError(t, err)
	_, err = other.Get(ctx, local.KindManifest, id)
	assert.ErrorIs(t, err, local.ErrNotFound)
}

func TestStores_BadgerPerRealmDirectory(t *testing.T) {
	ctx := context.Background()
	cfg := GetDefaultConfig().Store
	cfg.Badger["sync_writes"] = false

	stores, err := NewStores(cfg, t.TempDir())
	require.NoError(t, err)

	realm := types.NewEntryID()
	id := local.ID(types.NewEntryID())

	s, err := stores.Open(ctx, realm)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, local.KindBlock, id, []byte("block")))
	require.NoError(t, s.Close())

	s, err = stores.Open(ctx, realm)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Get(ctx, local.KindBlock, id)
	require.NoError(t, err)
	assert.Equal(t, "block", string(got))

	// Another realm opens its own database alongside.
	other, err := stores.Open(ctx, types.NewEntryID())
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	_, err = other.Get(ctx, local.KindBlock, id)
	assert.ErrorIs(t, err, local.ErrNotFound)
}

func TestStores_BadgerInMemory(t *testing.T) {
	cfg := GetDefaultConfig().Store
	cfg.Badger["in_memory"] = true

	stores, err := NewStores(cfg, "")
	require.NoError(t, err)

	s, err := stores.Open(context.Background(), types.NewEntryID())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestNewStores_Errors(t *testing.T) {
	cfg := GetDefaultConfig().Store

	_, err := NewStores(cfg, "")
	assert.ErrorContains(t, err, "device data directory")

	cfg.Type = "sqlite"
	_, err = NewStores(cfg, t.TempDir())
	assert.ErrorContains(t, err, "unknown local store type")
}
