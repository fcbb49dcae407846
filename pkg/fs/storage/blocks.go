package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/store/local"
)

// DefaultBlockCacheSize is the number of clean blocks kept locally.
const DefaultBlockCacheSize = 1000

// blockCache bounds the clean blocks held in the local store. It only
// indexes ids; the data stays in the store and is removed when ristretto
// evicts the id.
type blockCache struct {
	cache   *ristretto.Cache[string, local.ID]
	store   local.Store
	metrics CacheMetrics

	// Closing the cache clears it through OnEvict; the blocks must survive.
	closing atomic.Bool
}

func newBlockCache(store local.Store, size int64, metrics CacheMetrics) (*blockCache, error) {
	if size <= 0 {
		size = DefaultBlockCacheSize
	}
	bc := &blockCache{store: store, metrics: metrics}
	cache, err := ristretto.NewCache(&ristretto.Config[string, local.ID]{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            bc.onEvict,
	})
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	bc.cache = cache
	return bc, nil
}

func (bc *blockCache) onEvict(item *ristretto.Item[local.ID]) {
	if bc.closing.Load() {
		return
	}
	if err := bc.store.Remove(context.Background(), local.KindBlock, item.Value); err != nil {
		logger.Warn("Failed to drop evicted block %s: %v", item.Value, err)
		return
	}
	bc.metrics.RecordBlockEviction()
}

func (bc *blockCache) track(id local.ID) {
	bc.cache.Set(id.String(), id, 1)
}

func (bc *blockCache) touch(id local.ID) {
	bc.cache.Get(id.String())
}

func (bc *blockCache) forget(id local.ID) {
	bc.cache.Del(id.String())
}

func (bc *blockCache) tracked(id local.ID) bool {
	_, ok := bc.cache.Get(id.String())
	return ok
}

func (bc *blockCache) wait() { bc.cache.Wait() }

func (bc *blockCache) close() {
	bc.closing.Store(true)
	bc.cache.Close()
}
