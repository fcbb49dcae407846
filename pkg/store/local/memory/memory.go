package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/parsecfs/pkg/store/local"
)

// Store implements local.Store in memory.
//
// It is used by tests and by devices configured without persistence. All
// operations are protected by a single RWMutex; batches are applied under
// the write lock, which makes them atomic for concurrent readers.
type Store struct {
	mu       sync.RWMutex
	data     map[local.Kind]map[local.ID][]byte
	used     uint64
	maxBytes uint64
	closed   bool
}

// Config configures the memory store.
type Config struct {
	// MaxBytes bounds the total size of stored values. 0 means unlimited.
	MaxBytes uint64 `mapstructure:"max_bytes"`
}

// New returns an empty store.
func New(cfg Config) *Store {
	data := make(map[local.Kind]map[local.ID][]byte, len(local.Kinds))
	for _, k := range local.Kinds {
		data[k] = make(map[local.ID][]byte)
	}
	return &Store{data: data, maxBytes: cfg.MaxBytes}
}

func (s *Store) Get(ctx context.Context, kind local.Kind, id local.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, local.ErrClosed
	}
	v, ok := s.data[kind][id]
	if !ok {
		return nil, local.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Set(ctx context.Context, kind local.Kind, id local.ID, value []byte) error {
	return s.Batch(ctx, func(b local.Batch) error {
		b.Set(kind, id, value)
		return nil
	})
}

func (s *Store) Remove(ctx context.Context, kind local.Kind, id local.ID) error {
	return s.Batch(ctx, func(b local.Batch) error {
		b.Remove(kind, id)
		return nil
	})
}

func (s *Store) IterKind(ctx context.Context, kind local.Kind, fn func(id local.ID, size int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return local.ErrClosed
	}
	type item struct {
		id   local.ID
		size int
	}
	items := make([]item, 0, len(s.data[kind]))
	for id, v := range s.data[kind] {
		items = append(items, item{id, len(v)})
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return string(items[i].id[:]) < string(items[j].id[:])
	})
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it.id, it.size); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Batch(ctx context.Context, fn func(b local.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var batch local.OpBatch
	if err := fn(&batch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return local.ErrClosed
	}

	// Simulate the outcome first so a quota failure applies nothing.
	type key struct {
		kind local.Kind
		id   local.ID
	}
	sizes := make(map[key]int, len(batch.Ops))
	used := s.used
	for _, op := range batch.Ops {
		k := key{op.Kind, op.ID}
		prev, seen := sizes[k]
		if !seen {
			prev = -1
			if old, ok := s.data[op.Kind][op.ID]; ok {
				prev = len(old)
			}
		}
		if prev >= 0 {
			used -= uint64(prev)
		}
		if op.Delete {
			sizes[k] = -1
		} else {
			sizes[k] = len(op.Value)
			used += uint64(len(op.Value))
		}
	}
	if s.maxBytes > 0 && used > s.maxBytes && used > s.used {
		return local.ErrStorageFull
	}

	for _, op := range batch.Ops {
		if op.Delete {
			delete(s.data[op.Kind], op.ID)
		} else {
			s.data[op.Kind][op.ID] = op.Value
		}
	}
	s.used = used
	return nil
}

func (s *Store) Usage(ctx context.Context, kind local.Kind) (local.Usage, error) {
	if err := ctx.Err(); err != nil {
		return local.Usage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return local.Usage{}, local.ErrClosed
	}
	var u local.Usage
	for _, v := range s.data[kind] {
		u.Count++
		u.Bytes += uint64(len(v))
	}
	return u, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
