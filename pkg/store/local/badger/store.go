// Package badger implements the local object store on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/store/local"
)

// Config configures the badger store.
type Config struct {
	// Path is the database directory (the device's local.db).
	Path string `mapstructure:"path"`

	// InMemory keeps everything in memory; Path must be empty.
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites fsyncs every commit. Required for the durability
	// guarantee of local.Store; only tests turn it off.
	SyncWrites bool `mapstructure:"sync_writes"`

	// MaxBytes bounds the total size of stored values. 0 means unlimited.
	MaxBytes uint64 `mapstructure:"max_bytes"`
}

// Store implements local.Store using BadgerDB.
//
// Every Batch is one badger transaction, so multi-entry commits (a move
// rewriting two folders, a sync installing a manifest and releasing dirty
// chunks) are atomic across crashes thanks to badger's write-ahead log.
//
// Thread Safety:
// badger transactions are safe for concurrent use. usedMu serializes quota
// accounting of writers only.
type Store struct {
	db       *badger.DB
	maxBytes uint64

	usedMu sync.Mutex
	used   uint64
}

// Open opens (or creates) the store described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger store: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &Store{db: db, maxBytes: cfg.MaxBytes}
	for _, kind := range local.Kinds {
		u, err := s.Usage(ctx, kind)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.used += u.Bytes
	}
	logger.Debug("Opened badger local store at %q (in_memory=%v, %d bytes used)", cfg.Path, cfg.InMemory, s.used)
	return s, nil
}

func (s *Store) Get(ctx context.Context, kind local.Kind, id local.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := keyFor(kind, id)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, local.ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return nil, local.ErrClosed
	case err != nil:
		return nil, fmt.Errorf("badger get %s/%s: %w", kind, id, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
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
	prefix, err := prefixFor(kind)
	if err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id, err := idFromKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			if err := fn(id, int(item.ValueSize())); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Batch(ctx context.Context, fn func(b local.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var batch local.OpBatch
	if err := fn(&batch); err != nil {
		return err
	}
	if len(batch.Ops) == 0 {
		return nil
	}

	s.usedMu.Lock()
	defer s.usedMu.Unlock()

	used := s.used
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range batch.Ops {
			key, err := keyFor(op.Kind, op.ID)
			if err != nil {
				return err
			}
			item, err := txn.Get(key)
			switch {
			case err == nil:
				used -= uint64(item.ValueSize())
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if op.Delete {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(key, op.Value); err != nil {
				return err
			}
			used += uint64(len(op.Value))
		}
		if s.maxBytes > 0 && used > s.maxBytes && used > s.used {
			return local.ErrStorageFull
		}
		return nil
	})
	switch {
	case errors.Is(err, local.ErrStorageFull):
		return err
	case errors.Is(err, badger.ErrDBClosed):
		return local.ErrClosed
	case err != nil:
		return fmt.Errorf("badger batch of %d ops: %w", len(batch.Ops), err)
	}
	s.used = used
	return nil
}

func (s *Store) Usage(ctx context.Context, kind local.Kind) (local.Usage, error) {
	var u local.Usage
	err := s.IterKind(ctx, kind, func(_ local.ID, size int) error {
		u.Count++
		u.Bytes += uint64(size)
		return nil
	})
	return u, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
