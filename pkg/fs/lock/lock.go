// Package lock provides per-entry exclusive locks.
//
// Locks are fair (waiters are served in arrival order), cancellable through
// the caller's context and re-entrant for the same logical task. A task is
// identified by an owner token carried in the context returned by Lock;
// passing that context to nested calls re-enters instead of deadlocking.
//
// Holding several locks is only safe when they are acquired in ascending id
// order, which LockMany does.
package lock

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/types"
)

// owner identifies a task. The id keeps every token distinct: pointers to
// zero-size values may compare equal.
type owner struct{ id uint64 }

var ownerSeq atomic.Uint64

type ownerKey struct{}

func ownerFrom(ctx context.Context) *owner {
	o, _ := ctx.Value(ownerKey{}).(*owner)
	return o
}

// WithOwner returns ctx carrying an owner token, reusing the existing one.
func WithOwner(ctx context.Context) context.Context {
	if ownerFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, &owner{id: ownerSeq.Add(1)})
}

type waiter struct {
	owner *owner
	ready chan struct{}
}

type state struct {
	holder *owner
	depth  int
	queue  []*waiter
}

// Manager holds the lock table.
type Manager struct {
	mu    sync.Mutex
	locks map[types.EntryID]*state
}

// NewManager returns an empty lock table.
func NewManager() *Manager {
	return &Manager{locks: make(map[types.EntryID]*state)}
}

// Lock acquires the lock of id. The returned context identifies the owner
// and must be used for nested operations. unlock is idempotent.
func (m *Manager) Lock(ctx context.Context, id types.EntryID) (context.Context, func(), error) {
	ctx = WithOwner(ctx)
	o := ownerFrom(ctx)
	if err := m.acquire(ctx, o, id); err != nil {
		return ctx, func() {}, err
	}
	var once sync.Once
	return ctx, func() { once.Do(func() { m.release(id, o) }) }, nil
}

// LockMany acquires the locks of ids in ascending order. Duplicates are
// ignored. On failure no lock is held.
func (m *Manager) LockMany(ctx context.Context, ids ...types.EntryID) (context.Context, func(), error) {
	ctx = WithOwner(ctx)
	o := ownerFrom(ctx)

	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b types.EntryID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	sorted = slices.Compact(sorted)

	acquired := make([]types.EntryID, 0, len(sorted))
	releaseAll := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			m.release(acquired[i], o)
		}
	}
	for _, id := range sorted {
		if err := m.acquire(ctx, o, id); err != nil {
			releaseAll()
			return ctx, func() {}, err
		}
		acquired = append(acquired, id)
	}
	var once sync.Once
	return ctx, func() { once.Do(releaseAll) }, nil
}

// Held reports whether the owner carried by ctx holds the lock of id.
func (m *Manager) Held(ctx context.Context, id types.EntryID) bool {
	o := ownerFrom(ctx)
	if o == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[id]
	return ok && st.holder == o
}

func (m *Manager) acquire(ctx context.Context, o *owner, id types.EntryID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	st, ok := m.locks[id]
	if !ok {
		st = &state{}
		m.locks[id] = st
	}
	switch st.holder {
	case nil:
		st.holder, st.depth = o, 1
		m.mu.Unlock()
		return nil
	case o:
		st.depth++
		m.mu.Unlock()
		return nil
	}
	w := &waiter{owner: o, ready: make(chan struct{})}
	st.queue = append(st.queue, w)
	m.mu.Unlock()

	logger.Debug("Waiting for lock on entry %s", id)
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-w.ready:
		// Granted while cancelling: hand it over to the next waiter.
		m.mu.Unlock()
		m.release(id, o)
		return ctx.Err()
	default:
	}
	st.queue = slices.DeleteFunc(st.queue, func(x *waiter) bool { return x == w })
	m.mu.Unlock()
	return ctx.Err()
}

func (m *Manager) release(id types.EntryID, o *owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[id]
	if !ok || st.holder != o {
		return
	}
	st.depth--
	if st.depth > 0 {
		return
	}
	if len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		st.holder, st.depth = next.owner, 1
		close(next.ready)
		return
	}
	delete(m.locks, id)
}
