package monitor

import (
	"context"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/internal/ratelimiter"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Realm is a synchronizable realm: the user manifest or a workspace.
// *fs.UserFS and *fs.WorkspaceFS implement it.
type Realm interface {
	ID() types.EntryID
	NeedSync() []types.EntryID
	RemoteChanged(id types.EntryID, version uint32) bool
	SyncByID(ctx context.Context, id types.EntryID) error
}

// SyncConfig configures the sync monitor.
type SyncConfig struct {
	// Interval is the period of the full scan of every realm (default: 30s)
	Interval time.Duration

	// Debounce delays a pass after a local change so that bursts of
	// writes sync once (default: 1s)
	Debounce time.Duration

	// MaxEntriesPerSecond paces entry synchronizations. Zero is unlimited.
	MaxEntriesPerSecond uint

	Backoff Backoff
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	return c
}

// Sync uploads local changes and downloads remote ones in the background.
//
// A pass visits the user realm, then every readable workspace. Within a
// realm, dirty entries sync children first, then entries the backend
// announced as changed. An operational error ends the pass and the next
// one is delayed by the backoff. Other errors are logged and the pass goes
// on with the next entry.
type Sync struct {
	user    *fs.UserFS
	bus     *events.Bus
	config  SyncConfig
	limiter *ratelimiter.RateLimiter

	remote map[types.EntryID]map[types.EntryID]uint32
}

// NewSync returns a sync monitor for user and its workspaces.
func NewSync(user *fs.UserFS, config SyncConfig) *Sync {
	config = config.withDefaults()
	return &Sync{
		user:    user,
		bus:     user.Bus(),
		config:  config,
		limiter: ratelimiter.New(config.MaxEntriesPerSecond, 0),
		remote:  make(map[types.EntryID]map[types.EntryID]uint32),
	}
}

func (s *Sync) Name() string { return "sync" }

// Run syncs until ctx is cancelled.
func (s *Sync) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(
		events.EntryUpdated,
		events.BackendVlobUpdated,
		events.ConnectionStateChanged,
		events.SharingUpdated,
		events.BackendMaintenance,
	)
	defer sub.Close()

	logger.Info("Sync monitor started: interval=%s debounce=%s", s.config.Interval, s.config.Debounce)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	b := s.config.Backoff.generator()
	var due <-chan time.Time
	var retrying bool
	schedule := func(d time.Duration) {
		t := time.NewTimer(d)
		due = t.C
	}
	schedule(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if s.note(e) && !retrying && due == nil {
				schedule(s.config.Debounce)
			}
			if becameReady(e) || e.Type == events.SharingUpdated || (e.Type == events.BackendMaintenance && e.State == "finished") {
				// A retry waiting on connectivity, a key or maintenance can go now.
				retrying = false
				schedule(0)
			}
		case <-ticker.C:
			if due == nil {
				schedule(0)
			}
		case <-due:
			due = nil
			err := s.pass(ctx)
			switch {
			case err == nil:
				b = s.config.Backoff.generator()
				retrying = false
			case ctx.Err() != nil:
				return nil
			default:
				delay, _ := b.Next()
				logger.Warn("Sync paused for %s: %v", delay, err)
				retrying = true
				schedule(delay)
			}
		}
	}
}

// note records what an event asks for and reports whether a pass should
// be scheduled.
func (s *Sync) note(e events.Event) bool {
	switch e.Type {
	case events.EntryUpdated:
		return true
	case events.BackendVlobUpdated:
		if e.DeviceID == s.user.Device() {
			return false
		}
		versions, ok := s.remote[e.WorkspaceID]
		if !ok {
			versions = make(map[types.EntryID]uint32)
			s.remote[e.WorkspaceID] = versions
		}
		if e.Version > versions[e.EntryID] {
			versions[e.EntryID] = e.Version
		}
		return true
	}
	return false
}

// pass runs one synchronization round. It returns the first operational
// error.
func (s *Sync) pass(ctx context.Context) error {
	realms, err := s.realms(ctx)
	if err != nil {
		return err
	}
	for _, r := range realms {
		if err := s.syncRealm(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// realms lists the user realm then the readable workspaces, opening them as
// needed.
func (s *Sync) realms(ctx context.Context) ([]Realm, error) {
	out := []Realm{s.user}
	entries, err := s.user.Workspaces(ctx)
	if err != nil {
		if retryable(err) {
			return nil, err
		}
		logger.Warn("Sync cannot list workspaces: %v", err)
		return out, nil
	}
	for _, entry := range entries {
		if !entry.Role.CanRead() {
			continue
		}
		w, err := s.user.GetWorkspace(ctx, entry.ID)
		if err != nil {
			logger.Warn("Sync cannot open workspace %s: %v", entry.ID, err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Sync) syncRealm(ctx context.Context, r Realm) error {
	realm := r.ID()
	todo := r.NeedSync()
	seen := make(map[types.EntryID]struct{}, len(todo))
	for _, id := range todo {
		seen[id] = struct{}{}
	}
	for id, version := range s.remote[realm] {
		if _, ok := seen[id]; ok {
			continue
		}
		if r.RemoteChanged(id, version) {
			todo = append(todo, id)
		}
	}

	for _, id := range todo {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		err := r.SyncByID(ctx, id)
		switch {
		case err == nil:
			logger.Debug("Synced %s/%s in %s", realm, id, time.Since(start))
		case retryable(err):
			return err
		case fserror.BandOf(err) == fserror.BandIntegrity:
			// Already quarantined and alerted by the filesystem.
			logger.Debug("Sync skips %s/%s: %v", realm, id, err)
		default:
			logger.Warn("Sync of %s/%s failed: %v", realm, id, err)
		}
		if versions, ok := s.remote[realm]; ok {
			delete(versions, id)
			if len(versions) == 0 {
				delete(s.remote, realm)
			}
		}
	}
	return nil
}
