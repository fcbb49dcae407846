package monitor

import (
	"context"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Remanence keeps a full local copy of every readable workspace so that
// it stays readable offline. It downloads everything at start and again
// after remote changes are merged.
type Remanence struct {
	user     *fs.UserFS
	debounce time.Duration
	backoff  Backoff
}

// NewRemanence returns a remanence monitor. debounce groups downloads
// after bursts of remote changes (default: 5s).
func NewRemanence(user *fs.UserFS, debounce time.Duration, backoff Backoff) *Remanence {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Remanence{user: user, debounce: debounce, backoff: backoff}
}

func (r *Remanence) Name() string { return "remanence" }

// Run downloads until ctx is cancelled.
func (r *Remanence) Run(ctx context.Context) error {
	sub := r.user.Bus().Subscribe(events.EntryDownsynced, events.SharingUpdated, events.ConnectionStateChanged)
	defer sub.Close()

	dirty := map[types.EntryID]struct{}{}
	all := true
	b := r.backoff.generator()
	due := time.After(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			switch {
			case e.Type == events.EntryDownsynced:
				dirty[e.WorkspaceID] = struct{}{}
			case e.Type == events.SharingUpdated, becameReady(e):
				all = true
			default:
				continue
			}
			if due == nil {
				due = time.After(r.debounce)
			}
		case <-due:
			due = nil
			err := r.download(ctx, all, dirty)
			if err == nil {
				all = false
				clear(dirty)
				b = r.backoff.generator()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			delay, _ := b.Next()
			logger.Debug("Remanence retries in %s: %v", delay, err)
			due = time.After(delay)
		}
	}
}

// download fetches the workspaces in only, or every readable one when all
// is set. Operational errors abort; others are logged.
func (r *Remanence) download(ctx context.Context, all bool, only map[types.EntryID]struct{}) error {
	entries, err := r.user.Workspaces(ctx)
	if err != nil {
		if retryable(err) {
			return err
		}
		logger.Warn("Remanence cannot list workspaces: %v", err)
		return nil
	}
	for _, entry := range entries {
		if !entry.Role.CanRead() {
			continue
		}
		if _, ok := only[entry.ID]; !all && !ok {
			continue
		}
		w, err := r.user.GetWorkspace(ctx, entry.ID)
		if err != nil {
			logger.Warn("Remanence cannot open workspace %s: %v", entry.ID, err)
			continue
		}
		start := time.Now()
		n, err := w.DownloadAll(ctx)
		if err != nil {
			if retryable(err) {
				return err
			}
			logger.Warn("Remanence of workspace %s failed: %v", entry.Name, err)
			continue
		}
		logger.Debug("Remanence of workspace %s: %d block(s) in %s", entry.Name, n, time.Since(start))
		delete(only, entry.ID)
	}
	return nil
}
