package fs

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/chunks"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Sync outcomes reported to Metrics.
const (
	outcomeSynced     = "synced"
	outcomeDownsynced = "downsynced"
	outcomeNoop       = "noop"
	outcomeConflict   = "conflict"
)

// maxSyncPasses bounds the extra passes of a recursive sync over entries
// that a merge left dirty.
const maxSyncPasses = 3

// ============================================================================
// Entry sync transaction
// ============================================================================

// syncEntry reconciles one entry with the server: local changes are
// uploaded, and when pull is set a clean entry is refreshed from the latest
// remote version.
func (r *realm) syncEntry(ctx context.Context, id types.EntryID, pull bool) (err error) {
	start := r.env.clock.Now()
	outcome := outcomeNoop
	defer func() {
		if err != nil {
			outcome = fserror.CodeOf(err).Public().String()
		}
		r.env.metrics.ObserveSync(r.kind, outcome, r.env.clock.Now().Sub(start))
	}()

	for range maxSyncAttempts {
		id = r.storage.Canonical(id)
		if err := r.storage.Quarantined(id); err != nil {
			return err
		}
		m, err := r.storage.Manifest(id)
		if errors.Is(err, storage.ErrMiss) {
			return nil
		}
		if err != nil {
			return err
		}

		if !m.NeedsSync() {
			if !pull {
				return nil
			}
			latest, err := r.load(ctx, id, 0)
			if err != nil {
				if m.IsPlaceholder() && fserror.CodeOf(err) == fserror.NotFound {
					return nil
				}
				return err
			}
			changed, err := r.merge(ctx, id, latest)
			if err != nil {
				return err
			}
			if changed {
				outcome = outcomeDownsynced
			}
			if m, err = r.storage.Manifest(id); err != nil || !m.NeedsSync() {
				return err
			}
		}
		pull = false

		if m.IsPlaceholder() {
			if err := r.ensureRealm(ctx); err != nil {
				return err
			}
		}
		if f, ok := m.(*manifest.LocalFile); ok {
			if !f.IsReshaped() {
				if err := r.reshape(ctx, id); err != nil {
					return err
				}
				continue
			}
			if err := r.uploadPending(ctx, f); err != nil {
				return err
			}
		}

		uploaded, err := manifest.ToRemote(m, r.env.me(), r.env.now())
		if errors.Is(err, manifest.ErrNotReshaped) {
			continue
		}
		if err != nil {
			return err
		}
		logger.Debug("Uploading %s %s v%d", uploaded.Kind(), id, uploaded.Head().Version)
		status, err := r.uploadManifest(ctx, uploaded)
		if err != nil {
			return err
		}

		switch status {
		case remote.StatusOK:
			if _, err := r.merge(ctx, id, uploaded); err != nil {
				return err
			}
			outcome = outcomeSynced
			logger.Info("Synced %s %s at version %d", uploaded.Kind(), id, uploaded.Head().Version)
			r.publish(events.Event{Type: events.EntrySynced, EntryID: id, Version: uploaded.Head().Version})
			return nil

		case remote.StatusBadVersion:
			logger.Debug("Version %d of %s was taken, merging", uploaded.Head().Version, id)
			latest, err := r.load(ctx, id, 0)
			if err != nil {
				return err
			}
			conflict, err := r.mergeConflicting(ctx, id, latest)
			if err != nil {
				return err
			}
			if conflict {
				outcome = outcomeConflict
			}

		case remote.StatusAlreadyExists:
			if err := r.resolveTakenID(ctx, id); err != nil {
				return err
			}
		}
	}
	return fserror.New(fserror.Internal, "sync of %s %s did not converge", r.kind, id)
}

// resolveTakenID handles a vlob_create rejected because id exists. When
// the remote manifest is readable it is our own lost upload or a
// concurrent creation of the same root, and is merged. Otherwise the id
// belongs to someone else and the entry is moved to a fresh id.
func (r *realm) resolveTakenID(ctx context.Context, id types.EntryID) error {
	existing, err := r.fetch(ctx, id, 0)
	if err == nil {
		_, err = r.merge(ctx, id, existing)
		return err
	}
	switch code := fserror.CodeOf(err); {
	case code == fserror.NoReadAccess, code == fserror.NotFound, isIntegrity(err):
	default:
		return err
	}
	if r.rekey == nil {
		return fserror.Wrap(fserror.Internal, err, "id %s is taken by an unreadable vlob", id)
	}
	logger.Warn("Id %s is taken by an unreadable vlob, moving the entry to a new id", id)
	return r.rekey(ctx, id)
}

// merge installs the result of merging remote into the local manifest of
// id. It reports whether the local manifest changed.
func (r *realm) merge(ctx context.Context, id types.EntryID, remoteM manifest.Manifest) (bool, error) {
	changed, _, err := r.mergeWith(ctx, id, remoteM)
	return changed, err
}

// mergeConflicting is merge that also reports whether a file conflict
// transaction ran.
func (r *realm) mergeConflicting(ctx context.Context, id types.EntryID, remoteM manifest.Manifest) (bool, error) {
	_, conflict, err := r.mergeWith(ctx, id, remoteM)
	return conflict, err
}

func (r *realm) mergeWith(ctx context.Context, id types.EntryID, remoteM manifest.Manifest) (changed, conflict bool, err error) {
	lockCtx, unlock, err := r.storage.Locks().Lock(ctx, id)
	if err != nil {
		return false, false, err
	}
	defer unlock()

	current, err := r.storage.Manifest(id)
	if errors.Is(err, storage.ErrMiss) {
		// Deleted locally while the server was queried.
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if remoteM.Head().Version <= current.BaseVersion() {
		return false, false, nil
	}

	res, err := manifest.Merge(r.env.me(), current, remoteM, r.env.now())
	if err != nil {
		return false, false, fserror.Wrap(fserror.Internal, err, "merge %s", id)
	}
	if res.FileConflict {
		unlock()
		if r.fileConflict == nil {
			return false, false, fserror.New(fserror.Internal, "file conflict outside a workspace on %s", id)
		}
		f, ok := remoteM.(manifest.FileManifest)
		if !ok {
			return false, false, fserror.New(fserror.Internal, "file conflict on %s %s", remoteM.Kind(), id)
		}
		return true, true, r.fileConflict(ctx, id, f)
	}

	dropped := droppedChunks(current, res.Local)
	err = r.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.SetManifest(res.Local)
		for _, c := range dropped {
			tx.RemoveChunk(c)
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if remoteM.Head().Author != r.env.me() {
		logger.Debug("Downsynced %s %s to version %d", remoteM.Kind(), id, remoteM.Head().Version)
		r.publish(events.Event{Type: events.EntryDownsynced, EntryID: id, Version: remoteM.Head().Version})
	}
	return true, false, nil
}

// droppedChunks returns the local chunk ids of before that after no longer
// references.
func droppedChunks(before, after manifest.Local) []types.BlockID {
	b, ok := before.(*manifest.LocalFile)
	if !ok {
		return nil
	}
	keep := make(map[types.BlockID]struct{})
	if a, ok := after.(*manifest.LocalFile); ok {
		for _, c := range slices.Concat(a.Blocks, a.DirtyBlocks) {
			keep[c.ID] = struct{}{}
		}
	}
	var out []types.BlockID
	for _, c := range slices.Concat(b.Blocks, b.DirtyBlocks) {
		if _, ok := keep[c.ID]; !ok {
			out = append(out, c.ID)
			keep[c.ID] = struct{}{}
		}
	}
	return out
}

// ============================================================================
// File content
// ============================================================================

// reshape turns the content of a file into whole blocks. New blocks are
// encrypted with fresh keys and kept locally until uploaded.
func (r *realm) reshape(ctx context.Context, id types.EntryID) error {
	lockCtx, m, unlock, err := r.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	f, ok := m.(*manifest.LocalFile)
	if !ok || f.IsReshaped() {
		return nil
	}
	load := func(c manifest.Chunk) ([]byte, error) {
		if c.Access != nil {
			return r.block(lockCtx, id, *c.Access)
		}
		return r.storage.Chunk(lockCtx, c.ID)
	}

	windows := chunks.PlanReshape(f)
	blocks := make([]manifest.BlockAccess, 0, len(windows))
	pending := make(map[types.BlockID][]byte)
	for _, w := range windows {
		if w.Reuse != nil {
			blocks = append(blocks, *w.Reuse)
			continue
		}
		data, err := chunks.Materialize(w.Sources, load)
		if err != nil {
			return err
		}
		key := crypto.GenerateSecretKey()
		ciphertext := key.Encrypt(data)
		digest := crypto.Digest(ciphertext)
		access := manifest.BlockAccess{
			ID:     types.BlockIDFromDigest(digest),
			Key:    key,
			Offset: w.Start,
			Size:   w.Size(),
			Digest: digest,
		}
		blocks = append(blocks, access)
		pending[access.ID] = ciphertext
	}

	dropped := chunks.ApplyReshape(f, blocks)
	err = r.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		for id, ciphertext := range pending {
			tx.SetPendingBlock(id, ciphertext)
		}
		for _, id := range dropped {
			tx.RemoveChunk(id)
		}
		tx.SetManifest(f)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Debug("Reshaped %s into %d blocks (%d new)", id, len(blocks), len(pending))
	return nil
}

// uploadPending uploads the blocks of f still held as pending, then keeps
// them as clean cached blocks.
func (r *realm) uploadPending(ctx context.Context, f *manifest.LocalFile) error {
	type upload struct {
		id         types.BlockID
		ciphertext []byte
	}
	var uploads []upload
	for _, c := range f.Blocks {
		ciphertext, ok, err := r.storage.PendingBlock(ctx, c.ID)
		if err != nil {
			return err
		}
		if ok {
			uploads = append(uploads, upload{id: c.ID, ciphertext: ciphertext})
		}
	}
	if len(uploads) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.env.uploads)
	for _, u := range uploads {
		g.Go(func() error {
			return r.uploadBlock(gctx, u.id, u.ciphertext)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Debug("Uploaded %d blocks of %s", len(uploads), f.Base.ID)
	return r.storage.Commit(ctx, func(tx *storage.Tx) error {
		for _, u := range uploads {
			tx.PromoteBlock(u.id, u.ciphertext)
		}
		return nil
	})
}

// ============================================================================
// Queries for the monitors
// ============================================================================

// NeedSync returns the entries with local changes, children before their
// parents.
func (r *realm) NeedSync() []types.EntryID {
	ids := r.storage.NeedSync()
	depth := make(map[types.EntryID]int, len(ids))
	for _, id := range ids {
		depth[id] = r.depth(id)
	}
	slices.SortStableFunc(ids, func(a, b types.EntryID) int {
		if depth[a] != depth[b] {
			return depth[b] - depth[a]
		}
		return compareIDs(a, b)
	})
	return ids
}

func (r *realm) depth(id types.EntryID) int {
	d := 0
	for range 1024 {
		if id == r.id {
			return d
		}
		m, err := r.storage.Manifest(id)
		if err != nil {
			return d
		}
		parent := r.storage.Canonical(parentOf(m))
		if parent == id {
			return d
		}
		id = parent
		d++
	}
	return d
}

// RemoteChanged reports whether a remote version newer than the local one
// exists for a locally known entry.
func (r *realm) RemoteChanged(id types.EntryID, version uint32) bool {
	m, err := r.storage.Manifest(r.storage.Canonical(id))
	if err != nil {
		return false
	}
	return version > m.BaseVersion()
}

// SyncByID synchronizes one entry, pulling remote changes too.
func (r *realm) SyncByID(ctx context.Context, id types.EntryID) error {
	return r.syncEntry(ctx, id, true)
}

// ID returns the realm id.
func (r *realm) ID() types.EntryID { return r.id }

// ============================================================================
// Workspace level sync
// ============================================================================

// Sync synchronizes the entry at path and, when recursive, every locally
// known entry below it, children first. Pending local changes are uploaded
// before remote changes of clean entries are pulled.
func (w *WorkspaceFS) Sync(ctx context.Context, path string, recursive bool) error {
	p, id, _, err := w.resolvePath(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.uploadDirty(ctx, id, recursive); err != nil {
		return fserror.WithPath(err, p.String())
	}
	for _, entry := range w.syncOrder(w.storage.Canonical(id), recursive) {
		if err := w.syncEntry(ctx, entry, true); err != nil {
			return fserror.WithPath(err, p.String())
		}
	}
	// Merges and conflicts may leave entries of the subtree dirty.
	for range maxSyncPasses {
		n, err := w.uploadDirty(ctx, id, recursive)
		if err != nil {
			return fserror.WithPath(err, p.String())
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// uploadDirty uploads the entries of the subtree that need sync and
// returns how many it found.
func (w *WorkspaceFS) uploadDirty(ctx context.Context, id types.EntryID, recursive bool) (int, error) {
	var dirty []types.EntryID
	for _, entry := range w.syncOrder(w.storage.Canonical(id), recursive) {
		if m, err := w.storage.Manifest(entry); err == nil && m.NeedsSync() {
			dirty = append(dirty, entry)
		}
	}
	for _, entry := range dirty {
		if err := w.syncEntry(ctx, entry, false); err != nil {
			return len(dirty), err
		}
	}
	return len(dirty), nil
}

// syncOrder lists id and, when recursive, its locally known descendants in
// post-order.
func (w *WorkspaceFS) syncOrder(id types.EntryID, recursive bool) []types.EntryID {
	if !recursive {
		return []types.EntryID{id}
	}
	var out []types.EntryID
	var visit func(types.EntryID)
	visit = func(id types.EntryID) {
		m, err := w.storage.Manifest(id)
		if err != nil {
			return
		}
		if children, ok := manifest.ChildrenOf(m); ok {
			for _, name := range sortedNames(children) {
				child := w.storage.Canonical(children[name])
				if w.storage.Has(child) {
					visit(child)
				}
			}
		}
		out = append(out, id)
	}
	visit(id)
	return out
}

// DownloadAll fetches every manifest and block of the workspace so it can
// be read offline. It returns the number of blocks downloaded or found in
// the cache.
func (w *WorkspaceFS) DownloadAll(ctx context.Context) (int, error) {
	blocks := 0
	queue := []types.EntryID{w.id}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return blocks, err
		}
		id := queue[0]
		queue = queue[1:]
		m, err := w.manifest(ctx, id)
		if err != nil {
			if isIntegrity(err) || fserror.CodeOf(err) == fserror.NotFound {
				logger.Warn("Remanence skips %s: %v", id, err)
				continue
			}
			return blocks, err
		}
		switch e := m.(type) {
		case *manifest.LocalFile:
			for _, c := range e.Blocks {
				if c.Access == nil {
					continue
				}
				if _, err := w.block(ctx, id, *c.Access); err != nil {
					if isIntegrity(err) {
						break
					}
					return blocks, err
				}
				blocks++
			}
		default:
			children, _ := manifest.ChildrenOf(m)
			for _, name := range sortedNames(children) {
				queue = append(queue, w.storage.Canonical(children[name]))
			}
		}
	}
	return blocks, nil
}
