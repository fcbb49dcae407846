package fs

import (
	"context"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/types"
)

// resolveFileConflict runs when both the local and the remote side changed
// the content of a file. The remote content is adopted under the original
// name and id; the local content moves to a new placeholder file named
// "name (conflict <ts>)" in the same folder.
func (w *WorkspaceFS) resolveFileConflict(ctx context.Context, id types.EntryID, remoteM manifest.FileManifest) error {
	m, err := w.manifest(ctx, id)
	if err != nil {
		return err
	}
	parentID := w.storage.Canonical(parentOf(m))

	lockCtx, unlock, err := w.storage.Locks().LockMany(ctx, parentID, id)
	if err != nil {
		return err
	}
	defer unlock()

	parent, err := w.faultIn(lockCtx, parentID)
	if err != nil {
		return err
	}
	m, err = w.faultIn(lockCtx, id)
	if err != nil {
		return err
	}
	current, ok := m.(*manifest.LocalFile)
	if !ok {
		return fserror.New(fserror.Internal, "file conflict on %s %s", m.Kind(), id)
	}

	now := w.env.now()
	res, err := manifest.Merge(w.env.me(), current, remoteM, now)
	if err != nil {
		return fserror.Wrap(fserror.Internal, err, "merge %s", id)
	}
	if !res.FileConflict {
		// The local content changed while the lock was released.
		dropped := droppedChunks(current, res.Local)
		return w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
			tx.SetManifest(res.Local)
			for _, c := range dropped {
				tx.RemoveChunk(c)
			}
			return nil
		})
	}

	children, ok := manifest.ChildrenOf(parent)
	if !ok {
		return fserror.New(fserror.Internal, "parent %s of %s is not a folder", parentID, id)
	}
	name, ok := nameOf(children, id)
	if !ok {
		name = types.EntryName(id.String())
	}

	backup := manifest.NewPlaceholderFile(w.env.me(), parentID, current.Blocksize, now)
	backup.Size = current.Size
	backup.Blocks = current.Blocks
	backup.DirtyBlocks = current.DirtyBlocks
	backupName := manifest.ConflictName(name, func(n types.EntryName) bool {
		_, taken := children[n]
		return taken
	}, now)
	children[backupName] = backup.Base.ID
	manifest.Touch(parent, now)

	adopted := manifest.FromRemote(remoteM).(*manifest.LocalFile)
	if adopted.Parent != parentID {
		// The remote moved the file; the local parent still lists it.
		adopted.Parent = parentID
		manifest.Touch(adopted, now)
	}

	err = w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.SetManifest(backup)
		tx.SetManifest(adopted)
		tx.SetManifest(parent)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("File conflict on %s: remote content kept, local content saved as %q (%s)", id, backupName, backup.Base.ID)
	w.publish(events.Event{Type: events.FileConflictResolved, EntryID: id, BackupID: backup.Base.ID})
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: parentID})
	return nil
}

// rekeyEntry moves a placeholder whose id is taken on the server to a
// fresh id: the parent pointer and the parent pointers of its locally known
// children are rewritten, and the old id is aliased to the new one.
func (w *WorkspaceFS) rekeyEntry(ctx context.Context, oldID types.EntryID) error {
	if oldID == w.id {
		return fserror.New(fserror.Internal, "workspace id %s is taken on the server", oldID)
	}
	m, err := w.manifest(ctx, oldID)
	if err != nil {
		return err
	}
	parentID := w.storage.Canonical(parentOf(m))
	newID := types.NewEntryID()

	var childIDs []types.EntryID
	if children, ok := manifest.ChildrenOf(m); ok {
		for _, child := range children {
			if child = w.storage.Canonical(child); w.storage.Has(child) {
				childIDs = append(childIDs, child)
			}
		}
	}
	lockCtx, unlock, err := w.storage.Locks().LockMany(ctx, append([]types.EntryID{parentID, oldID, newID}, childIDs...)...)
	if err != nil {
		return err
	}
	defer unlock()

	parent, err := w.faultIn(lockCtx, parentID)
	if err != nil {
		return err
	}
	if m, err = w.faultIn(lockCtx, oldID); err != nil {
		return err
	}
	if !m.IsPlaceholder() {
		return nil
	}

	now := w.env.now()
	moved := manifest.Clone(m)
	switch e := moved.(type) {
	case *manifest.LocalFolder:
		e.Base.ID = newID
	case *manifest.LocalFile:
		e.Base.ID = newID
	default:
		return fserror.New(fserror.Internal, "cannot move %s %s to a new id", m.Kind(), oldID)
	}
	manifest.Touch(moved, now)

	parentChildren, _ := manifest.ChildrenOf(parent)
	if name, ok := nameOf(parentChildren, oldID); ok {
		parentChildren[name] = newID
		manifest.Touch(parent, now)
	}

	var children []manifest.Local
	for _, id := range childIDs {
		child, err := w.storage.Manifest(id)
		if err != nil {
			continue
		}
		setParent(child, newID)
		manifest.Touch(child, now)
		children = append(children, child)
	}

	err = w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.RemoveManifest(oldID)
		tx.SetManifest(moved)
		tx.SetManifest(parent)
		for _, child := range children {
			tx.SetManifest(child)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.storage.Alias(oldID, newID)
	logger.Warn("Moved placeholder %s to new id %s", oldID, newID)
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: newID})
	return nil
}
