package fs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/types"
)

// EntryType is the type of a workspace entry.
type EntryType string

const (
	TypeFolder EntryType = "folder"
	TypeFile   EntryType = "file"
)

// Info describes an entry as returned by Stat.
type Info struct {
	Type          EntryType
	ID            types.EntryID
	Size          uint64
	Created       time.Time
	Updated       time.Time
	BaseVersion   uint32
	IsPlaceholder bool
	NeedSync      bool

	// Children is sorted by name. Nil for files.
	Children []types.EntryName
}

// WorkspaceFS is the filesystem view of one workspace.
//
// Every operation is safe for concurrent use. Operations on different
// entries run in parallel; operations on one entry are ordered by its
// entry lock.
type WorkspaceFS struct {
	*realm
	user  *UserFS
	store local.Store

	fdMu   sync.Mutex
	fds    map[FileDescriptor]*openFile
	nextFD FileDescriptor
}

func openWorkspace(ctx context.Context, user *UserFS, id types.EntryID) (*WorkspaceFS, error) {
	env := user.env
	store, err := env.stores(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open local store of workspace %s: %w", id, err)
	}
	st, err := storage.Open(ctx, storage.Options{
		Store:          store,
		LocalKey:       env.device.LocalKey,
		BlockCacheSize: env.cacheSize,
		Metrics:        env.cacheMet,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	w := &WorkspaceFS{
		user:   user,
		store:  store,
		fds:    make(map[FileDescriptor]*openFile),
		nextFD: 1,
	}
	w.realm = &realm{
		env:     env,
		id:      id,
		kind:    "workspace",
		storage: st,
		keys:    func() (realmKeys, error) { return user.workspaceKeys(id) },
		speculative: func(now time.Time) manifest.Local {
			return manifest.NewPlaceholderWorkspace(env.me(), id, now, true)
		},
	}
	w.fileConflict = w.resolveFileConflict
	w.rekey = w.rekeyEntry
	return w, nil
}

// Storage exposes the local storage of the workspace to the monitors and
// the garbage collector.
func (w *WorkspaceFS) Storage() *storage.Storage { return w.storage }

// Subscribe returns a subscription to the events of the filesystem bus.
// With no types every event is delivered.
func (w *WorkspaceFS) Subscribe(filter ...events.Type) *events.Subscription {
	return w.env.bus.Subscribe(filter...)
}

// Close flushes cached manifests to the local store and releases it. Open
// file descriptors are invalidated.
func (w *WorkspaceFS) Close(ctx context.Context) error {
	w.fdMu.Lock()
	clear(w.fds)
	w.fdMu.Unlock()

	var errs []error
	for _, id := range w.storage.Volatile() {
		lockCtx, unlock, err := w.storage.Locks().Lock(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := w.storage.Persist(lockCtx, id); err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", id, err))
		}
		unlock()
	}
	w.storage.Close()
	if err := w.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ============================================================================
// Resolution
// ============================================================================

// resolve walks p from the workspace root, faulting missing manifests in.
func (w *WorkspaceFS) resolve(ctx context.Context, p Path) (types.EntryID, manifest.Local, error) {
	id := w.id
	m, err := w.manifest(ctx, id)
	if err != nil {
		return id, nil, err
	}
	for i, name := range p {
		children, ok := manifest.ChildrenOf(m)
		if !ok {
			return id, nil, fserror.New(fserror.NotAFolder, "%s is not a folder", p[:i])
		}
		child, ok := children[name]
		if !ok {
			return id, nil, fserror.New(fserror.NotFound, "no such entry")
		}
		id = w.storage.Canonical(child)
		if m, err = w.manifest(ctx, id); err != nil {
			return id, nil, err
		}
	}
	return id, m, nil
}

func (w *WorkspaceFS) resolvePath(ctx context.Context, raw string) (Path, types.EntryID, manifest.Local, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return nil, types.EntryID{}, nil, err
	}
	id, m, err := w.resolve(ctx, p)
	if err != nil {
		return p, id, nil, fserror.WithPath(err, p.String())
	}
	return p, id, m, nil
}

// resolveParent resolves the folder containing p.
func (w *WorkspaceFS) resolveParent(ctx context.Context, p Path) (types.EntryID, types.EntryName, error) {
	if p.IsRoot() {
		return types.EntryID{}, "", fserror.New(fserror.InvalidName, "operation not permitted on the workspace root")
	}
	parentPath, name := p.Parent()
	id, m, err := w.resolve(ctx, parentPath)
	if err != nil {
		return id, name, err
	}
	if _, ok := manifest.ChildrenOf(m); !ok {
		return id, name, fserror.New(fserror.NotAFolder, "%s is not a folder", parentPath)
	}
	return id, name, nil
}

func (w *WorkspaceFS) checkWrite() error {
	keys, err := w.keys()
	if err != nil {
		return err
	}
	if !keys.Role.CanWrite() {
		return fserror.New(fserror.NoWriteAccess, "role %s cannot write", keys.Role)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// Stat describes the entry at path.
func (w *WorkspaceFS) Stat(ctx context.Context, path string) (Info, error) {
	_, id, m, err := w.resolvePath(ctx, path)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		ID:            id,
		Updated:       m.UpdatedAt(),
		BaseVersion:   m.BaseVersion(),
		IsPlaceholder: m.IsPlaceholder(),
		NeedSync:      m.NeedsSync(),
	}
	switch e := m.(type) {
	case *manifest.LocalFile:
		info.Type = TypeFile
		info.Size = e.Size
		info.Created = e.Base.Created
	case *manifest.LocalFolder:
		info.Type = TypeFolder
		info.Created = e.Base.Created
		info.Children = sortedNames(e.Children)
	case *manifest.LocalWorkspace:
		info.Type = TypeFolder
		info.Created = e.Base.Created
		info.Children = sortedNames(e.Children)
	}
	return info, nil
}

// ListDir returns the sorted names of the children of the folder at path.
func (w *WorkspaceFS) ListDir(ctx context.Context, path string) ([]types.EntryName, error) {
	p, _, m, err := w.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	children, ok := manifest.ChildrenOf(m)
	if !ok {
		return nil, fserror.WithPath(fserror.New(fserror.NotAFolder, "not a folder"), p.String())
	}
	return sortedNames(children), nil
}

// Exists reports whether path resolves to an entry.
func (w *WorkspaceFS) Exists(ctx context.Context, path string) (bool, error) {
	_, _, _, err := w.resolvePath(ctx, path)
	switch fserror.CodeOf(err) {
	case fserror.NotFound, fserror.NotAFolder:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PathOf returns the current path of id, following parent pointers.
func (w *WorkspaceFS) PathOf(ctx context.Context, id types.EntryID) (Path, error) {
	var p Path
	id = w.storage.Canonical(id)
	for id != w.id {
		m, err := w.manifest(ctx, id)
		if err != nil {
			return nil, err
		}
		parent := parentOf(m)
		pm, err := w.manifest(ctx, parent)
		if err != nil {
			return nil, err
		}
		children, _ := manifest.ChildrenOf(pm)
		name, ok := nameOf(children, id)
		if !ok {
			return nil, fserror.New(fserror.NotFound, "entry %s is detached", id)
		}
		p = append(Path{name}, p...)
		id = parent
	}
	return p, nil
}

// MinimalRemoteManifest returns the version 1 manifest of a placeholder
// with no children and no content, or nil once id has been uploaded.
func (w *WorkspaceFS) MinimalRemoteManifest(ctx context.Context, id types.EntryID) (manifest.Manifest, error) {
	m, err := w.manifest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.IsPlaceholder() {
		return nil, nil
	}
	now := w.env.now()
	header := manifest.Header{Author: w.env.me(), Timestamp: now, ID: id, Version: 1, Created: m.UpdatedAt(), Updated: m.UpdatedAt()}
	switch e := m.(type) {
	case *manifest.LocalWorkspace:
		return manifest.WorkspaceManifest{Header: header, Children: map[types.EntryName]types.EntryID{}}, nil
	case *manifest.LocalFolder:
		return manifest.FolderManifest{Header: header, Parent: e.Parent, Children: map[types.EntryName]types.EntryID{}}, nil
	case *manifest.LocalFile:
		return manifest.FileManifest{Header: header, Parent: e.Parent, Blocksize: e.Blocksize}, nil
	}
	return nil, fserror.New(fserror.Internal, "unexpected %s manifest in workspace", m.Kind())
}

// ============================================================================
// Entry transactions
// ============================================================================

// CreateFolder creates an empty folder at path.
func (w *WorkspaceFS) CreateFolder(ctx context.Context, path string) (types.EntryID, error) {
	return w.create(ctx, path, func(parent types.EntryID, now time.Time) manifest.Local {
		return manifest.NewPlaceholderFolder(w.env.me(), parent, now)
	})
}

// CreateFile creates an empty file at path.
func (w *WorkspaceFS) CreateFile(ctx context.Context, path string) (types.EntryID, error) {
	return w.create(ctx, path, func(parent types.EntryID, now time.Time) manifest.Local {
		return manifest.NewPlaceholderFile(w.env.me(), parent, w.env.blocksize, now)
	})
}

func (w *WorkspaceFS) create(ctx context.Context, path string, build func(types.EntryID, time.Time) manifest.Local) (types.EntryID, error) {
	p, err := ParsePath(path)
	if err != nil {
		return types.EntryID{}, err
	}
	if err := w.checkWrite(); err != nil {
		return types.EntryID{}, fserror.WithPath(err, p.String())
	}
	parentID, name, err := w.resolveParent(ctx, p)
	if err != nil {
		return types.EntryID{}, fserror.WithPath(err, p.String())
	}

	lockCtx, parent, unlock, err := w.lock(ctx, parentID)
	if err != nil {
		return types.EntryID{}, fserror.WithPath(err, p.String())
	}
	defer unlock()

	children, ok := manifest.ChildrenOf(parent)
	if !ok {
		return types.EntryID{}, fserror.WithPath(fserror.New(fserror.NotAFolder, "parent is not a folder"), p.String())
	}
	if _, exists := children[name]; exists {
		return types.EntryID{}, fserror.WithPath(fserror.New(fserror.AlreadyExists, "entry exists"), p.String())
	}

	now := w.env.now()
	child := build(parentID, now)
	children[name] = child.EntryID()
	manifest.Touch(parent, now)

	err = w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.SetManifest(child)
		tx.SetManifest(parent)
		return nil
	})
	if err != nil {
		return types.EntryID{}, fserror.WithPath(err, p.String())
	}
	logger.Debug("Created %s %s as %s", child.Kind(), p, child.EntryID())
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: parentID})
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: child.EntryID()})
	return child.EntryID(), nil
}

// Delete removes the entry at path and, for folders, everything below it.
// Locally known descendants are dropped from local storage with their
// dirty data.
func (w *WorkspaceFS) Delete(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if err := w.checkWrite(); err != nil {
		return fserror.WithPath(err, p.String())
	}
	parentID, name, err := w.resolveParent(ctx, p)
	if err != nil {
		return fserror.WithPath(err, p.String())
	}

	for range maxSyncAttempts {
		parent, err := w.manifest(ctx, parentID)
		if err != nil {
			return fserror.WithPath(err, p.String())
		}
		children, _ := manifest.ChildrenOf(parent)
		childID, ok := children[name]
		if !ok {
			return fserror.WithPath(fserror.New(fserror.NotFound, "no such entry"), p.String())
		}
		childID = w.storage.Canonical(childID)
		descendants := w.localDescendants(childID)

		retry, err := w.deleteLocked(ctx, parentID, name, childID, descendants)
		if err != nil {
			return fserror.WithPath(err, p.String())
		}
		if !retry {
			logger.Debug("Deleted %s (%s)", p, childID)
			return nil
		}
	}
	return fserror.WithPath(fserror.New(fserror.Internal, "tree kept changing during delete"), p.String())
}

// deleteLocked runs the delete under the locks of parent, child and the
// local descendants. It reports retry when the tree changed before the
// locks were held.
func (w *WorkspaceFS) deleteLocked(ctx context.Context, parentID types.EntryID, name types.EntryName, childID types.EntryID, descendants []types.EntryID) (bool, error) {
	ids := append([]types.EntryID{parentID, childID}, descendants...)
	lockCtx, unlock, err := w.storage.Locks().LockMany(ctx, ids...)
	if err != nil {
		return false, err
	}
	defer unlock()

	parent, err := w.faultIn(lockCtx, parentID)
	if err != nil {
		return false, err
	}
	children, _ := manifest.ChildrenOf(parent)
	if current, ok := children[name]; !ok || w.storage.Canonical(current) != childID {
		return true, nil
	}
	if !slices.Equal(w.localDescendants(childID), descendants) {
		return true, nil
	}

	// Collect the local state to drop before touching anything.
	doomed := append([]types.EntryID{childID}, descendants...)
	var manifests []manifest.Local
	for _, id := range doomed {
		m, err := w.storage.Manifest(id)
		if errors.Is(err, storage.ErrMiss) || fserror.CodeOf(err) == fserror.Corrupted {
			continue
		}
		if err != nil {
			return false, err
		}
		manifests = append(manifests, m)
	}

	delete(children, name)
	manifest.Touch(parent, w.env.now())

	err = w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.SetManifest(parent)
		for _, m := range manifests {
			tx.RemoveManifest(m.EntryID())
			if f, ok := m.(*manifest.LocalFile); ok {
				for _, c := range slices.Concat(f.Blocks, f.DirtyBlocks) {
					if c.IsBlock() {
						tx.RemoveBlock(c.ID)
					}
					tx.RemoveChunk(c.ID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, id := range doomed {
		w.storage.Release(id)
	}
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: parentID})
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: childID})
	return false, nil
}

// localDescendants lists the locally present entries below id, sorted.
func (w *WorkspaceFS) localDescendants(id types.EntryID) []types.EntryID {
	var out []types.EntryID
	queue := []types.EntryID{id}
	for len(queue) > 0 {
		m, err := w.storage.Manifest(queue[0])
		queue = queue[1:]
		if err != nil {
			continue
		}
		children, ok := manifest.ChildrenOf(m)
		if !ok {
			continue
		}
		for _, child := range children {
			child = w.storage.Canonical(child)
			if w.storage.Has(child) {
				out = append(out, child)
				queue = append(queue, child)
			}
		}
	}
	slices.SortFunc(out, compareIDs)
	return out
}

// Move renames or moves the entry at src to dst. dst must not exist and
// must not lie under src.
func (w *WorkspaceFS) Move(ctx context.Context, src, dst string) error {
	srcPath, err := ParsePath(src)
	if err != nil {
		return err
	}
	dstPath, err := ParsePath(dst)
	if err != nil {
		return err
	}
	if srcPath.IsRoot() || dstPath.IsRoot() {
		return fserror.WithPath(fserror.New(fserror.InvalidName, "cannot move the workspace root"), srcPath.String())
	}
	if dstPath.HasPrefix(srcPath) {
		return fserror.WithPath(fserror.New(fserror.InvalidName, "cannot move %s under itself", srcPath), dstPath.String())
	}
	if err := w.checkWrite(); err != nil {
		return fserror.WithPath(err, srcPath.String())
	}

	srcParentID, srcName, err := w.resolveParent(ctx, srcPath)
	if err != nil {
		return fserror.WithPath(err, srcPath.String())
	}
	dstParentID, dstName, err := w.resolveParent(ctx, dstPath)
	if err != nil {
		return fserror.WithPath(err, dstPath.String())
	}
	srcParent, err := w.manifest(ctx, srcParentID)
	if err != nil {
		return fserror.WithPath(err, srcPath.String())
	}
	srcChildren, _ := manifest.ChildrenOf(srcParent)
	childID, ok := srcChildren[srcName]
	if !ok {
		return fserror.WithPath(fserror.New(fserror.NotFound, "no such entry"), srcPath.String())
	}
	childID = w.storage.Canonical(childID)
	if _, err := w.manifest(ctx, childID); err != nil {
		return fserror.WithPath(err, srcPath.String())
	}

	lockCtx, unlock, err := w.storage.Locks().LockMany(ctx, srcParentID, dstParentID, childID)
	if err != nil {
		return fserror.WithPath(err, srcPath.String())
	}
	defer unlock()

	if err := w.moveLocked(lockCtx, srcParentID, srcName, dstParentID, dstName, childID); err != nil {
		return fserror.WithPath(err, srcPath.String())
	}
	logger.Debug("Moved %s to %s", srcPath, dstPath)
	return nil
}

func (w *WorkspaceFS) moveLocked(ctx context.Context, srcParentID types.EntryID, srcName types.EntryName, dstParentID types.EntryID, dstName types.EntryName, childID types.EntryID) error {
	srcParent, err := w.faultIn(ctx, srcParentID)
	if err != nil {
		return err
	}
	srcChildren, _ := manifest.ChildrenOf(srcParent)
	if current, ok := srcChildren[srcName]; !ok || w.storage.Canonical(current) != childID {
		return fserror.New(fserror.NotFound, "entry moved concurrently")
	}

	now := w.env.now()
	if srcParentID == dstParentID {
		if srcName == dstName {
			return nil
		}
		if _, exists := srcChildren[dstName]; exists {
			return fserror.New(fserror.AlreadyExists, "destination exists")
		}
		delete(srcChildren, srcName)
		srcChildren[dstName] = childID
		manifest.Touch(srcParent, now)
		if err := w.storage.SetManifest(ctx, srcParent); err != nil {
			return err
		}
		w.publish(events.Event{Type: events.EntryUpdated, EntryID: srcParentID})
		return nil
	}

	dstParent, err := w.faultIn(ctx, dstParentID)
	if err != nil {
		return err
	}
	dstChildren, ok := manifest.ChildrenOf(dstParent)
	if !ok {
		return fserror.New(fserror.NotAFolder, "destination parent is not a folder")
	}
	if _, exists := dstChildren[dstName]; exists {
		return fserror.New(fserror.AlreadyExists, "destination exists")
	}
	if w.isAncestor(childID, dstParentID) {
		return fserror.New(fserror.InvalidName, "cannot move an entry under itself")
	}
	child, err := w.faultIn(ctx, childID)
	if err != nil {
		return err
	}

	delete(srcChildren, srcName)
	dstChildren[dstName] = childID
	setParent(child, dstParentID)
	manifest.Touch(srcParent, now)
	manifest.Touch(dstParent, now)
	manifest.Touch(child, now)

	err = w.storage.Commit(ctx, func(tx *storage.Tx) error {
		tx.SetManifest(srcParent)
		tx.SetManifest(dstParent)
		tx.SetManifest(child)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range []types.EntryID{srcParentID, dstParentID, childID} {
		w.publish(events.Event{Type: events.EntryUpdated, EntryID: id})
	}
	return nil
}

// isAncestor reports whether ancestor is id or one of its parents, using
// local parent pointers.
func (w *WorkspaceFS) isAncestor(ancestor, id types.EntryID) bool {
	for range 1024 {
		if id == ancestor {
			return true
		}
		if id == w.id {
			return false
		}
		m, err := w.storage.Manifest(id)
		if err != nil {
			return false
		}
		id = w.storage.Canonical(parentOf(m))
	}
	return false
}

// ============================================================================
// Sharing
// ============================================================================

// Share gives user role on this workspace. RoleNone revokes.
func (w *WorkspaceFS) Share(ctx context.Context, user types.UserID, role types.RealmRole) error {
	return w.user.Share(ctx, w.id, user, role)
}

// GetUserRoles returns the roles of every member of the workspace.
func (w *WorkspaceFS) GetUserRoles(ctx context.Context) (map[types.UserID]types.RealmRole, error) {
	return w.user.GetUserRoles(ctx, w.id)
}

// ============================================================================
// Helpers
// ============================================================================

func sortedNames(children map[types.EntryName]types.EntryID) []types.EntryName {
	return slices.Sorted(maps.Keys(children))
}

func nameOf(children map[types.EntryName]types.EntryID, id types.EntryID) (types.EntryName, bool) {
	for name, child := range children {
		if child == id {
			return name, true
		}
	}
	return "", false
}

func parentOf(m manifest.Local) types.EntryID {
	switch e := m.(type) {
	case *manifest.LocalFolder:
		return e.Parent
	case *manifest.LocalFile:
		return e.Parent
	}
	return m.EntryID()
}

func setParent(m manifest.Local, parent types.EntryID) {
	switch e := m.(type) {
	case *manifest.LocalFolder:
		e.Parent = parent
	case *manifest.LocalFile:
		e.Parent = parent
	}
}

func compareIDs(a, b types.EntryID) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
