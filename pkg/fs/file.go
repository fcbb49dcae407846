package fs

import (
	"context"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/chunks"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/types"
)

// OpenMode is the access mode of a file descriptor.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	WriteOnly
	ReadWrite
)

func (m OpenMode) canRead() bool  { return m != WriteOnly }
func (m OpenMode) canWrite() bool { return m != ReadOnly }

// FileDescriptor identifies an open file of a WorkspaceFS.
type FileDescriptor int

type openFile struct {
	id   types.EntryID
	path Path
	mode OpenMode
}

// Open opens the file at path.
func (w *WorkspaceFS) Open(ctx context.Context, path string, mode OpenMode) (FileDescriptor, error) {
	p, id, m, err := w.resolvePath(ctx, path)
	if err != nil {
		return 0, err
	}
	if _, ok := m.(*manifest.LocalFile); !ok {
		return 0, fserror.WithPath(fserror.New(fserror.NotAFile, "not a file"), p.String())
	}
	if mode.canWrite() {
		if err := w.checkWrite(); err != nil {
			return 0, fserror.WithPath(err, p.String())
		}
	}

	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	fd := w.nextFD
	w.nextFD++
	w.fds[fd] = &openFile{id: id, path: p, mode: mode}
	return fd, nil
}

func (w *WorkspaceFS) descriptor(fd FileDescriptor) (*openFile, error) {
	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	f, ok := w.fds[fd]
	if !ok {
		return nil, fserror.New(fserror.Internal, "bad file descriptor %d", fd)
	}
	return f, nil
}

// lockFile locks the file behind fd. The manifest must be local: an open
// file is never evicted.
func (w *WorkspaceFS) lockFile(ctx context.Context, of *openFile) (context.Context, *manifest.LocalFile, func(), error) {
	id := w.storage.Canonical(of.id)
	lockCtx, m, unlock, err := w.lock(ctx, id)
	if err != nil {
		return ctx, nil, nil, fserror.WithPath(err, of.path.String())
	}
	f, ok := m.(*manifest.LocalFile)
	if !ok {
		unlock()
		return ctx, nil, nil, fserror.WithPath(fserror.New(fserror.NotAFile, "not a file"), of.path.String())
	}
	return lockCtx, f, unlock, nil
}

// Read returns at most size bytes at offset. Reading at or past the end
// of the file returns no data.
func (w *WorkspaceFS) Read(ctx context.Context, fd FileDescriptor, size int, offset uint64) ([]byte, error) {
	of, err := w.descriptor(fd)
	if err != nil {
		return nil, err
	}
	if !of.mode.canRead() {
		return nil, fserror.New(fserror.Internal, "file descriptor %d is write only", fd)
	}
	lockCtx, f, unlock, err := w.lockFile(ctx, of)
	if err != nil {
		return nil, err
	}
	defer unlock()

	segs := chunks.Range(f, offset, uint64(max(size, 0)))
	data, err := chunks.Materialize(segs, func(c manifest.Chunk) ([]byte, error) {
		if c.Access != nil {
			return w.block(lockCtx, f.Base.ID, *c.Access)
		}
		return w.storage.Chunk(lockCtx, c.ID)
	})
	if err != nil {
		if isIntegrity(err) && fserror.CodeOf(err) != fserror.Corrupted {
			err = fserror.Wrap(fserror.Corrupted, err, "file content is corrupted")
		}
		return nil, fserror.WithPath(err, of.path.String())
	}
	return data, nil
}

// Write writes data at offset and returns the number of bytes written.
// The data is durable on return; the manifest is persisted on Flush or
// Close.
func (w *WorkspaceFS) Write(ctx context.Context, fd FileDescriptor, data []byte, offset uint64) (int, error) {
	of, err := w.descriptor(fd)
	if err != nil {
		return 0, err
	}
	if !of.mode.canWrite() {
		return 0, fserror.New(fserror.Internal, "file descriptor %d is read only", fd)
	}
	if len(data) == 0 {
		return 0, nil
	}
	lockCtx, f, unlock, err := w.lockFile(ctx, of)
	if err != nil {
		return 0, err
	}
	defer unlock()

	chunk, err := chunks.Write(f, offset, uint64(len(data)))
	if err != nil {
		return 0, fserror.Wrap(fserror.Internal, err, "write to %s", of.path)
	}
	manifest.Touch(f, w.env.now())
	err = w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.SetChunk(chunk.ID, data)
		tx.CacheManifest(f)
		return nil
	})
	if err != nil {
		return 0, fserror.WithPath(err, of.path.String())
	}
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: f.Base.ID})
	return len(data), nil
}

// Truncate resizes the file. Growing it reads as zeros.
func (w *WorkspaceFS) Truncate(ctx context.Context, fd FileDescriptor, length uint64) error {
	of, err := w.descriptor(fd)
	if err != nil {
		return err
	}
	if !of.mode.canWrite() {
		return fserror.New(fserror.Internal, "file descriptor %d is read only", fd)
	}
	lockCtx, f, unlock, err := w.lockFile(ctx, of)
	if err != nil {
		return err
	}
	defer unlock()

	if f.Size == length {
		return nil
	}
	dropped := chunks.Truncate(f, length)
	manifest.Touch(f, w.env.now())
	err = w.storage.Commit(lockCtx, func(tx *storage.Tx) error {
		tx.SetManifest(f)
		for _, id := range dropped {
			tx.RemoveChunk(id)
		}
		return nil
	})
	if err != nil {
		return fserror.WithPath(err, of.path.String())
	}
	w.publish(events.Event{Type: events.EntryUpdated, EntryID: f.Base.ID})
	return nil
}

// Flush persists the manifest of the file. It never talks to the server.
func (w *WorkspaceFS) Flush(ctx context.Context, fd FileDescriptor) error {
	of, err := w.descriptor(fd)
	if err != nil {
		return err
	}
	id := w.storage.Canonical(of.id)
	lockCtx, unlock, err := w.storage.Locks().Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := w.storage.Persist(lockCtx, id); err != nil {
		return fserror.WithPath(err, of.path.String())
	}
	return nil
}

// CloseFile flushes and releases fd.
func (w *WorkspaceFS) CloseFile(ctx context.Context, fd FileDescriptor) error {
	if err := w.Flush(ctx, fd); err != nil {
		return err
	}
	w.fdMu.Lock()
	delete(w.fds, fd)
	w.fdMu.Unlock()
	return nil
}

// ReadFile reads the whole file at path.
func (w *WorkspaceFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	fd, err := w.Open(ctx, path, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := w.CloseFile(ctx, fd); err != nil {
			logger.Debug("Closing %s: %v", path, err)
		}
	}()
	info, err := w.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	return w.Read(ctx, fd, int(info.Size), 0)
}

// WriteFile replaces the content of the file at path, creating it if
// needed.
func (w *WorkspaceFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if _, err := w.CreateFile(ctx, path); err != nil && fserror.CodeOf(err) != fserror.AlreadyExists {
		return err
	}
	fd, err := w.Open(ctx, path, WriteOnly)
	if err != nil {
		return err
	}
	if err := w.Truncate(ctx, fd, 0); err != nil {
		_ = w.CloseFile(ctx, fd)
		return err
	}
	if _, err := w.Write(ctx, fd, data, 0); err != nil {
		_ = w.CloseFile(ctx, fd)
		return err
	}
	return w.CloseFile(ctx, fd)
}
