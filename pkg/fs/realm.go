package fs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/trust"
	"github.com/marmos91/parsecfs/pkg/types"
)

// realmKeys is the current access of the device to a realm.
type realmKeys struct {
	Key      crypto.SecretKey
	Revision uint64
	Role     types.RealmRole
}

// realm is the part shared by a workspace and the user manifest: local
// storage, remote loading and the per-entry sync transaction.
type realm struct {
	env     *env
	id      types.RealmID
	kind    string
	storage *storage.Storage
	keys    func() (realmKeys, error)

	// speculative builds the stand-in root manifest used while the remote
	// one cannot be fetched.
	speculative func(now time.Time) manifest.Local

	// fileConflict and rekey are workspace transactions touching the
	// parent of an entry. They are nil for the user realm.
	fileConflict func(ctx context.Context, id types.EntryID, remote manifest.FileManifest) error
	rekey        func(ctx context.Context, id types.EntryID) error

	mu      sync.Mutex
	created bool
}

func (r *realm) publish(e events.Event) {
	e.WorkspaceID = r.id
	r.env.bus.Publish(e)
}

// ============================================================================
// Local access with remote fault handling
// ============================================================================

// manifest returns the local manifest of id, downloading it on a miss.
func (r *realm) manifest(ctx context.Context, id types.EntryID) (manifest.Local, error) {
	m, err := r.storage.Manifest(id)
	if !errors.Is(err, storage.ErrMiss) {
		return m, err
	}
	lockCtx, unlock, err := r.storage.Locks().Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.faultIn(lockCtx, id)
}

// faultIn loads id from the server. The caller holds the entry lock.
func (r *realm) faultIn(ctx context.Context, id types.EntryID) (manifest.Local, error) {
	m, err := r.storage.Manifest(id)
	if !errors.Is(err, storage.ErrMiss) {
		return m, err
	}
	remoteM, err := r.load(ctx, id, 0)
	if err != nil {
		code := fserror.CodeOf(err)
		if id == r.id && r.speculative != nil && (code == fserror.NotFound || code == fserror.BackendNotAvailable) {
			logger.Debug("Using a speculative manifest for %s %s: %v", r.kind, id, err)
			if _, err := r.storage.Publish(ctx, r.speculative(r.env.now())); err != nil {
				return nil, err
			}
			return r.storage.Manifest(id)
		}
		return nil, err
	}
	local := manifest.FromRemote(remoteM)
	if _, err := r.storage.Publish(ctx, local); err != nil {
		return nil, err
	}
	logger.Debug("Loaded %s %s v%d from server", remoteM.Kind(), id, remoteM.Head().Version)
	return r.storage.Manifest(id)
}

// lock acquires the entry lock of id and returns its manifest.
func (r *realm) lock(ctx context.Context, id types.EntryID) (context.Context, manifest.Local, func(), error) {
	lockCtx, unlock, err := r.storage.Locks().Lock(ctx, id)
	if err != nil {
		return ctx, nil, nil, err
	}
	m, err := r.faultIn(lockCtx, id)
	if err != nil {
		unlock()
		return ctx, nil, nil, err
	}
	return lockCtx, m, unlock, nil
}

// ============================================================================
// Remote loader
// ============================================================================

// load downloads and verifies a manifest. Integrity failures quarantine id.
func (r *realm) load(ctx context.Context, id types.EntryID, version uint32) (manifest.Manifest, error) {
	if err := r.storage.Quarantined(id); err != nil {
		return nil, err
	}
	m, err := r.fetch(ctx, id, version)
	if err != nil && isIntegrity(err) {
		return nil, r.integrity(id, types.BlockID{}, err)
	}
	return m, err
}

// fetch downloads and verifies a manifest without side effects on the
// local state (version 0 is the latest).
func (r *realm) fetch(ctx context.Context, id types.EntryID, version uint32) (manifest.Manifest, error) {
	keys, err := r.keys()
	if err != nil {
		return nil, err
	}
	rep, err := r.env.remote.VlobRead(ctx, remote.VlobReadReq{
		EncryptionRevision: keys.Revision,
		VlobID:             id,
		Version:            version,
	})
	if err != nil {
		return nil, transportError(err)
	}
	if rep.Status != remote.StatusOK {
		if rep.Status == remote.StatusBadEncryptionRevision {
			r.waitingForKey(keys.Revision)
		}
		return nil, statusError("vlob_read", rep.Status, readAccess)
	}

	author, err := r.env.trust.Device(ctx, rep.Author)
	if err != nil {
		if errors.Is(err, trust.ErrUnknown) || errors.Is(err, trust.ErrInvalidTrustchain) {
			return nil, fserror.Wrap(fserror.SignatureError, err, "cannot verify author %s of %s", rep.Author, id)
		}
		return nil, transportError(err)
	}

	m, err := manifest.DecryptVerifyAndLoad(rep.Blob, keys.Key, author.VerifyKey, manifest.Expected{
		Author:    rep.Author,
		ID:        id,
		Version:   rep.Version,
		Timestamp: rep.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	check, err := manifest.CheckRemoteTimestamp(m.Head().Timestamp, r.env.clock.Now(), r.env.ballpark, r.env.drift)
	if err != nil {
		return nil, err
	}
	if check == manifest.TimestampDrift {
		offset, _ := r.env.drift.Offset()
		logger.Warn("Local clock is off by %s, accepting manifest %s against the server clock", offset, id)
		r.publish(events.Event{Type: events.ClockDrift, EntryID: id, Offset: offset})
	}
	return m, nil
}

// block returns the plaintext of a block, from the local cache or the
// server. Integrity failures quarantine the entry.
func (r *realm) block(ctx context.Context, entry types.EntryID, access manifest.BlockAccess) ([]byte, error) {
	ciphertext, err := r.storage.Block(ctx, access.ID)
	fromServer := false
	if errors.Is(err, storage.ErrMiss) {
		rep, rerr := r.env.remote.BlockRead(ctx, remote.BlockReadReq{BlockID: access.ID})
		if rerr != nil {
			return nil, transportError(rerr)
		}
		if rep.Status != remote.StatusOK {
			return nil, statusError("block_read", rep.Status, readAccess)
		}
		ciphertext, err, fromServer = rep.Block, nil, true
		r.env.metrics.ObserveBlockTransfer("download", len(ciphertext))
	}
	if err != nil {
		return nil, err
	}

	if crypto.Digest(ciphertext) != access.Digest {
		cause := fserror.New(fserror.Corrupted, "block %s does not match its digest", access.ID)
		return nil, r.integrity(entry, access.ID, cause)
	}
	plain, err := access.Key.Decrypt(ciphertext)
	if err != nil {
		cause := fserror.Wrap(fserror.DecryptionError, err, "cannot decrypt block %s", access.ID)
		return nil, r.integrity(entry, access.ID, cause)
	}
	if fromServer {
		r.storage.CacheBlock(ctx, access.ID, ciphertext)
	}
	return plain, nil
}

// integrity quarantines entry, reports the failure and returns it.
func (r *realm) integrity(entry types.EntryID, block types.BlockID, err error) error {
	logger.Error("Integrity failure on %s %s: %v", r.kind, entry, err)
	r.storage.Quarantine(entry, err)
	r.publish(events.Event{Type: events.IntegrityAlert, EntryID: entry, BlockID: block, Err: err})
	r.publish(events.Event{Type: events.EntryQuarantined, EntryID: entry})
	return err
}

func (r *realm) waitingForKey(revision uint64) {
	logger.Warn("Realm %s moved past encryption revision %d, waiting for the new key", r.id, revision)
	r.publish(events.Event{Type: events.SyncWaitingForKey, Version: uint32(revision)})
}

// ============================================================================
// Uploads
// ============================================================================

// ensureRealm creates the realm on the server the first time this process
// uploads a placeholder to it.
func (r *realm) ensureRealm(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.created {
		return nil
	}
	rep, err := r.env.remote.RealmCreate(ctx, remote.RealmCreateReq{RealmID: r.id})
	if err != nil {
		return transportError(err)
	}
	switch rep.Status {
	case remote.StatusOK:
		logger.Info("Created realm %s", r.id)
	case remote.StatusAlreadyExists:
	default:
		return statusError("realm_create", rep.Status, writeAccess)
	}
	r.created = true
	return nil
}

func (r *realm) uploadBlock(ctx context.Context, id types.BlockID, ciphertext []byte) error {
	rep, err := r.env.remote.BlockCreate(ctx, remote.BlockCreateReq{BlockID: id, RealmID: r.id, Block: ciphertext})
	if err != nil {
		return transportError(err)
	}
	switch rep.Status {
	case remote.StatusOK, remote.StatusAlreadyExists:
		r.env.metrics.ObserveBlockTransfer("upload", len(ciphertext))
		return nil
	}
	return statusError("block_create", rep.Status, writeAccess)
}

// uploadManifest signs, encrypts and uploads m. Rejections that the sync
// transaction handles (bad_version, already_exists) are returned as status
// with a nil error.
func (r *realm) uploadManifest(ctx context.Context, m manifest.Manifest) (remote.Status, error) {
	keys, err := r.keys()
	if err != nil {
		return "", err
	}
	blob, err := manifest.DumpSignAndEncrypt(m, r.env.device.SigningKey, keys.Key)
	if err != nil {
		return "", fmt.Errorf("encode manifest %s: %w", m.Head().ID, err)
	}
	head := m.Head()

	var status remote.Status
	command := "vlob_update"
	if head.Version == 1 {
		command = "vlob_create"
		rep, err := r.env.remote.VlobCreate(ctx, remote.VlobCreateReq{
			RealmID:            r.id,
			EncryptionRevision: keys.Revision,
			VlobID:             head.ID,
			Timestamp:          head.Timestamp,
			Blob:               blob,
		})
		if err != nil {
			return "", transportError(err)
		}
		status = rep.Status
	} else {
		rep, err := r.env.remote.VlobUpdate(ctx, remote.VlobUpdateReq{
			EncryptionRevision: keys.Revision,
			VlobID:             head.ID,
			Version:            head.Version,
			Timestamp:          head.Timestamp,
			Blob:               blob,
		})
		if err != nil {
			return "", transportError(err)
		}
		status = rep.Status
	}

	switch status {
	case remote.StatusOK, remote.StatusBadVersion, remote.StatusAlreadyExists:
		return status, nil
	case remote.StatusBadEncryptionRevision:
		r.waitingForKey(keys.Revision)
	case remote.StatusBadTimestamp:
		return status, fserror.New(fserror.Internal, "server rejected timestamp %s of %s", head.Timestamp.Format(time.RFC3339), head.ID)
	}
	return status, statusError(command, status, writeAccess)
}
