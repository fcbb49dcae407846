package fs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/message"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/trust"
	"github.com/marmos91/parsecfs/pkg/types"
)

// reencryptionBatchSize is how many vlob versions are rewritten per round
// trip during a key rotation.
const reencryptionBatchSize = 100

// UserFS is the filesystem view of a device: the user manifest listing the
// workspaces, and the workspaces themselves.
type UserFS struct {
	*realm
	store local.Store

	mu         sync.Mutex
	workspaces map[types.EntryID]*WorkspaceFS
	closed     bool
}

// NewUserFS opens the local state of the device described by opts.
func NewUserFS(ctx context.Context, opts Options) (*UserFS, error) {
	env, err := newEnv(opts)
	if err != nil {
		return nil, err
	}
	id := env.device.UserManifestID
	store, err := env.stores(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open local store of user manifest: %w", err)
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

	u := &UserFS{
		store:      store,
		workspaces: make(map[types.EntryID]*WorkspaceFS),
	}
	u.realm = &realm{
		env:     env,
		id:      id,
		kind:    "user",
		storage: st,
		keys: func() (realmKeys, error) {
			return realmKeys{Key: env.device.UserManifestKey, Revision: 1, Role: types.RoleOwner}, nil
		},
		speculative: func(now time.Time) manifest.Local {
			return manifest.NewPlaceholderUser(env.me(), id, now, true)
		},
	}
	logger.Debug("Opened user filesystem of %s", env.me())
	return u, nil
}

// Device returns the device the filesystem acts for.
func (u *UserFS) Device() types.DeviceID { return u.env.me() }

// Bus returns the event bus shared by the user filesystem and its
// workspaces.
func (u *UserFS) Bus() *events.Bus { return u.env.bus }

// Storage exposes the local storage of the user manifest.
func (u *UserFS) Storage() *storage.Storage { return u.storage }

func (u *UserFS) userManifest(ctx context.Context) (*manifest.LocalUser, error) {
	m, err := u.manifest(ctx, u.id)
	if err != nil {
		return nil, err
	}
	user, ok := m.(*manifest.LocalUser)
	if !ok {
		return nil, fserror.New(fserror.Internal, "user manifest %s is a %s", u.id, m.Kind())
	}
	return user, nil
}

// lockUser locks the user manifest for a read-modify-commit cycle.
func (u *UserFS) lockUser(ctx context.Context) (context.Context, *manifest.LocalUser, func(), error) {
	lockCtx, m, unlock, err := u.lock(ctx, u.id)
	if err != nil {
		return ctx, nil, nil, err
	}
	user, ok := m.(*manifest.LocalUser)
	if !ok {
		unlock()
		return ctx, nil, nil, fserror.New(fserror.Internal, "user manifest %s is a %s", u.id, m.Kind())
	}
	return lockCtx, user, unlock, nil
}

// workspaceKeys reads the access of the device to a workspace from the
// local user manifest.
func (u *UserFS) workspaceKeys(id types.EntryID) (realmKeys, error) {
	entry, err := u.workspaceEntry(id)
	if err != nil {
		return realmKeys{}, err
	}
	return realmKeys{Key: entry.Key, Revision: entry.EncryptionRevision, Role: entry.Role}, nil
}

func (u *UserFS) workspaceEntry(id types.EntryID) (manifest.WorkspaceEntry, error) {
	m, err := u.storage.Manifest(u.id)
	if errors.Is(err, storage.ErrMiss) {
		return manifest.WorkspaceEntry{}, fserror.New(fserror.NotFound, "user manifest is not loaded")
	}
	if err != nil {
		return manifest.WorkspaceEntry{}, err
	}
	user, _ := m.(*manifest.LocalUser)
	if user != nil {
		if i := indexOfWorkspace(user.Workspaces, id); i >= 0 {
			return user.Workspaces[i], nil
		}
	}
	return manifest.WorkspaceEntry{}, fserror.New(fserror.NotFound, "unknown workspace %s", id)
}

func indexOfWorkspace(list []manifest.WorkspaceEntry, id types.EntryID) int {
	return slices.IndexFunc(list, func(e manifest.WorkspaceEntry) bool { return e.ID == id })
}

// ============================================================================
// Workspaces
// ============================================================================

// Workspaces lists the workspaces of the user, sorted by name.
func (u *UserFS) Workspaces(ctx context.Context) ([]manifest.WorkspaceEntry, error) {
	user, err := u.userManifest(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(user.Workspaces), nil
}

// CreateWorkspace adds a new workspace owned by the user. Names need not be
// unique: workspaces are identified by id.
func (u *UserFS) CreateWorkspace(ctx context.Context, name types.EntryName) (types.EntryID, error) {
	if _, err := types.NewEntryName(string(name)); err != nil {
		return types.EntryID{}, fserror.Wrap(fserror.InvalidName, err, "invalid workspace name")
	}
	lockCtx, user, unlock, err := u.lockUser(ctx)
	if err != nil {
		return types.EntryID{}, err
	}
	defer unlock()

	now := u.env.now()
	entry := manifest.WorkspaceEntry{
		Name:               name,
		ID:                 types.NewEntryID(),
		Key:                crypto.GenerateSecretKey(),
		EncryptionRevision: 1,
		EncryptedOn:        now,
		RoleCachedOn:       now,
		Role:               types.RoleOwner,
	}
	user.Workspaces = append(user.Workspaces, entry)
	manifest.SortWorkspaces(user.Workspaces)
	manifest.Touch(user, now)
	if err := u.storage.SetManifest(lockCtx, user); err != nil {
		return types.EntryID{}, err
	}

	w, err := u.GetWorkspace(ctx, entry.ID)
	if err != nil {
		return types.EntryID{}, err
	}
	if _, err := w.storage.Publish(ctx, manifest.NewPlaceholderWorkspace(u.env.me(), entry.ID, now, false)); err != nil {
		return types.EntryID{}, err
	}
	logger.Info("Created workspace %q (%s)", name, entry.ID)
	u.publish(events.Event{Type: events.EntryUpdated, EntryID: u.id})
	return entry.ID, nil
}

// RenameWorkspace changes the name of a workspace for this user only.
func (u *UserFS) RenameWorkspace(ctx context.Context, id types.EntryID, name types.EntryName) error {
	if _, err := types.NewEntryName(string(name)); err != nil {
		return fserror.Wrap(fserror.InvalidName, err, "invalid workspace name")
	}
	lockCtx, user, unlock, err := u.lockUser(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	i := indexOfWorkspace(user.Workspaces, id)
	if i < 0 {
		return fserror.New(fserror.NotFound, "unknown workspace %s", id)
	}
	if user.Workspaces[i].Name == name {
		return nil
	}
	user.Workspaces[i].Name = name
	manifest.SortWorkspaces(user.Workspaces)
	manifest.Touch(user, u.env.now())
	if err := u.storage.SetManifest(lockCtx, user); err != nil {
		return err
	}
	u.publish(events.Event{Type: events.EntryUpdated, EntryID: u.id})
	return nil
}

// GetWorkspace returns the filesystem of a workspace listed in the user
// manifest. The same instance is returned until Close.
func (u *UserFS) GetWorkspace(ctx context.Context, id types.EntryID) (*WorkspaceFS, error) {
	if _, err := u.userManifest(ctx); err != nil {
		return nil, err
	}
	if _, err := u.workspaceEntry(id); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, fserror.New(fserror.Internal, "user filesystem is closed")
	}
	if w, ok := u.workspaces[id]; ok {
		return w, nil
	}
	w, err := openWorkspace(ctx, u, id)
	if err != nil {
		return nil, err
	}
	u.workspaces[id] = w
	return w, nil
}

// OpenWorkspaces returns the workspaces opened so far.
func (u *UserFS) OpenWorkspaces() []*WorkspaceFS {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*WorkspaceFS, 0, len(u.workspaces))
	for _, w := range u.workspaces {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b *WorkspaceFS) int { return compareIDs(a.id, b.id) })
	return out
}

// Sync pulls the remote user manifest, merges it and uploads local
// changes.
func (u *UserFS) Sync(ctx context.Context) error {
	return u.syncEntry(ctx, u.id, true)
}

// Close closes every open workspace, persists the user manifest and
// releases the local store.
func (u *UserFS) Close(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	workspaces := u.workspaces
	u.workspaces = nil
	u.mu.Unlock()

	var errs []error
	for id, w := range workspaces {
		if err := w.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close workspace %s: %w", id, err))
		}
	}
	for _, id := range u.storage.Volatile() {
		lockCtx, unlock, err := u.storage.Locks().Lock(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := u.storage.Persist(lockCtx, id); err != nil {
			errs = append(errs, err)
		}
		unlock()
	}
	u.storage.Close()
	if err := u.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ============================================================================
// Sharing
// ============================================================================

// Share gives user the role on the workspace. RoleNone revokes the access.
// The recipient learns about it through a message.
func (u *UserFS) Share(ctx context.Context, wid types.EntryID, user types.UserID, role types.RealmRole) error {
	entry, err := u.workspaceEntry(wid)
	if err != nil {
		return err
	}
	if !entry.Role.CanShare() {
		return fserror.New(fserror.NoWriteAccess, "role %s cannot share workspace %s", entry.Role, wid)
	}
	if user == u.env.device.UserID {
		return fserror.New(fserror.InvalidName, "cannot change your own role")
	}

	w, err := u.GetWorkspace(ctx, wid)
	if err != nil {
		return err
	}
	if err := w.ensureRealm(ctx); err != nil {
		return err
	}
	recipient, err := u.identity(ctx, user)
	if err != nil {
		return err
	}

	now := u.env.now()
	msg := message.Message{
		Type:        message.SharingRevoked,
		Author:      u.env.me(),
		Timestamp:   now,
		WorkspaceID: wid,
	}
	if role != types.RoleNone {
		msg.Type = message.SharingGranted
		msg.WorkspaceName = entry.Name
		msg.Key = entry.Key
		msg.EncryptionRevision = entry.EncryptionRevision
		msg.EncryptedOn = entry.EncryptedOn
		msg.Role = role
	}
	body, err := msg.DumpSignAndEncryptFor(u.env.device.SigningKey, recipient.PublicKey)
	if err != nil {
		return fserror.Wrap(fserror.Internal, err, "build sharing message")
	}

	rep, err := u.env.remote.RealmUpdateRoles(ctx, remote.RealmUpdateRolesReq{
		RealmID:          wid,
		UserID:           user,
		Role:             role,
		Timestamp:        now,
		RecipientMessage: body,
	})
	if err != nil {
		return transportError(err)
	}
	if rep.Status != remote.StatusOK {
		return statusError("realm_update_roles", rep.Status, writeAccess)
	}
	logger.Info("Set role of %s on workspace %s to %s", user, wid, role)
	u.env.bus.Publish(events.Event{Type: events.SharingUpdated, WorkspaceID: wid})
	return nil
}

// Unshare revokes user's access to the workspace and rotates the workspace
// key so that content written afterwards is out of the user's reach.
func (u *UserFS) Unshare(ctx context.Context, wid types.EntryID, user types.UserID) error {
	if err := u.Share(ctx, wid, user, types.RoleNone); err != nil {
		return err
	}
	return u.Reencrypt(ctx, wid)
}

// GetUserRoles lists the members of a workspace. A workspace whose realm
// was never created only has its creator.
func (u *UserFS) GetUserRoles(ctx context.Context, wid types.EntryID) (map[types.UserID]types.RealmRole, error) {
	entry, err := u.workspaceEntry(wid)
	if err != nil {
		return nil, err
	}
	rep, err := u.env.remote.RealmGetRoles(ctx, remote.RealmGetRolesReq{RealmID: wid})
	if err != nil {
		return nil, transportError(err)
	}
	switch rep.Status {
	case remote.StatusOK:
		return rep.Roles, nil
	case remote.StatusNotFound:
		return map[types.UserID]types.RealmRole{u.env.device.UserID: entry.Role}, nil
	}
	return nil, statusError("realm_get_roles", rep.Status, readAccess)
}

func (u *UserFS) identity(ctx context.Context, user types.UserID) (trust.User, error) {
	recipient, err := u.env.trust.User(ctx, user)
	switch {
	case errors.Is(err, trust.ErrUnknown):
		return trust.User{}, fserror.Wrap(fserror.NotFound, err, "unknown user %s", user)
	case errors.Is(err, trust.ErrInvalidTrustchain):
		return trust.User{}, fserror.Wrap(fserror.SignatureError, err, "cannot verify user %s", user)
	case err != nil:
		return trust.User{}, transportError(err)
	}
	if !recipient.RevokedOn.IsZero() {
		return trust.User{}, fserror.New(fserror.NotFound, "user %s is revoked", user)
	}
	return recipient, nil
}

// Reencrypt rotates the key of a workspace: every stored manifest version
// is re-encrypted with a fresh key, and the other members receive the new
// key. Only the owner may do this.
func (u *UserFS) Reencrypt(ctx context.Context, wid types.EntryID) error {
	entry, err := u.workspaceEntry(wid)
	if err != nil {
		return err
	}
	if entry.Role != types.RoleOwner {
		return fserror.New(fserror.NoWriteAccess, "only the owner can reencrypt workspace %s", wid)
	}
	w, err := u.GetWorkspace(ctx, wid)
	if err != nil {
		return err
	}
	if err := w.ensureRealm(ctx); err != nil {
		return err
	}
	status, err := u.env.remote.RealmStatus(ctx, remote.RealmStatusReq{RealmID: wid})
	if err != nil {
		return transportError(err)
	}
	switch {
	case status.Status != remote.StatusOK:
		return statusError("realm_status", status.Status, writeAccess)
	case status.InMaintenance:
		return fserror.New(fserror.WorkspaceInMaintenance, "workspace %s is already in maintenance", wid)
	case status.EncryptionRevision != entry.EncryptionRevision:
		// A reencryption finished elsewhere; its message has not been processed yet.
		return fserror.New(fserror.BadEncryptionRevision, "workspace %s is at revision %d, the local key is for %d",
			wid, status.EncryptionRevision, entry.EncryptionRevision)
	}
	roles, err := u.GetUserRoles(ctx, wid)
	if err != nil {
		return err
	}

	now := u.env.now()
	newKey := crypto.GenerateSecretKey()
	revision := entry.EncryptionRevision + 1
	messages := make(map[types.UserID][]byte, len(roles))
	for user, role := range roles {
		if user == u.env.device.UserID || role == types.RoleNone {
			continue
		}
		recipient, err := u.identity(ctx, user)
		if err != nil {
			return err
		}
		msg := message.Message{
			Type:               message.SharingReencrypted,
			Author:             u.env.me(),
			Timestamp:          now,
			WorkspaceID:        wid,
			WorkspaceName:      entry.Name,
			Key:                newKey,
			EncryptionRevision: revision,
			EncryptedOn:        now,
			Role:               role,
		}
		body, err := msg.DumpSignAndEncryptFor(u.env.device.SigningKey, recipient.PublicKey)
		if err != nil {
			return fserror.Wrap(fserror.Internal, err, "build reencryption message")
		}
		messages[user] = body
	}

	start, err := u.env.remote.RealmStartReencryptionMaintenance(ctx, remote.RealmStartReencryptionMaintenanceReq{
		RealmID:            wid,
		EncryptionRevision: revision,
		Timestamp:          now,
		Messages:           messages,
	})
	if err != nil {
		return transportError(err)
	}
	if start.Status != remote.StatusOK {
		return statusError("realm_start_reencryption_maintenance", start.Status, writeAccess)
	}
	logger.Info("Reencrypting workspace %s to revision %d", wid, revision)
	u.env.bus.Publish(events.Event{Type: events.SharingUpdated, WorkspaceID: wid, State: "maintenance"})

	if err := u.reencryptVlobs(ctx, wid, entry.Key, newKey, revision); err != nil {
		return err
	}

	finish, err := u.env.remote.RealmFinishReencryptionMaintenance(ctx, remote.RealmFinishReencryptionMaintenanceReq{
		RealmID:            wid,
		EncryptionRevision: revision,
	})
	if err != nil {
		return transportError(err)
	}
	if finish.Status != remote.StatusOK {
		return statusError("realm_finish_reencryption_maintenance", finish.Status, writeAccess)
	}

	lockCtx, user, unlock, err := u.lockUser(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	i := indexOfWorkspace(user.Workspaces, wid)
	if i < 0 {
		return fserror.New(fserror.NotFound, "workspace %s left the user manifest during reencryption", wid)
	}
	user.Workspaces[i].Key = newKey
	user.Workspaces[i].EncryptionRevision = revision
	user.Workspaces[i].EncryptedOn = now
	manifest.Touch(user, u.env.now())
	if err := u.storage.SetManifest(lockCtx, user); err != nil {
		return err
	}
	logger.Info("Workspace %s is now at encryption revision %d", wid, revision)
	u.env.bus.Publish(events.Event{Type: events.SharingUpdated, WorkspaceID: wid})
	return nil
}

func (u *UserFS) reencryptVlobs(ctx context.Context, wid types.EntryID, oldKey, newKey crypto.SecretKey, revision uint64) error {
	for {
		rep, err := u.env.remote.VlobMaintenanceGetReencryptionBatch(ctx, remote.VlobMaintenanceGetReencryptionBatchReq{
			RealmID:            wid,
			EncryptionRevision: revision,
			Size:               reencryptionBatchSize,
		})
		if err != nil {
			return transportError(err)
		}
		if rep.Status != remote.StatusOK {
			return statusError("vlob_maintenance_get_reencryption_batch", rep.Status, writeAccess)
		}
		if len(rep.Batch) == 0 {
			return nil
		}

		batch := make([]remote.ReencryptionBatchEntry, 0, len(rep.Batch))
		for _, e := range rep.Batch {
			signed, err := oldKey.Decrypt(e.Blob)
			if err != nil {
				return fserror.Wrap(fserror.DecryptionError, err, "cannot decrypt %s v%d for reencryption", e.VlobID, e.Version)
			}
			batch = append(batch, remote.ReencryptionBatchEntry{VlobID: e.VlobID, Version: e.Version, Blob: newKey.Encrypt(signed)})
		}
		save, err := u.env.remote.VlobMaintenanceSaveReencryptionBatch(ctx, remote.VlobMaintenanceSaveReencryptionBatchReq{
			RealmID:            wid,
			EncryptionRevision: revision,
			Batch:              batch,
		})
		if err != nil {
			return transportError(err)
		}
		if save.Status != remote.StatusOK {
			return statusError("vlob_maintenance_save_reencryption_batch", save.Status, writeAccess)
		}
		logger.Debug("Reencrypted %d/%d vlob versions of %s", save.Done, save.Total, wid)
	}
}

// ============================================================================
// Messages
// ============================================================================

// ProcessLastMessages applies the messages received since the last
// processed one and returns how many were consumed. A message that cannot
// be decrypted or verified is skipped with an integrity alert; a transport
// failure stops processing without consuming the message.
func (u *UserFS) ProcessLastMessages(ctx context.Context) (int, error) {
	user, err := u.userManifest(ctx)
	if err != nil {
		return 0, err
	}
	rep, err := u.env.remote.MessageGet(ctx, remote.MessageGetReq{Offset: user.LastProcessedMessage})
	if err != nil {
		return 0, transportError(err)
	}
	if rep.Status != remote.StatusOK {
		return 0, statusError("message_get", rep.Status, readAccess)
	}

	processed := 0
	for _, entry := range rep.Messages {
		msg, err := u.readMessage(ctx, entry)
		if err != nil {
			if !isIntegrity(err) {
				return processed, err
			}
			logger.Error("Skipping message %d from %s: %v", entry.Index, entry.Sender, err)
			u.env.bus.Publish(events.Event{Type: events.IntegrityAlert, Index: entry.Index, DeviceID: entry.Sender, Err: err})
		}
		if err := u.applyMessage(ctx, entry.Index, msg); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (u *UserFS) readMessage(ctx context.Context, entry remote.MessageEntry) (*message.Message, error) {
	signed, author, err := message.Decrypt(entry.Body, u.env.device.PrivateKey)
	if err != nil {
		return nil, fserror.Wrap(fserror.DecryptionError, err, "cannot decrypt message %d", entry.Index)
	}
	if author != entry.Sender {
		return nil, fserror.New(fserror.SignatureError, "message %d claims author %s but was sent by %s", entry.Index, author, entry.Sender)
	}
	sender, err := u.env.trust.Device(ctx, entry.Sender)
	switch {
	case errors.Is(err, trust.ErrUnknown), errors.Is(err, trust.ErrInvalidTrustchain):
		return nil, fserror.Wrap(fserror.SignatureError, err, "cannot verify sender of message %d", entry.Index)
	case err != nil:
		return nil, transportError(err)
	}
	// The index timestamp is stamped by the server; the message carries the
	// sender's clock.
	msg, err := message.VerifyAndLoad(signed, sender.VerifyKey, entry.Sender, time.Time{})
	if err != nil {
		if errors.Is(err, message.ErrInvalidMessage) {
			return nil, fserror.Wrap(fserror.InvalidManifest, err, "malformed message %d", entry.Index)
		}
		return nil, fserror.Wrap(fserror.SignatureError, err, "invalid signature on message %d", entry.Index)
	}
	if !manifest.InBallpark(msg.Timestamp, entry.Timestamp, u.env.ballpark.Client) {
		return nil, fserror.New(fserror.InvalidManifest, "message %d timestamp %s is too far from %s", entry.Index, msg.Timestamp, entry.Timestamp)
	}
	if sender.Revoked(msg.Timestamp) {
		return nil, fserror.New(fserror.SignatureError, "message %d was sent by revoked device %s", entry.Index, entry.Sender)
	}
	return &msg, nil
}

// applyMessage records index as processed and applies msg, which is nil
// for a skipped message.
func (u *UserFS) applyMessage(ctx context.Context, index uint64, msg *message.Message) error {
	lockCtx, user, unlock, err := u.lockUser(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	durable := false
	if msg != nil {
		durable = applySharing(user, msg)
	}
	user.LastProcessedMessage = max(user.LastProcessedMessage, index)
	manifest.SortWorkspaces(user.Workspaces)
	// Role caches and the message index are rebuilt from the server, only
	// new workspace keys need an upload.
	if durable {
		manifest.Touch(user, u.env.now())
	}
	if err := u.storage.SetManifest(lockCtx, user); err != nil {
		return err
	}
	if msg != nil {
		logger.Info("Applied %s for workspace %s from %s", msg.Type, msg.WorkspaceID, msg.Author)
		u.env.bus.Publish(events.Event{Type: events.SharingUpdated, WorkspaceID: msg.WorkspaceID, DeviceID: msg.Author})
	}
	return nil
}

// applySharing updates the workspace entries of user from msg. It reports
// whether a workspace or a key was learnt.
func applySharing(user *manifest.LocalUser, msg *message.Message) bool {
	i := indexOfWorkspace(user.Workspaces, msg.WorkspaceID)
	switch msg.Type {
	case message.SharingGranted, message.SharingReencrypted:
		if i < 0 {
			name := msg.WorkspaceName
			if name == "" {
				name = types.EntryName(msg.WorkspaceID.String())
			}
			user.Workspaces = append(user.Workspaces, manifest.WorkspaceEntry{
				Name:               name,
				ID:                 msg.WorkspaceID,
				Key:                msg.Key,
				EncryptionRevision: msg.EncryptionRevision,
				EncryptedOn:        msg.EncryptedOn,
				RoleCachedOn:       msg.Timestamp,
				Role:               msg.Role,
			})
			return true
		}
		e := &user.Workspaces[i]
		rotated := msg.EncryptionRevision > e.EncryptionRevision
		if rotated {
			e.Key = msg.Key
			e.EncryptionRevision = msg.EncryptionRevision
			e.EncryptedOn = msg.EncryptedOn
		}
		if msg.Role != types.RoleNone && !msg.Timestamp.Before(e.RoleCachedOn) {
			e.Role = msg.Role
			e.RoleCachedOn = msg.Timestamp
		}
		return rotated
	case message.SharingRoleUpdated:
		if i >= 0 && !msg.Timestamp.Before(user.Workspaces[i].RoleCachedOn) {
			user.Workspaces[i].Role = msg.Role
			user.Workspaces[i].RoleCachedOn = msg.Timestamp
		}
	case message.SharingRevoked:
		if i >= 0 && !msg.Timestamp.Before(user.Workspaces[i].RoleCachedOn) {
			user.Workspaces[i].Role = types.RoleNone
			user.Workspaces[i].RoleCachedOn = msg.Timestamp
		}
	}
	return false
}
