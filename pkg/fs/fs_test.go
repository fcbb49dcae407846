package fs_test

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/testbed"
	"github.com/marmos91/parsecfs/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func newUser(t *testing.T, org *testbed.Org) *testbed.Device {
	t.Helper()
	d, err := org.NewUser(certif.ProfileStandard)
	require.NoError(t, err)
	return d
}

func open(t *testing.T, d *testbed.Device) *fs.UserFS {
	t.Helper()
	u, err := d.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close(context.Background()) })
	return u
}

func createWorkspace(t *testing.T, u *fs.UserFS, name string) *fs.WorkspaceFS {
	t.Helper()
	ctx := context.Background()
	id, err := u.CreateWorkspace(ctx, types.EntryName(name))
	require.NoError(t, err)
	w, err := u.GetWorkspace(ctx, id)
	require.NoError(t, err)
	return w
}

func syncAll(t *testing.T, u *fs.UserFS, w *fs.WorkspaceFS) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.Sync(ctx, "/", true))
	require.NoError(t, u.Sync(ctx))
}

func remoteRolesReq(realm types.RealmID, user types.UserID, body []byte) remote.RealmUpdateRolesReq {
	return remote.RealmUpdateRolesReq{
		RealmID:          realm,
		UserID:           user,
		Role:             types.RoleReader,
		Timestamp:        testbed.Epoch,
		RecipientMessage: body,
	}
}

func received(sub *events.Subscription, typ events.Type) (events.Event, bool) {
	for {
		select {
		case e := <-sub.C:
			if e.Type == typ {
				return e, true
			}
		default:
			return events.Event{}, false
		}
	}
}

// ============================================================================
// Local operations
// ============================================================================

func TestCreateListReadDelete(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "work")

	_, err := w.CreateFolder(ctx, "/docs")
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/docs/a.txt", []byte("hello")))

	names, err := w.ListDir(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []types.EntryName{"docs"}, names)

	names, err = w.ListDir(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, []types.EntryName{"a.txt"}, names)

	data, err := w.ReadFile(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := w.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, fs.TypeFile, info.Type)
	assert.EqualValues(t, 5, info.Size)
	assert.True(t, info.IsPlaceholder)
	assert.True(t, info.NeedSync)

	_, err = w.CreateFolder(ctx, "/docs")
	assert.Equal(t, fserror.AlreadyExists, fserror.CodeOf(err))

	require.NoError(t, w.Delete(ctx, "/docs/a.txt"))
	exists, err := w.Exists(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = w.ReadFile(ctx, "/docs/a.txt")
	assert.Equal(t, fserror.NotFound, fserror.CodeOf(err))
}

func TestWriteOverlayAndTruncate(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "work")

	_, err := w.CreateFile(ctx, "/f")
	require.NoError(t, err)
	fd, err := w.Open(ctx, "/f", fs.ReadWrite)
	require.NoError(t, err)

	n, err := w.Write(ctx, fd, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	_, err = w.Write(ctx, fd, []byte("HELLO"), 0)
	require.NoError(t, err)

	data, err := w.Read(ctx, fd, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "HELLO world", string(data))

	data, err = w.Read(ctx, fd, 3, 6)
	require.NoError(t, err)
	assert.Equal(t, "wor", string(data))

	data, err = w.Read(ctx, fd, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, w.Truncate(ctx, fd, 5))
	require.NoError(t, w.Truncate(ctx, fd, 8))
	data, err = w.Read(ctx, fd, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO\x00\x00\x00"), data)

	// Writing past the end leaves a zero filled hole.
	_, err = w.Write(ctx, fd, []byte("!"), 10)
	require.NoError(t, err)
	data, err = w.Read(ctx, fd, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO\x00\x00\x00\x00\x00!"), data)

	n, err = w.Write(ctx, fd, []byte("lost"), math.MaxUint64-1)
	assert.Error(t, err, "a write past the largest size is refused")
	assert.Zero(t, n)
	info, err := w.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.EqualValues(t, 11, info.Size)

	require.NoError(t, w.CloseFile(ctx, fd))
	_, err = w.Read(ctx, fd, 1, 0)
	assert.Error(t, err)
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "work")

	_, err := w.CreateFolder(ctx, "/a")
	require.NoError(t, err)
	_, err = w.CreateFolder(ctx, "/b")
	require.NoError(t, err)
	id, err := w.CreateFile(ctx, "/a/f")
	require.NoError(t, err)

	require.NoError(t, w.Move(ctx, "/a/f", "/b/g"))
	p, err := w.PathOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fs.Path{"b", "g"}, p)

	err = w.Move(ctx, "/b", "/b/inner")
	assert.Equal(t, fserror.InvalidName, fserror.CodeOf(err))

	_, err = w.CreateFile(ctx, "/a/h")
	require.NoError(t, err)
	err = w.Move(ctx, "/a/h", "/b/g")
	assert.Equal(t, fserror.AlreadyExists, fserror.CodeOf(err))
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d := newUser(t, org)

	u, err := d.Open(ctx)
	require.NoError(t, err)
	w := createWorkspace(t, u, "work")
	require.NoError(t, w.WriteFile(ctx, "/notes.txt", []byte("kept locally")))
	require.NoError(t, u.Close(ctx))

	org.Backend.SetOffline(true)
	u = open(t, d)
	list, err := u.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	w, err = u.GetWorkspace(ctx, list[0].ID)
	require.NoError(t, err)
	data, err := w.ReadFile(ctx, "/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "kept locally", string(data))
}

func TestSyncedContentReadableOfflineAfterRestart(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d := newUser(t, org)

	u, err := d.Open(ctx)
	require.NoError(t, err)
	w := createWorkspace(t, u, "work")
	wid := w.ID()
	require.NoError(t, w.WriteFile(ctx, "/f.txt", []byte("synced")))
	syncAll(t, u, w)
	require.NoError(t, u.Close(ctx))

	org.Backend.SetOffline(true)
	u = open(t, d)
	w, err = u.GetWorkspace(ctx, wid)
	require.NoError(t, err)
	data, err := w.ReadFile(ctx, "/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "synced", string(data))
}

func TestDescriptorFlushAndClose(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d := newUser(t, org)

	u, err := d.Open(ctx)
	require.NoError(t, err)
	w := createWorkspace(t, u, "work")
	wid := w.ID()
	_, err = w.CreateFile(ctx, "/log")
	require.NoError(t, err)

	fd, err := w.Open(ctx, "/log", fs.WriteOnly)
	require.NoError(t, err)
	_, err = w.Write(ctx, fd, []byte("line 1\n"), 0)
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx, fd))
	require.NoError(t, w.CloseFile(ctx, fd))

	_, err = w.Write(ctx, fd, []byte("late"), 0)
	assert.Error(t, err, "closed descriptors are rejected")
	require.NoError(t, u.Close(ctx))

	u = open(t, d)
	w, err = u.GetWorkspace(ctx, wid)
	require.NoError(t, err)
	data, err := w.ReadFile(ctx, "/log")
	require.NoError(t, err)
	assert.Equal(t, "line 1\n", string(data))
}

func TestRenameWorkspace(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "draft")

	require.NoError(t, u.RenameWorkspace(ctx, w.ID(), "final"))
	list, err := u.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.EntryName("final"), list[0].Name)

	err = u.RenameWorkspace(ctx, w.ID(), "a/b")
	assert.Equal(t, fserror.InvalidName, fserror.CodeOf(err))
	err = u.RenameWorkspace(ctx, types.NewEntryID(), "other")
	assert.Equal(t, fserror.NotFound, fserror.CodeOf(err))
}

func TestMinimalRemoteManifestOfPlaceholder(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "work")

	id, err := w.CreateFolder(ctx, "/docs")
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/docs/a.txt", []byte("content")))

	m, err := w.MinimalRemoteManifest(ctx, id)
	require.NoError(t, err)
	folder, ok := m.(manifest.FolderManifest)
	require.True(t, ok, "got %T", m)
	assert.EqualValues(t, 1, folder.Version)
	assert.Equal(t, w.ID(), folder.Parent)
	assert.Empty(t, folder.Children, "children are not part of the minimal manifest")

	syncAll(t, u, w)
	m, err = w.MinimalRemoteManifest(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, m)
}

// ============================================================================
// Synchronization
// ============================================================================

func TestSyncReachesOtherDevice(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d1 := newUser(t, org)
	u1 := open(t, d1)
	w1 := createWorkspace(t, u1, "work")

	sub := u1.Bus().Subscribe(events.EntrySynced)
	defer sub.Close()

	_, err := w1.CreateFolder(ctx, "/docs")
	require.NoError(t, err)
	require.NoError(t, w1.WriteFile(ctx, "/docs/a.txt", []byte("from device one")))
	syncAll(t, u1, w1)

	_, ok := received(sub, events.EntrySynced)
	assert.True(t, ok)
	info, err := w1.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, info.NeedSync)
	assert.EqualValues(t, 1, info.BaseVersion)

	d2, err := org.NewDevice(d1)
	require.NoError(t, err)
	u2 := open(t, d2)
	list, err := u2.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.EntryName("work"), list[0].Name)

	w2, err := u2.GetWorkspace(ctx, list[0].ID)
	require.NoError(t, err)
	data, err := w2.ReadFile(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "from device one", string(data))
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "work")

	id, err := w.CreateFile(ctx, "/f")
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/f", []byte("content")))

	syncAll(t, u, w)
	syncAll(t, u, w)

	assert.Equal(t, 1, org.Backend.VlobVersions(id))
	assert.Equal(t, 1, org.Backend.VlobVersions(w.ID()))
	assert.Equal(t, 1, org.Backend.BlockCount())
	assert.Empty(t, w.NeedSync())
}

func TestLostReplyIsNotUploadedTwice(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	u := open(t, newUser(t, org))
	w := createWorkspace(t, u, "work")

	id, err := w.CreateFile(ctx, "/f")
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/f", []byte("once")))

	org.Backend.DropReplies("vlob_create", 1)
	err = w.Sync(ctx, "/", true)
	require.Error(t, err)
	assert.Equal(t, fserror.BackendNotAvailable, fserror.CodeOf(err))

	require.NoError(t, w.Sync(ctx, "/", true))
	assert.Equal(t, 1, org.Backend.VlobVersions(id))
	info, err := w.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.False(t, info.NeedSync)
}

func TestOfflineChangesSyncOnReconnect(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d1 := newUser(t, org)
	u1 := open(t, d1)
	w1 := createWorkspace(t, u1, "work")
	syncAll(t, u1, w1)

	org.Backend.SetOffline(true)
	require.NoError(t, w1.WriteFile(ctx, "/offline.txt", []byte("written offline")))
	err := w1.Sync(ctx, "/", true)
	require.Error(t, err)
	assert.Equal(t, fserror.BackendNotAvailable, fserror.CodeOf(err))

	org.Backend.SetOffline(false)
	syncAll(t, u1, w1)

	d2, err := org.NewDevice(d1)
	require.NoError(t, err)
	u2 := open(t, d2)
	w2, err := u2.GetWorkspace(ctx, w1.ID())
	require.NoError(t, err)
	data, err := w2.ReadFile(ctx, "/offline.txt")
	require.NoError(t, err)
	assert.Equal(t, "written offline", string(data))
}

func TestSpeculativeUserManifestMergesWithServer(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d1 := newUser(t, org)
	u1 := open(t, d1)
	w1 := createWorkspace(t, u1, "first")
	syncAll(t, u1, w1)

	d2, err := org.NewDevice(d1)
	require.NoError(t, err)
	org.Backend.SetOffline(true)
	u2 := open(t, d2)
	list, err := u2.Workspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	createWorkspace(t, u2, "second")

	org.Backend.SetOffline(false)
	require.NoError(t, u2.Sync(ctx))
	list, err = u2.Workspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, u1.Sync(ctx))
	list, err = u1.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, types.EntryName("first"), list[0].Name)
	assert.Equal(t, types.EntryName("second"), list[1].Name)
}

func TestTakenIDMovesPlaceholderToNewID(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	alice := newUser(t, org)
	bob := newUser(t, org)
	ua := open(t, alice)

	w := createWorkspace(t, ua, "work")
	syncAll(t, ua, w)
	oldID, err := w.CreateFile(ctx, "/f")
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/f", []byte("mine")))

	// Bob already uses the id in a realm alice cannot read.
	realm := types.NewEntryID()
	rc, err := bob.Client().RealmCreate(ctx, remote.RealmCreateReq{RealmID: realm})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rc.Status)
	vc, err := bob.Client().VlobCreate(ctx, remote.VlobCreateReq{
		RealmID:            realm,
		EncryptionRevision: 1,
		VlobID:             oldID,
		Timestamp:          org.Clock.Now(),
		Blob:               []byte("opaque"),
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, vc.Status)

	require.NoError(t, w.Sync(ctx, "/", true))

	info, err := w.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.NotEqual(t, oldID, info.ID)
	assert.False(t, info.NeedSync)
	assert.EqualValues(t, 1, info.BaseVersion)
	assert.Equal(t, 1, org.Backend.VlobVersions(info.ID))

	data, err := w.ReadFile(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))

	path, err := w.PathOf(ctx, oldID)
	require.NoError(t, err, "the old id resolves through its alias")
	assert.Equal(t, "/f", path.String())
}

func TestConcurrentEditsKeepBothVersions(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d1 := newUser(t, org)
	u1 := open(t, d1)
	w1 := createWorkspace(t, u1, "work")
	_, err := w1.CreateFolder(ctx, "/docs")
	require.NoError(t, err)
	require.NoError(t, w1.WriteFile(ctx, "/docs/a.txt", []byte("base")))
	syncAll(t, u1, w1)

	d2, err := org.NewDevice(d1)
	require.NoError(t, err)
	u2 := open(t, d2)
	w2, err := u2.GetWorkspace(ctx, w1.ID())
	require.NoError(t, err)
	data, err := w2.ReadFile(ctx, "/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, "base", string(data))

	sub := u2.Bus().Subscribe(events.FileConflictResolved)
	defer sub.Close()

	require.NoError(t, w1.WriteFile(ctx, "/docs/a.txt", []byte("edited on one")))
	require.NoError(t, w1.Sync(ctx, "/", true))
	require.NoError(t, w2.WriteFile(ctx, "/docs/a.txt", []byte("edited on two")))
	require.NoError(t, w2.Sync(ctx, "/", true))

	e, ok := received(sub, events.FileConflictResolved)
	require.True(t, ok)
	assert.NotEqual(t, e.EntryID, e.BackupID)

	names, err := w2.ListDir(ctx, "/docs")
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Contains(t, names, types.EntryName("a.txt"))
	var backup types.EntryName
	for _, name := range names {
		if strings.HasPrefix(string(name), "a (conflict ") {
			backup = name
		}
	}
	require.NotEmpty(t, backup, "conflict copy missing from %v", names)
	assert.True(t, strings.HasSuffix(string(backup), ").txt"), backup)

	data, err = w2.ReadFile(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "edited on one", string(data))
	data, err = w2.ReadFile(ctx, "/docs/"+string(backup))
	require.NoError(t, err)
	assert.Equal(t, "edited on two", string(data))

	// The first device sees both files once it pulls.
	require.NoError(t, w1.Sync(ctx, "/", true))
	data, err = w1.ReadFile(ctx, "/docs/"+string(backup))
	require.NoError(t, err)
	assert.Equal(t, "edited on two", string(data))
}

// ============================================================================
// Integrity and clocks
// ============================================================================

func TestCorruptedBlockIsReportedAndQuarantined(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d := newUser(t, org)

	u, err := d.Open(ctx)
	require.NoError(t, err)
	w := createWorkspace(t, u, "work")
	wid := w.ID()
	require.NoError(t, w.WriteFile(ctx, "/bad.txt", []byte("will be damaged")))
	syncAll(t, u, w)
	require.NoError(t, w.WriteFile(ctx, "/good.txt", []byte("fine")))
	require.NoError(t, u.Close(ctx))

	// Damage every cached block of the workspace.
	store, ok := d.Store(wid)
	require.True(t, ok)
	var ids []local.ID
	require.NoError(t, store.IterKind(ctx, local.KindBlock, func(id local.ID, _ int) error {
		ids = append(ids, id)
		return nil
	}))
	require.NotEmpty(t, ids)
	for _, id := range ids {
		require.NoError(t, store.Set(ctx, local.KindBlock, id, []byte("garbage")))
	}

	u = open(t, d)
	sub := u.Bus().Subscribe(events.IntegrityAlert, events.EntryQuarantined)
	defer sub.Close()
	w, err = u.GetWorkspace(ctx, wid)
	require.NoError(t, err)

	_, err = w.ReadFile(ctx, "/bad.txt")
	require.Error(t, err)
	assert.Equal(t, fserror.Corrupted, fserror.CodeOf(err))
	_, ok = received(sub, events.IntegrityAlert)
	assert.True(t, ok)

	data, err := w.ReadFile(ctx, "/good.txt")
	require.NoError(t, err)
	assert.Equal(t, "fine", string(data))
}

func TestLocalClockDriftIsTolerated(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d1 := newUser(t, org)
	u1 := open(t, d1)
	w1 := createWorkspace(t, u1, "work")
	require.NoError(t, w1.WriteFile(ctx, "/f", []byte("on time")))
	syncAll(t, u1, w1)

	d2, err := org.NewDevice(d1)
	require.NoError(t, err)
	d2.Clock = clock.NewFake(testbed.Epoch.Add(-time.Hour))
	u2 := open(t, d2)
	sub := u2.Bus().Subscribe(events.ClockDrift)
	defer sub.Close()

	w2, err := u2.GetWorkspace(ctx, w1.ID())
	require.NoError(t, err)
	data, err := w2.ReadFile(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, "on time", string(data))
	_, ok := received(sub, events.ClockDrift)
	assert.True(t, ok)

	// Uploads are stamped with the server clock.
	require.NoError(t, w2.WriteFile(ctx, "/g", []byte("late clock")))
	require.NoError(t, w2.Sync(ctx, "/", true))
}

// ============================================================================
// Sharing
// ============================================================================

func TestShareAndRevoke(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	alice := newUser(t, org)
	bob := newUser(t, org)
	ua := open(t, alice)
	ub := open(t, bob)

	wa := createWorkspace(t, ua, "shared")
	require.NoError(t, wa.WriteFile(ctx, "/plan.txt", []byte("v1")))
	syncAll(t, ua, wa)

	require.NoError(t, wa.Share(ctx, bob.UserID, types.RoleContributor))
	roles, err := wa.GetUserRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleOwner, roles[alice.UserID])
	assert.Equal(t, types.RoleContributor, roles[bob.UserID])

	n, err := ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	list, err := ub.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.EntryName("shared"), list[0].Name)
	assert.Equal(t, types.RoleContributor, list[0].Role)

	wb, err := ub.GetWorkspace(ctx, wa.ID())
	require.NoError(t, err)
	data, err := wb.ReadFile(ctx, "/plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	// Messages are consumed once.
	n, err = ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, wb.WriteFile(ctx, "/bob.txt", []byte("from bob")))
	require.NoError(t, wb.Sync(ctx, "/", true))
	require.NoError(t, wb.WriteFile(ctx, "/bob2.txt", []byte("pending")))

	require.NoError(t, ua.Unshare(ctx, wa.ID(), bob.UserID))
	list, err = ua.Workspaces(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, list[0].EncryptionRevision)

	n, err = ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	list, err = ub.Workspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleNone, list[0].Role)

	_, err = wb.Open(ctx, "/plan.txt", fs.WriteOnly)
	assert.Equal(t, fserror.NoWriteAccess, fserror.CodeOf(err))
	err = wb.Sync(ctx, "/", true)
	assert.Equal(t, fserror.NoWriteAccess, fserror.CodeOf(err), "pending upload is refused")
	err = wb.Sync(ctx, "/plan.txt", false)
	assert.Equal(t, fserror.NoReadAccess, fserror.CodeOf(err))
	data, err = wb.ReadFile(ctx, "/plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data), "cached content stays readable")

	// The owner keeps working with the rotated key.
	require.NoError(t, wa.WriteFile(ctx, "/plan.txt", []byte("v2")))
	require.NoError(t, wa.Sync(ctx, "/", true))
	require.NoError(t, ua.Close(ctx))
	ua = open(t, alice)
	wa, err = ua.GetWorkspace(ctx, wb.ID())
	require.NoError(t, err)
	require.NoError(t, wa.Sync(ctx, "/", true))
	data, err = wa.ReadFile(ctx, "/plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestRoleRefreshDoesNotDirtyUserManifest(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	alice := newUser(t, org)
	bob := newUser(t, org)
	ua := open(t, alice)
	ub := open(t, bob)

	wa := createWorkspace(t, ua, "shared")
	syncAll(t, ua, wa)

	require.NoError(t, wa.Share(ctx, bob.UserID, types.RoleReader))
	_, err := ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ub.Storage().NeedSync(), "a new workspace key must be uploaded")
	require.NoError(t, ub.Sync(ctx))
	require.Empty(t, ub.Storage().NeedSync())

	require.NoError(t, wa.Share(ctx, bob.UserID, types.RoleContributor))
	n, err := ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, ub.Storage().NeedSync())

	list, err := ub.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.RoleContributor, list[0].Role)
}

func TestOnlyOwnersReencrypt(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	alice := newUser(t, org)
	bob := newUser(t, org)
	ua := open(t, alice)
	ub := open(t, bob)

	wa := createWorkspace(t, ua, "shared")
	syncAll(t, ua, wa)
	require.NoError(t, wa.Share(ctx, bob.UserID, types.RoleManager))
	_, err := ub.ProcessLastMessages(ctx)
	require.NoError(t, err)

	err = ub.Reencrypt(ctx, wa.ID())
	assert.Equal(t, fserror.NoWriteAccess, fserror.CodeOf(err))

	err = ua.Share(ctx, wa.ID(), alice.UserID, types.RoleReader)
	assert.Equal(t, fserror.InvalidName, fserror.CodeOf(err))
}

func TestReencryptRefusesRealmInMaintenance(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	alice := newUser(t, org)
	ua := open(t, alice)

	wa := createWorkspace(t, ua, "rotating")
	syncAll(t, ua, wa)

	rep, err := alice.Client().RealmStartReencryptionMaintenance(ctx, remote.RealmStartReencryptionMaintenanceReq{
		RealmID:            wa.ID(),
		EncryptionRevision: 2,
		Timestamp:          org.Clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rep.Status)

	err = ua.Reencrypt(ctx, wa.ID())
	assert.Equal(t, fserror.WorkspaceInMaintenance, fserror.CodeOf(err))
}

func TestUndecryptableMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	alice := newUser(t, org)
	bob := newUser(t, org)
	ua := open(t, alice)
	ub := open(t, bob)

	wa := createWorkspace(t, ua, "shared")
	syncAll(t, ua, wa)

	// A role update whose body is not encrypted for bob.
	rep, err := alice.Client().RealmUpdateRoles(ctx, remoteRolesReq(wa.ID(), bob.UserID, []byte("not a message")))
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rep.Status)

	sub := ub.Bus().Subscribe(events.IntegrityAlert)
	defer sub.Close()
	n, err := ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := received(sub, events.IntegrityAlert)
	assert.True(t, ok)

	list, err := ub.Workspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	n, err = ub.ProcessLastMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
