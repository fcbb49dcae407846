package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/remote/memory"
	"github.com/marmos91/parsecfs/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type member struct {
	userID   types.UserID
	deviceID types.DeviceID
	client   remote.Client
}

type org struct {
	backend *memory.Backend
	clock   *clock.Fake
	root    crypto.SigningKey
}

func newOrg(t *testing.T) *org {
	t.Helper()
	c := clock.NewFake(epoch)
	return &org{
		backend: memory.New(memory.Options{Clock: c}),
		clock:   c,
		root:    crypto.GenerateSigningKey(),
	}
}

func (o *org) addUser(t *testing.T) member {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signing := crypto.GenerateSigningKey()

	userID := types.NewUserID()
	deviceID := types.NewDeviceID()

	userCert, err := certif.UserCertificate{
		Timestamp: epoch,
		UserID:    userID,
		PublicKey: priv.PublicKey(),
		Profile:   certif.ProfileStandard,
	}.Sign(o.root)
	require.NoError(t, err)
	deviceCert, err := certif.DeviceCertificate{
		Timestamp: epoch,
		DeviceID:  deviceID,
		UserID:    userID,
		VerifyKey: signing.VerifyKey(),
	}.Sign(o.root)
	require.NoError(t, err)

	require.NoError(t, o.backend.AddUser(userCert))
	require.NoError(t, o.backend.AddDevice(deviceCert))
	return member{userID: userID, deviceID: deviceID, client: o.backend.Client(deviceID)}
}

func (o *org) newRealm(t *testing.T, owner member) types.RealmID {
	t.Helper()
	id := types.NewEntryID()
	rep, err := owner.client.RealmCreate(context.Background(), remote.RealmCreateReq{RealmID: id})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rep.Status)
	return id
}

func (o *org) share(t *testing.T, owner member, realmID types.RealmID, to member, role types.RealmRole) {
	t.Helper()
	rep, err := owner.client.RealmUpdateRoles(context.Background(), remote.RealmUpdateRolesReq{
		RealmID:   realmID,
		UserID:    to.userID,
		Role:      role,
		Timestamp: o.clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rep.Status)
}

func TestVlobLifecycle(t *testing.T) {
	ctx := context.Background()
	o := newOrg(t)
	alice := o.addUser(t)
	realmID := o.newRealm(t, alice)
	vlobID := types.NewEntryID()

	created, err := alice.client.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: o.clock.Now(), Blob: []byte("v1"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, created.Status)
	assert.Equal(t, epoch, created.ServerTimestamp)

	again, err := alice.client.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: o.clock.Now(), Blob: []byte("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAlreadyExists, again.Status)

	o.clock.Advance(time.Minute)
	stale, err := alice.client.VlobUpdate(ctx, remote.VlobUpdateReq{
		EncryptionRevision: 1, VlobID: vlobID, Version: 3, Timestamp: o.clock.Now(), Blob: []byte("v3"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusBadVersion, stale.Status)

	updated, err := alice.client.VlobUpdate(ctx, remote.VlobUpdateReq{
		EncryptionRevision: 1, VlobID: vlobID, Version: 2, Timestamp: o.clock.Now(), Blob: []byte("v2"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, updated.Status)

	latest, err := alice.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: vlobID})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), latest.Version)
	assert.Equal(t, []byte("v2"), latest.Blob)
	assert.Equal(t, alice.deviceID, latest.Author)

	first, err := alice.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: vlobID, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), first.Blob)

	atTime, err := alice.client.VlobRead(ctx, remote.VlobReadReq{
		EncryptionRevision: 1, VlobID: vlobID, Timestamp: epoch.Add(30 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), atTime.Version)

	versions, err := alice.client.VlobListVersions(ctx, remote.VlobListVersionsReq{VlobID: vlobID})
	require.NoError(t, err)
	require.Len(t, versions.Versions, 2)
	assert.Equal(t, epoch.Add(time.Minute), versions.Versions[1].Timestamp)

	missing, err := alice.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: types.NewEntryID()})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotFound, missing.Status)
}

func TestVlobCreateRejectsTimestampOutOfBallpark(t *testing.T) {
	o := newOrg(t)
	alice := o.addUser(t)
	realmID := o.newRealm(t, alice)

	rep, err := alice.client.VlobCreate(context.Background(), remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: types.NewEntryID(),
		Timestamp: epoch.Add(-time.Hour), Blob: []byte("old"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusBadTimestamp, rep.Status)
	assert.Equal(t, epoch, rep.ServerTimestamp)
}

func TestRolesGateAccess(t *testing.T) {
	ctx := context.Background()
	o := newOrg(t)
	alice := o.addUser(t)
	bob := o.addUser(t)
	carol := o.addUser(t)
	realmID := o.newRealm(t, alice)
	vlobID := types.NewEntryID()

	_, err := alice.client.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: epoch, Blob: []byte("x"),
	})
	require.NoError(t, err)

	read, err := bob.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: vlobID})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotAllowed, read.Status)

	o.share(t, alice, realmID, bob, types.RoleReader)

	read, err = bob.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: vlobID})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, read.Status)

	write, err := bob.client.VlobUpdate(ctx, remote.VlobUpdateReq{
		EncryptionRevision: 1, VlobID: vlobID, Version: 2, Timestamp: epoch, Blob: []byte("y"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotAllowed, write.Status)

	o.share(t, alice, realmID, bob, types.RoleManager)

	// Managers cannot promote to manager.
	rep, err := bob.client.RealmUpdateRoles(ctx, remote.RealmUpdateRolesReq{
		RealmID: realmID, UserID: carol.userID, Role: types.RoleManager, Timestamp: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotAllowed, rep.Status)

	rep, err = bob.client.RealmUpdateRoles(ctx, remote.RealmUpdateRolesReq{
		RealmID: realmID, UserID: carol.userID, Role: types.RoleContributor, Timestamp: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, rep.Status)

	// Nobody changes their own role.
	rep, err = alice.client.RealmUpdateRoles(ctx, remote.RealmUpdateRolesReq{
		RealmID: realmID, UserID: alice.userID, Role: types.RoleReader, Timestamp: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotAllowed, rep.Status)

	roles, err := carol.client.RealmGetRoles(ctx, remote.RealmGetRolesReq{RealmID: realmID})
	require.NoError(t, err)
	assert.Equal(t, map[types.UserID]types.RealmRole{
		alice.userID: types.RoleOwner,
		bob.userID:   types.RoleManager,
		carol.userID: types.RoleContributor,
	}, roles.Roles)

	o.share(t, alice, realmID, carol, types.RoleNone)
	read, err = carol.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: vlobID})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotAllowed, read.Status)
}

func TestSharingDeliversMessageAndEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newOrg(t)
	alice := o.addUser(t)
	bob := o.addUser(t)
	realmID := o.newRealm(t, alice)

	stream, err := bob.client.EventsListen(ctx)
	require.NoError(t, err)

	rep, err := alice.client.RealmUpdateRoles(ctx, remote.RealmUpdateRolesReq{
		RealmID: realmID, UserID: bob.userID, Role: types.RoleContributor,
		Timestamp: epoch, RecipientMessage: []byte("granted"),
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rep.Status)

	assert.Equal(t, remote.EventRealmRolesUpdated, (<-stream).Type)
	msgEvent := <-stream
	assert.Equal(t, remote.EventMessageReceived, msgEvent.Type)
	assert.Equal(t, uint64(1), msgEvent.Index)

	messages, err := bob.client.MessageGet(ctx, remote.MessageGetReq{Offset: 0})
	require.NoError(t, err)
	require.Len(t, messages.Messages, 1)
	assert.Equal(t, []byte("granted"), messages.Messages[0].Body)
	assert.Equal(t, alice.deviceID, messages.Messages[0].Sender)

	none, err := bob.client.MessageGet(ctx, remote.MessageGetReq{Offset: 1})
	require.NoError(t, err)
	assert.Empty(t, none.Messages)

	vlobID := types.NewEntryID()
	_, err = alice.client.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: epoch, Blob: []byte("x"),
	})
	require.NoError(t, err)
	updated := <-stream
	assert.Equal(t, remote.EventVlobUpdated, updated.Type)
	assert.Equal(t, vlobID, updated.VlobID)
	assert.Equal(t, alice.deviceID, updated.Author)

	cancel()
	for range stream {
	}
}

func TestReencryptionMaintenance(t *testing.T) {
	ctx := context.Background()
	o := newOrg(t)
	alice := o.addUser(t)
	bob := o.addUser(t)
	realmID := o.newRealm(t, alice)
	o.share(t, alice, realmID, bob, types.RoleReader)

	ids := []types.EntryID{types.NewEntryID(), types.NewEntryID()}
	for _, id := range ids {
		rep, err := alice.client.VlobCreate(ctx, remote.VlobCreateReq{
			RealmID: realmID, EncryptionRevision: 1, VlobID: id, Timestamp: epoch, Blob: []byte("old"),
		})
		require.NoError(t, err)
		require.Equal(t, remote.StatusOK, rep.Status)
	}

	// Every member but the owner needs a message.
	start, err := alice.client.RealmStartReencryptionMaintenance(ctx, remote.RealmStartReencryptionMaintenanceReq{
		RealmID: realmID, EncryptionRevision: 2, Timestamp: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusMaintenanceError, start.Status)

	start, err = alice.client.RealmStartReencryptionMaintenance(ctx, remote.RealmStartReencryptionMaintenanceReq{
		RealmID: realmID, EncryptionRevision: 2, Timestamp: epoch,
		Messages: map[types.UserID][]byte{bob.userID: []byte("rekey")},
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, start.Status)

	read, err := bob.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusInMaintenance, read.Status)

	status, err := bob.client.RealmStatus(ctx, remote.RealmStatusReq{RealmID: realmID})
	require.NoError(t, err)
	assert.True(t, status.InMaintenance)

	early, err := alice.client.RealmFinishReencryptionMaintenance(ctx, remote.RealmFinishReencryptionMaintenanceReq{
		RealmID: realmID, EncryptionRevision: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusMaintenanceError, early.Status)

	batch, err := alice.client.VlobMaintenanceGetReencryptionBatch(ctx, remote.VlobMaintenanceGetReencryptionBatchReq{
		RealmID: realmID, EncryptionRevision: 2, Size: 10,
	})
	require.NoError(t, err)
	require.Len(t, batch.Batch, 2)
	for i := range batch.Batch {
		assert.Equal(t, []byte("old"), batch.Batch[i].Blob)
		batch.Batch[i].Blob = []byte("new")
	}
	saved, err := alice.client.VlobMaintenanceSaveReencryptionBatch(ctx, remote.VlobMaintenanceSaveReencryptionBatchReq{
		RealmID: realmID, EncryptionRevision: 2, Batch: batch.Batch,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Total)
	assert.Equal(t, 2, saved.Done)

	finish, err := alice.client.RealmFinishReencryptionMaintenance(ctx, remote.RealmFinishReencryptionMaintenanceReq{
		RealmID: realmID, EncryptionRevision: 2,
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, finish.Status)

	read, err = bob.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusBadEncryptionRevision, read.Status)

	read, err = bob.client.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 2, VlobID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, read.Status)
	assert.Equal(t, []byte("new"), read.Blob)

	messages, err := bob.client.MessageGet(ctx, remote.MessageGetReq{})
	require.NoError(t, err)
	require.Len(t, messages.Messages, 1)
	assert.Equal(t, []byte("rekey"), messages.Messages[0].Body)
}

func TestBlocks(t *testing.T) {
	ctx := context.Background()
	o := newOrg(t)
	alice := o.addUser(t)
	bob := o.addUser(t)
	realmID := o.newRealm(t, alice)
	blockID := types.NewBlockID()

	rep, err := alice.client.BlockCreate(ctx, remote.BlockCreateReq{BlockID: blockID, RealmID: realmID, Block: []byte("data")})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, rep.Status)

	rep, err = alice.client.BlockCreate(ctx, remote.BlockCreateReq{BlockID: blockID, RealmID: realmID, Block: []byte("data")})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAlreadyExists, rep.Status)

	read, err := alice.client.BlockRead(ctx, remote.BlockReadReq{BlockID: blockID})
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), read.Block)

	denied, err := bob.client.BlockRead(ctx, remote.BlockReadReq{BlockID: blockID})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotAllowed, denied.Status)
	assert.Equal(t, 1, o.backend.BlockCount())
}

func TestOfflineAndDroppedReplies(t *testing.T) {
	ctx := context.Background()
	o := newOrg(t)
	alice := o.addUser(t)
	realmID := o.newRealm(t, alice)

	o.backend.SetOffline(true)
	_, err := alice.client.MessageGet(ctx, remote.MessageGetReq{})
	require.ErrorIs(t, err, remote.ErrBackendNotAvailable)
	o.backend.SetOffline(false)

	vlobID := types.NewEntryID()
	o.backend.DropReplies("vlob_create", 1)
	_, err = alice.client.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: epoch, Blob: []byte("x"),
	})
	require.ErrorIs(t, err, remote.ErrBackendNotAvailable)
	assert.Equal(t, 1, o.backend.VlobVersions(vlobID), "command committed despite lost reply")

	rep, err := alice.client.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: epoch, Blob: []byte("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAlreadyExists, rep.Status)
}

func TestDeviceGetReturnsCertificates(t *testing.T) {
	o := newOrg(t)
	alice := o.addUser(t)
	bob := o.addUser(t)

	rep, err := alice.client.DeviceGet(context.Background(), remote.DeviceGetReq{DeviceID: bob.deviceID})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, rep.Status)

	cert, err := certif.VerifyDevice(rep.DeviceCertificate, o.root.VerifyKey())
	require.NoError(t, err)
	assert.Equal(t, bob.userID, cert.UserID)
	assert.Empty(t, rep.TrustchainDevices, "root-signed certificates need no chain")
	assert.Nil(t, rep.RevokedUserCertificate)

	revoked, err := certif.RevokedUserCertificate{Timestamp: epoch, UserID: bob.userID}.Sign(o.root)
	require.NoError(t, err)
	require.NoError(t, o.backend.RevokeUser(revoked))

	_, err = bob.client.MessageGet(context.Background(), remote.MessageGetReq{})
	require.ErrorIs(t, err, remote.ErrBackendNotAvailable)

	rep, err = alice.client.DeviceGet(context.Background(), remote.DeviceGetReq{DeviceID: bob.deviceID})
	require.NoError(t, err)
	assert.Equal(t, revoked, rep.RevokedUserCertificate)
}
