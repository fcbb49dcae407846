package grpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/remote"
	remotegrpc "github.com/marmos91/parsecfs/pkg/remote/grpc"
	"github.com/marmos91/parsecfs/pkg/remote/memory"
	"github.com/marmos91/parsecfs/pkg/types"
)

type fixture struct {
	backend *memory.Backend
	lis     *bufconn.Listener
	root    crypto.SigningKey
}

type device struct {
	userID   types.UserID
	deviceID types.DeviceID
	key      crypto.SigningKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: memory.New(memory.Options{}),
		lis:     bufconn.Listen(1 << 20),
		root:    crypto.GenerateSigningKey(),
	}
	srv := remotegrpc.NewServer(f.backend, remotegrpc.ServerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, f.lis) }()
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return f
}

func (f *fixture) addDevice(t *testing.T) device {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	d := device{userID: types.NewUserID(), deviceID: types.NewDeviceID(), key: crypto.GenerateSigningKey()}
	now := time.Now().UTC()

	userCert, err := certif.UserCertificate{Timestamp: now, UserID: d.userID, PublicKey: priv.PublicKey(), Profile: certif.ProfileAdmin}.Sign(f.root)
	require.NoError(t, err)
	deviceCert, err := certif.DeviceCertificate{Timestamp: now, DeviceID: d.deviceID, UserID: d.userID, VerifyKey: d.key.VerifyKey()}.Sign(f.root)
	require.NoError(t, err)
	require.NoError(t, f.backend.AddUser(userCert))
	require.NoError(t, f.backend.AddDevice(deviceCert))
	return d
}

func (f *fixture) dial(t *testing.T, id types.DeviceID, key crypto.SigningKey) *remotegrpc.Client {
	t.Helper()
	c, err := remotegrpc.Dial("passthrough:///bufnet", id, key, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return f.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestVlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addDevice(t)
	c := f.dial(t, alice.deviceID, alice.key)

	realmID := types.NewEntryID()
	created, err := c.RealmCreate(ctx, remote.RealmCreateReq{RealmID: realmID})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, created.Status)

	vlobID := types.NewEntryID()
	ts := time.Now().UTC()
	rep, err := c.VlobCreate(ctx, remote.VlobCreateReq{
		RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: ts, Blob: []byte("blob"),
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, rep.Status)
	assert.False(t, rep.ServerTimestamp.IsZero())

	read, err := c.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: vlobID})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusOK, read.Status)
	assert.Equal(t, []byte("blob"), read.Blob)
	assert.Equal(t, alice.deviceID, read.Author)
	assert.True(t, ts.Equal(read.Timestamp))

	missing, err := c.VlobRead(ctx, remote.VlobReadReq{EncryptionRevision: 1, VlobID: types.NewEntryID()})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusNotFound, missing.Status)
}

func TestRolesMapRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addDevice(t)
	bob := f.addDevice(t)
	c := f.dial(t, alice.deviceID, alice.key)

	realmID := types.NewEntryID()
	_, err := c.RealmCreate(ctx, remote.RealmCreateReq{RealmID: realmID})
	require.NoError(t, err)
	shared, err := c.RealmUpdateRoles(ctx, remote.RealmUpdateRolesReq{
		RealmID: realmID, UserID: bob.userID, Role: types.RoleReader, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, remote.StatusOK, shared.Status)

	roles, err := c.RealmGetRoles(ctx, remote.RealmGetRolesReq{RealmID: realmID})
	require.NoError(t, err)
	assert.Equal(t, map[types.UserID]types.RealmRole{
		alice.userID: types.RoleOwner,
		bob.userID:   types.RoleReader,
	}, roles.Roles)
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	alice := f.addDevice(t)
	c := f.dial(t, alice.deviceID, crypto.GenerateSigningKey())

	_, err := c.MessageGet(context.Background(), remote.MessageGetReq{})
	require.ErrorIs(t, err, remote.ErrBackendNotAvailable)
}

func TestOfflineBackendIsUnavailable(t *testing.T) {
	f := newFixture(t)
	alice := f.addDevice(t)
	c := f.dial(t, alice.deviceID, alice.key)

	f.backend.SetOffline(true)
	_, err := c.MessageGet(context.Background(), remote.MessageGetReq{})
	require.ErrorIs(t, err, remote.ErrBackendNotAvailable)
}

func TestEventStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	alice := f.addDevice(t)
	c := f.dial(t, alice.deviceID, alice.key)

	realmID := types.NewEntryID()
	_, err := c.RealmCreate(ctx, remote.RealmCreateReq{RealmID: realmID})
	require.NoError(t, err)

	stream, err := c.EventsListen(ctx)
	require.NoError(t, err)

	vlobID := types.NewEntryID()
	// The stream registers asynchronously on the server; retry the write
	// until the event shows up.
	deadline := time.After(5 * time.Second)
	for version := uint32(1); ; version++ {
		if version == 1 {
			_, err = c.VlobCreate(ctx, remote.VlobCreateReq{
				RealmID: realmID, EncryptionRevision: 1, VlobID: vlobID, Timestamp: time.Now().UTC(), Blob: []byte("x"),
			})
		} else {
			_, err = c.VlobUpdate(ctx, remote.VlobUpdateReq{
				EncryptionRevision: 1, VlobID: vlobID, Version: version, Timestamp: time.Now().UTC(), Blob: []byte("x"),
			})
		}
		require.NoError(t, err)

		select {
		case ev, ok := <-stream:
			require.True(t, ok)
			assert.Equal(t, remote.EventVlobUpdated, ev.Type)
			assert.Equal(t, vlobID, ev.VlobID)
			assert.Equal(t, realmID, ev.RealmID)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
