// Package testbed builds in-process organizations: an in-memory metadata
// server, signed users and devices, and per-device local stores that
// survive closing and reopening the filesystem.
package testbed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/device"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/remote/memory"
	"github.com/marmos91/parsecfs/pkg/store/local"
	memstore "github.com/marmos91/parsecfs/pkg/store/local/memory"
	"github.com/marmos91/parsecfs/pkg/trust"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Epoch is the initial time of the organization clock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Org is an organization hosted by an in-memory backend.
type Org struct {
	ID      types.OrganizationID
	Backend *memory.Backend
	Clock   *clock.Fake

	root crypto.SigningKey
}

// NewOrg returns an empty organization whose server runs on a fake clock.
func NewOrg() *Org {
	c := clock.NewFake(Epoch)
	return &Org{
		ID:      types.NewOrganizationID(),
		Backend: memory.New(memory.Options{Clock: c}),
		Clock:   c,
		root:    crypto.GenerateSigningKey(),
	}
}

// RootVerifyKey is the key every certificate of the organization chains to.
func (o *Org) RootVerifyKey() crypto.VerifyKey { return o.root.VerifyKey() }

// NewUser registers a user with a first device.
func (o *Org) NewUser(profile certif.Profile) (*Device, error) {
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	userID := types.NewUserID()
	signed, err := certif.UserCertificate{
		Timestamp: o.Clock.Now(),
		UserID:    userID,
		PublicKey: priv.PublicKey(),
		Profile:   profile,
	}.Sign(o.root)
	if err != nil {
		return nil, err
	}
	if err := o.Backend.AddUser(signed); err != nil {
		return nil, err
	}
	return o.addDevice(&device.LocalDevice{
		OrganizationID:  o.ID,
		RootVerifyKey:   o.root.VerifyKey(),
		UserID:          userID,
		Profile:         profile,
		PrivateKey:      priv,
		UserManifestID:  types.NewEntryID(),
		UserManifestKey: crypto.GenerateSecretKey(),
	})
}

// NewDevice registers another device of the user owning d. Both devices
// share the user keys and the user manifest.
func (o *Org) NewDevice(d *Device) (*Device, error) {
	return o.addDevice(&device.LocalDevice{
		OrganizationID:  o.ID,
		RootVerifyKey:   o.root.VerifyKey(),
		UserID:          d.UserID,
		Profile:         d.Profile,
		PrivateKey:      d.PrivateKey,
		UserManifestID:  d.UserManifestID,
		UserManifestKey: d.UserManifestKey,
	})
}

func (o *Org) addDevice(ld *device.LocalDevice) (*Device, error) {
	ld.DeviceID = types.NewDeviceID()
	ld.SigningKey = crypto.GenerateSigningKey()
	ld.LocalKey = crypto.GenerateSecretKey()
	signed, err := certif.DeviceCertificate{
		Timestamp: o.Clock.Now(),
		DeviceID:  ld.DeviceID,
		UserID:    ld.UserID,
		VerifyKey: ld.SigningKey.VerifyKey(),
	}.Sign(o.root)
	if err != nil {
		return nil, err
	}
	if err := o.Backend.AddDevice(signed); err != nil {
		return nil, err
	}
	return &Device{
		LocalDevice: ld,
		Clock:       o.Clock,
		org:         o,
		stores:      make(map[types.RealmID]*memstore.Store),
	}, nil
}

// Revoke revokes a user. Its devices are disconnected.
func (o *Org) Revoke(userID types.UserID) error {
	signed, err := certif.RevokedUserCertificate{
		Timestamp: o.Clock.Now(),
		UserID:    userID,
	}.Sign(o.root)
	if err != nil {
		return err
	}
	return o.Backend.RevokeUser(signed)
}

// Device is a registered device with its local stores.
type Device struct {
	*device.LocalDevice

	// Clock is the local clock of the device. It defaults to the
	// organization clock; set it to another fake clock to simulate drift.
	Clock clock.Clock

	org    *Org
	mu     sync.Mutex
	stores map[types.RealmID]*memstore.Store
}

// Client returns the raw command set of the device.
func (d *Device) Client() remote.Client { return d.org.Backend.Client(d.DeviceID) }

// Stores returns the factory of the device's local stores. Closing a store
// keeps its content so that the device can be reopened.
func (d *Device) Stores() fs.StoreFactory {
	return func(ctx context.Context, realm types.RealmID) (local.Store, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		s, ok := d.stores[realm]
		if !ok {
			s = memstore.New(memstore.Config{})
			d.stores[realm] = s
		}
		return durable{s}, nil
	}
}

// Store returns the local store of a realm, for assertions and tampering.
func (d *Device) Store(realm types.RealmID) (local.Store, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stores[realm]
	return s, ok
}

// Options returns filesystem options wired to the organization backend
// through an authenticated connection that feeds the drift tracker.
func (d *Device) Options(bus *events.Bus) (fs.Options, error) {
	if bus == nil {
		bus = events.NewBus()
	}
	ballpark := manifest.DefaultBallpark()
	drift := manifest.NewDriftTracker(ballpark.Server)
	client := remote.NewAuthenticated(d.Client(), remote.Options{
		Clock: d.Clock,
		Bus:   bus,
		Drift: drift,
	})
	tc, err := trust.New(trust.Options{RootVerifyKey: d.RootVerifyKey, Client: client, Bus: bus})
	if err != nil {
		return fs.Options{}, err
	}
	return fs.Options{
		Device:   d.LocalDevice,
		Remote:   client,
		Trust:    tc,
		Stores:   d.Stores(),
		Bus:      bus,
		Clock:    d.Clock,
		Drift:    drift,
		Ballpark: ballpark,
	}, nil
}

// Open opens the user filesystem of the device.
func (d *Device) Open(ctx context.Context) (*fs.UserFS, error) {
	opts, err := d.Options(nil)
	if err != nil {
		return nil, err
	}
	u, err := fs.NewUserFS(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", d.DeviceID, err)
	}
	return u, nil
}

// durable is a store whose Close is a no-op.
type durable struct{ *memstore.Store }

func (durable) Close() error { return nil }
