// Package trust resolves device and user identities to verified keys.
//
// Certificates are fetched from the server, verified up to the
// organization root key and kept in a bounded cache. Concurrent lookups of
// the same identity share one fetch.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

// DefaultMaxEntries bounds each of the device and user caches.
const DefaultMaxEntries = 1000

// maxChainDepth bounds how many certifying devices are followed before
// reaching the root.
const maxChainDepth = 16

var (
	// ErrUnknown is returned when the server does not know the identity.
	ErrUnknown = errors.New("unknown identity")

	// ErrInvalidTrustchain is returned when a certificate in the chain does
	// not verify up to the root key.
	ErrInvalidTrustchain = errors.New("invalid trustchain")
)

// Device is a verified device identity.
type Device struct {
	DeviceID  types.DeviceID
	UserID    types.UserID
	VerifyKey crypto.VerifyKey
	Profile   certif.Profile

	// RevokedOn is set when the device's user has been revoked.
	RevokedOn time.Time
}

// Revoked reports whether the device's user was revoked at or before t.
func (d Device) Revoked(t time.Time) bool {
	return !d.RevokedOn.IsZero() && !t.Before(d.RevokedOn)
}

// User is a verified user identity.
type User struct {
	UserID    types.UserID
	PublicKey crypto.PublicKey
	Profile   certif.Profile
	RevokedOn time.Time
	Devices   []types.DeviceID
}

// Options configures a Cache.
type Options struct {
	RootVerifyKey crypto.VerifyKey
	Client        remote.Client
	Bus           *events.Bus

	// MaxEntries bounds each cache. Zero means DefaultMaxEntries.
	MaxEntries int64
}

// Cache verifies and caches identities.
type Cache struct {
	root   crypto.VerifyKey
	client remote.Client
	bus    *events.Bus

	devices *ristretto.Cache[string, Device]
	users   *ristretto.Cache[string, User]
	group   singleflight.Group
}

// New builds a Cache.
func New(opts Options) (*Cache, error) {
	if opts.RootVerifyKey.IsZero() {
		return nil, errors.New("trust: root verify key is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	devices, err := newLRU[Device](opts.MaxEntries)
	if err != nil {
		return nil, err
	}
	users, err := newLRU[User](opts.MaxEntries)
	if err != nil {
		devices.Close()
		return nil, err
	}
	return &Cache{
		root:    opts.RootVerifyKey,
		client:  opts.Client,
		bus:     opts.Bus,
		devices: devices,
		users:   users,
	}, nil
}

func newLRU[V any](maxEntries int64) (*ristretto.Cache[string, V], error) {
	return ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
}

// Close releases the caches.
func (c *Cache) Close() {
	c.devices.Close()
	c.users.Close()
}

// Device returns the verified identity of id.
func (c *Cache) Device(ctx context.Context, id types.DeviceID) (Device, error) {
	key := id.String()
	if d, ok := c.devices.Get(key); ok {
		return d, nil
	}
	v, err, _ := c.group.Do("device:"+key, func() (any, error) {
		rep, err := c.client.DeviceGet(ctx, remote.DeviceGetReq{DeviceID: id})
		if err != nil {
			return Device{}, err
		}
		switch rep.Status {
		case remote.StatusOK:
		case remote.StatusNotFound:
			return Device{}, fmt.Errorf("%w: device %s", ErrUnknown, id)
		default:
			return Device{}, remote.Unexpected("device_get", rep.Status)
		}
		d, err := c.verifyDevice(id, rep)
		if err != nil {
			logger.Error("Trustchain of device %s is invalid: %v", id, err)
			return Device{}, err
		}
		c.devices.Set(key, d, 1)
		c.devices.Wait()
		if !d.RevokedOn.IsZero() {
			c.bus.Publish(events.Event{Type: events.DeviceRevoked, DeviceID: id})
		}
		return d, nil
	})
	if err != nil {
		return Device{}, err
	}
	return v.(Device), nil
}

// User returns the verified identity of id.
func (c *Cache) User(ctx context.Context, id types.UserID) (User, error) {
	key := id.String()
	if u, ok := c.users.Get(key); ok {
		return u, nil
	}
	v, err, _ := c.group.Do("user:"+key, func() (any, error) {
		rep, err := c.client.UserGet(ctx, remote.UserGetReq{UserID: id})
		if err != nil {
			return User{}, err
		}
		switch rep.Status {
		case remote.StatusOK:
		case remote.StatusNotFound:
			return User{}, fmt.Errorf("%w: user %s", ErrUnknown, id)
		default:
			return User{}, remote.Unexpected("user_get", rep.Status)
		}
		u, err := c.verifyUser(id, rep)
		if err != nil {
			logger.Error("Trustchain of user %s is invalid: %v", id, err)
			return User{}, err
		}
		c.users.Set(key, u, 1)
		c.users.Wait()
		return u, nil
	})
	if err != nil {
		return User{}, err
	}
	return v.(User), nil
}

// Invalidate drops cached identities of a user, for instance after a
// revocation notice.
func (c *Cache) Invalidate(userID types.UserID, devices ...types.DeviceID) {
	c.users.Del(userID.String())
	for _, d := range devices {
		c.devices.Del(d.String())
	}
}

// chain verifies certificates against the root key or the verify key of
// a certifying device, itself verified recursively.
type chain struct {
	root    crypto.VerifyKey
	signed  map[types.DeviceID][]byte
	trusted map[types.DeviceID]crypto.VerifyKey
}

func newChain(root crypto.VerifyKey, trustchain [][]byte) (*chain, error) {
	ch := &chain{
		root:    root,
		signed:  make(map[types.DeviceID][]byte, len(trustchain)),
		trusted: make(map[types.DeviceID]crypto.VerifyKey),
	}
	for _, signed := range trustchain {
		cert, err := certif.UnsecureDevice(signed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
		}
		ch.signed[cert.DeviceID] = signed
	}
	return ch, nil
}

// keyOf returns the verified key of a certificate author.
func (ch *chain) keyOf(author types.DeviceID, depth int) (crypto.VerifyKey, error) {
	if author.IsZero() {
		return ch.root, nil
	}
	if key, ok := ch.trusted[author]; ok {
		return key, nil
	}
	if depth >= maxChainDepth {
		return crypto.VerifyKey{}, fmt.Errorf("%w: chain deeper than %d", ErrInvalidTrustchain, maxChainDepth)
	}
	signed, ok := ch.signed[author]
	if !ok {
		return crypto.VerifyKey{}, fmt.Errorf("%w: missing certificate of author %s", ErrInvalidTrustchain, author)
	}
	cert, err := ch.device(signed, depth+1)
	if err != nil {
		return crypto.VerifyKey{}, err
	}
	ch.trusted[author] = cert.VerifyKey
	return cert.VerifyKey, nil
}

func (ch *chain) device(signed []byte, depth int) (certif.DeviceCertificate, error) {
	claimed, err := certif.UnsecureDevice(signed)
	if err != nil {
		return certif.DeviceCertificate{}, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
	}
	key, err := ch.keyOf(claimed.Author, depth)
	if err != nil {
		return certif.DeviceCertificate{}, err
	}
	cert, err := certif.VerifyDevice(signed, key)
	if err != nil {
		return certif.DeviceCertificate{}, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
	}
	return cert, nil
}

func (ch *chain) user(signed []byte) (certif.UserCertificate, error) {
	claimed, err := certif.UnsecureUser(signed)
	if err != nil {
		return certif.UserCertificate{}, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
	}
	key, err := ch.keyOf(claimed.Author, 0)
	if err != nil {
		return certif.UserCertificate{}, err
	}
	cert, err := certif.VerifyUser(signed, key)
	if err != nil {
		return certif.UserCertificate{}, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
	}
	return cert, nil
}

func (ch *chain) revocation(signed []byte, userID types.UserID) (time.Time, error) {
	if len(signed) == 0 {
		return time.Time{}, nil
	}
	claimed, err := certif.UnsecureRevokedUser(signed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
	}
	key, err := ch.keyOf(claimed.Author, 0)
	if err != nil {
		return time.Time{}, err
	}
	cert, err := certif.VerifyRevokedUser(signed, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTrustchain, err)
	}
	if cert.UserID != userID {
		return time.Time{}, fmt.Errorf("%w: revocation is for user %s", ErrInvalidTrustchain, cert.UserID)
	}
	return cert.Timestamp, nil
}

func (c *Cache) verifyDevice(id types.DeviceID, rep remote.DeviceGetRep) (Device, error) {
	ch, err := newChain(c.root, rep.TrustchainDevices)
	if err != nil {
		return Device{}, err
	}
	dev, err := ch.device(rep.DeviceCertificate, 0)
	if err != nil {
		return Device{}, err
	}
	if dev.DeviceID != id {
		return Device{}, fmt.Errorf("%w: certificate is for device %s", ErrInvalidTrustchain, dev.DeviceID)
	}
	usr, err := ch.user(rep.UserCertificate)
	if err != nil {
		return Device{}, err
	}
	if usr.UserID != dev.UserID {
		return Device{}, fmt.Errorf("%w: device belongs to %s, user certificate is %s", ErrInvalidTrustchain, dev.UserID, usr.UserID)
	}
	revokedOn, err := ch.revocation(rep.RevokedUserCertificate, usr.UserID)
	if err != nil {
		return Device{}, err
	}
	return Device{
		DeviceID:  dev.DeviceID,
		UserID:    dev.UserID,
		VerifyKey: dev.VerifyKey,
		Profile:   usr.Profile,
		RevokedOn: revokedOn,
	}, nil
}

func (c *Cache) verifyUser(id types.UserID, rep remote.UserGetRep) (User, error) {
	ch, err := newChain(c.root, rep.TrustchainDevices)
	if err != nil {
		return User{}, err
	}
	usr, err := ch.user(rep.UserCertificate)
	if err != nil {
		return User{}, err
	}
	if usr.UserID != id {
		return User{}, fmt.Errorf("%w: certificate is for user %s", ErrInvalidTrustchain, usr.UserID)
	}
	revokedOn, err := ch.revocation(rep.RevokedUserCertificate, id)
	if err != nil {
		return User{}, err
	}
	u := User{UserID: id, PublicKey: usr.PublicKey, Profile: usr.Profile, RevokedOn: revokedOn}
	for _, signed := range rep.DeviceCertificates {
		dev, err := ch.device(signed, 0)
		if err != nil {
			return User{}, err
		}
		if dev.UserID == id {
			u.Devices = append(u.Devices, dev.DeviceID)
		}
	}
	return u, nil
}
