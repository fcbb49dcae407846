// Package memory is an in-process Parsec metadata server. It enforces the
// same realm roles, versioning, maintenance and timestamp rules as the real
// server and is used by tests, the testbed and the gRPC transport tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

// DefaultBallpark is how far a client timestamp may be from server time.
const DefaultBallpark = 30 * time.Second

// listenerBuffer is the event channel capacity of a listener. Events to a
// full listener are dropped; clients recover with a periodic scan.
const listenerBuffer = 64

// Options configures a Backend.
type Options struct {
	Clock    clock.Clock
	Ballpark time.Duration
}

// Backend holds the whole server state behind one mutex.
type Backend struct {
	clock    clock.Clock
	ballpark time.Duration

	mu        sync.Mutex
	offline   bool
	users     map[types.UserID]*user
	devices   map[types.DeviceID]*device
	realms    map[types.RealmID]*realm
	vlobs     map[types.EntryID]*vlob
	blocks    map[types.BlockID]*block
	listeners map[*listener]struct{}
	drops     map[string]int
}

type user struct {
	certificate []byte
	revoked     []byte
	author      types.DeviceID
	devices     []types.DeviceID
	messages    []remote.MessageEntry
}

type device struct {
	certificate []byte
	author      types.DeviceID
	userID      types.UserID
	verifyKey   crypto.VerifyKey
}

type realm struct {
	roles              map[types.UserID]types.RealmRole
	encryptionRevision uint64
	maintenance        *maintenance
	vlobs              []types.EntryID
}

type maintenance struct {
	encryptionRevision uint64
}

type vlob struct {
	realm    types.RealmID
	versions []*vlobVersion
}

type vlobVersion struct {
	author    types.DeviceID
	timestamp time.Time
	blobs     map[uint64][]byte
}

type block struct {
	realm types.RealmID
	data  []byte
}

type listener struct {
	userID types.UserID
	ch     chan remote.Event
	done   chan struct{}
	once   sync.Once
}

func (l *listener) close() {
	l.once.Do(func() { close(l.done) })
}

// New returns an empty backend.
func New(opts Options) *Backend {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Ballpark <= 0 {
		opts.Ballpark = DefaultBallpark
	}
	return &Backend{
		clock:     opts.Clock,
		ballpark:  opts.Ballpark,
		users:     make(map[types.UserID]*user),
		devices:   make(map[types.DeviceID]*device),
		realms:    make(map[types.RealmID]*realm),
		vlobs:     make(map[types.EntryID]*vlob),
		blocks:    make(map[types.BlockID]*block),
		listeners: make(map[*listener]struct{}),
		drops:     make(map[string]int),
	}
}

// ============================================================================
// Organization administration
// ============================================================================

// AddUser registers a signed user certificate. The signature is not
// checked; clients verify certificates against the root key.
func (b *Backend) AddUser(signed []byte) error {
	cert, err := certif.UnsecureUser(signed)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[cert.UserID]; ok {
		return fmt.Errorf("user %s already exists", cert.UserID)
	}
	b.users[cert.UserID] = &user{certificate: signed, author: cert.Author}
	return nil
}

// AddDevice registers a signed device certificate for an existing user.
func (b *Backend) AddDevice(signed []byte) error {
	cert, err := certif.UnsecureDevice(signed)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[cert.UserID]
	if !ok {
		return fmt.Errorf("unknown user %s", cert.UserID)
	}
	if _, ok := b.devices[cert.DeviceID]; ok {
		return fmt.Errorf("device %s already exists", cert.DeviceID)
	}
	b.devices[cert.DeviceID] = &device{
		certificate: signed,
		author:      cert.Author,
		userID:      cert.UserID,
		verifyKey:   cert.VerifyKey,
	}
	u.devices = append(u.devices, cert.DeviceID)
	return nil
}

// RevokeUser stores a signed revocation. The user's roles are kept; the
// revoked user can no longer authenticate.
func (b *Backend) RevokeUser(signed []byte) error {
	cert, err := certif.UnsecureRevokedUser(signed)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[cert.UserID]
	if !ok {
		return fmt.Errorf("unknown user %s", cert.UserID)
	}
	u.revoked = signed
	for l := range b.listeners {
		if l.userID == cert.UserID {
			l.close()
			delete(b.listeners, l)
		}
	}
	return nil
}

// DeviceVerifyKey returns the verify key of a registered device. Used by
// transports to authenticate incoming requests.
func (b *Backend) DeviceVerifyKey(id types.DeviceID) (crypto.VerifyKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	if !ok {
		return crypto.VerifyKey{}, false
	}
	return d.verifyKey, true
}

// SetOffline makes every command fail with remote.ErrBackendNotAvailable
// and closes open event streams.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
	if offline {
		for l := range b.listeners {
			l.close()
			delete(b.listeners, l)
		}
	}
}

// DropReplies applies the next n commands named command but reports them
// as failed, simulating a connection lost after the server committed.
func (b *Backend) DropReplies(command string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drops[command] = n
}

// VlobVersions returns the number of versions of a vlob, for assertions.
func (b *Backend) VlobVersions(id types.EntryID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.vlobs[id]; ok {
		return len(v.versions)
	}
	return 0
}

// BlockCount returns the number of stored blocks, for assertions.
func (b *Backend) BlockCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

// Listeners returns the number of open event streams of a user, for
// assertions.
func (b *Backend) Listeners(userID types.UserID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for l := range b.listeners {
		if l.userID == userID {
			n++
		}
	}
	return n
}

// Client returns the command set authenticated as device.
func (b *Backend) Client(id types.DeviceID) remote.Client {
	return &client{backend: b, deviceID: id}
}

// ============================================================================
// Helpers (caller holds b.mu)
// ============================================================================

// caller resolves the authenticated device, failing like a dropped
// connection when the device is unknown, revoked or the server is offline.
func (b *Backend) caller(ctx context.Context, id types.DeviceID) (*device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.offline {
		return nil, remote.ErrBackendNotAvailable
	}
	d, ok := b.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", remote.ErrBackendNotAvailable, id)
	}
	if b.users[d.userID].revoked != nil {
		return nil, fmt.Errorf("%w: user %s is revoked", remote.ErrBackendNotAvailable, d.userID)
	}
	return d, nil
}

// dropped reports whether the reply of the committed command must be lost.
func (b *Backend) dropped(command string) error {
	if n := b.drops[command]; n > 0 {
		b.drops[command] = n - 1
		return fmt.Errorf("%w: reply of %s lost", remote.ErrBackendNotAvailable, command)
	}
	return nil
}

func (b *Backend) roleOf(r *realm, userID types.UserID) types.RealmRole {
	return r.roles[userID]
}

func (b *Backend) inBallpark(ts time.Time) bool {
	now := b.clock.Now()
	return !ts.Before(now.Add(-b.ballpark)) && !ts.After(now.Add(b.ballpark))
}

func (b *Backend) notifyUser(userID types.UserID, ev remote.Event) {
	for l := range b.listeners {
		if l.userID != userID {
			continue
		}
		select {
		case l.ch <- ev:
		default:
		}
	}
}

func (b *Backend) notifyRealm(r *realm, ev remote.Event) {
	for userID, role := range r.roles {
		if role.CanRead() {
			b.notifyUser(userID, ev)
		}
	}
}

func (b *Backend) deliverMessage(to types.UserID, sender types.DeviceID, body []byte) {
	u, ok := b.users[to]
	if !ok {
		return
	}
	index := uint64(len(u.messages)) + 1
	u.messages = append(u.messages, remote.MessageEntry{
		Index:     index,
		Sender:    sender,
		Timestamp: b.clock.Now(),
		Body:      append([]byte(nil), body...),
	})
	b.notifyUser(to, remote.Event{Type: remote.EventMessageReceived, Index: index, Author: sender})
}

// trustchain returns the device certificates of every non-root author
// reachable from authors.
func (b *Backend) trustchain(authors ...types.DeviceID) [][]byte {
	var chain [][]byte
	seen := make(map[types.DeviceID]bool)
	queue := append([]types.DeviceID(nil), authors...)
	for len(queue) > 0 {
		author := queue[0]
		queue = queue[1:]
		if author.IsZero() || seen[author] {
			continue
		}
		seen[author] = true
		d, ok := b.devices[author]
		if !ok {
			continue
		}
		chain = append(chain, d.certificate)
		queue = append(queue, d.author)
		if u, ok := b.users[d.userID]; ok {
			queue = append(queue, u.author)
		}
	}
	return chain
}
