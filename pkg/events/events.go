// Package events is the in-process event bus of the filesystem core.
//
// Subscribers own an explicit Subscription handle and must Close it.
// Publishing never blocks: a subscriber that does not drain its channel
// loses events, and the loss is counted on the subscription.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/parsecfs/pkg/types"
)

// Type identifies an event.
type Type string

const (
	EntryUpdated           Type = "entry_updated"
	EntrySynced            Type = "entry_synced"
	EntryDownsynced        Type = "entry_downsynced"
	EntryQuarantined       Type = "entry_quarantined"
	FileConflictResolved   Type = "file_conflict_resolved"
	SharingUpdated         Type = "sharing_updated"
	ConnectionStateChanged Type = "connection_state_changed"
	IntegrityAlert         Type = "integrity_alert"
	ClockDrift             Type = "clock_drift"
	DeviceRevoked          Type = "device_revoked"
	BackendVlobUpdated     Type = "backend.vlob_updated"
	BackendMessageReceived Type = "backend.message_received"
	BackendRealmRoles      Type = "backend.realm_roles_updated"
	BackendMaintenance     Type = "backend.realm_maintenance"
	SyncWaitingForKey      Type = "sync_waiting_for_key"
)

// Event is a notification. Only the fields relevant to Type are set.
type Event struct {
	Type        Type
	WorkspaceID types.EntryID
	EntryID     types.EntryID
	BackupID    types.EntryID
	BlockID     types.BlockID
	DeviceID    types.DeviceID
	State       string
	Version     uint32
	Index       uint64
	Offset      time.Duration
	Err         error
}

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 256

// Bus fans events out to subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events matching its filter on C.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  map[Type]struct{}
	bus     *Bus
	once    sync.Once
	dropped atomic.Uint64
}

// Subscribe registers a subscription. With no types, every event is
// delivered.
func (b *Bus) Subscribe(filter ...Type) *Subscription {
	ch := make(chan Event, DefaultBuffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(filter) > 0 {
		s.filter = make(map[Type]struct{}, len(filter))
		for _, t := range filter {
			s.filter[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers e to every matching subscription without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.filter != nil {
			if _, ok := s.filter[e.Type]; !ok {
				continue
			}
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Dropped returns how many events were lost because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
