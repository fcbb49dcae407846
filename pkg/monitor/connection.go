package monitor

import (
	"context"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/remote"
)

// Listener opens backend event streams.
type Listener interface {
	EventsListen(ctx context.Context) (<-chan remote.Event, error)
}

// Connection keeps a backend event stream open and republishes what it
// receives on the bus. Lost streams are reopened with backoff.
type Connection struct {
	client  Listener
	bus     *events.Bus
	backoff Backoff
}

// NewConnection returns a connection monitor. client is usually a
// *remote.Authenticated, which reports connectivity changes on the bus.
func NewConnection(client Listener, bus *events.Bus, backoff Backoff) *Connection {
	return &Connection{client: client, bus: bus, backoff: backoff}
}

func (c *Connection) Name() string { return "connection" }

// Run listens until ctx is cancelled.
func (c *Connection) Run(ctx context.Context) error {
	b := c.backoff.generator()
	for {
		stream, err := c.client.EventsListen(ctx)
		if err == nil {
			logger.Debug("Backend event stream open")
			b = c.backoff.generator()
			c.forward(ctx, stream)
		} else if ctx.Err() == nil {
			logger.Debug("Backend event stream unavailable: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		delay, _ := b.Next()
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// forward drains stream until it closes.
func (c *Connection) forward(ctx context.Context, stream <-chan remote.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if e, ok := translate(ev); ok {
				c.bus.Publish(e)
			}
		}
	}
}

// translate maps a backend notification to a bus event.
func translate(ev remote.Event) (events.Event, bool) {
	switch ev.Type {
	case remote.EventVlobUpdated:
		return events.Event{
			Type:        events.BackendVlobUpdated,
			WorkspaceID: ev.RealmID,
			EntryID:     ev.VlobID,
			Version:     ev.Version,
			DeviceID:    ev.Author,
		}, true
	case remote.EventMessageReceived:
		return events.Event{Type: events.BackendMessageReceived, Index: ev.Index, DeviceID: ev.Author}, true
	case remote.EventRealmRolesUpdated:
		return events.Event{Type: events.BackendRealmRoles, WorkspaceID: ev.RealmID, State: ev.Role.String()}, true
	case remote.EventMaintenanceStarted:
		return events.Event{Type: events.BackendMaintenance, WorkspaceID: ev.RealmID, State: "started", Index: ev.EncryptionRevision}, true
	case remote.EventMaintenanceFinished:
		return events.Event{Type: events.BackendMaintenance, WorkspaceID: ev.RealmID, State: "finished", Index: ev.EncryptionRevision}, true
	}
	logger.Debug("Ignoring backend event %q", ev.Type)
	return events.Event{}, false
}
