package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

func TestTranslateBackendEvents(t *testing.T) {
	realm := types.NewEntryID()
	vlob := types.NewEntryID()
	author := types.NewDeviceID()

	tests := []struct {
		name string
		in   remote.Event
		want events.Event
	}{
		{
			name: "vlob updated",
			in:   remote.Event{Type: remote.EventVlobUpdated, RealmID: realm, VlobID: vlob, Version: 3, Author: author},
			want: events.Event{Type: events.BackendVlobUpdated, WorkspaceID: realm, EntryID: vlob, Version: 3, DeviceID: author},
		},
		{
			name: "message received",
			in:   remote.Event{Type: remote.EventMessageReceived, Index: 7, Author: author},
			want: events.Event{Type: events.BackendMessageReceived, Index: 7, DeviceID: author},
		},
		{
			name: "roles updated",
			in:   remote.Event{Type: remote.EventRealmRolesUpdated, RealmID: realm, Role: types.RoleNone},
			want: events.Event{Type: events.BackendRealmRoles, WorkspaceID: realm, State: "none"},
		},
		{
			name: "maintenance finished",
			in:   remote.Event{Type: remote.EventMaintenanceFinished, RealmID: realm, EncryptionRevision: 2},
			want: events.Event{Type: events.BackendMaintenance, WorkspaceID: realm, State: "finished", Index: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translate(tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := translate(remote.Event{Type: "pinged"})
	assert.False(t, ok)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, JitterPercent: 1}.generator()
	var last time.Duration
	for range 8 {
		d, stop := b.Next()
		require.False(t, stop)
		assert.LessOrEqual(t, d, 41*time.Millisecond)
		last = d
	}
	assert.GreaterOrEqual(t, last, 39*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	assert.Equal(t, DefaultBackoff(), b)

	b = Backoff{Min: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, b.Max)
}
