package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/manifest"
)

// DefaultTimeout bounds every command round trip.
const DefaultTimeout = 30 * time.Second

// ConnectionState is the connectivity of the device to the server.
type ConnectionState string

const (
	StateOffline    ConnectionState = "offline"
	StateConnecting ConnectionState = "connecting"
	StateReady      ConnectionState = "ready"
	StateLost       ConnectionState = "lost"
)

// Metrics records command outcomes. A nil Metrics disables collection.
type Metrics interface {
	ObserveCommand(command string, status string, duration time.Duration)
	SetConnectionState(state string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommand(string, string, time.Duration) {}
func (noopMetrics) SetConnectionState(string)                    {}

// Options configures an Authenticated connection.
type Options struct {
	// Timeout bounds each command. Zero means DefaultTimeout.
	Timeout time.Duration

	Clock   clock.Clock
	Bus     *events.Bus
	Drift   *manifest.DriftTracker
	Metrics Metrics
}

// Authenticated wraps a transport Client for one device.
//
// It applies the per-call timeout, maps transport failures to
// ErrBackendNotAvailable, feeds server timestamps to the drift tracker and
// tracks connectivity. When the connection goes from ready to lost, every
// event subscription opened through it is cancelled.
type Authenticated struct {
	inner   Client
	timeout time.Duration
	clock   clock.Clock
	bus     *events.Bus
	drift   *manifest.DriftTracker
	metrics Metrics

	mu            sync.Mutex
	state         ConnectionState
	session       context.Context
	cancelSession context.CancelFunc
}

var _ Client = (*Authenticated)(nil)

// NewAuthenticated wraps inner. The connection starts offline.
func NewAuthenticated(inner Client, opts Options) *Authenticated {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Drift == nil {
		opts.Drift = manifest.NewDriftTracker(manifest.DefaultServerBallpark)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	a := &Authenticated{
		inner:   inner,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		bus:     opts.Bus,
		drift:   opts.Drift,
		metrics: opts.Metrics,
		state:   StateOffline,
	}
	a.session, a.cancelSession = context.WithCancel(context.Background())
	return a
}

// State returns the current connectivity.
func (a *Authenticated) State() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Drift returns the tracker fed with server timestamps.
func (a *Authenticated) Drift() *manifest.DriftTracker { return a.drift }

// MarkConnecting records a connection attempt.
func (a *Authenticated) MarkConnecting() {
	a.mu.Lock()
	if a.state == StateReady {
		a.mu.Unlock()
		return
	}
	a.setStateLocked(StateConnecting)
	a.mu.Unlock()
}

func (a *Authenticated) markReady() {
	a.mu.Lock()
	a.setStateLocked(StateReady)
	a.mu.Unlock()
}

func (a *Authenticated) markUnavailable() {
	a.mu.Lock()
	switch a.state {
	case StateReady:
		a.setStateLocked(StateLost)
		a.cancelSession()
		a.session, a.cancelSession = context.WithCancel(context.Background())
	case StateConnecting:
		a.setStateLocked(StateOffline)
	}
	a.mu.Unlock()
}

func (a *Authenticated) setStateLocked(state ConnectionState) {
	if a.state == state {
		return
	}
	logger.Info("Connection state: %s -> %s", a.state, state)
	a.state = state
	a.metrics.SetConnectionState(string(state))
	a.bus.Publish(events.Event{Type: events.ConnectionStateChanged, State: string(state)})
}

func (a *Authenticated) sessionContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// classify turns a transport error into the error returned to callers and
// updates the connection state.
func (a *Authenticated) classify(ctx context.Context, command string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrProtocol) {
		return fmt.Errorf("%s: %w", command, err)
	}
	a.markUnavailable()
	if errors.Is(err, ErrBackendNotAvailable) {
		return fmt.Errorf("%s: %w", command, err)
	}
	return fmt.Errorf("%s: %w: %v", command, ErrBackendNotAvailable, err)
}

func call[R Reply](a *Authenticated, ctx context.Context, command string, fn func(context.Context) (R, error)) (R, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	rep, err := fn(callCtx)
	elapsed := time.Since(start)
	if err != nil {
		a.metrics.ObserveCommand(command, "error", elapsed)
		var zero R
		logger.Debug("Command %s failed after %s: %v", command, elapsed, err)
		return zero, a.classify(ctx, command, err)
	}
	a.metrics.ObserveCommand(command, string(rep.GetStatus()), elapsed)
	a.markReady()
	return rep, nil
}

func (a *Authenticated) observeServerTime(serverNow time.Time) {
	if serverNow.IsZero() {
		return
	}
	a.drift.Observe(serverNow, a.clock.Now())
}

func (a *Authenticated) VlobCreate(ctx context.Context, req VlobCreateReq) (VlobCreateRep, error) {
	rep, err := call(a, ctx, "vlob_create", func(ctx context.Context) (VlobCreateRep, error) {
		return a.inner.VlobCreate(ctx, req)
	})
	if err == nil {
		a.observeServerTime(rep.ServerTimestamp)
	}
	return rep, err
}

func (a *Authenticated) VlobUpdate(ctx context.Context, req VlobUpdateReq) (VlobUpdateRep, error) {
	rep, err := call(a, ctx, "vlob_update", func(ctx context.Context) (VlobUpdateRep, error) {
		return a.inner.VlobUpdate(ctx, req)
	})
	if err == nil {
		a.observeServerTime(rep.ServerTimestamp)
	}
	return rep, err
}

func (a *Authenticated) VlobRead(ctx context.Context, req VlobReadReq) (VlobReadRep, error) {
	rep, err := call(a, ctx, "vlob_read", func(ctx context.Context) (VlobReadRep, error) {
		return a.inner.VlobRead(ctx, req)
	})
	if err == nil {
		a.observeServerTime(rep.ServerTimestamp)
	}
	return rep, err
}

func (a *Authenticated) VlobListVersions(ctx context.Context, req VlobListVersionsReq) (VlobListVersionsRep, error) {
	return call(a, ctx, "vlob_list_versions", func(ctx context.Context) (VlobListVersionsRep, error) {
		return a.inner.VlobListVersions(ctx, req)
	})
}

func (a *Authenticated) BlockCreate(ctx context.Context, req BlockCreateReq) (BlockCreateRep, error) {
	return call(a, ctx, "block_create", func(ctx context.Context) (BlockCreateRep, error) {
		return a.inner.BlockCreate(ctx, req)
	})
}

func (a *Authenticated) BlockRead(ctx context.Context, req BlockReadReq) (BlockReadRep, error) {
	return call(a, ctx, "block_read", func(ctx context.Context) (BlockReadRep, error) {
		return a.inner.BlockRead(ctx, req)
	})
}

func (a *Authenticated) MessageGet(ctx context.Context, req MessageGetReq) (MessageGetRep, error) {
	return call(a, ctx, "message_get", func(ctx context.Context) (MessageGetRep, error) {
		return a.inner.MessageGet(ctx, req)
	})
}

func (a *Authenticated) RealmCreate(ctx context.Context, req RealmCreateReq) (RealmCreateRep, error) {
	return call(a, ctx, "realm_create", func(ctx context.Context) (RealmCreateRep, error) {
		return a.inner.RealmCreate(ctx, req)
	})
}

func (a *Authenticated) RealmStatus(ctx context.Context, req RealmStatusReq) (RealmStatusRep, error) {
	return call(a, ctx, "realm_status", func(ctx context.Context) (RealmStatusRep, error) {
		return a.inner.RealmStatus(ctx, req)
	})
}

func (a *Authenticated) RealmGetRoles(ctx context.Context, req RealmGetRolesReq) (RealmGetRolesRep, error) {
	return call(a, ctx, "realm_get_roles", func(ctx context.Context) (RealmGetRolesRep, error) {
		return a.inner.RealmGetRoles(ctx, req)
	})
}

func (a *Authenticated) RealmUpdateRoles(ctx context.Context, req RealmUpdateRolesReq) (RealmUpdateRolesRep, error) {
	return call(a, ctx, "realm_update_roles", func(ctx context.Context) (RealmUpdateRolesRep, error) {
		return a.inner.RealmUpdateRoles(ctx, req)
	})
}

func (a *Authenticated) RealmStartReencryptionMaintenance(ctx context.Context, req RealmStartReencryptionMaintenanceReq) (RealmStartReencryptionMaintenanceRep, error) {
	return call(a, ctx, "realm_start_reencryption_maintenance", func(ctx context.Context) (RealmStartReencryptionMaintenanceRep, error) {
		return a.inner.RealmStartReencryptionMaintenance(ctx, req)
	})
}

func (a *Authenticated) RealmFinishReencryptionMaintenance(ctx context.Context, req RealmFinishReencryptionMaintenanceReq) (RealmFinishReencryptionMaintenanceRep, error) {
	return call(a, ctx, "realm_finish_reencryption_maintenance", func(ctx context.Context) (RealmFinishReencryptionMaintenanceRep, error) {
		return a.inner.RealmFinishReencryptionMaintenance(ctx, req)
	})
}

func (a *Authenticated) VlobMaintenanceGetReencryptionBatch(ctx context.Context, req VlobMaintenanceGetReencryptionBatchReq) (VlobMaintenanceGetReencryptionBatchRep, error) {
	return call(a, ctx, "vlob_maintenance_get_reencryption_batch", func(ctx context.Context) (VlobMaintenanceGetReencryptionBatchRep, error) {
		return a.inner.VlobMaintenanceGetReencryptionBatch(ctx, req)
	})
}

func (a *Authenticated) VlobMaintenanceSaveReencryptionBatch(ctx context.Context, req VlobMaintenanceSaveReencryptionBatchReq) (VlobMaintenanceSaveReencryptionBatchRep, error) {
	return call(a, ctx, "vlob_maintenance_save_reencryption_batch", func(ctx context.Context) (VlobMaintenanceSaveReencryptionBatchRep, error) {
		return a.inner.VlobMaintenanceSaveReencryptionBatch(ctx, req)
	})
}

func (a *Authenticated) DeviceGet(ctx context.Context, req DeviceGetReq) (DeviceGetRep, error) {
	return call(a, ctx, "device_get", func(ctx context.Context) (DeviceGetRep, error) {
		return a.inner.DeviceGet(ctx, req)
	})
}

func (a *Authenticated) UserGet(ctx context.Context, req UserGetReq) (UserGetRep, error) {
	return call(a, ctx, "user_get", func(ctx context.Context) (UserGetRep, error) {
		return a.inner.UserGet(ctx, req)
	})
}

// EventsListen opens a subscription bound to the current session. The
// returned channel closes when ctx is cancelled, when the transport stream
// ends or when the connection is marked lost.
func (a *Authenticated) EventsListen(ctx context.Context) (<-chan Event, error) {
	a.MarkConnecting()

	listenCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.sessionContext(), cancel)

	in, err := a.inner.EventsListen(listenCtx)
	if err != nil {
		stop()
		cancel()
		return nil, a.classify(ctx, "events_listen", err)
	}
	a.markReady()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancel()
		defer stop()
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					if ctx.Err() == nil {
						a.markUnavailable()
					}
					return
				}
				select {
				case out <- ev:
				case <-listenCtx.Done():
					return
				}
			case <-listenCtx.Done():
				return
			}
		}
	}()
	return out, nil
}
