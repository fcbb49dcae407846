// Package remote defines the authenticated command set the filesystem core
// sends to the Parsec metadata server, and the connection wrapper that adds
// timeouts, connectivity tracking and metrics on top of a transport.
//
// Transports live in sub-packages: memory is an in-process backend used by
// tests and the testbed, grpc carries the same commands over a network.
package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendNotAvailable is returned when the server cannot be reached
	// or did not answer within the per-call timeout.
	ErrBackendNotAvailable = errors.New("backend not available")

	// ErrProtocol is returned when a reply cannot be understood.
	ErrProtocol = errors.New("protocol error")
)

// Client is the command set of an authenticated device connection.
//
// Every method returns a reply carrying a Status for server-side rejections.
// A non-nil error means the command outcome is unknown (transport failure,
// timeout or cancellation); the command may or may not have been applied.
type Client interface {
	VlobCreate(ctx context.Context, req VlobCreateReq) (VlobCreateRep, error)
	VlobUpdate(ctx context.Context, req VlobUpdateReq) (VlobUpdateRep, error)
	VlobRead(ctx context.Context, req VlobReadReq) (VlobReadRep, error)
	VlobListVersions(ctx context.Context, req VlobListVersionsReq) (VlobListVersionsRep, error)

	BlockCreate(ctx context.Context, req BlockCreateReq) (BlockCreateRep, error)
	BlockRead(ctx context.Context, req BlockReadReq) (BlockReadRep, error)

	MessageGet(ctx context.Context, req MessageGetReq) (MessageGetRep, error)

	RealmCreate(ctx context.Context, req RealmCreateReq) (RealmCreateRep, error)
	RealmStatus(ctx context.Context, req RealmStatusReq) (RealmStatusRep, error)
	RealmGetRoles(ctx context.Context, req RealmGetRolesReq) (RealmGetRolesRep, error)
	RealmUpdateRoles(ctx context.Context, req RealmUpdateRolesReq) (RealmUpdateRolesRep, error)
	RealmStartReencryptionMaintenance(ctx context.Context, req RealmStartReencryptionMaintenanceReq) (RealmStartReencryptionMaintenanceRep, error)
	RealmFinishReencryptionMaintenance(ctx context.Context, req RealmFinishReencryptionMaintenanceReq) (RealmFinishReencryptionMaintenanceRep, error)
	VlobMaintenanceGetReencryptionBatch(ctx context.Context, req VlobMaintenanceGetReencryptionBatchReq) (VlobMaintenanceGetReencryptionBatchRep, error)
	VlobMaintenanceSaveReencryptionBatch(ctx context.Context, req VlobMaintenanceSaveReencryptionBatchReq) (VlobMaintenanceSaveReencryptionBatchRep, error)

	DeviceGet(ctx context.Context, req DeviceGetReq) (DeviceGetRep, error)
	UserGet(ctx context.Context, req UserGetReq) (UserGetRep, error)

	// EventsListen subscribes to pushed events for the device's user. The
	// channel is closed when ctx is cancelled or the connection drops.
	EventsListen(ctx context.Context) (<-chan Event, error)
}

// StatusError reports an unexpected rejection status for a command.
type StatusError struct {
	Command string
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Status)
}

// Unexpected returns a *StatusError for status.
func Unexpected(command string, status Status) error {
	return &StatusError{Command: command, Status: status}
}
