package remote

import (
	"time"

	"github.com/marmos91/parsecfs/pkg/types"
)

// Status is the outcome of a command. Rejections are values, not errors.
type Status string

const (
	StatusOK                    Status = "ok"
	StatusAlreadyExists         Status = "already_exists"
	StatusNotFound              Status = "not_found"
	StatusNotAllowed            Status = "not_allowed"
	StatusBadVersion            Status = "bad_version"
	StatusBadEncryptionRevision Status = "bad_encryption_revision"
	StatusInMaintenance         Status = "in_maintenance"
	StatusNotInMaintenance      Status = "not_in_maintenance"
	StatusBadTimestamp          Status = "bad_timestamp"
	StatusTimeout               Status = "timeout"
	StatusUserRevoked           Status = "user_revoked"
	StatusInvalidData           Status = "invalid_data"
	StatusMaintenanceError      Status = "maintenance_error"
)

// ============================================================================
// Vlobs
// ============================================================================

type VlobCreateReq struct {
	RealmID            types.RealmID `cbor:"realm_id"`
	EncryptionRevision uint64        `cbor:"encryption_revision"`
	VlobID             types.EntryID `cbor:"vlob_id"`
	Timestamp          time.Time     `cbor:"timestamp"`
	Blob               []byte        `cbor:"blob"`
}

type VlobCreateRep struct {
	Status          Status    `cbor:"status"`
	ServerTimestamp time.Time `cbor:"server_timestamp"`
}

type VlobUpdateReq struct {
	EncryptionRevision uint64        `cbor:"encryption_revision"`
	VlobID             types.EntryID `cbor:"vlob_id"`
	Version            uint32        `cbor:"version"`
	Timestamp          time.Time     `cbor:"timestamp"`
	Blob               []byte        `cbor:"blob"`
}

type VlobUpdateRep struct {
	Status          Status    `cbor:"status"`
	ServerTimestamp time.Time `cbor:"server_timestamp"`
}

// VlobReadReq reads the latest version when Version is 0, or the latest
// version at Timestamp when Timestamp is set.
type VlobReadReq struct {
	EncryptionRevision uint64        `cbor:"encryption_revision"`
	VlobID             types.EntryID `cbor:"vlob_id"`
	Version            uint32        `cbor:"version"`
	Timestamp          time.Time     `cbor:"timestamp"`
}

type VlobReadRep struct {
	Status          Status         `cbor:"status"`
	Version         uint32         `cbor:"version"`
	Blob            []byte         `cbor:"blob"`
	Author          types.DeviceID `cbor:"author"`
	Timestamp       time.Time      `cbor:"timestamp"`
	ServerTimestamp time.Time      `cbor:"server_timestamp"`
}

type VlobListVersionsReq struct {
	VlobID types.EntryID `cbor:"vlob_id"`
}

type VersionInfo struct {
	Version   uint32         `cbor:"version"`
	Author    types.DeviceID `cbor:"author"`
	Timestamp time.Time      `cbor:"timestamp"`
}

type VlobListVersionsRep struct {
	Status   Status        `cbor:"status"`
	Versions []VersionInfo `cbor:"versions"`
}

// ============================================================================
// Blocks
// ============================================================================

type BlockCreateReq struct {
	BlockID types.BlockID `cbor:"block_id"`
	RealmID types.RealmID `cbor:"realm_id"`
	Block   []byte        `cbor:"block"`
}

type BlockCreateRep struct {
	Status Status `cbor:"status"`
}

type BlockReadReq struct {
	BlockID types.BlockID `cbor:"block_id"`
}

type BlockReadRep struct {
	Status Status `cbor:"status"`
	Block  []byte `cbor:"block"`
}

// ============================================================================
// Messages
// ============================================================================

type MessageGetReq struct {
	Offset uint64 `cbor:"offset"`
}

type MessageEntry struct {
	Index     uint64         `cbor:"index"`
	Sender    types.DeviceID `cbor:"sender"`
	Timestamp time.Time      `cbor:"timestamp"`
	Body      []byte         `cbor:"body"`
}

type MessageGetRep struct {
	Status   Status         `cbor:"status"`
	Messages []MessageEntry `cbor:"messages"`
}

// ============================================================================
// Realms
// ============================================================================

type RealmCreateReq struct {
	RealmID types.RealmID `cbor:"realm_id"`
}

type RealmCreateRep struct {
	Status Status `cbor:"status"`
}

type RealmStatusReq struct {
	RealmID types.RealmID `cbor:"realm_id"`
}

type RealmStatusRep struct {
	Status             Status `cbor:"status"`
	InMaintenance      bool   `cbor:"in_maintenance"`
	EncryptionRevision uint64 `cbor:"encryption_revision"`
}

type RealmGetRolesReq struct {
	RealmID types.RealmID `cbor:"realm_id"`
}

type RealmGetRolesRep struct {
	Status Status                            `cbor:"status"`
	Roles  map[types.UserID]types.RealmRole `cbor:"roles"`
}

// RealmUpdateRolesReq sets UserID's role (RoleNone revokes). RecipientMessage
// is delivered to the user in the same transaction.
type RealmUpdateRolesReq struct {
	RealmID          types.RealmID   `cbor:"realm_id"`
	UserID           types.UserID    `cbor:"user_id"`
	Role             types.RealmRole `cbor:"role"`
	Timestamp        time.Time       `cbor:"timestamp"`
	RecipientMessage []byte          `cbor:"recipient_message"`
}

type RealmUpdateRolesRep struct {
	Status Status `cbor:"status"`
}

// RealmStartReencryptionMaintenanceReq starts a key rotation. Messages
// holds one message body per remaining member, delivered on success.
type RealmStartReencryptionMaintenanceReq struct {
	RealmID            types.RealmID           `cbor:"realm_id"`
	EncryptionRevision uint64                  `cbor:"encryption_revision"`
	Timestamp          time.Time               `cbor:"timestamp"`
	Messages           map[types.UserID][]byte `cbor:"messages"`
}

type RealmStartReencryptionMaintenanceRep struct {
	Status Status `cbor:"status"`
}

type RealmFinishReencryptionMaintenanceReq struct {
	RealmID            types.RealmID `cbor:"realm_id"`
	EncryptionRevision uint64        `cbor:"encryption_revision"`
}

type RealmFinishReencryptionMaintenanceRep struct {
	Status Status `cbor:"status"`
}

// ReencryptionBatchEntry is one vlob version to re-encrypt.
type ReencryptionBatchEntry struct {
	VlobID  types.EntryID `cbor:"vlob_id"`
	Version uint32        `cbor:"version"`
	Blob    []byte        `cbor:"blob"`
}

type VlobMaintenanceGetReencryptionBatchReq struct {
	RealmID            types.RealmID `cbor:"realm_id"`
	EncryptionRevision uint64        `cbor:"encryption_revision"`
	Size               int           `cbor:"size"`
}

type VlobMaintenanceGetReencryptionBatchRep struct {
	Status Status                   `cbor:"status"`
	Batch  []ReencryptionBatchEntry `cbor:"batch"`
}

type VlobMaintenanceSaveReencryptionBatchReq struct {
	RealmID            types.RealmID            `cbor:"realm_id"`
	EncryptionRevision uint64                   `cbor:"encryption_revision"`
	Batch              []ReencryptionBatchEntry `cbor:"batch"`
}

type VlobMaintenanceSaveReencryptionBatchRep struct {
	Status Status `cbor:"status"`
	Total  int    `cbor:"total"`
	Done   int    `cbor:"done"`
}

// ============================================================================
// Users and devices
// ============================================================================

type DeviceGetReq struct {
	DeviceID types.DeviceID `cbor:"device_id"`
}

// DeviceGetRep returns the certificates needed to trust a device: its own,
// its user's, the user's revocation if any, and the device certificates of
// every non-root author in the chain.
type DeviceGetRep struct {
	Status                 Status   `cbor:"status"`
	DeviceCertificate      []byte   `cbor:"device_certificate"`
	UserCertificate        []byte   `cbor:"user_certificate"`
	RevokedUserCertificate []byte   `cbor:"revoked_user_certificate,omitempty"`
	TrustchainDevices      [][]byte `cbor:"trustchain_devices"`
}

type UserGetReq struct {
	UserID types.UserID `cbor:"user_id"`
}

type UserGetRep struct {
	Status                 Status   `cbor:"status"`
	UserCertificate        []byte   `cbor:"user_certificate"`
	RevokedUserCertificate []byte   `cbor:"revoked_user_certificate,omitempty"`
	DeviceCertificates     [][]byte `cbor:"device_certificates"`
	TrustchainDevices      [][]byte `cbor:"trustchain_devices"`
}

// ============================================================================
// Events
// ============================================================================

// EventType is the kind of a pushed backend event.
type EventType string

const (
	EventVlobUpdated          EventType = "vlob_updated"
	EventMessageReceived      EventType = "message_received"
	EventRealmRolesUpdated    EventType = "realm_roles_updated"
	EventMaintenanceStarted   EventType = "realm_maintenance_started"
	EventMaintenanceFinished  EventType = "realm_maintenance_finished"
)

// Event is a push notification from the server.
type Event struct {
	Type               EventType       `cbor:"type"`
	RealmID            types.RealmID   `cbor:"realm_id"`
	VlobID             types.EntryID   `cbor:"vlob_id"`
	Version            uint32          `cbor:"version"`
	Author             types.DeviceID  `cbor:"author"`
	Index              uint64          `cbor:"index"`
	EncryptionRevision uint64          `cbor:"encryption_revision"`
	Role               types.RealmRole `cbor:"role"`
}

// Reply is implemented by every command reply.
type Reply interface {
	GetStatus() Status
}

func (r VlobCreateRep) GetStatus() Status                          { return r.Status }
func (r VlobUpdateRep) GetStatus() Status                          { return r.Status }
func (r VlobReadRep) GetStatus() Status                            { return r.Status }
func (r VlobListVersionsRep) GetStatus() Status                    { return r.Status }
func (r BlockCreateRep) GetStatus() Status                         { return r.Status }
func (r BlockReadRep) GetStatus() Status                           { return r.Status }
func (r MessageGetRep) GetStatus() Status                          { return r.Status }
func (r RealmCreateRep) GetStatus() Status                         { return r.Status }
func (r RealmStatusRep) GetStatus() Status                         { return r.Status }
func (r RealmGetRolesRep) GetStatus() Status                       { return r.Status }
func (r RealmUpdateRolesRep) GetStatus() Status                    { return r.Status }
func (r RealmStartReencryptionMaintenanceRep) GetStatus() Status   { return r.Status }
func (r RealmFinishReencryptionMaintenanceRep) GetStatus() Status  { return r.Status }
func (r VlobMaintenanceGetReencryptionBatchRep) GetStatus() Status { return r.Status }
func (r VlobMaintenanceSaveReencryptionBatchRep) GetStatus() Status {
	return r.Status
}
func (r DeviceGetRep) GetStatus() Status { return r.Status }
func (r UserGetRep) GetStatus() Status   { return r.Status }
