// Package types holds the identifiers, names and roles shared by every
// layer of the filesystem core.
package types

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// EntryID identifies a manifest: user manifest, workspace, folder or file.
type EntryID uuid.UUID

// RealmID is the server-side name of a workspace (or of a user manifest's
// private realm). A workspace's realm id equals its root entry id.
type RealmID = EntryID

// BlockID identifies an immutable encrypted block.
type BlockID uuid.UUID

// UserID identifies a user of the organization.
type UserID uuid.UUID

// DeviceID identifies one device of a user.
type DeviceID uuid.UUID

// OrganizationID identifies an organization.
type OrganizationID uuid.UUID

// NewEntryID returns a random entry id.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

// NewBlockID returns a random block id.
func NewBlockID() BlockID { return BlockID(uuid.New()) }

// NewUserID returns a random user id.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewDeviceID returns a random device id.
func NewDeviceID() DeviceID { return DeviceID(uuid.New()) }

// NewOrganizationID returns a random organization id.
func NewOrganizationID() OrganizationID { return OrganizationID(uuid.New()) }

// BlockIDFromDigest derives a block id from the first 16 bytes of a content
// digest, so identical ciphertexts share one id.
func BlockIDFromDigest(digest [32]byte) BlockID {
	var id BlockID
	copy(id[:], digest[:16])
	return id
}

func (id EntryID) String() string        { return uuid.UUID(id).String() }
func (id BlockID) String() string        { return uuid.UUID(id).String() }
func (id UserID) String() string         { return uuid.UUID(id).String() }
func (id DeviceID) String() string       { return uuid.UUID(id).String() }
func (id OrganizationID) String() string { return uuid.UUID(id).String() }

func (id EntryID) IsZero() bool  { return id == EntryID{} }
func (id BlockID) IsZero() bool  { return id == BlockID{} }
func (id UserID) IsZero() bool   { return id == UserID{} }
func (id DeviceID) IsZero() bool { return id == DeviceID{} }

// Less orders entry ids. Multi-entry lock acquisition follows this order.
func (id EntryID) Less(other EntryID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// ParseEntryID parses the canonical textual form of an entry id.
func ParseEntryID(s string) (EntryID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EntryID{}, fmt.Errorf("invalid entry id %q: %w", s, err)
	}
	return EntryID(u), nil
}

// ParseUserID parses the canonical textual form of a user id.
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return UserID(u), nil
}

// ParseDeviceID parses the canonical textual form of a device id.
func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	return DeviceID(u), nil
}
