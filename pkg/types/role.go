package types

import "fmt"

// RealmRole is a user's role in a realm. The zero value means no access.
type RealmRole string

const (
	RoleNone        RealmRole = ""
	RoleOwner       RealmRole = "OWNER"
	RoleManager     RealmRole = "MANAGER"
	RoleContributor RealmRole = "CONTRIBUTOR"
	RoleReader      RealmRole = "READER"
)

// ParseRealmRole accepts the upper-case role names and "none".
func ParseRealmRole(s string) (RealmRole, error) {
	switch RealmRole(s) {
	case RoleOwner, RoleManager, RoleContributor, RoleReader:
		return RealmRole(s), nil
	case "none", "NONE", RoleNone:
		return RoleNone, nil
	}
	return RoleNone, fmt.Errorf("unknown realm role %q", s)
}

func (r RealmRole) rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleManager:
		return 3
	case RoleContributor:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// CanRead reports whether the role allows reading the realm.
func (r RealmRole) CanRead() bool { return r.rank() >= 1 }

// CanWrite reports whether the role allows creating and updating vlobs and blocks.
func (r RealmRole) CanWrite() bool { return r.rank() >= 2 }

// CanShare reports whether the role allows changing other users' roles.
func (r RealmRole) CanShare() bool { return r.rank() >= 3 }

// AtLeast reports whether r is as privileged as other.
func (r RealmRole) AtLeast(other RealmRole) bool { return r.rank() >= other.rank() }

func (r RealmRole) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}
