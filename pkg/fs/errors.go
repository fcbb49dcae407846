package fs

import (
	"errors"

	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/remote"
)

// access tells statusError which permission a rejected command needed.
type access int

const (
	readAccess access = iota
	writeAccess
)

// statusError maps a typed command rejection to a filesystem error.
func statusError(command string, status remote.Status, needed access) error {
	cause := remote.Unexpected(command, status)
	switch status {
	case remote.StatusNotAllowed, remote.StatusUserRevoked:
		if needed == writeAccess {
			return fserror.Wrap(fserror.NoWriteAccess, cause, "no write access")
		}
		return fserror.Wrap(fserror.NoReadAccess, cause, "no read access")
	case remote.StatusInMaintenance:
		return fserror.Wrap(fserror.WorkspaceInMaintenance, cause, "workspace in maintenance")
	case remote.StatusBadEncryptionRevision:
		return fserror.Wrap(fserror.BadEncryptionRevision, cause, "bad encryption revision")
	case remote.StatusNotFound:
		return fserror.Wrap(fserror.NotFound, cause, "not found on server")
	}
	return fserror.Wrap(fserror.Internal, cause, "unexpected server reply")
}

// transportError maps a remote layer failure to a filesystem error.
func transportError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrBackendNotAvailable):
		return fserror.Wrap(fserror.BackendNotAvailable, err, "backend not available")
	case errors.Is(err, remote.ErrProtocol):
		return fserror.Wrap(fserror.Internal, err, "backend protocol error")
	}
	return err
}

// isIntegrity reports whether err must quarantine the entry it concerns.
func isIntegrity(err error) bool {
	return fserror.BandOf(err) == fserror.BandIntegrity
}
