// Package fserror defines the closed set of errors surfaced by the
// workspace filesystem to its embedders.
package fserror

import (
	"errors"
	"fmt"
)

// Code is the category of a filesystem error.
//
// Code implements error so callers can write errors.Is(err, fserror.NotFound).
type Code int

const (
	// Internal is a bug or unexpected condition; Message is diagnostic only.
	Internal Code = iota

	// NotFound indicates the path or entry does not exist.
	NotFound

	// NotAFile indicates a file operation targeted a folder.
	NotAFile

	// NotAFolder indicates a folder operation targeted a file.
	NotAFolder

	// AlreadyExists indicates the destination name is taken.
	AlreadyExists

	// CrossDevice indicates a move between two workspaces.
	CrossDevice

	// InvalidName indicates a malformed path component.
	InvalidName

	NoReadAccess
	NoWriteAccess
	WorkspaceInMaintenance
	BadEncryptionRevision
	BackendNotAvailable
	LocalStorageFull

	// Corrupted indicates data that failed integrity checks.
	Corrupted

	// SignatureError, DecryptionError and InvalidManifest are integrity
	// sub-kinds; embedders see them as Corrupted.
	SignatureError
	DecryptionError
	InvalidManifest
)

var codeNames = map[Code]string{
	Internal:               "Internal",
	NotFound:               "NotFound",
	NotAFile:               "NotAFile",
	NotAFolder:             "NotAFolder",
	AlreadyExists:          "AlreadyExists",
	CrossDevice:            "CrossDevice",
	InvalidName:            "InvalidName",
	NoReadAccess:           "NoReadAccess",
	NoWriteAccess:          "NoWriteAccess",
	WorkspaceInMaintenance: "WorkspaceInMaintenance",
	BadEncryptionRevision:  "BadEncryptionRevision",
	BackendNotAvailable:    "BackendNotAvailable",
	LocalStorageFull:       "LocalStorageFull",
	Corrupted:              "Corrupted",
	SignatureError:         "SignatureError",
	DecryptionError:        "DecryptionError",
	InvalidManifest:        "InvalidManifest",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

func (c Code) Error() string { return c.String() }

// Public maps integrity sub-kinds to Corrupted.
func (c Code) Public() Code {
	switch c {
	case SignatureError, DecryptionError, InvalidManifest:
		return Corrupted
	}
	return c
}

// Band is the handling class of an error code.
type Band int

const (
	// BandOther covers caller errors and Internal.
	BandOther Band = iota

	// BandOperational errors are reported and the entry is requeued with backoff.
	BandOperational

	// BandPolicy errors are terminal for the call and never retried.
	BandPolicy

	// BandIntegrity errors are logged, quarantine the entry and raise an alert.
	BandIntegrity
)

// Band classifies c.
func (c Code) Band() Band {
	switch c {
	case BackendNotAvailable, WorkspaceInMaintenance, BadEncryptionRevision:
		return BandOperational
	case NoReadAccess, NoWriteAccess, AlreadyExists, NotFound:
		return BandPolicy
	case SignatureError, DecryptionError, InvalidManifest, Corrupted:
		return BandIntegrity
	}
	return BandOther
}

// Error is a filesystem error with a category, a message, the path it
// relates to (if any) and an optional cause.
type Error struct {
	// Code is the error category
	Code Code

	// Message is a human-readable description
	Message string

	// Path is the workspace path related to the error (if applicable)
	Path string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Code target. Integrity sub-kinds also match Corrupted.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	if !ok {
		return false
	}
	return e.Code == c || (c == Corrupted && e.Code.Public() == Corrupted)
}

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error carrying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithPath returns a copy of err annotated with path. Non-filesystem errors
// are wrapped as Internal.
func WithPath(err error, path string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.Path == "" {
			cp.Path = path
		}
		return &cp
	}
	var c Code
	if errors.As(err, &c) {
		return &Error{Code: c, Path: path}
	}
	return &Error{Code: Internal, Message: "internal error", Path: path, Err: err}
}

// CodeOf extracts the code of err. Unknown errors are Internal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Internal
}

// BandOf classifies err.
func BandOf(err error) Band { return CodeOf(err).Band() }
