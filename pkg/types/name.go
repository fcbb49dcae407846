package types

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxNameLength is the maximum size in bytes of an entry name.
const MaxNameLength = 255

// EntryName is a single validated path component.
type EntryName string

// ErrInvalidName is wrapped by every name validation failure.
var ErrInvalidName = errors.New("invalid entry name")

// NewEntryName validates raw and returns it as an EntryName.
func NewEntryName(raw string) (EntryName, error) {
	switch {
	case raw == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	case raw == "." || raw == "..":
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, raw)
	case len(raw) > MaxNameLength:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case !utf8.ValidString(raw):
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	case strings.ContainsAny(raw, "/\x00"):
		return "", fmt.Errorf("%w: %q contains a separator or NUL", ErrInvalidName, raw)
	}
	return EntryName(raw), nil
}

// MustEntryName is NewEntryName for names known to be valid.
func MustEntryName(raw string) EntryName {
	name, err := NewEntryName(raw)
	if err != nil {
		panic(err)
	}
	return name
}

func (n EntryName) String() string { return string(n) }
