package fs

import (
	"strings"

	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Path is an absolute, validated workspace path. The root is empty.
type Path []types.EntryName

// ParsePath validates a slash separated absolute path. Empty components and
// "." are ignored; ".." is rejected.
func ParsePath(raw string) (Path, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fserror.New(fserror.InvalidName, "path must be absolute: %q", raw)
	}
	var p Path
	for _, part := range strings.Split(raw, "/") {
		if part == "" || part == "." {
			continue
		}
		name, err := types.NewEntryName(part)
		if err != nil {
			return nil, fserror.Wrap(fserror.InvalidName, err, "invalid path component %q", part)
		}
		p = append(p, name)
	}
	return p, nil
}

// IsRoot reports whether p is the workspace root.
func (p Path) IsRoot() bool { return len(p) == 0 }

// Parent returns the parent path and the last component. It must not be
// called on the root.
func (p Path) Parent() (Path, types.EntryName) {
	return p[:len(p)-1], p[len(p)-1]
}

// Join returns p/name.
func (p Path) Join(name types.EntryName) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, name)
}

// HasPrefix reports whether p is prefix or lies under it.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (p Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	var b strings.Builder
	for _, name := range p {
		b.WriteByte('/')
		b.WriteString(string(name))
	}
	return b.String()
}
