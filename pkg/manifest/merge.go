package manifest

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/parsecfs/pkg/types"
)

// ConflictTimestampLayout formats the timestamp in conflict names.
const ConflictTimestampLayout = "20060102T150405Z"

// ConflictName returns a name derived from name that is not in taken:
// "name (conflict <ts>)", then "name (conflict <ts>) (2)", "(3)"... The
// suffix goes before the extension when there is one.
func ConflictName(name types.EntryName, taken func(types.EntryName) bool, at time.Time) types.EntryName {
	suffix := "conflict " + at.UTC().Format(ConflictTimestampLayout)
	candidate := withSuffix(name, suffix)
	for n := 2; taken(candidate); n++ {
		candidate = withSuffix(name, fmt.Sprintf("%s) (%d", suffix, n))
	}
	return candidate
}

func withSuffix(name types.EntryName, suffix string) types.EntryName {
	base, ext := splitExtension(string(name))
	decoration := " (" + suffix + ")"
	// Trim the base so the result stays a valid name.
	for len(base)+len(decoration)+len(ext) > types.MaxNameLength && len(base) > 1 {
		base = base[:len(base)-1]
		for len(base) > 1 && !isRuneStart(base[len(base)-1]) {
			base = base[:len(base)-1]
		}
	}
	return types.EntryName(base + decoration + ext)
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// splitExtension splits "archive.tar.gz" into "archive" and ".tar.gz".
// Leading dots belong to the base (".bashrc" has no extension).
func splitExtension(name string) (string, string) {
	parts := strings.Split(name, ".")
	first := len(parts) - 1
	for i, p := range parts {
		if p != "" {
			first = i
			break
		}
	}
	base := strings.Join(parts[:first+1], ".")
	if first+1 >= len(parts) {
		return base, ""
	}
	return base, "." + strings.Join(parts[first+1:], ".")
}

// MergeChildren three-way merges folder children.
//
// For every name present in base, local or remote:
//
//	base  local  remote       result
//	 -      -      X          X
//	 -      X      -          X
//	 -      X      Y (X!=Y)   X, and Y under a conflict name
//	 X      X      X          X
//	 X      -      X          deleted
//	 X      X      -          deleted
//	 X      Y      X          Y
//	 X      X      Z          Z
//	 X      Y      Z          Z, and Y under a conflict name
//	 X      -      Z          Z
//	 X      Y      -          Y
//
// An entry id that ends up under two names keeps its remote name.
func MergeChildren(base, local, remote map[types.EntryName]types.EntryID, at time.Time) map[types.EntryName]types.EntryID {
	names := make(map[types.EntryName]struct{}, len(base)+len(local)+len(remote))
	for n := range base {
		names[n] = struct{}{}
	}
	for n := range local {
		names[n] = struct{}{}
	}
	for n := range remote {
		names[n] = struct{}{}
	}
	sorted := make([]types.EntryName, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	merged := make(map[types.EntryName]types.EntryID, len(names))
	type conflict struct {
		name types.EntryName
		id   types.EntryID
	}
	var conflicts []conflict

	for _, name := range sorted {
		b, inBase := base[name]
		l, inLocal := local[name]
		r, inRemote := remote[name]

		switch {
		case !inBase && !inLocal && inRemote:
			merged[name] = r
		case !inBase && inLocal && !inRemote:
			merged[name] = l
		case !inBase && inLocal && inRemote:
			merged[name] = l
			if l != r {
				conflicts = append(conflicts, conflict{name, r})
			}
		case inBase && !inLocal && !inRemote:
			// removed on both sides
		case inBase && !inLocal && inRemote:
			if r != b {
				merged[name] = r
			}
		case inBase && inLocal && !inRemote:
			if l != b {
				merged[name] = l
			}
		case inBase && inLocal && inRemote:
			switch {
			case l == r:
				merged[name] = l
			case r == b:
				merged[name] = l
			case l == b:
				merged[name] = r
			default:
				merged[name] = r
				conflicts = append(conflicts, conflict{name, l})
			}
		}
	}

	// Drop duplicate ids, keeping the remote name.
	remoteName := make(map[types.EntryID]types.EntryName, len(remote))
	for n, id := range remote {
		remoteName[id] = n
	}
	byID := make(map[types.EntryID][]types.EntryName, len(merged))
	for _, name := range sorted {
		if id, ok := merged[name]; ok {
			byID[id] = append(byID[id], name)
		}
	}
	for id, list := range byID {
		if len(list) < 2 {
			continue
		}
		keep := list[0]
		if rn, ok := remoteName[id]; ok && slices.Contains(list, rn) {
			keep = rn
		}
		for _, n := range list {
			if n != keep {
				delete(merged, n)
			}
		}
	}

	for _, c := range conflicts {
		if _, dup := byID[c.id]; dup {
			continue
		}
		target := ConflictName(c.name, func(n types.EntryName) bool { _, ok := merged[n]; return ok }, at)
		merged[target] = c.id
		byID[c.id] = []types.EntryName{target}
	}
	return merged
}

// MergeResult is the outcome of merging a local manifest with a newer
// remote version.
type MergeResult struct {
	// Local is the manifest to install.
	Local Local

	// FileConflict is set when both sides changed a file's content. Local
	// is then nil and the caller must run the file conflict transaction.
	FileConflict bool
}

// Merge reconciles local with remote. me is the local device; at is used
// for conflict names and timestamps.
func Merge(me types.DeviceID, local Local, remote Manifest, at time.Time) (MergeResult, error) {
	if remote == nil || remote.Head().Version <= local.BaseVersion() {
		return MergeResult{Local: local}, nil
	}
	if local.Kind() != remote.Kind() {
		return MergeResult{}, fmt.Errorf("cannot merge local %s with remote %s", local.Kind(), remote.Kind())
	}
	fromRemote := FromRemote(remote)

	// Only the remote has changed.
	if !local.NeedsSync() {
		return MergeResult{Local: fromRemote}, nil
	}
	// Our local changes already made it to the server.
	if MatchesRemote(local, remote) {
		return MergeResult{Local: fromRemote}, nil
	}
	// The remote changes are our own previous upload: rebase.
	if remote.Head().Author == me && !isSpeculative(local) {
		return MergeResult{Local: rebase(local, remote)}, nil
	}

	switch l := local.(type) {
	case *LocalFile:
		r := remote.(FileManifest)
		localChanged := !l.ContentMatches(l.Base)
		remoteChanged := !BlocksEqual(r.Blocks, l.Base.Blocks) || r.Size != l.Base.Size
		switch {
		case localChanged && remoteChanged:
			return MergeResult{FileConflict: true}, nil
		case localChanged:
			rebased := rebase(local, remote).(*LocalFile)
			if l.Parent == l.Base.Parent {
				rebased.Parent = r.Parent
			}
			return MergeResult{Local: rebased}, nil
		default:
			merged := fromRemote.(*LocalFile)
			if l.Parent != l.Base.Parent {
				merged.Parent = l.Parent
				merged.NeedSync = true
				merged.Updated = laterOf(l.Updated, r.Updated)
			}
			return MergeResult{Local: merged}, nil
		}

	case *LocalFolder:
		r := remote.(FolderManifest)
		children := MergeChildren(l.Base.Children, l.Children, r.Children, at)
		parent := r.Parent
		if l.Parent != l.Base.Parent {
			parent = l.Parent
		}
		merged := &LocalFolder{Base: r, Parent: parent, Children: children}
		merged.NeedSync = parent != r.Parent || !ChildrenEqual(children, r.Children)
		merged.Updated = mergedUpdated(merged.NeedSync, l.Updated, r.Updated)
		return MergeResult{Local: merged}, nil

	case *LocalWorkspace:
		r := remote.(WorkspaceManifest)
		baseChildren := l.Base.Children
		if l.Speculative {
			// A speculative manifest never expresses deletions.
			baseChildren = nil
		}
		children := MergeChildren(baseChildren, l.Children, r.Children, at)
		merged := &LocalWorkspace{Base: r, Children: children}
		merged.NeedSync = !ChildrenEqual(children, r.Children)
		merged.Updated = mergedUpdated(merged.NeedSync, l.Updated, r.Updated)
		return MergeResult{Local: merged}, nil

	case *LocalUser:
		r := remote.(UserManifest)
		merged := &LocalUser{
			Base:                 r,
			LastProcessedMessage: max(l.LastProcessedMessage, r.LastProcessedMessage),
			Workspaces:           MergeWorkspaceEntries(l.Base.Workspaces, l.Workspaces, r.Workspaces, l.Speculative),
		}
		merged.NeedSync = merged.LastProcessedMessage != r.LastProcessedMessage || !workspacesEqual(merged.Workspaces, r.Workspaces)
		merged.Updated = mergedUpdated(merged.NeedSync, l.Updated, r.Updated)
		return MergeResult{Local: merged}, nil
	}
	return MergeResult{}, fmt.Errorf("manifest: unknown local variant %T", local)
}

func isSpeculative(l Local) bool {
	switch m := l.(type) {
	case *LocalWorkspace:
		return m.Speculative
	case *LocalUser:
		return m.Speculative
	}
	return false
}

// rebase keeps the local changes on top of a newer remote base.
func rebase(local Local, remote Manifest) Local {
	c := Clone(local)
	switch m := c.(type) {
	case *LocalUser:
		m.Base = remote.(UserManifest)
	case *LocalWorkspace:
		m.Base = remote.(WorkspaceManifest)
	case *LocalFolder:
		m.Base = remote.(FolderManifest)
	case *LocalFile:
		m.Base = remote.(FileManifest)
	}
	return c
}

func mergedUpdated(needSync bool, local, remote time.Time) time.Time {
	if !needSync {
		return remote
	}
	return laterOf(local, remote)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// MergeWorkspaceEntries merges the workspace lists of a user manifest by
// workspace id. The most recent encryption revision wins the key, the most
// recently cached role wins the role, a local rename wins over the remote
// name. An entry removed on one side and untouched on the other is removed.
func MergeWorkspaceEntries(base, local, remote []WorkspaceEntry, speculative bool) []WorkspaceEntry {
	index := func(list []WorkspaceEntry) map[types.EntryID]WorkspaceEntry {
		out := make(map[types.EntryID]WorkspaceEntry, len(list))
		for _, w := range list {
			out[w.ID] = w
		}
		return out
	}
	b, l, r := index(base), index(local), index(remote)
	if speculative {
		b = nil
	}

	ids := make(map[types.EntryID]struct{})
	for id := range l {
		ids[id] = struct{}{}
	}
	for id := range r {
		ids[id] = struct{}{}
	}

	var out []WorkspaceEntry
	for id := range ids {
		bw, inBase := b[id]
		lw, inLocal := l[id]
		rw, inRemote := r[id]
		switch {
		case inLocal && inRemote:
			w := rw
			if lw.EncryptionRevision > rw.EncryptionRevision {
				w.Key, w.EncryptionRevision, w.EncryptedOn = lw.Key, lw.EncryptionRevision, lw.EncryptedOn
			}
			if lw.RoleCachedOn.After(rw.RoleCachedOn) {
				w.Role, w.RoleCachedOn = lw.Role, lw.RoleCachedOn
			}
			if !inBase || lw.Name != bw.Name {
				w.Name = lw.Name
			}
			out = append(out, w)
		case inLocal && !inRemote:
			if !inBase {
				out = append(out, lw)
			}
		case !inLocal && inRemote:
			if !inBase || !workspacesEqual([]WorkspaceEntry{bw}, []WorkspaceEntry{rw}) {
				out = append(out, rw)
			}
		}
	}
	SortWorkspaces(out)
	return out
}

// SortWorkspaces orders entries by id so encoding is stable.
func SortWorkspaces(list []WorkspaceEntry) {
	slices.SortFunc(list, func(a, b WorkspaceEntry) int {
		switch {
		case a.ID.Less(b.ID):
			return -1
		case b.ID.Less(a.ID):
			return 1
		}
		return 0
	})
}
