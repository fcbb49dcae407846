package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/types"
)

var t0 = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func sampleManifests(author types.DeviceID) []Manifest {
	header := func(version uint32) Header {
		return Header{Author: author, Timestamp: t0, ID: types.NewEntryID(), Version: version, Created: t0, Updated: t0.Add(time.Second)}
	}
	return []Manifest{
		UserManifest{
			Header:               header(4),
			LastProcessedMessage: 7,
			Workspaces: []WorkspaceEntry{{
				Name: "team", ID: types.NewEntryID(), Key: crypto.GenerateSecretKey(),
				EncryptionRevision: 2, EncryptedOn: t0, RoleCachedOn: t0, Role: types.RoleOwner,
			}},
		},
		WorkspaceManifest{Header: header(1), Children: map[types.EntryName]types.EntryID{"docs": types.NewEntryID()}},
		FolderManifest{Header: header(3), Parent: types.NewEntryID(), Children: map[types.EntryName]types.EntryID{}},
		FileManifest{
			Header: header(2), Parent: types.NewEntryID(), Size: 10, Blocksize: 512 * 1024,
			Blocks: []BlockAccess{{ID: types.NewBlockID(), Key: crypto.GenerateSecretKey(), Offset: 0, Size: 10, Digest: crypto.Digest([]byte("x"))}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	signer := crypto.GenerateSigningKey()
	author := types.NewDeviceID()
	key := crypto.GenerateSecretKey()

	for _, m := range sampleManifests(author) {
		t.Run(m.Kind().String(), func(t *testing.T) {
			blob, err := DumpSignAndEncrypt(m, signer, key)
			require.NoError(t, err)

			got, err := DecryptVerifyAndLoad(blob, key, signer.VerifyKey(), Expected{
				Author: author, ID: m.Head().ID, Version: m.Head().Version, Timestamp: t0,
			})
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	signer := crypto.GenerateSigningKey()
	author := types.NewDeviceID()
	key := crypto.GenerateSecretKey()
	m := sampleManifests(author)[2]

	blob, err := DumpSignAndEncrypt(m, signer, key)
	require.NoError(t, err)

	_, err = DecryptVerifyAndLoad(blob, crypto.GenerateSecretKey(), signer.VerifyKey(), Expected{})
	assert.Equal(t, fserror.DecryptionError, fserror.CodeOf(err))

	_, err = DecryptVerifyAndLoad(blob, key, crypto.GenerateSigningKey().VerifyKey(), Expected{})
	assert.Equal(t, fserror.SignatureError, fserror.CodeOf(err))

	_, err = DecryptVerifyAndLoad(blob, key, signer.VerifyKey(), Expected{Version: m.Head().Version + 1})
	assert.Equal(t, fserror.InvalidManifest, fserror.CodeOf(err))

	_, err = DecryptVerifyAndLoad(blob, key, signer.VerifyKey(), Expected{ID: types.NewEntryID()})
	assert.Equal(t, fserror.InvalidManifest, fserror.CodeOf(err))

	_, err = DecryptVerifyAndLoad(blob, key, signer.VerifyKey(), Expected{Author: types.NewDeviceID()})
	assert.ErrorIs(t, err, fserror.Corrupted)
}

func TestLocalDumpLoad(t *testing.T) {
	author := types.NewDeviceID()
	file := NewPlaceholderFile(author, types.NewEntryID(), 4096, t0)
	file.DirtyBlocks = append(file.DirtyBlocks, NewDirtyChunk(0, 5))
	file.Size = 5

	data, err := DumpLocal(file)
	require.NoError(t, err)
	loaded, err := LoadLocal(data)
	require.NoError(t, err)
	assert.Equal(t, file, loaded)

	for _, m := range sampleManifests(author) {
		local := FromRemote(m)
		data, err := DumpLocal(local)
		require.NoError(t, err)
		loaded, err := LoadLocal(data)
		require.NoError(t, err)
		assert.Equal(t, local.EntryID(), loaded.EntryID())
		assert.True(t, MatchesRemote(loaded, m))
		assert.False(t, loaded.NeedsSync())
	}
}

func TestToRemoteBumpsVersion(t *testing.T) {
	author := types.NewDeviceID()
	folder := NewPlaceholderFolder(author, types.NewEntryID(), t0)
	folder.Children["a"] = types.NewEntryID()

	remote, err := ToRemote(folder, author, t0.Add(time.Minute))
	require.NoError(t, err)
	head := remote.Head()
	assert.Equal(t, uint32(1), head.Version)
	assert.Equal(t, folder.EntryID(), head.ID)
	assert.Equal(t, t0.Add(time.Minute), head.Timestamp)
	assert.True(t, MatchesRemote(folder, remote))

	file := NewPlaceholderFile(author, folder.EntryID(), 4096, t0)
	file.DirtyBlocks = []Chunk{NewDirtyChunk(0, 3)}
	file.Size = 3
	_, err = ToRemote(file, author, t0)
	assert.ErrorIs(t, err, ErrNotReshaped)
}

func TestConflictName(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	none := func(types.EntryName) bool { return false }

	assert.Equal(t, types.EntryName("f (conflict 20260102T030405Z)"), ConflictName("f", none, at))
	assert.Equal(t, types.EntryName("notes (conflict 20260102T030405Z).tar.gz"), ConflictName("notes.tar.gz", none, at))
	assert.Equal(t, types.EntryName(".bashrc (conflict 20260102T030405Z)"), ConflictName(".bashrc", none, at))

	taken := map[types.EntryName]bool{
		"f (conflict 20260102T030405Z)":     true,
		"f (conflict 20260102T030405Z) (2)": true,
	}
	got := ConflictName("f", func(n types.EntryName) bool { return taken[n] }, at)
	assert.Equal(t, types.EntryName("f (conflict 20260102T030405Z) (3)"), got)

	long := types.EntryName(stringOf('a', types.MaxNameLength))
	got = ConflictName(long, none, at)
	_, err := types.NewEntryName(string(got))
	assert.NoError(t, err)
}

func stringOf(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func TestDriftTracker(t *testing.T) {
	local := t0
	tracker := NewDriftTracker(DefaultServerBallpark)

	_, ok := tracker.Offset()
	assert.False(t, ok)

	tracker.Observe(local.Add(10*time.Minute), local)
	offset, ok := tracker.Offset()
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, offset)

	// A sample agreeing with the local clock restores trust.
	tracker.Observe(local, local)
	_, ok = tracker.Offset()
	assert.False(t, ok)

	// Disagreeing samples do not establish a drift.
	for _, d := range []time.Duration{10 * time.Minute, 20 * time.Minute, 10 * time.Minute} {
		tracker.Observe(local.Add(d), local)
	}
	_, ok = tracker.Offset()
	assert.False(t, ok)
}

func TestCheckRemoteTimestamp(t *testing.T) {
	ballpark := DefaultBallpark()
	local := t0
	future := local.Add(10 * time.Minute)

	res, err := CheckRemoteTimestamp(local.Add(-48*time.Hour), local, ballpark, nil)
	require.NoError(t, err)
	assert.Equal(t, TimestampOK, res)

	_, err = CheckRemoteTimestamp(future, local, ballpark, NewDriftTracker(ballpark.Server))
	assert.Equal(t, fserror.InvalidManifest, fserror.CodeOf(err))

	tracker := NewDriftTracker(ballpark.Server)
	tracker.Observe(future.Add(2*time.Second), local)
	res, err = CheckRemoteTimestamp(future, local, ballpark, tracker)
	require.NoError(t, err)
	assert.Equal(t, TimestampDrift, res)
}
