package fs

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/device"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs/chunks"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/trust"
	"github.com/marmos91/parsecfs/pkg/types"
)

// DefaultUploadConcurrency bounds parallel block uploads of one file.
const DefaultUploadConcurrency = 4

// maxSyncAttempts bounds the upload/merge loop of one entry.
const maxSyncAttempts = 8

// StoreFactory opens the local object store of a realm (a workspace, or
// the user manifest realm).
type StoreFactory func(ctx context.Context, realm types.RealmID) (local.Store, error)

// Metrics provides observability for synchronization.
//
// This is optional: if not provided, metrics collection is skipped.
type Metrics interface {
	// ObserveSync records one entry synchronization and its outcome
	// ("synced", "downsynced", "noop", "conflict" or an error code).
	ObserveSync(kind string, outcome string, duration time.Duration)

	// ObserveBlockTransfer records an uploaded or downloaded block.
	ObserveBlockTransfer(direction string, bytes int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSync(string, string, time.Duration) {}
func (noopMetrics) ObserveBlockTransfer(string, int)          {}

// Options configures a UserFS and the workspaces it opens.
type Options struct {
	Device *device.LocalDevice
	Remote remote.Client
	Trust  *trust.Cache
	Stores StoreFactory

	// Bus receives filesystem events. A private bus is created when nil.
	Bus   *events.Bus
	Clock clock.Clock

	// Drift is the tracker fed by the remote connection, used to accept
	// manifests when the local clock is wrong.
	Drift    *manifest.DriftTracker
	Ballpark manifest.Ballpark

	// Blocksize is the size of reshaped blocks. Zero means 512 KiB.
	Blocksize uint64

	UploadConcurrency int
	BlockCacheSize    int64

	Metrics      Metrics
	CacheMetrics storage.CacheMetrics
}

// env is the state shared by the user filesystem and every workspace.
type env struct {
	device    *device.LocalDevice
	remote    remote.Client
	trust     *trust.Cache
	stores    StoreFactory
	bus       *events.Bus
	clock     clock.Clock
	drift     *manifest.DriftTracker
	ballpark  manifest.Ballpark
	blocksize uint64
	uploads   int
	cacheSize int64
	metrics   Metrics
	cacheMet  storage.CacheMetrics
}

func newEnv(opts Options) (*env, error) {
	switch {
	case opts.Device == nil:
		return nil, errors.New("fs: device is required")
	case opts.Remote == nil:
		return nil, errors.New("fs: remote client is required")
	case opts.Trust == nil:
		return nil, errors.New("fs: trust cache is required")
	case opts.Stores == nil:
		return nil, errors.New("fs: store factory is required")
	}
	e := &env{
		device:    opts.Device,
		remote:    opts.Remote,
		trust:     opts.Trust,
		stores:    opts.Stores,
		bus:       opts.Bus,
		clock:     opts.Clock,
		drift:     opts.Drift,
		ballpark:  opts.Ballpark,
		blocksize: opts.Blocksize,
		uploads:   opts.UploadConcurrency,
		cacheSize: opts.BlockCacheSize,
		metrics:   opts.Metrics,
		cacheMet:  opts.CacheMetrics,
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.ballpark == (manifest.Ballpark{}) {
		e.ballpark = manifest.DefaultBallpark()
	}
	if e.drift == nil {
		e.drift = manifest.NewDriftTracker(e.ballpark.Server)
	}
	if e.blocksize == 0 {
		e.blocksize = chunks.DefaultBlocksize
	}
	if e.uploads <= 0 {
		e.uploads = DefaultUploadConcurrency
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	return e, nil
}

// now returns the time used to stamp local changes and uploads. When the
// local clock is known to be off, the server clock offset is applied.
func (e *env) now() time.Time {
	now := e.clock.Now().UTC()
	if offset, ok := e.drift.Offset(); ok {
		now = now.Add(offset)
	}
	return now
}

func (e *env) me() types.DeviceID { return e.device.DeviceID }
