// Package core assembles a device's filesystem stack from configuration.
//
// A Core owns the authenticated server connection, the trust cache, the
// local stores, the user filesystem and the background workers (monitors,
// garbage collector and metrics endpoint).
//
// Lifecycle:
//  1. New opens the user filesystem; no network I/O happens yet
//  2. Start launches the background workers
//  3. Stop (or cancellation of the Start context) shuts the workers down in
//     reverse order and closes the filesystem, persisting cached manifests
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/config"
	"github.com/marmos91/parsecfs/pkg/device"
	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/gc"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/metrics"
	"github.com/marmos91/parsecfs/pkg/monitor"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/trust"
)

// Option customizes a Core.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock replaces the real clock, for tests against a fake backend.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Core is the running filesystem of one device.
//
// Thread Safety: Start and Stop may be called from any goroutine; the
// filesystems it exposes are safe for concurrent use.
type Core struct {
	cfg    *config.Config
	device *device.LocalDevice

	bus       *events.Bus
	remote    *remote.Authenticated
	trust     *trust.Cache
	stores    *config.Stores
	user      *fs.UserFS
	metrics   *config.MetricsResult
	monitors  []monitor.Monitor
	collector *gc.Collector

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

// New builds the stack of d on top of client, the transport to the
// server. client is wrapped in a remote.Authenticated connection.
func New(ctx context.Context, cfg *config.Config, d *device.LocalDevice, client remote.Client, opts ...Option) (*Core, error) {
	if cfg == nil || d == nil || client == nil {
		return nil, errors.New("core: config, device and client are required")
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{cfg: cfg, device: d, bus: events.NewBus(), done: make(chan struct{})}
	c.metrics = config.InitializeMetrics(cfg)

	ballpark := manifest.Ballpark{Client: cfg.Ballpark.Client, Server: cfg.Ballpark.Server}
	drift := manifest.NewDriftTracker(ballpark.Server)
	c.remote = remote.NewAuthenticated(client, remote.Options{
		Timeout: cfg.Remote.Timeout,
		Clock:   o.clock,
		Bus:     c.bus,
		Drift:   drift,
		Metrics: c.metrics.Remote,
	})

	var err error
	c.trust, err = trust.New(trust.Options{
		RootVerifyKey: d.RootVerifyKey,
		Client:        c.remote,
		Bus:           c.bus,
		MaxEntries:    cfg.Trust.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create trust cache: %w", err)
	}

	c.stores, err = config.NewStores(cfg.Store, cfg.Device.DataDir(d))
	if err != nil {
		c.trust.Close()
		return nil, err
	}

	c.user, err = fs.NewUserFS(ctx, fs.Options{
		Device:            d,
		Remote:            c.remote,
		Trust:             c.trust,
		Stores:            c.stores.Open,
		Bus:               c.bus,
		Clock:             o.clock,
		Drift:             drift,
		Ballpark:          ballpark,
		Blocksize:         cfg.Sync.Blocksize,
		UploadConcurrency: cfg.Sync.UploadConcurrency,
		BlockCacheSize:    cfg.Store.BlockCacheSize,
		Metrics:           c.metrics.Sync,
		CacheMetrics:      c.metrics.Cache,
	})
	if err != nil {
		c.trust.Close()
		return nil, fmt.Errorf("failed to open user filesystem: %w", err)
	}

	c.collector, err = gc.NewCollector(c.gcTargets, gc.Config{
		Enabled:  cfg.GC.Enabled,
		Interval: cfg.GC.Interval,
		DryRun:   cfg.GC.DryRun,
	}, c.metrics.GC)
	if err != nil {
		_ = c.user.Close(ctx)
		c.trust.Close()
		return nil, err
	}

	c.monitors = c.buildMonitors()
	return c, nil
}

func (c *Core) buildMonitors() []monitor.Monitor {
	backoff := monitor.Backoff{Min: c.cfg.Remote.Reconnect.Min, Max: c.cfg.Remote.Reconnect.Max}
	monitors := []monitor.Monitor{monitor.NewConnection(c.remote, c.bus, backoff)}
	if c.cfg.Sync.Enabled {
		monitors = append(monitors,
			monitor.NewSync(c.user, monitor.SyncConfig{
				Interval:            c.cfg.Sync.Interval,
				Debounce:            c.cfg.Sync.Debounce,
				MaxEntriesPerSecond: c.cfg.Sync.MaxEntriesPerSecond,
				Backoff:             backoff,
			}),
			monitor.NewMessages(c.user, c.bus, backoff),
		)
	}
	if c.cfg.Remanence.Enabled {
		monitors = append(monitors, monitor.NewRemanence(c.user, c.cfg.Remanence.Debounce, backoff))
	}
	return monitors
}

// gcTargets lists the user realm and every open workspace.
func (c *Core) gcTargets() []gc.Target {
	targets := []gc.Target{c.user.Storage()}
	for _, w := range c.user.OpenWorkspaces() {
		targets = append(targets, w.Storage())
	}
	return targets
}

// User returns the user filesystem.
func (c *Core) User() *fs.UserFS { return c.user }

// Bus returns the event bus shared by every component.
func (c *Core) Bus() *events.Bus { return c.bus }

// Remote returns the authenticated server connection.
func (c *Core) Remote() *remote.Authenticated { return c.remote }

// Collector returns the garbage collector.
func (c *Core) Collector() *gc.Collector { return c.collector }

// MetricsServer returns the metrics endpoint, nil when metrics are disabled.
func (c *Core) MetricsServer() *metrics.Server { return c.metrics.Server }

// Start launches the background workers. They run until ctx is cancelled,
// Stop is called, or one of them fails; Done is closed afterwards.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return errors.New("core: stopped")
	case c.started:
		return errors.New("core: already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	logger.Info("Starting device %s with %d monitor(s)", c.device.DeviceID, len(c.monitors))
	for _, m := range c.monitors {
		g.Go(func() error {
			logger.Debug("Starting %s monitor", m.Name())
			if err := m.Run(gctx); err != nil {
				logger.Error("%s monitor failed: %v", m.Name(), err)
				return fmt.Errorf("%s monitor: %w", m.Name(), err)
			}
			logger.Debug("%s monitor stopped", m.Name())
			return nil
		})
	}
	if server := c.metrics.Server; server != nil {
		g.Go(func() error { return server.Start(gctx) })
	}
	c.collector.Start()

	go func() {
		err := g.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	return nil
}

// Done is closed once every background worker has returned.
func (c *Core) Done() <-chan struct{} { return c.done }

// Err returns the failure that stopped the workers, if any. It is only
// meaningful after Done is closed.
func (c *Core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop stops the workers in reverse start order and closes the user
// filesystem. ctx bounds the wait; the filesystem is closed regardless.
// Calling Stop more than once returns the first result.
func (c *Core) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { c.stopErr = c.stop(ctx) })
	return c.stopErr
}

func (c *Core) stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	var errs []error
	if started {
		logger.Info("Stopping device %s", c.device.DeviceID)
		if err := c.collector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gc: %w", err))
		}
		cancel()
		select {
		case <-c.done:
			if err := c.Err(); err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			logger.Warn("Monitors did not stop in time")
			errs = append(errs, ctx.Err())
		}
	}

	// Persisting volatile manifests must not be cut short by an expired ctx.
	if err := c.user.Close(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("close filesystem: %w", err))
	}
	c.trust.Close()
	logger.Info("Device %s stopped", c.device.DeviceID)
	return errors.Join(errs...)
}
