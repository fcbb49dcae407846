// Package gc provides the garbage collector of the device local state.
//
// Local state becomes garbage when the process stops between writing data
// and the manifest that references it (orphan dirty chunks), or when the
// block cache index drops admissions under contention (untracked cached
// blocks). The collector periodically sweeps both from every open realm.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/fs/storage"
)

// Target is the local storage of one realm. *storage.Storage implements it.
type Target interface {
	SweepChunks(ctx context.Context, dryRun bool) (storage.SweepStats, error)
	TrimBlocks(ctx context.Context) (int, error)
}

// Source lists the realms to collect on each run.
type Source func() []Target

// Metrics records collection runs. A nil Metrics disables collection.
type Metrics interface {
	ObserveRun(stats *Stats)
}

// Collector performs periodic garbage collection of local state.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	source  Source
	config  Config
	metrics Metrics
	stopCh  chan struct{}
	doneCh  chan struct{}

	stopOnce sync.Once
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether garbage collection is active (default: true)
	Enabled bool

	// Interval is how often to run garbage collection (default: 1h)
	Interval time.Duration

	// DryRun counts garbage without deleting it (default: false)
	DryRun bool
}

// NewCollector creates a garbage collector. Call Start to begin background
// collection.
func NewCollector(source Source, config Config, metrics Metrics) (*Collector, error) {
	if source == nil {
		return nil, fmt.Errorf("gc: a realm source is required")
	}
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	return &Collector{
		source:  source,
		config:  config,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins background garbage collection.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		close(c.doneCh)
		return
	}

	logger.Info("Starting garbage collector: interval=%s dry_run=%v", c.config.Interval, c.config.DryRun)

	go c.worker()
}

// Stop stops the garbage collector and waits for the current run, or for
// ctx to expire.
func (c *Collector) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Debug("Running garbage collection (manual trigger)")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			stats, err := c.collect(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("Garbage collection failed: %v", err)
				}
				continue
			}
			logger.Info("Garbage collection completed: %s", stats.Summary())

		case <-c.stopCh:
			return
		}
	}
}

// collect sweeps every realm of the source. A failing realm does not stop
// the others; the first error is returned with the partial stats.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	var firstErr error
	for _, t := range c.source() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Realms++

		swept, err := t.SweepChunks(ctx, c.config.DryRun)
		if err != nil {
			logger.Warn("GC: chunk sweep failed: %v", err)
			firstErr = firstOf(firstErr, err)
			continue
		}
		stats.ChunkCount += uint64(swept.Existing)
		stats.OrphanedCount += uint64(swept.Orphaned)
		stats.DeletedCount += uint64(swept.Deleted)

		if c.config.DryRun {
			continue
		}
		trimmed, err := t.TrimBlocks(ctx)
		if err != nil {
			logger.Warn("GC: block trim failed: %v", err)
			firstErr = firstOf(firstErr, err)
			continue
		}
		stats.TrimmedCount += uint64(trimmed)
	}
	stats.EndTime = time.Now()
	if c.metrics != nil {
		c.metrics.ObserveRun(stats)
	}
	return stats, firstErr
}

func firstOf(first, err error) error {
	if first != nil {
		return first
	}
	return err
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime     time.Time // When collection started
	EndTime       time.Time // When collection ended
	Realms        int       // Number of realms visited
	ChunkCount    uint64    // Dirty chunks and pending blocks found
	OrphanedCount uint64    // Of which referenced by no manifest
	DeletedCount  uint64    // Orphans deleted
	TrimmedCount  uint64    // Untracked cached blocks deleted
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("realms=%d chunks=%d orphaned=%d deleted=%d trimmed=%d duration=%s",
		s.Realms, s.ChunkCount, s.OrphanedCount, s.DeletedCount, s.TrimmedCount, s.Duration())
}
