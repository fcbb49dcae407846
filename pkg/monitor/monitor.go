// Package monitor runs the background tasks of a device: the backend event
// listener, the sync monitor, the message monitor and the remanence monitor.
//
// Every monitor is a blocking Run(ctx) that returns nil when ctx is
// cancelled. Monitors talk to each other only through the event bus.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/marmos91/parsecfs/pkg/events"
	"github.com/marmos91/parsecfs/pkg/fserror"
	"github.com/marmos91/parsecfs/pkg/remote"
)

// Monitor is a background task.
type Monitor interface {
	Name() string
	Run(ctx context.Context) error
}

// Backoff bounds the retry delays of a monitor after operational errors.
type Backoff struct {
	// Min is the first delay (default: 100ms)
	Min time.Duration

	// Max caps every delay (default: 30s)
	Max time.Duration

	// JitterPercent randomizes each delay by up to this percentage (default: 10)
	JitterPercent uint64
}

// DefaultBackoff returns the 100ms to 30s jittered exponential backoff.
func DefaultBackoff() Backoff {
	return Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, JitterPercent: 10}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Min <= 0 {
		b.Min = d.Min
	}
	if b.Max < b.Min {
		b.Max = max(d.Max, b.Min)
	}
	if b.JitterPercent == 0 {
		b.JitterPercent = d.JitterPercent
	}
	return b
}

// generator returns a fresh backoff sequence. Sequences are stateful; a
// monitor starts a new one after each success.
func (b Backoff) generator() retry.Backoff {
	b = b.withDefaults()
	g := retry.NewExponential(b.Min)
	g = retry.WithCappedDuration(b.Max, g)
	return retry.WithJitterPercent(b.JitterPercent, g)
}

// sleep waits for d or until ctx is done. It reports whether the wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryable reports whether err is worth retrying later: the backend is
// unreachable, the realm is in maintenance or the key is not there yet.
func retryable(err error) bool {
	if errors.Is(err, remote.ErrBackendNotAvailable) {
		return true
	}
	return fserror.CodeOf(err).Band() == fserror.BandOperational
}

// becameReady reports whether e announces a fresh connection.
func becameReady(e events.Event) bool {
	return e.Type == events.ConnectionStateChanged && e.State == string(remote.StateReady)
}

// trigger is a coalescing wake-up signal.
type trigger chan struct{}

func newTrigger() trigger { return make(trigger, 1) }

func (t trigger) fire() {
	select {
	case t <- struct{}{}:
	default:
	}
}
