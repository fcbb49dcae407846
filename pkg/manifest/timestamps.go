package manifest

import (
	"sync"
	"time"

	"github.com/marmos91/parsecfs/pkg/fserror"
)

// Default ballpark tolerances.
const (
	DefaultClientBallpark = 5 * time.Minute
	DefaultServerBallpark = 30 * time.Second
)

// Ballpark holds timestamp tolerances: Client bounds client-supplied
// timestamps against the local clock, Server bounds server timestamps.
type Ballpark struct {
	Client time.Duration
	Server time.Duration
}

// DefaultBallpark returns the default tolerances.
func DefaultBallpark() Ballpark {
	return Ballpark{Client: DefaultClientBallpark, Server: DefaultServerBallpark}
}

// InBallpark reports whether ts lies within tolerance of reference.
func InBallpark(ts, reference time.Time, tolerance time.Duration) bool {
	d := ts.Sub(reference)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// driftSamples is how many server timestamps are compared to decide the
// local clock is wrong.
const driftSamples = 3

// DriftTracker records the offset between server timestamps seen in replies
// and the local clock, and decides when the local clock should no longer be
// trusted.
type DriftTracker struct {
	mu        sync.Mutex
	tolerance time.Duration
	offsets   []time.Duration
}

// NewDriftTracker returns a tracker; tolerance is the server ballpark.
func NewDriftTracker(tolerance time.Duration) *DriftTracker {
	return &DriftTracker{tolerance: tolerance}
}

// Observe records a server timestamp received at local time localNow.
func (d *DriftTracker) Observe(serverNow, localNow time.Time) {
	if serverNow.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsets = append(d.offsets, serverNow.Sub(localNow))
	if len(d.offsets) > driftSamples {
		d.offsets = d.offsets[len(d.offsets)-driftSamples:]
	}
}

// Offset returns the server-minus-local offset when the recent samples agree
// with each other and all disagree with the local clock by more than the
// tolerance. ok is false while the local clock is trusted.
func (d *DriftTracker) Offset() (offset time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.offsets) == 0 {
		return 0, false
	}
	lo, hi := d.offsets[0], d.offsets[0]
	for _, o := range d.offsets {
		if abs(o) <= d.tolerance {
			return 0, false
		}
		lo, hi = min(lo, o), max(hi, o)
	}
	if hi-lo > d.tolerance {
		return 0, false
	}
	return d.offsets[len(d.offsets)-1], true
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// TimestampCheck is the outcome of CheckRemoteTimestamp.
type TimestampCheck int

const (
	TimestampOK TimestampCheck = iota
	// TimestampDrift means the manifest was accepted against the server
	// clock because the local clock is deemed wrong.
	TimestampDrift
)

// CheckRemoteTimestamp validates a downloaded manifest timestamp. Old
// timestamps are fine (history); a timestamp further in the future than the
// client ballpark is rejected as InvalidManifest unless the drift tracker
// says the local clock is wrong and the server clock accepts it.
func CheckRemoteTimestamp(ts, localNow time.Time, ballpark Ballpark, drift *DriftTracker) (TimestampCheck, error) {
	if !ts.After(localNow.Add(ballpark.Client)) {
		return TimestampOK, nil
	}
	if drift != nil {
		if offset, ok := drift.Offset(); ok && !ts.After(localNow.Add(offset).Add(ballpark.Client)) {
			return TimestampDrift, nil
		}
	}
	return TimestampOK, fserror.New(fserror.InvalidManifest,
		"manifest timestamp %s out of ballpark (local clock %s)", ts.Format(time.RFC3339), localNow.Format(time.RFC3339))
}
