// Package clock abstracts wall-clock access so timestamp validation,
// backoff and periodic scans can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the filesystem core. Production code
// injects Real(); tests inject a Fake.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced Clock. Time stands still until Advance or
// Set is called; pending After channels fire when their deadline is
// reached.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake clock starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial.UTC()}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a waiter firing once the fake time passes now+d.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.current.Add(d), ch: ch})
	return ch
}

// Advance moves the fake time forward by d and fires due waiters.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// Set jumps the fake time to t. Moving backwards is allowed and simulates a
// local clock correction.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.current = t.UTC()
	c.fireLocked()
	c.mu.Unlock()
}

// Pending returns the number of unfired After waiters.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Fake) fireLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.current) {
			w.ch <- c.current
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
