package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ch := c.After(time.Minute)
	assert.Equal(t, 1, c.Pending())

	c.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(time.Minute), fired)
	default:
		t.Fatal("waiter did not fire")
	}
	assert.Zero(t, c.Pending())
}

func TestFakeNonPositiveDurationFiresImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestFakeSetMovesBackwards(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Set(start.Add(-time.Hour))
	require.Equal(t, start.Add(-time.Hour), c.Now())
}
