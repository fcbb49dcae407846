package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	limiter := New(0, 0)
	assert.True(t, limiter.Unlimited())
	for i := 0; i < 10_000; i++ {
		require.True(t, limiter.Allow(), "operation %d", i)
	}
	require.NoError(t, limiter.Wait(context.Background()))
}

func TestBurstThenThrottle(t *testing.T) {
	limiter := New(10, 5)
	assert.False(t, limiter.Unlimited())
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow(), "operation %d is within the burst", i)
	}
	assert.False(t, limiter.Allow())
}

func TestBurstDefaultsToRate(t *testing.T) {
	limiter := New(3, 0)
	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow())
	}
	assert.False(t, limiter.Allow())
}

func TestWaitPaces(t *testing.T) {
	limiter := New(20, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	// One token up front, then two more at 50ms intervals.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitHonorsCancellation(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx))
}

func TestSetLimit(t *testing.T) {
	limiter := New(1, 1)
	limiter.SetLimit(0)
	assert.True(t, limiter.Unlimited())

	limiter.SetLimit(2)
	assert.False(t, limiter.Unlimited())
}
