// Package ratelimiter paces background work with a token bucket.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles a stream of operations, such as the entries a sync
// pass uploads. All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New returns a limiter allowing perSecond operations per second with bursts
// of up to burst operations. A zero perSecond disables limiting; a zero
// burst defaults to perSecond.
func New(perSecond, burst uint) *RateLimiter {
	if perSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = perSecond
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst))}
}

// Allow consumes a token if one is available, without waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Unlimited reports whether the limiter lets everything through.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// SetLimit changes the sustained rate; zero disables limiting. The burst
// follows the new rate.
func (r *RateLimiter) SetLimit(perSecond uint) {
	if perSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
	r.limiter.SetBurst(int(perSecond))
}
