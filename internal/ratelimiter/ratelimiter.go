// Package ratelimiter wraps golang.org/x/time/rate with the small surface
// the server needs to throttle per-connection request rates.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket limiter. Tokens accrue at the configured
// sustained rate; each request consumes one; burst capacity absorbs short
// spikes. Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing requestsPerSecond sustained with the
// given burst capacity. A zero requestsPerSecond disables limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether one request may proceed right now, consuming a
// token if so. Use when excess requests should be rejected.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is cancelled. This is a
// genuine blocking wait, never a poll loop; use it to throttle rather than
// reject.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
