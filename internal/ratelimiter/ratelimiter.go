// Package ratelimiter throttles how fast a dropbox hands incoming files to
// registration workers.
package ratelimiter

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket over incoming file admissions.
//
// It wraps golang.org/x/time/rate:
//   - Tokens refill at the configured files-per-second rate
//   - Each dispatched file consumes one token
//   - Up to burst files may be dispatched back to back after a quiet spell
//
// A zero rate disables throttling entirely.
//
// Thread safety:
// All methods are safe for concurrent use. One limiter is shared by every
// worker of a dropbox.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting filesPerSecond files on average, with up to
// burst files admitted back to back.
//
// Parameters:
//   - filesPerSecond: sustained admission rate (0 = unlimited)
//   - burst: bucket capacity; raised to 1 when a rate is set and burst is 0
//
// Example:
//
//	// At most 2 files per second, 5 back to back
//	limiter := New(2, 5)
//
// Returns a configured RateLimiter.
func New(filesPerSecond float64, burst int) *RateLimiter {
	if filesPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, math.MaxInt)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(filesPerSecond), burst)}
}

// Allow reports whether one file may be admitted now, without waiting.
//
// Returns:
//   - true if a token was available and consumed
//   - false if no token was available (none consumed)
//
// Thread safety:
// Safe to call concurrently.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
//
// Parameters:
//   - ctx: Bounds the wait; a dropbox passes its scan context so that Stop
//     interrupts waiting workers
//
// Returns:
//   - nil if a token was acquired
//   - the context error if ctx ended first
//
// Thread safety:
// Safe to call concurrently.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Unlimited reports whether the limiter never throttles.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}
