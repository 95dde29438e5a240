// Package ratelimit implements the token bucket governing outbound wiki calls.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagastream/canon-crawler/internal/metrics"
)

// Config holds token bucket parameters: Calls tokens refilled continuously
// over Period, with burst capacity equal to Calls.
type Config struct {
	Calls  int
	Period time.Duration
}

// Limiter is a token bucket shared by all outbound requests to one wiki host.
// Safe for concurrent use.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a Limiter. Non-positive config disables throttling.
func New(cfg Config) *Limiter {
	if cfg.Calls <= 0 || cfg.Period <= 0 {
		return &Limiter{bucket: rate.NewLimiter(rate.Inf, 1)}
	}
	perSecond := float64(cfg.Calls) / cfg.Period.Seconds()
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), cfg.Calls),
	}
}

// Acquire blocks until n tokens are available, respecting the context.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	start := time.Now()
	if err := l.bucket.WaitN(ctx, n); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// Available reports the number of tokens currently in the bucket.
// Intended for introspection and tests.
func (l *Limiter) Available() float64 {
	return l.bucket.Tokens()
}
