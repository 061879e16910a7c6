// Package ratelimit paces all outbound requests to the vulnerability
// database. One limiter instance is shared by every correlator; no
// component may reach the database client without going through it.
package ratelimit

import (
	"context"
	"time"

	"github.com/hostsentry/hostsentry/internal/observability"
	"golang.org/x/time/rate"
)

// Config configures the limiter. The ceiling is resolved once at startup
// from the credential tier and stays fixed for the process lifetime.
type Config struct {
	RequestsPerMinute int
}

// Limiter is a token-bucket limiter: tokens replenish continuously at
// ceiling/60 per second, capped at burst = ceiling. Acquire never errors
// on its own; it only delays, or returns early when the context is
// cancelled.
type Limiter struct {
	limiter *rate.Limiter
	ceiling int
}

// NewLimiter creates a limiter for the configured ceiling.
func NewLimiter(cfg Config) *Limiter {
	ceiling := cfg.RequestsPerMinute
	if ceiling <= 0 {
		ceiling = 10
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(float64(ceiling)/60.0), ceiling),
		ceiling: ceiling,
	}
}

// Acquire blocks until issuing one more external request would not exceed
// the ceiling within the rolling window. The wait is a cancellation point:
// a cancelled ingest is released here without consuming a token.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	err := l.limiter.Wait(ctx)
	observability.GetMetrics().RateLimiterWaitSeconds.Observe(time.Since(start).Seconds())
	return err
}

// Ceiling returns the configured requests-per-minute ceiling.
func (l *Limiter) Ceiling() int {
	return l.ceiling
}
