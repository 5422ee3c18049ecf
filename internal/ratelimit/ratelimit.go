// Package ratelimit throttles calls into the browser-automation driver so a
// reconcile cycle that fires many instances in the same minute window cannot
// overwhelm a single-process driver.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config bounds a Limiter's steady-state rate and burst allowance.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig matches a driver that can comfortably sustain one run every
// two seconds, bursting briefly when a reconcile cycle wakes several
// instances at once.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 0.5, Burst: 5}
}

// Limiter wraps golang.org/x/time/rate for the single concern Scraper needs:
// block until the next call is allowed, or until ctx is done.
type Limiter struct {
	limiter *rate.Limiter
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 0.5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Wait blocks until the limiter admits one call or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a call may proceed right now, without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
