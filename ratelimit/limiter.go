// Package ratelimit provides token-bucket admission control for external
// system clients. One Limiter is shared per external system so the aggregate
// request rate stays bounded regardless of which entity type is processing.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with capacity burst and refill ratePerSecond.
// Acquire blocks cooperatively until a token is available.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// NewLimiter creates a token bucket that refills at ratePerSecond tokens per
// second and holds at most burst tokens.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		lim: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Acquire blocks until a token is available or the context is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.Allow()
}

// SetRate replaces the refill rate and burst, used by config live-reload.
// Pending Acquire calls keep waiting on the old bucket; new calls see the
// updated parameters.
func (l *Limiter) SetRate(ratePerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lim = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

// Stats returns the configured refill rate and the tokens currently available.
func (l *Limiter) Stats() (ratePerSecond float64, tokensAvailable float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.lim.Limit()), l.lim.Tokens()
}
