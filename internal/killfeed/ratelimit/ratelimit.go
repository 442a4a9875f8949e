// Package ratelimit enforces a minimum interval between requests to an
// external service. One Limiter exists per service name and is shared by
// every caller targeting that service, so the spacing floor holds even when
// several backfills run concurrently against the same API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates callers so consecutive requests to one service are at least
// minDelay apart. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	minDelay time.Duration
	limiter  *rate.Limiter
}

func New(minDelay time.Duration) *Limiter {
	return &Limiter{minDelay: minDelay, limiter: newRateLimiter(minDelay)}
}

func newRateLimiter(minDelay time.Duration) *rate.Limiter {
	if minDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minDelay), 1)
}

// Wait blocks until the caller may proceed and consumes the slot. It returns
// the context's error if ctx ends while waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	limiter := l.limiter
	l.mu.Unlock()
	return limiter.Wait(ctx)
}

// CanProceed reports whether Wait would currently return without blocking.
func (l *Limiter) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Tokens() >= 1
}

// TimeUntilNext reports how long a caller arriving now would be held.
func (l *Limiter) TimeUntilNext() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.minDelay <= 0 {
		return 0
	}
	tokens := l.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - tokens) * float64(l.minDelay))
	if wait < 0 {
		return 0
	}
	return wait
}

// Reset forgets the last request time; the next caller proceeds immediately.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = newRateLimiter(l.minDelay)
}

// Registry hands out the shared Limiter for each external service name.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Configure installs the limiter for a service, replacing any existing one.
func (r *Registry) Configure(service string, minDelay time.Duration) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter := New(minDelay)
	r.limiters[service] = limiter
	return limiter
}

// For returns the limiter shared by all callers of the named service. An
// unconfigured service gets an unlimited limiter.
func (r *Registry) For(service string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[service]; ok {
		return limiter
	}
	limiter := New(0)
	r.limiters[service] = limiter
	return limiter
}
