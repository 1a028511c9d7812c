package services

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LoginThrottle repurposes the teacher's per-environment M3-API limiter
// map (`internal/services/throttle.go`) as a per-username anti-brute-force
// guard for C6 (§4.6, SPEC_FULL §4.9). The login handler checks it
// before dispatching to either leg, so it limits directory binds and
// local password checks alike.
type LoginThrottle struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	ratePerSec   float64
	burst        int
}

func NewLoginThrottle(ratePerSec float64, burst int) *LoginThrottle {
	return &LoginThrottle{
		limiters:   make(map[string]*rate.Limiter),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Allow reports whether another login attempt for username may proceed
// immediately. Rejected attempts must not consume a token.
func (t *LoginThrottle) Allow(username string) bool {
	return t.limiterFor(username).Allow()
}

func (t *LoginThrottle) limiterFor(username string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[username]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(t.ratePerSec), t.burst)
	t.limiters[username] = l
	return l
}

// QueryConcurrencyLimiter caps how many FEFO inventory queries (§4.2)
// may run against the pool concurrently, the way the teacher's
// RateLimiterService capped concurrent M3 API calls per environment —
// here the gate is a simple buffered-channel semaphore rather than a
// token bucket, since this is about an in-flight ceiling, not a rate.
type QueryConcurrencyLimiter struct {
	sem chan struct{}
}

func NewQueryConcurrencyLimiter(max int) *QueryConcurrencyLimiter {
	if max <= 0 {
		max = 1
	}
	return &QueryConcurrencyLimiter{sem: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx is cancelled, returning a
// release function that must be called exactly once.
func (l *QueryConcurrencyLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
