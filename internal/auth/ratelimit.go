package auth

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter keyed by client address, shared
// across every authentication-relevant endpoint.
type RateLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*rlEntry

	now func() time.Time
}

type rlEntry struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter creates a limiter allowing max attempts per window per
// address.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		max:     max,
		entries: make(map[string]*rlEntry),
		now:     time.Now,
	}
}

// Allow records an attempt from addr. When the window budget is exhausted
// it returns false together with the time until the window resets (always
// at least one second, for the Retry-After header).
func (rl *RateLimiter) Allow(addr string) (ok bool, retryAfter time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.entries[addr]
	if !exists || now.Sub(e.windowStart) >= rl.window {
		rl.entries[addr] = &rlEntry{windowStart: now, count: 1}
		rl.pruneLocked(now)
		return true, 0
	}

	if e.count >= rl.max {
		retry := rl.window - now.Sub(e.windowStart)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}
	e.count++
	return true, 0
}

// pruneLocked drops stale windows so the map stays bounded by active
// addresses. Called opportunistically while already holding the lock.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	if len(rl.entries) < 1024 {
		return
	}
	for addr, e := range rl.entries {
		if now.Sub(e.windowStart) >= rl.window {
			delete(rl.entries, addr)
		}
	}
}
