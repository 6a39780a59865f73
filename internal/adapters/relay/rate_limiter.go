package relay

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by client token.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// NewRateLimiterPerSecond allows burst writes within any burst/rate seconds.
func NewRateLimiterPerSecond(rate float64, burst int) *RateLimiter {
	if rate <= 0 || burst <= 0 {
		return nil
	}
	return NewRateLimiter(burst, time.Duration(float64(burst)/rate*float64(time.Second)))
}

// Allow records an attempt for client and reports whether it fits the window.
// A nil limiter allows everything.
func (rl *RateLimiter) Allow(client string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[client]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[client] = fresh
		return false
	}
	rl.history[client] = append(fresh, now)
	return true
}

// Forget drops the history of a disconnected client.
func (rl *RateLimiter) Forget(client string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, client)
	rl.mu.Unlock()
}
