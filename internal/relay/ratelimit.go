package relay

import (
	"sync"
	"time"
)

// RateLimiter throttles chat turns per user over a sliding window. Keys are
// userIDs, not userID:sessionID pairs, so clients cannot bypass throttling
// by rotating session IDs.
type RateLimiter struct {
	mu     sync.Mutex
	seen   map[string][]time.Time
	limit  int
	window time.Duration
	stop   chan struct{}
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
// and starts its eviction loop. Call Stop on shutdown.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		seen:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		stop:   make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether the key may make another request now, recording it
// if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := pruneBefore(rl.seen[key], now.Add(-rl.window))
	if len(recent) >= rl.limit {
		rl.seen[key] = recent
		return false
	}
	rl.seen[key] = append(recent, now)
	return true
}

// Stop terminates the eviction loop.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// evictLoop drops idle keys once per window so the map does not grow with
// every user ever seen.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-rl.window)
			for key, stamps := range rl.seen {
				if fresh := pruneBefore(stamps, cutoff); len(fresh) == 0 {
					delete(rl.seen, key)
				} else {
					rl.seen[key] = fresh
				}
			}
			rl.mu.Unlock()
		}
	}
}

// pruneBefore returns the timestamps strictly after cutoff.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
