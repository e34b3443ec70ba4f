package relay

import (
	"sync"
	"time"
)

// RateLimiter allows each user a fixed number of chat events per window
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
	now     func() time.Time
}

// clientLimit tracks one user's current window
type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter; limit <= 0 disables limiting
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow records one event for username and reports whether it is within the limit
func (rl *RateLimiter) Allow(username string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[username]
	if !exists {
		rl.clients[username] = &clientLimit{
			messageCount: 1,
			windowStart:  now,
		}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup drops users idle for five windows and returns how many were removed.
// Called periodically by the maintenance scheduler.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for username, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, username)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of users with live windows
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
