package relay

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, time.Minute)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_WindowLimit(t *testing.T) {
	rl, clock := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("Event %d should be allowed", i)
		}
	}
	if rl.Allow("alice") {
		t.Error("Fourth event in the window should be rejected")
	}
	if !rl.Allow("bob") {
		t.Error("Other users have their own window")
	}

	clock.Advance(time.Minute)
	if !rl.Allow("alice") {
		t.Error("A new window should reset the count")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl, _ := newTestLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("alice") {
			t.Fatal("Limit 0 disables rate limiting")
		}
	}
	if rl.Tracked() != 0 {
		t.Error("Disabled limiter should not track users")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestLimiter(10)
	rl.Allow("alice")
	clock.Advance(3 * time.Minute)
	rl.Allow("bob")

	clock.Advance(3 * time.Minute)
	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Expected alice's stale window to be removed, removed %d", removed)
	}
	if rl.Tracked() != 1 {
		t.Errorf("Expected bob to remain tracked, got %d", rl.Tracked())
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl, _ := newTestLimiter(50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("alice") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed, got %d", allowed)
	}
}
