package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsBurstPerKey(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	clock := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return clock }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("third request within the window should be rejected")
	}
	if !rl.Allow("b") {
		t.Fatal("other keys have their own budget")
	}

	clock = clock.Add(30 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("tokens should refill over the window")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	clock := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return clock }
	rl.Allow("stale")
	clock = clock.Add(30 * time.Second)
	rl.Allow("fresh")

	clock = clock.Add(45 * time.Second)
	rl.evict()

	if got := rl.size(); got != 1 {
		t.Fatalf("expected only the fresh key to remain, got %d keys", got)
	}
}
