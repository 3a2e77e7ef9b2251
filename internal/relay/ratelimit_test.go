package relay

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Minute)
	defer rl.Stop()
	for i := 0; i < 3; i++ {
		if !rl.Allow("user-1") {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	if rl.Allow("user-1") {
		t.Error("request over limit was allowed")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	if !rl.Allow("user-1") {
		t.Fatal("first request for user-1 denied")
	}
	if !rl.Allow("user-2") {
		t.Error("user-2 throttled by user-1's requests")
	}
	if rl.Allow("user-1") {
		t.Error("user-1 second request should be denied")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 50*time.Millisecond)
	defer rl.Stop()
	if !rl.Allow("user-1") {
		t.Fatal("first request denied")
	}
	if rl.Allow("user-1") {
		t.Fatal("second request within window allowed")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("user-1") {
		t.Error("request after window expiry denied")
	}
}

func TestRateLimiterStop(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 10*time.Millisecond)
	rl.Stop()

	// The limiter still answers after Stop; only eviction halts.
	if !rl.Allow("user-1") {
		t.Error("Allow denied after Stop")
	}
}
