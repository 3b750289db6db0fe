package middleware

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiterWithNow(3, time.Minute, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("ip1") {
		t.Fatalf("request over the limit should be denied")
	}
}

func TestRateLimiter_KeysIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return now })

	if !rl.Allow("ip1") || !rl.Allow("ip2") {
		t.Fatalf("distinct keys must not share a window")
	}
	if rl.Allow("ip1") {
		t.Fatalf("ip1 is over its limit")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return now })

	if !rl.Allow("ip1") {
		t.Fatalf("first request should be allowed")
	}
	now = now.Add(40 * time.Second)
	if !rl.Allow("ip1") {
		t.Fatalf("second request should be allowed")
	}
	if rl.Allow("ip1") {
		t.Fatalf("two hits in the window must deny the third")
	}

	// The oldest hit ages out; the window admits one more.
	now = now.Add(30 * time.Second)
	if !rl.Allow("ip1") {
		t.Fatalf("request should be allowed once the oldest hit expires")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return now })

	if !rl.Allow("ip1") {
		t.Fatalf("first request should be allowed")
	}
	if rl.Allow("ip1") {
		t.Fatalf("second request should be denied")
	}

	now = now.Add(2 * time.Minute)
	if !rl.Allow("ip1") {
		t.Fatalf("request after window reset should be allowed")
	}
}
