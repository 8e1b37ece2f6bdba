package agent

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_ImmediateBurst(t *testing.T) {
	rl := NewRateLimiter(5, 60.0)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := rl.Wait(ctx, "g"); err != nil {
			t.Fatalf("burst token %d failed: %v", i, err)
		}
	}
}

func TestRateLimiter_WaitsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600.0) // 1 burst, 10/sec refill

	ctx := context.Background()
	if err := rl.Wait(ctx, "g"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx, "g"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx, "guild:a"); err != nil {
		t.Fatal(err)
	}
	// a is drained, b still has its burst token
	if err := rl.Wait(ctx, "guild:b"); err != nil {
		t.Fatalf("second key should not wait: %v", err)
	}
	if rl.Keys() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.Keys())
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rl.Wait(ctx, "g"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := rl.Wait(ctx, "g"); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestRateLimiter_DefaultValues(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.max != defaultRateBurst {
		t.Fatalf("expected default max=%d, got %v", defaultRateBurst, rl.max)
	}
	if rl.rate == 0 {
		t.Fatal("rate should not be zero")
	}
}

func TestRateLimiter_RefillWithFakeClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, 60.0) // 1/sec
	rl.now = func() time.Time { return now }

	rl.reserve("g")
	rl.reserve("g")
	if wait := rl.reserve("g"); wait <= 0 {
		t.Fatalf("expected a wait after draining, got %v", wait)
	}

	now = now.Add(1500 * time.Millisecond)
	if wait := rl.reserve("g"); wait != 0 {
		t.Fatalf("expected refill after 1.5s, got wait %v", wait)
	}
}
