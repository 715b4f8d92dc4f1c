package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// rate.NewLimiter(10, 2) starts with 2 tokens in the bucket
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("cred-a") {
		t.Error("First event should be allowed")
	}
	if !limiter.Allow("cred-a") {
		t.Error("Second event should be allowed")
	}
	if limiter.Allow("cred-a") {
		t.Error("Third event should be rate limited")
	}

	// Keys have independent buckets
	if !limiter.Allow("cred-b") {
		t.Error("Other key should not be limited")
	}

	// 10/s = 100ms per token
	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("cred-a") {
		t.Error("Event after waiting should be allowed")
	}
}

func TestDisabledLimiterNeverBlocks(t *testing.T) {
	limiter := NewLimiter(0, 0)
	if limiter.Enabled() {
		t.Fatal("zero rate should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	if err := limiter.Wait(context.Background(), "k"); err != nil {
		t.Errorf("Wait on disabled limiter: %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.1, 1)
	if err := limiter.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("first Wait should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "k"); err == nil {
		t.Error("expected Wait to fail when the next token is 10s away")
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 1)
	limiter.Allow("stale")
	time.Sleep(10 * time.Millisecond)
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(5 * time.Millisecond); removed != 1 {
		t.Errorf("expected 1 limiter removed, got %d", removed)
	}
}
