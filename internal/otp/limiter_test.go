package otp

import (
	"testing"
	"time"
)

func TestAttemptLimiter(t *testing.T) {
	limiter := NewAttemptLimiter(2, time.Minute)
	now := time.Now()

	if !limiter.Allow("k", now) || !limiter.Allow("k", now) {
		t.Fatal("expected the first two attempts to pass")
	}
	if limiter.Allow("k", now) {
		t.Error("third attempt passed")
	}
	if !limiter.Allow("k", now.Add(30*time.Second)) {
		t.Error("expected one token back after half the window")
	}

	limiter.Reset("k")
	if !limiter.Allow("k", now) {
		t.Error("Reset() did not restore the budget")
	}
}

func TestAttemptLimiterPrunes(t *testing.T) {
	limiter := NewAttemptLimiter(1, time.Minute)
	now := time.Now()

	for i := 0; i <= pruneThreshold; i++ {
		limiter.Allow(string(rune(i)), now)
	}
	limiter.Allow("late", now.Add(2*time.Minute))

	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	if len(limiter.limiters) != 1 {
		t.Errorf("limiters = %d, want 1 after prune", len(limiter.limiters))
	}
}
