package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("a"); err != nil {
		t.Fatalf("nil limiter should allow: %v", err)
	}
}

func TestLimiter_BurstThenReject(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("client"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.Allow("other"); err != nil {
		t.Fatalf("clients must not share buckets: %v", err)
	}

	now = now.Add(time.Second)
	if err := l.Allow("client"); err != nil {
		t.Fatalf("expected a refilled token after one second: %v", err)
	}
}

func TestLimiter_Prune(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	l.now = func() time.Time { return now }

	_ = l.Allow("idle")
	_ = l.Allow("busy")
	_ = l.Allow("busy")

	now = now.Add(time.Second)
	if removed := l.Prune(time.Second); removed != 1 {
		t.Fatalf("expected only the refilled bucket pruned, got %d", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked client, got %d", l.Len())
	}
}
