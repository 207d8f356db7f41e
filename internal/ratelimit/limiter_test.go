package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllowRespectsBurst(t *testing.T) {
	l := NewLimiter(Config{Key: "test", RPM: 60, Burst: 3})
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected burst of 3 allowed immediately, got %d", allowed)
	}
}

func TestLimiterAcquireBlocksUntilRefill(t *testing.T) {
	l := NewLimiter(Config{Key: "test", RPM: 600, Burst: 1}) // 10/s
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("expected second acquire to wait for refill, took %v", time.Since(start))
	}
}

func TestManagerPerKeyIsolation(t *testing.T) {
	m := NewManager(Config{RPM: 60, Burst: 1})
	a := m.Get("host-a")
	b := m.Get("host-b")
	if a == b {
		t.Fatalf("expected distinct limiters per key")
	}
	if m.Get("host-a") != a {
		t.Fatalf("expected Get to return the same limiter for a repeated key")
	}
}

func TestManagerAcquireContextCancellation(t *testing.T) {
	m := NewManager(Config{RPM: 1, Burst: 1})
	_ = m.Get("k").Acquire(context.Background()) // drain the single burst token
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Acquire(ctx, "k"); err == nil {
		t.Fatalf("expected context deadline error while waiting for refill")
	}
}
