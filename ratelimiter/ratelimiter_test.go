package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestIsLimitedAfterWindowSaturates(t *testing.T) {
	l := New(3, time.Minute)

	if l.IsLimited("example.com") {
		t.Fatalf("fresh domain should not be limited")
	}
	for i := 0; i < 3; i++ {
		l.Record("example.com")
	}
	if !l.IsLimited("example.com") {
		t.Fatalf("expected domain to be limited after %d requests", 3)
	}
	if l.IsLimited("other.com") {
		t.Fatalf("limits must be per-domain")
	}
}

func TestWindowEntriesExpire(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Record("example.com")
	l.Record("example.com")
	if !l.IsLimited("example.com") {
		t.Fatalf("expected saturation")
	}

	time.Sleep(60 * time.Millisecond)
	if l.IsLimited("example.com") {
		t.Fatalf("expected window entries to expire")
	}
}

func TestSetBackoffAndRemaining(t *testing.T) {
	l := New(10, time.Minute)
	l.SetBackoff("example.com", time.Minute)

	if !l.IsLimited("example.com") {
		t.Fatalf("expected backoff to limit the domain")
	}
	remaining := l.RemainingBackoff("example.com")
	if remaining <= 0 || remaining > time.Minute {
		t.Fatalf("RemainingBackoff() = %v", remaining)
	}
	if l.RemainingBackoff("other.com") != 0 {
		t.Fatalf("expected zero backoff for unknown domain")
	}
}

func TestSetBackoffNeverShortens(t *testing.T) {
	l := New(10, time.Minute)
	l.SetBackoff("example.com", time.Minute)
	l.SetBackoff("example.com", time.Millisecond)

	if l.RemainingBackoff("example.com") < 30*time.Second {
		t.Fatalf("a shorter backoff must not override a longer one")
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	l := New(10, time.Minute)
	l.SetBackoff("example.com", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "example.com"); err == nil {
		t.Fatalf("expected Wait to return the context error")
	}
}

func TestWaitReturnsImmediatelyWhenClear(t *testing.T) {
	l := New(10, time.Minute)
	start := time.Now()
	if err := l.Wait(context.Background(), "example.com"); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Wait() blocked on an unlimited domain")
	}
}
