package backchannel

import (
	"testing"
	"time"
)

func TestThrottled(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	interval := 5 * time.Second

	if Throttled(nil, interval, now) {
		t.Fatal("never-polled request reported throttled")
	}

	lastPolled := now.Add(-2 * time.Second)
	if !Throttled(&lastPolled, interval, now) {
		t.Fatal("poll inside interval not throttled")
	}

	lastPolled = now.Add(-interval)
	if Throttled(&lastPolled, interval, now) {
		t.Fatal("poll exactly at interval reported throttled")
	}

	lastPolled = now.Add(-time.Minute)
	if Throttled(&lastPolled, interval, now) {
		t.Fatal("poll past interval reported throttled")
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	interval := 5 * time.Second

	if got := RetryAfter(nil, interval, now); got != 0 {
		t.Fatalf("retry after for never-polled = %v, want 0", got)
	}

	lastPolled := now.Add(-2 * time.Second)
	if got := RetryAfter(&lastPolled, interval, now); got != 3*time.Second {
		t.Fatalf("retry after = %v, want 3s", got)
	}

	lastPolled = now.Add(-time.Minute)
	if got := RetryAfter(&lastPolled, interval, now); got != 0 {
		t.Fatalf("retry after past interval = %v, want 0", got)
	}
}
