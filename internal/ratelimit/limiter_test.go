package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	if !l.Allow("ip:1", 1, 2, now) {
		t.Fatalf("expected first request allowed")
	}
	if !l.Allow("ip:1", 1, 2, now) {
		t.Fatalf("expected second request allowed")
	}
	if l.Allow("ip:1", 1, 2, now) {
		t.Fatalf("expected third request limited")
	}

	later := now.Add(1500 * time.Millisecond)
	if !l.Allow("ip:1", 1, 2, later) {
		t.Fatalf("expected refill to allow after time")
	}
}

func TestLimiterDifferentKeys(t *testing.T) {
	l := NewLimiter()
	now := time.Now()

	if !l.Allow("ip:1", 1, 1, now) {
		t.Fatalf("expected first key allowed")
	}
	if !l.Allow("ip:2", 1, 1, now) {
		t.Fatalf("expected second key allowed")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("", 1, 1, now) || !l.Allow("ip:1", 0, 1, now) {
			t.Fatalf("expected unlimited requests")
		}
	}
}

func TestLimiterSweep(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	l.Allow("ip:old", 1, 1, now.Add(-time.Hour))
	l.Allow("ip:new", 1, 1, now)

	if removed := l.Sweep(now.Add(-time.Minute)); removed != 1 {
		t.Fatalf("expected 1 bucket removed, got %d", removed)
	}
	if !l.Allow("ip:old", 1, 1, now) {
		t.Fatalf("expected swept key to start with a full bucket")
	}
}

func TestKey(t *testing.T) {
	if Key(KeyIP, "1.2.3.4", "/a") != "ip:1.2.3.4" {
		t.Fatalf("unexpected ip key")
	}
	if Key(KeyIPPath, "1.2.3.4", "/a") != "ip_path:1.2.3.4:/a" {
		t.Fatalf("unexpected ip_path key")
	}
	if Key(KeyIP, "", "/a") != "" {
		t.Fatalf("expected empty key without client ip")
	}
}
