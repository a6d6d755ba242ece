package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestKeyedLimiterBurst(t *testing.T) {
	kl := newKeyedLimiter(perWindow(2, time.Minute), 2, time.Hour)
	if !kl.allow("a") || !kl.allow("a") {
		t.Fatal("burst allowance should pass")
	}
	if kl.allow("a") {
		t.Fatal("third call inside the window should be limited")
	}
}

func TestKeyedLimiterKeysAreIndependent(t *testing.T) {
	kl := newKeyedLimiter(perWindow(1, time.Minute), 1, time.Hour)
	if !kl.allow("a") {
		t.Fatal("first key should pass")
	}
	if !kl.allow("b") {
		t.Fatal("exhausting one key must not limit another")
	}
	if kl.allow("a") {
		t.Fatal("exhausted key should stay limited")
	}
}

func TestKeyedLimiterSweepsIdleBuckets(t *testing.T) {
	kl := newKeyedLimiter(perWindow(10, time.Second), 10, time.Millisecond)
	kl.allow("stale")
	kl.mu.Lock()
	kl.buckets["stale"].lastSeen = time.Now().Add(-time.Minute)
	kl.mu.Unlock()

	for i := 0; i < sweepEvery; i++ {
		kl.allow("fresh")
	}
	kl.mu.Lock()
	_, ok := kl.buckets["stale"]
	kl.mu.Unlock()
	if ok {
		t.Fatal("idle bucket survived the sweep")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:4242"
	if got := clientIP(r); got != "10.0.0.7" {
		t.Fatalf("clientIP = %q, want 10.0.0.7", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.7")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Fatalf("clientIP with XFF = %q, want 203.0.113.9", got)
	}
}
