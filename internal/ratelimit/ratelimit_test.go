package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(limit, window)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("first two requests should be allowed")
	}
	if l.Allow("a") {
		t.Error("third request should be limited")
	}
	if !l.Allow("b") {
		t.Error("keys must be limited independently")
	}
	if got := l.RetryAfter("a"); got != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", got)
	}

	clock.t = clock.t.Add(time.Minute + time.Second)
	if !l.Allow("a") {
		t.Error("request after window should be allowed")
	}
}

func TestLimiter_DisabledWhenLimitNotPositive(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 10; i++ {
		if !l.Allow("a") {
			t.Fatal("limiter with limit 0 must allow everything")
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("a") {
		t.Error("nil limiter must allow")
	}
}

func TestLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	l, clock := newTestLimiter(10, time.Second)

	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if len(l.requests) != 50 {
		t.Fatalf("Expected 50 entries, got %d", len(l.requests))
	}

	clock.t = clock.t.Add(2 * time.Second)
	l.Allow("fresh")
	l.Cleanup()

	if len(l.requests) != 1 {
		t.Errorf("Expected 1 entry after cleanup, got %d", len(l.requests))
	}
}

func TestLimiter_CleanupCounterReset(t *testing.T) {
	l := New(10, time.Minute)
	for i := 0; i < l.cleanupEvery*15; i++ {
		l.Allow("192.168.1.1")
	}
	if l.requestCount > l.cleanupEvery*10 {
		t.Errorf("Counter should be reset, but is %d", l.requestCount)
	}
}

func TestLimiter_Middleware(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	handler := l.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("unexpected status codes %v", codes)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := ClientIP(req); got != "192.0.2.1:1234" {
		t.Errorf("ClientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 198.51.100.2 ,10.0.0.1")
	if got := ClientIP(req); got != "198.51.100.2" {
		t.Errorf("ClientIP = %q", got)
	}
}
