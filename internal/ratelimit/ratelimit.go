// Package ratelimit provides a fixed-window, in-memory request limiter keyed by caller.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// KeyFunc derives the limiter key for a request
type KeyFunc func(r *http.Request) string

// Limiter allows up to limit requests per key within each window.
type Limiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int
	window        time.Duration
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
	now           func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// New creates a limiter with the specified limit and window
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// Allow records a request for key and reports whether it is within the limit.
// A non-positive limit disables limiting.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	l.requestCount++
	if l.requestCount%l.cleanupEvery == 0 || len(l.requests) > l.cleanupAtSize {
		l.cleanupExpired(now)
		if l.requestCount >= l.cleanupEvery*10 {
			l.requestCount = 0
		}
	}

	b, exists := l.requests[key]
	if !exists || now.After(b.resetAt) {
		l.requests[key] = &bucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

// RetryAfter returns how long until key's window resets
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.requests[key]
	if !ok {
		return 0
	}
	if d := b.resetAt.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

func (l *Limiter) cleanupExpired(now time.Time) {
	for key, b := range l.requests {
		if now.After(b.resetAt) {
			delete(l.requests, key)
		}
	}
}

// Cleanup removes all expired entries
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupExpired(l.now())
}

// Middleware rejects requests over the limit with 429. keyFn defaults to ClientIP.
func (l *Limiter) Middleware(keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFn(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For first (set by proxies/load balancers), then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
