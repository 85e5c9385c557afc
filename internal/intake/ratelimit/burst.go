package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default burst limiting, applied in front of every route.
const (
	DefaultBurstRate  = rate.Limit(1)
	DefaultBurstSize  = 10
	burstIdleDuration = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BurstLimiter is a per-client token bucket protecting the whole server from request floods.
// It is independent from the submission window.
type BurstLimiter struct {
	key   ClientKeyFunc
	rate  rate.Limit
	burst int

	// Deny answers rejected requests. It defaults to a plain 429.
	Deny http.Handler

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewBurstLimiter returns a BurstLimiter refilling r tokens per second up to b, per client key.
func NewBurstLimiter(key ClientKeyFunc, r rate.Limit, b int) *BurstLimiter {
	return &BurstLimiter{
		key:     key,
		rate:    r,
		burst:   b,
		buckets: make(map[string]*bucket),
		Deny: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}),
	}
}

func (l *BurstLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Prune drops the buckets of clients idle for longer than idle.
func (l *BurstLimiter) Prune(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, key)
		}
	}
}

// Middleware rejects requests of clients that emptied their bucket.
func (l *BurstLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		if !l.allow(l.key(r), now) {
			l.Deny.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run prunes idle buckets every interval until ctx is done.
func (l *BurstLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(burstIdleDuration)
		}
	}
}

// Len returns the number of clients currently tracked.
func (l *BurstLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
