package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type KeyType string

const (
	KeyIP     KeyType = "ip"
	KeyIPPath KeyType = "ip_path"
)

// Key builds the bucket key for a client.
func Key(kind KeyType, clientIP, path string) string {
	if clientIP == "" {
		return ""
	}
	if kind == KeyIPPath {
		return "ip_path:" + clientIP + ":" + path
	}
	return "ip:" + clientIP
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	last    time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow returns true if the request is allowed, false if rate limited.
func (l *Limiter) Allow(key string, rps float64, burst int, now time.Time) bool {
	if key == "" {
		return true
	}
	if rps <= 0 || burst <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.buckets[key] = b
	}

	if b.limiter.Limit() != rate.Limit(rps) {
		b.limiter.SetLimitAt(now, rate.Limit(rps))
	}
	if b.limiter.Burst() != burst {
		b.limiter.SetBurstAt(now, burst)
	}
	b.last = now

	return b.limiter.AllowN(now, 1)
}

// Sweep drops buckets unused since before cutoff and returns how many were
// removed.
func (l *Limiter) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
