package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter enforces an independent token bucket per key (client IP,
// credential ID, pairing token, kit ID). Buckets idle past the eviction
// window are swept periodically so abandoned keys do not accumulate.
type keyedLimiter struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*rlBucket
	ops     int
}

type rlBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// sweepEvery bounds how often the idle sweep runs relative to allow calls.
const sweepEvery = 64

func newKeyedLimiter(r rate.Limit, burst int, idle time.Duration) *keyedLimiter {
	return &keyedLimiter{
		rate:    r,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*rlBucket),
	}
}

// perWindow converts "n events per window" into a rate.Limit.
func perWindow(n int, window time.Duration) rate.Limit {
	return rate.Limit(float64(n) / window.Seconds())
}

func (k *keyedLimiter) allow(key string) bool {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()

	b := k.buckets[key]
	if b == nil {
		b = &rlBucket{lim: rate.NewLimiter(k.rate, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now

	k.ops++
	if k.ops%sweepEvery == 0 {
		for id, v := range k.buckets {
			if now.Sub(v.lastSeen) > k.idle {
				delete(k.buckets, id)
			}
		}
	}
	return b.lim.Allow()
}

// clientIP resolves the caller's address, trusting the first entry of
// X-Forwarded-For when a proxy set one.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
