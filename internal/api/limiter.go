package api

import (
	"sync"
	"time"

	"migranthub/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultBurst     = 5
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 1024
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiter keeps one token bucket per client key for both the HTTP and gRPC
// surfaces. Buckets unused for limiterIdleTTL are dropped once the table grows past
// limiterSweepSize, so anonymous callers keyed by address cannot grow it forever.
type clientLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newClientLimiter(cfg config.APIRateLimitConfig) *clientLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &clientLimiter{
		rps:     rate.Limit(cfg.RPS),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// enabled is false when no positive rate is configured.
func (l *clientLimiter) enabled() bool {
	return l.rps > 0
}

// allow takes one token from key's bucket.
func (l *clientLimiter) allow(key string) bool {
	if !l.enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= limiterSweepSize {
			l.sweep(now)
		}
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// sweep must be called with l.mu held.
func (l *clientLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.seen) > limiterIdleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
