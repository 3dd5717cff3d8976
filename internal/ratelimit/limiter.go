package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per feature key, created on first use.
// It fronts the start endpoints; status polls are never limited.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// New builds a limiter allowing ratePerMin starts per minute per feature
// with the given burst.
func New(ratePerMin, burst int) *Limiter {
	if ratePerMin <= 0 {
		ratePerMin = 30
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Every(time.Minute / time.Duration(ratePerMin)),
		burst:   burst,
	}
}

// Size reports how many feature buckets exist. Callers gate Allow on a
// known feature set, so this stays bounded by that set.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Allow reports whether one more start on the feature is admitted now.
func (l *Limiter) Allow(feature string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[feature]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[feature] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
