package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/0xrin1/flippening/internal/domain"
)

// RateLimiter keeps one token bucket per key, refilling limit tokens per
// window with a burst of limit.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter returns an empty limiter table.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	every := rate.Every(window / time.Duration(limit))

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok || b.Burst() != limit || b.Limit() != every {
		b = rate.NewLimiter(every, limit)
		rl.buckets[key] = b
	}
	rl.mu.Unlock()
	return b.Allow(), nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
