package mcpserver

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-tool token bucket to the propose endpoint:
// irreversible tools are the ones worth protecting against proposal spam
// before a request ever reaches risk scoring.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing perSecond proposals per tool
// with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether one more proposal for toolName fits the bucket.
func (r *RateLimiter) Allow(toolName string) bool {
	r.mu.Lock()
	l, ok := r.limiters[toolName]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[toolName] = l
	}
	r.mu.Unlock()
	return l.Allow()
}
