// Package ratelimit is the admission control in front of the wallet endpoints.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Local keeps one token bucket per key in process memory. Refill is
// limit tokens per window, so over any window at most limit requests pass.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   int
	every   rate.Limit
	now     func() time.Time
}

func NewLocal(limit int, window time.Duration) *Local {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Local{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.limit)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: l.limit, RetryAfter: delay}, nil
	}
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: l.limit, Remaining: remaining}, nil
}
