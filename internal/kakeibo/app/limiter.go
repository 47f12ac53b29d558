package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requesterLimiter hands out one token bucket per requester.
type requesterLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRequesterLimiter allows perMinute requests per requester per minute,
// with bursts of up to perMinute. perMinute ≤ 0 means DefaultRateLimit.
func newRequesterLimiter(perMinute int) *requesterLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRateLimit
	}
	return &requesterLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow reports whether requester may make another request now.
func (l *requesterLimiter) Allow(requester string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[requester]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[requester] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune forgets requesters idle for longer than idle.
func (l *requesterLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for id, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}
