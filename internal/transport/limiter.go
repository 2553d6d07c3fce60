package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneAbove bounds the limiter map; buckets that have fully refilled are
// dropped once it grows past this size.
const pruneAbove = 10_000

// userLimiter hands out one token bucket per user. The key is the user only,
// not the session, so rotating session ids does not bypass it.
type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// newUserLimiter allows perMinute submits per user; zero disables limiting.
func newUserLimiter(perMinute int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &userLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *userLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= pruneAbove {
			l.prune()
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// prune drops idle buckets. Caller holds l.mu.
func (l *userLimiter) prune() {
	for id, lim := range l.limiters {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.limiters, id)
		}
	}
}
