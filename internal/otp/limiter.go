package otp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const pruneThreshold = 1024

// AttemptLimiter is a token bucket per order and purpose. Each key gets
// attempts tokens refilled evenly across window.
type AttemptLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*attemptBucket
	limit    rate.Limit
	burst    int
	window   time.Duration
}

type attemptBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewAttemptLimiter(attempts int, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		limiters: make(map[string]*attemptBucket),
		limit:    rate.Every(window / time.Duration(attempts)),
		burst:    attempts,
		window:   window,
	}
}

func (l *AttemptLimiter) Allow(key string, now time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.limiters) > pruneThreshold {
		l.prune(now)
	}

	b, ok := l.limiters[key]
	if !ok {
		b = &attemptBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Reset forgets a key, typically after a successful redemption.
func (l *AttemptLimiter) Reset(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.limiters, key)
}

func (l *AttemptLimiter) prune(now time.Time) {
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.limiters, key)
		}
	}
}
