package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxClientLimiters bounds the number of tracked clients
const maxClientLimiters = 10_000

// ClientRateLimiter keeps one token bucket per client address
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a limiter allowing perSecond requests per
// client with the given burst
func NewClientRateLimiter(perSecond float64, burst int) *ClientRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ClientRateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether client may make a request now
func (l *ClientRateLimiter) Allow(client string) bool {
	return l.limiter(client).AllowN(l.now(), 1)
}

func (l *ClientRateLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.limiters[client]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(l.limiters) >= maxClientLimiters {
		var oldest string
		var oldestSeen time.Time
		for c, entry := range l.limiters {
			if oldest == "" || entry.lastSeen.Before(oldestSeen) {
				oldest, oldestSeen = c, entry.lastSeen
			}
		}
		delete(l.limiters, oldest)
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters[client] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Cleanup forgets clients idle for longer than maxAge and returns how many
func (l *ClientRateLimiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cleaned := 0
	for c, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > maxAge {
			delete(l.limiters, c)
			cleaned++
		}
	}
	return cleaned
}
