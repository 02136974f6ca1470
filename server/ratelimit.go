package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/converse/plugin/chat_apps"
)

const (
	defaultRequestsPerSecond = 1
	defaultBurst             = 5

	// Idle limiters older than this are dropped on the next sweep.
	limiterIdleTimeout = 10 * time.Minute
)

// userLimiter rate-limits webhook traffic per platform user.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	return &userLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the user may submit another request now.
func (u *userLimiter) Allow(platform chat_apps.Platform, userID string) bool {
	key := string(platform) + ":" + userID

	u.mu.Lock()
	entry, ok := u.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(u.rps, u.burst)}
		u.limiters[key] = entry
		if len(u.limiters)%256 == 0 {
			u.sweepLocked()
		}
	}
	entry.lastSeen = time.Now()
	u.mu.Unlock()

	return entry.limiter.Allow()
}

func (u *userLimiter) sweepLocked() {
	cutoff := time.Now().Add(-limiterIdleTimeout)
	for key, entry := range u.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(u.limiters, key)
		}
	}
}
