package call

import (
	"sync"
	"time"

	"github.com/mivora/callkit/internal/domain"
)

// dialLimiter caps outbound call attempts per callee over a sliding
// window, so a retry loop in a client cannot ring the same person
// endlessly.
type dialLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func newDialLimiter(limit int, interval time.Duration) *dialLimiter {
	return &dialLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *dialLimiter) allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		return false
	}

	fresh = append(fresh, now)
	rl.history[uid] = fresh
	return true
}

func (rl *dialLimiter) reset() {
	rl.mu.Lock()
	rl.history = make(map[domain.UserID][]time.Time)
	rl.mu.Unlock()
}
