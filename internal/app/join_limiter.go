package app

import (
	"sync"
	"time"
)

// JoinLimiter caps how many join requests one user may raise per interval.
type JoinLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewJoinLimiter(limit int, interval time.Duration) *JoinLimiter {
	return &JoinLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt by userID and reports whether it is within the
// limit. A non-positive limit disables the check.
func (rl *JoinLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[userID]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[userID] = fresh
		return false
	}

	rl.history[userID] = append(fresh, now)
	return true
}

func (rl *JoinLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.history = make(map[string][]time.Time)
}
