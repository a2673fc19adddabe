package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Proctor/internal/domain"
)

// RoomRateLimiter is a sliding-window limiter over relayed frames, one
// window per connection handle.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.HandleID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[domain.HandleID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for id and reports whether it fits the window.
// A non-positive limit disables limiting.
func (rl *RoomRateLimiter) Allow(id domain.HandleID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *RoomRateLimiter) Forget(id domain.HandleID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
