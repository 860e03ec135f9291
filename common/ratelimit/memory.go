package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is an in-process fixed-window limiter with the same result
// shape as the Redis one. Counters are not shared across instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Check counts one request against key's current window.
func (m *MemoryLimiter) Check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(time.Duration(windowSec) * time.Second)}
		m.windows[key] = w
	}
	w.count++

	if w.count > limit {
		retry := int64(w.resetAt.Sub(now) / time.Second)
		if retry < 1 {
			retry = 1
		}
		return &Result{
			Allowed:           false,
			CurrentCount:      w.count,
			Limit:             limit,
			RetryAfterSeconds: retry,
		}, nil
	}
	return &Result{
		Allowed:      true,
		CurrentCount: w.count,
		Limit:        limit,
	}, nil
}
