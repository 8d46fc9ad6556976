package ratelimit

import (
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Limiter is a fixed-window rate limiter. Allow is a pre-flight gate: it is
// safe to call before the real request is dispatched.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

// Decision reports the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	WindowEnd time.Time
}

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string]windowState
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryLimiter returns an in-process limiter. Expired windows are
// replaced lazily on access and swept periodically to bound the table.
func NewMemoryLimiter() Limiter {
	rl := &memoryLimiter{
		entries: make(map[string]windowState),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = windowState{count: 1, windowEnd: now.Add(window)}
		rl.entries[key] = state
		return Decision{Allowed: true, Count: state.count, Limit: limit, WindowEnd: state.windowEnd}
	}
	if state.count >= limit {
		return Decision{Allowed: false, Count: state.count, Limit: limit, WindowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return Decision{Allowed: true, Count: state.count, Limit: limit, WindowEnd: state.windowEnd}
}

func (rl *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if now.After(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}
