package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is an in-process Limiter using the virtual-scheduling form
// of the token bucket: per key it keeps only the theoretical arrival time
// of the next conforming request, so state is one timestamp instead of a
// token count. A sweeper goroutine drops idle keys; Close stops it.
type MemoryLimiter struct {
	interval  time.Duration // spacing between sustained requests (1/rate)
	tolerance time.Duration // how far ahead the schedule may run (burst)

	mu   sync.Mutex
	next map[string]time.Time // per-key theoretical arrival time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate sustained requests per
// second per key, with bursts of up to burst requests.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	interval := time.Duration(float64(time.Second) / rate)
	m := &MemoryLimiter{
		interval:  interval,
		tolerance: time.Duration(burst-1) * interval,
		next:      make(map[string]time.Time),
		closed:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow reports whether a request under key conforms to its schedule. A
// conforming request pushes the key's theoretical arrival time forward by
// one interval; a non-conforming one leaves the schedule untouched.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tat := m.next[key]
	if tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > m.tolerance {
		return false, nil
	}
	m.next[key] = tat.Add(m.interval)
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// sweepEvery and idleGrace bound the limiter's memory: a key whose
// schedule has been fully caught up for idleGrace carries no state worth
// keeping, since a fresh key behaves identically.
const (
	sweepEvery = time.Minute
	idleGrace  = 10 * time.Minute
)

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.dropIdle(time.Now().Add(-idleGrace))
		}
	}
}

func (m *MemoryLimiter) dropIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tat := range m.next {
		if tat.Before(cutoff) {
			delete(m.next, key)
		}
	}
}
