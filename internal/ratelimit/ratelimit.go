// Package ratelimit implements the per-caller sliding-window limit on
// verification requests. Keys are opaque to the limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults for the verification endpoint.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 5
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is satisfied by every backend.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Window() time.Duration
	Max() int
}

// Memory keeps one ordered timestamp slice per key.
type Memory struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewMemory builds an in-process limiter. Non-positive values use the defaults.
func NewMemory(window time.Duration, max int) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Memory{
		window: window,
		max:    max,
		now:    time.Now,
		calls:  make(map[string][]time.Time),
	}
}

// WithClock replaces time.Now, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Allow prunes timestamps older than the window, then admits the call if
// fewer than max remain.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)

	valid := m.calls[key][:0]
	for _, t := range m.calls[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= m.max {
		m.calls[key] = valid
		return Decision{RetryAfter: valid[0].Add(m.window).Sub(now)}, nil
	}

	m.calls[key] = append(valid, now)
	return Decision{Allowed: true}, nil
}

// Used returns how many calls key made in the current window.
func (m *Memory) Used(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.window)
	count := 0
	for _, t := range m.calls[key] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// Sweep drops keys with no timestamps inside the window. Allow never
// depends on it; it only bounds memory for callers that went quiet.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.window)
	removed := 0
	for k, ts := range m.calls {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(m.calls, k)
			removed++
		}
	}
	return removed
}

// Keys returns how many callers the limiter is tracking.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// StartSweeper runs Sweep every interval until the returned stop func is
// called. A non-positive interval uses the window.
func (m *Memory) StartSweeper(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = m.window
	}
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}

func (m *Memory) Window() time.Duration { return m.window }
func (m *Memory) Max() int              { return m.max }
