package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// Memory is an in-process fixed window limiter.
//
// State is lost on restart and is not shared between processes: several instances each apply
// the policy independently. Use Redis when the service is replicated.
type Memory struct {
	policy PolicyProvider
	now    func() time.Time
	log    *slog.Logger

	mu      sync.Mutex
	windows map[string]window
}

type memoryOptions struct {
	now    func() time.Time
	logger *slog.Logger
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*memoryOptions)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		o.now = now
	}
}

// WithLogger sets the logger used for background sweeping.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(o *memoryOptions) {
		o.logger = l
	}
}

// NewMemory returns an empty in-process limiter reading its policy from p.
func NewMemory(p PolicyProvider, args ...MemoryOption) *Memory {
	opts := memoryOptions{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Memory{
		policy:  p,
		now:     opts.now,
		log:     opts.logger,
		windows: make(map[string]window),
	}
}

// TryConsume implements Limiter. It never returns an error.
func (m *Memory) TryConsume(_ context.Context, key string) (bool, error) {
	p := m.policy.RateLimitPolicy()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		m.windows[key] = window{count: 1, resetAt: now.Add(p.Window)}
		return true, nil
	}
	if w.count >= p.MaxPerWindow {
		return false, nil
	}
	w.count++
	m.windows[key] = w
	return true, nil
}

// Sweep forgets every window that has expired and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int
	for key, w := range m.windows {
		if now.After(w.resetAt) {
			delete(m.windows, key)
			n++
		}
	}
	return n
}

// Run sweeps expired windows every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("Swept expired rate limit windows", "count", n, "remaining", m.Len())
			}
		}
	}
}

// Len returns the number of keys currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
