// Package lock provides the per-contact admission gate. A gate is not a mutex:
// it remembers when a key was last acquired and rejects any attempt made
// before the window elapses. Rejected attempts are dropped, never queued.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Gate records acquisitions per key.
type Gate interface {
	// TryAcquire reports whether key was free for window and, if so, marks it
	// acquired now.
	TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemoryGate is an in-process gate.
type MemoryGate struct {
	mu       sync.Mutex
	acquired map[string]time.Time
	now      func() time.Time
	calls    int
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{acquired: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source.
func (g *MemoryGate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *MemoryGate) TryAcquire(_ context.Context, key string, window time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.calls++
	if g.calls%1024 == 0 {
		g.pruneLocked(now, window)
	}

	if at, ok := g.acquired[key]; ok && now.Sub(at) < window {
		return false, nil
	}
	g.acquired[key] = now
	return true, nil
}

func (g *MemoryGate) pruneLocked(now time.Time, window time.Duration) {
	for key, at := range g.acquired {
		if now.Sub(at) >= window {
			delete(g.acquired, key)
		}
	}
}

// FallbackGate uses primary and degrades to an in-process gate when primary
// errors.
type FallbackGate struct {
	primary  Gate
	fallback *MemoryGate
}

func NewFallbackGate(primary Gate) *FallbackGate {
	return &FallbackGate{primary: primary, fallback: NewMemoryGate()}
}

func (f *FallbackGate) TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := f.primary.TryAcquire(ctx, key, window)
	if err == nil {
		return ok, nil
	}
	slog.Warn("lock: shared gate unavailable, using in-process gate", "key", key, "error", err)
	return f.fallback.TryAcquire(ctx, key, window)
}
