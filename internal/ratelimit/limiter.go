// Package ratelimit implements per-topic token-bucket admission on top of a
// windowed usage counter that may live in-process or in a shared store.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"
)

const (
	DefaultCapacity = 5
	DefaultWindow   = 10 * time.Second
)

// Counter increments the usage of topic within the window starting at
// windowStart and returns the usage after the increment. A call with a new
// windowStart resets the count.
type Counter interface {
	Incr(ctx context.Context, topic string, windowStart time.Time, window time.Duration) (int64, error)
}

type Options struct {
	Capacity int
	Window   time.Duration
	Now      func() time.Time
}

// Limiter admits calls per topic. When the shared counter fails it degrades to
// an in-process counter for that call.
type Limiter struct {
	counter  Counter
	fallback *MemoryCounter
	capacity int
	window   time.Duration
	now      func() time.Time
}

func New(counter Counter, opts Options) *Limiter {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	fallback := NewMemoryCounter()
	if counter == nil {
		counter = fallback
	}
	return &Limiter{
		counter:  counter,
		fallback: fallback,
		capacity: opts.Capacity,
		window:   opts.Window,
		now:      opts.Now,
	}
}

// Allow reports whether one more call on topic fits the bucket. A
// ratePerSecond <= 0 disables limiting.
func (l *Limiter) Allow(ctx context.Context, topic string, ratePerSecond float64) bool {
	if ratePerSecond <= 0 {
		return true
	}
	now := l.now()
	windowStart := now.Truncate(l.window)

	used, err := l.counter.Incr(ctx, topic, windowStart, l.window)
	if err != nil {
		slog.Warn("ratelimit: shared counter unavailable, using in-process counter", "topic", topic, "error", err)
		used, _ = l.fallback.Incr(ctx, topic, windowStart, l.window)
	}

	elapsed := now.Sub(windowStart).Seconds()
	allowance := math.Min(float64(l.capacity), elapsed*ratePerSecond+1)
	return float64(used) <= allowance
}

// Capacity returns the bucket size.
func (l *Limiter) Capacity() int { return l.capacity }
