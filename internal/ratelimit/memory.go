package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	used        int64
	windowStart time.Time
	expiresAt   time.Time
}

// MemoryCounter keeps usage counters in process memory. Counts are not shared
// between processes.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{buckets: make(map[string]*bucket)}
}

func (c *MemoryCounter) Incr(_ context.Context, topic string, windowStart time.Time, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls%1024 == 0 {
		c.pruneLocked(windowStart)
	}

	b, ok := c.buckets[topic]
	if !ok || !b.windowStart.Equal(windowStart) {
		b = &bucket{windowStart: windowStart, expiresAt: windowStart.Add(window)}
		c.buckets[topic] = b
	}
	b.used++
	return b.used, nil
}

func (c *MemoryCounter) pruneLocked(now time.Time) {
	for topic, b := range c.buckets {
		if !now.Before(b.expiresAt) {
			delete(c.buckets, topic)
		}
	}
}

// Len returns the number of tracked topics.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
