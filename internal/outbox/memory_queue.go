package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an unbounded in-process FIFO. Items are lost on restart.
type MemoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{signal: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Push(_ context.Context, item []byte) error {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if item, ok := q.take(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) take() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// wake another waiter for the remaining items
		q.notify()
	}
	return item, true
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Mode() string { return "in-memory" }
