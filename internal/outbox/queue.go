package outbox

import (
	"context"
	"time"
)

// Queue is the storage strategy behind an Outbox. Pop is destructive and
// atomic: an item is handed to exactly one caller. Items keep FIFO order.
type Queue interface {
	Push(ctx context.Context, item []byte) error
	// Pop waits up to wait for an item and returns nil, nil on timeout.
	Pop(ctx context.Context, wait time.Duration) ([]byte, error)
	Len(ctx context.Context) (int, error)
	// Mode names the backend for health reporting.
	Mode() string
}
