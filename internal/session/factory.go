package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Janitor is implemented by stores that prune expired sessions in the background.
type Janitor interface {
	StartJanitor(ctx context.Context, interval time.Duration)
}

// NewStore creates a postgres-backed store when a pool is given, otherwise in-memory.
func NewStore(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration) (Store, error) {
	if pool == nil {
		return NewMemoryStore(ttl), nil
	}
	st, err := NewPostgresStore(ctx, pool, ttl)
	if err != nil {
		return nil, err
	}
	return st, nil
}
