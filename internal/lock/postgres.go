package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGate shares acquisitions between processes. The conditional upsert
// makes acquisition atomic.
type PostgresGate struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresGate(ctx context.Context, pool *pgxpool.Pool) (*PostgresGate, error) {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS contact_locks (
		lock_key TEXT PRIMARY KEY,
		acquired_at TIMESTAMPTZ NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("init lock schema: %w", err)
	}
	return &PostgresGate{pool: pool, now: time.Now}, nil
}

func (g *PostgresGate) TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	now := g.now().UTC()
	var acquiredAt time.Time
	err := g.pool.QueryRow(ctx,
		`INSERT INTO contact_locks (lock_key, acquired_at) VALUES ($1, $2)
		 ON CONFLICT (lock_key) DO UPDATE SET acquired_at=EXCLUDED.acquired_at
		 WHERE contact_locks.acquired_at <= $3
		 RETURNING acquired_at`,
		key, now, now.Add(-window),
	).Scan(&acquiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return true, nil
}
