package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCounter shares usage counters between processes through one row per
// topic.
type PostgresCounter struct {
	pool *pgxpool.Pool
}

func NewPostgresCounter(ctx context.Context, pool *pgxpool.Pool) (*PostgresCounter, error) {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS rate_buckets (
		topic TEXT PRIMARY KEY,
		window_start TIMESTAMPTZ NOT NULL,
		used BIGINT NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("init rate bucket schema: %w", err)
	}
	return &PostgresCounter{pool: pool}, nil
}

func (c *PostgresCounter) Incr(ctx context.Context, topic string, windowStart time.Time, _ time.Duration) (int64, error) {
	var used int64
	err := c.pool.QueryRow(ctx,
		`INSERT INTO rate_buckets (topic, window_start, used) VALUES ($1, $2, 1)
		 ON CONFLICT (topic) DO UPDATE SET
			used = CASE WHEN rate_buckets.window_start = EXCLUDED.window_start
				THEN rate_buckets.used + 1 ELSE 1 END,
			window_start = EXCLUDED.window_start
		 RETURNING used`,
		topic,
		windowStart.UTC(),
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("increment rate bucket: %w", err)
	}
	return used, nil
}
