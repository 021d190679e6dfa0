package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/funnelbot/internal/storage"
)

const defaultPollInterval = 200 * time.Millisecond

// PostgresQueue stores items in a shared table. Pop deletes the oldest row
// under SKIP LOCKED so concurrent workers never receive the same item.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	name         string
	pollInterval time.Duration
}

func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool, name string) (*PostgresQueue, error) {
	if err := initQueueSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresQueue{pool: pool, name: name, pollInterval: defaultPollInterval}, nil
}

func initQueueSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_items (
			id BIGSERIAL PRIMARY KEY,
			queue TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_items_queue_id ON outbox_items (queue, id);`,
	}
	if err := storage.InitSchema(ctx, pool, stmts); err != nil {
		return fmt.Errorf("init outbox schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Push(ctx context.Context, item []byte) error {
	if _, err := q.pool.Exec(ctx, `INSERT INTO outbox_items (queue, body) VALUES ($1, $2)`, q.name, string(item)); err != nil {
		return fmt.Errorf("push outbox item: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(wait)
	for {
		item, err := q.popOnce(ctx)
		if err != nil || item != nil {
			return item, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := q.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *PostgresQueue) popOnce(ctx context.Context) ([]byte, error) {
	var body string
	err := q.pool.QueryRow(ctx,
		`DELETE FROM outbox_items WHERE id = (
			SELECT id FROM outbox_items WHERE queue=$1
			ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 1
		) RETURNING body`,
		q.name,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop outbox item: %w", err)
	}
	return []byte(body), nil
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_items WHERE queue=$1`, q.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox items: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) Mode() string { return "postgres" }
