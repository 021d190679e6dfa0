package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/funnelbot/internal/storage"
)

// PostgresStore persists sessions as JSON documents so they survive restarts
// and are shared between processes.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration) (*PostgresStore, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, ttl: ttl, now: time.Now}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contact_sessions (
			bot_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			data JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (bot_id, contact_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contact_sessions_expires ON contact_sessions (expires_at);`,
	}
	if err := storage.InitSchema(ctx, pool, stmts); err != nil {
		return fmt.Errorf("init session schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, botID, contactID string, create bool) (*ContactSession, error) {
	now := p.now().UTC()
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`UPDATE contact_sessions SET expires_at=$3
		 WHERE bot_id=$1 AND contact_id=$2 AND expires_at > $4
		 RETURNING data`,
		botID, contactID, now.Add(p.ttl), now,
	).Scan(&raw)
	switch {
	case err == nil:
		var s ContactSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", Key(botID, contactID), err)
		}
		normalize(&s)
		return &s, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("load session: %w", err)
	}

	if !create {
		return nil, nil
	}
	s := New(botID, contactID, now)
	if err := p.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) Save(ctx context.Context, s *ContactSession) error {
	now := p.now().UTC()
	s.UpdatedAt = now
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO contact_sessions (bot_id, contact_id, data, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bot_id, contact_id) DO UPDATE SET
			data=EXCLUDED.data,
			expires_at=EXCLUDED.expires_at,
			updated_at=EXCLUDED.updated_at`,
		s.BotID, s.ContactID, raw, now.Add(p.ttl), now,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// StartJanitor deletes expired rows every interval until ctx ends.
func (p *PostgresStore) StartJanitor(ctx context.Context, interval time.Duration) {
	startJanitor(ctx, interval, func(ctx context.Context) (int64, error) {
		tag, err := p.pool.Exec(ctx, `DELETE FROM contact_sessions WHERE expires_at <= $1`, p.now().UTC())
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

// Close is a no-op; the pool is owned by the caller.
func (p *PostgresStore) Close() error { return nil }
