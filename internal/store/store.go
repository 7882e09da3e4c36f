package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id          UUID PRIMARY KEY,
	session_id  UUID NOT NULL,
	seq         INTEGER NOT NULL,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	themes      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS exchange_sources (
	id           UUID PRIMARY KEY,
	exchange_id  UUID NOT NULL REFERENCES exchanges(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	document     TEXT NOT NULL,
	page         INTEGER NOT NULL,
	paragraph    INTEGER NOT NULL,
	content      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS exchange_sources_exchange_idx ON exchange_sources (exchange_id, position);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the history tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
