// Package postgres provides a Postgres-backed store implementation over
// pgxpool, with message search served by a tsvector projection table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mostpan/tbgdb/internal/changefeed"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// db is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a Postgres-backed implementation of store.EntityStore.
type Store struct {
	pool db
	feed changefeed.Emitter
}

// New connects a pool using cfg and ensures the schema exists. A nil feed
// disables change notifications.
func New(ctx context.Context, cfg Config, feed changefeed.Emitter) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewWithPool(pool, feed)
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool db, feed changefeed.Emitter) *Store {
	if feed == nil {
		feed = changefeed.NopEmitter{}
	}
	return &Store{pool: pool, feed: feed}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    uid           BIGINT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    avatar        TEXT NOT NULL DEFAULT '',
    user_group    TEXT NOT NULL DEFAULT '',
    posts         BIGINT NOT NULL DEFAULT 0,
    signature     TEXT NOT NULL DEFAULT '',
    email         TEXT NOT NULL DEFAULT '',
    blurb         TEXT NOT NULL DEFAULT '',
    location      TEXT NOT NULL DEFAULT '',
    real_name     TEXT NOT NULL DEFAULT '',
    social        TEXT NOT NULL DEFAULT '',
    website       TEXT NOT NULL DEFAULT '',
    gender        TEXT NOT NULL DEFAULT '',
    first_scraped TIMESTAMPTZ NOT NULL,
    last_scraped  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS boards (
    bid           BIGINT PRIMARY KEY,
    board_name    TEXT NOT NULL DEFAULT '',
    first_scraped TIMESTAMPTZ NOT NULL,
    last_scraped  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS topics (
    tid           BIGINT PRIMARY KEY,
    topic_name    TEXT NOT NULL DEFAULT '',
    bid           BIGINT NOT NULL REFERENCES boards(bid),
    first_scraped TIMESTAMPTZ NOT NULL,
    last_scraped  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_topics_bid ON topics(bid);

CREATE TABLE IF NOT EXISTS messages (
    mid           BIGINT PRIMARY KEY,
    subject       TEXT NOT NULL DEFAULT '',
    date          TIMESTAMPTZ NOT NULL,
    edited        TIMESTAMPTZ,
    content       TEXT NOT NULL DEFAULT '',
    "user"        BIGINT NOT NULL REFERENCES users(uid),
    icon          TEXT NOT NULL DEFAULT '',
    tid           BIGINT NOT NULL REFERENCES topics(tid),
    first_scraped TIMESTAMPTZ NOT NULL,
    last_scraped  TIMESTAMPTZ NOT NULL,
    deleted       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_messages_tid ON messages(tid);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages("user");

CREATE TABLE IF NOT EXISTS statistics (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_search (
    mid      BIGINT PRIMARY KEY,
    document TSVECTOR NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_search_document
    ON message_search USING GIN (document);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
