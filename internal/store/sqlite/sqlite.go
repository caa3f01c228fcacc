// Package sqlite provides the primary store backend over modernc.org/sqlite.
// The message search index is a standalone FTS5 table driven by the search
// projection, so it can be dropped and rebuilt without touching entity rows.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mostpan/tbgdb/internal/changefeed"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS users (
    uid           INTEGER PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    avatar        TEXT NOT NULL DEFAULT '',
    user_group    TEXT NOT NULL DEFAULT '',
    posts         INTEGER NOT NULL DEFAULT 0,
    signature     TEXT NOT NULL DEFAULT '',
    email         TEXT NOT NULL DEFAULT '',
    blurb         TEXT NOT NULL DEFAULT '',
    location      TEXT NOT NULL DEFAULT '',
    real_name     TEXT NOT NULL DEFAULT '',
    social        TEXT NOT NULL DEFAULT '',
    website       TEXT NOT NULL DEFAULT '',
    gender        TEXT NOT NULL DEFAULT '',
    first_scraped TEXT NOT NULL,
    last_scraped  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS boards (
    bid           INTEGER PRIMARY KEY,
    board_name    TEXT NOT NULL DEFAULT '',
    first_scraped TEXT NOT NULL,
    last_scraped  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS topics (
    tid           INTEGER PRIMARY KEY,
    topic_name    TEXT NOT NULL DEFAULT '',
    bid           INTEGER NOT NULL REFERENCES boards(bid),
    first_scraped TEXT NOT NULL,
    last_scraped  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_topics_bid ON topics(bid);

CREATE TABLE IF NOT EXISTS messages (
    mid           INTEGER PRIMARY KEY,
    subject       TEXT NOT NULL DEFAULT '',
    date          TEXT NOT NULL,
    edited        TEXT,
    content       TEXT NOT NULL DEFAULT '',
    user          INTEGER NOT NULL REFERENCES users(uid),
    icon          TEXT NOT NULL DEFAULT '',
    tid           INTEGER NOT NULL REFERENCES topics(tid),
    first_scraped TEXT NOT NULL,
    last_scraped  TEXT NOT NULL,
    deleted       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_tid ON messages(tid);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user);

CREATE TABLE IF NOT EXISTS statistics (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS message_fts USING fts5(
    subject, content,
    tokenize='unicode61 remove_diacritics 2'
);
`

// Store is a SQLite-backed implementation of store.EntityStore.
type Store struct {
	db   *sql.DB
	feed changefeed.Emitter
}

// Open opens (creating if needed) the archive database at path. ":memory:"
// is accepted for tests. A nil feed disables change notifications.
func Open(path string, feed changefeed.Emitter) (*Store, error) {
	if feed == nil {
		feed = changefeed.NopEmitter{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, feed: feed}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
