package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// IndexMessage inserts or replaces the searchable record for a message. The
// FTS rowid is the message identifier, so reindexing an edited message
// overwrites its previous record in place. Deleted messages stay indexed;
// visibility is decided at query time by joining the entity relation.
func (s *Store) IndexMessage(ctx context.Context, m forum.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO message_fts (rowid, subject, content)
		VALUES (?, ?, ?)`, m.MID, m.Subject, m.Content)
	if err != nil {
		return fmt.Errorf("index message %d: %w", m.MID, err)
	}
	return nil
}

// DeindexMessage removes the searchable record for a message.
func (s *Store) DeindexMessage(ctx context.Context, mid int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_fts WHERE rowid = ?`, mid)
	if err != nil {
		return fmt.Errorf("deindex message %d: %w", mid, err)
	}
	return nil
}

// SearchMessages runs an FTS5 match over subject+content. The query string
// uses FTS5 syntax and reaches the engine verbatim; a syntax error in it
// surfaces as store.ErrBadQuery. Results are ranked by bm25, best first.
func (s *Store) SearchMessages(ctx context.Context, query string, f store.SearchFilters) ([]store.SearchHit, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.mid, bm25(message_fts) AS rank
		FROM message_fts
		JOIN messages m ON m.mid = message_fts.rowid
		WHERE message_fts MATCH ?
		  AND (m.deleted = 0 OR ?)
		  AND (? = 0 OR m.tid = ?)
		  AND (? = 0 OR m.tid IN (SELECT tid FROM topics WHERE bid = ?))
		  AND (? = 0 OR m.user = ?)
		ORDER BY rank, m.mid
		LIMIT ? OFFSET ?`,
		query, f.IncludeDeleted,
		f.TID, f.TID,
		f.BID, f.BID,
		f.UID, f.UID,
		limit, f.Offset)
	if err != nil {
		if isQuerySyntaxError(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrBadQuery, err)
		}
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	var hits []store.SearchHit
	for rows.Next() {
		var h store.SearchHit
		if err := rows.Scan(&h.MID, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	// The engine may not report a bad MATCH expression until the first step.
	if err := rows.Err(); err != nil {
		if isQuerySyntaxError(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrBadQuery, err)
		}
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return hits, nil
}

// isQuerySyntaxError recognizes FTS5 complaints about the MATCH expression
// itself (unbalanced quote, stray operator, unknown column qualifier). The
// driver exposes no distinct code for these, only the engine's message text.
func isQuerySyntaxError(err error) bool {
	msg := err.Error()
	for _, fragment := range []string{
		"fts5: syntax error",
		"unterminated string",
		"unknown special query",
		"no such column",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// ReplayMessages streams every stored message in ascending identifier order.
func (s *Store) ReplayMessages(ctx context.Context, fn func(forum.Message) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mid, subject, date, edited, content, user, icon, tid,
		       first_scraped, last_scraped, deleted
		FROM messages ORDER BY mid`)
	if err != nil {
		return fmt.Errorf("replay messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m forum.Message
		var date, first, last string
		var edited sql.NullString
		if err := rows.Scan(&m.MID, &m.Subject, &date, &edited, &m.Content,
			&m.UID, &m.Icon, &m.TID, &first, &last, &m.Deleted); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}
		m.Date = parseTime(date)
		m.Edited = parseNullTime(edited)
		m.FirstScraped = parseTime(first)
		m.LastScraped = parseTime(last)
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ResetSearchIndex drops all searchable records.
func (s *Store) ResetSearchIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_fts`); err != nil {
		return fmt.Errorf("reset search index: %w", err)
	}
	return nil
}
