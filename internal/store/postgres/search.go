package postgres

import (
	"context"
	"fmt"

	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// IndexMessage inserts or replaces the tsvector projection for a message.
// Deleted messages stay indexed; visibility is decided at query time.
func (s *Store) IndexMessage(ctx context.Context, m forum.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_search (mid, document)
		VALUES ($1, to_tsvector('simple', $2 || ' ' || $3))
		ON CONFLICT (mid) DO UPDATE SET document = EXCLUDED.document`,
		m.MID, m.Subject, m.Content)
	if err != nil {
		return fmt.Errorf("index message %d: %w", m.MID, err)
	}
	return nil
}

// DeindexMessage removes the searchable record for a message.
func (s *Store) DeindexMessage(ctx context.Context, mid int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM message_search WHERE mid = $1`, mid)
	if err != nil {
		return fmt.Errorf("deindex message %d: %w", mid, err)
	}
	return nil
}

// SearchMessages runs a websearch-style query over the tsvector projection,
// ranked by ts_rank, best first.
func (s *Store) SearchMessages(ctx context.Context, query string, f store.SearchFilters) ([]store.SearchHit, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ms.mid, ts_rank(ms.document, q) AS rank
		FROM message_search ms
		JOIN messages m ON m.mid = ms.mid,
		     websearch_to_tsquery('simple', $1) q
		WHERE ms.document @@ q
		  AND (m.deleted = FALSE OR $2)
		  AND ($3::bigint = 0 OR m.tid = $3)
		  AND ($4::bigint = 0 OR m.tid IN (SELECT tid FROM topics WHERE bid = $4))
		  AND ($5::bigint = 0 OR m."user" = $5)
		ORDER BY rank DESC, ms.mid
		LIMIT $6 OFFSET $7`,
		query, f.IncludeDeleted, f.TID, f.BID, f.UID, limit, f.Offset)
	if err != nil {
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
	return hits, rows.Err()
}

// ReplayMessages streams every stored message in ascending identifier order.
func (s *Store) ReplayMessages(ctx context.Context, fn func(forum.Message) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT mid, subject, date, edited, content, "user", icon, tid,
		       first_scraped, last_scraped, deleted
		FROM messages ORDER BY mid`)
	if err != nil {
		return fmt.Errorf("replay messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m forum.Message
		if err := rows.Scan(&m.MID, &m.Subject, &m.Date, &m.Edited, &m.Content,
			&m.UID, &m.Icon, &m.TID, &m.FirstScraped, &m.LastScraped, &m.Deleted); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ResetSearchIndex drops all searchable records.
func (s *Store) ResetSearchIndex(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM message_search`); err != nil {
		return fmt.Errorf("reset search index: %w", err)
	}
	return nil
}
