package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// rowQueryer lets the scan helpers run against the pool or an open
// transaction, so upserts can read the prior row on their own connection.
type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetUser fetches a user by identifier.
func (s *Store) GetUser(ctx context.Context, uid int64) (forum.User, error) {
	return getUser(ctx, s.db, uid)
}

func getUser(ctx context.Context, q rowQueryer, uid int64) (forum.User, error) {
	var u forum.User
	var first, last string
	err := q.QueryRowContext(ctx, `
		SELECT uid, name, avatar, user_group, posts, signature, email, blurb,
		       location, real_name, social, website, gender, first_scraped, last_scraped
		FROM users WHERE uid = ?`, uid).
		Scan(&u.UID, &u.Name, &u.Avatar, &u.Group, &u.Posts, &u.Signature,
			&u.Email, &u.Blurb, &u.Location, &u.RealName, &u.Social, &u.Website,
			&u.Gender, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return forum.User{}, store.ErrNotFound
	}
	if err != nil {
		return forum.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.FirstScraped = parseTime(first)
	u.LastScraped = parseTime(last)
	return u, nil
}

// GetBoard fetches a board by identifier.
func (s *Store) GetBoard(ctx context.Context, bid int64) (forum.Board, error) {
	return getBoard(ctx, s.db, bid)
}

func getBoard(ctx context.Context, q rowQueryer, bid int64) (forum.Board, error) {
	var b forum.Board
	var first, last string
	err := q.QueryRowContext(ctx, `
		SELECT bid, board_name, first_scraped, last_scraped FROM boards WHERE bid = ?`, bid).
		Scan(&b.BID, &b.Name, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return forum.Board{}, store.ErrNotFound
	}
	if err != nil {
		return forum.Board{}, fmt.Errorf("scan board: %w", err)
	}
	b.FirstScraped = parseTime(first)
	b.LastScraped = parseTime(last)
	return b, nil
}

// GetTopic fetches a topic by identifier.
func (s *Store) GetTopic(ctx context.Context, tid int64) (forum.Topic, error) {
	return getTopic(ctx, s.db, tid)
}

func getTopic(ctx context.Context, q rowQueryer, tid int64) (forum.Topic, error) {
	var t forum.Topic
	var first, last string
	err := q.QueryRowContext(ctx, `
		SELECT tid, topic_name, bid, first_scraped, last_scraped FROM topics WHERE tid = ?`, tid).
		Scan(&t.TID, &t.Name, &t.BID, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return forum.Topic{}, store.ErrNotFound
	}
	if err != nil {
		return forum.Topic{}, fmt.Errorf("scan topic: %w", err)
	}
	t.FirstScraped = parseTime(first)
	t.LastScraped = parseTime(last)
	return t, nil
}

// GetMessage fetches a message by identifier, deleted or not.
func (s *Store) GetMessage(ctx context.Context, mid int64) (forum.Message, error) {
	return getMessage(ctx, s.db, mid)
}

func getMessage(ctx context.Context, q rowQueryer, mid int64) (forum.Message, error) {
	var m forum.Message
	var date, first, last string
	var edited sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT mid, subject, date, edited, content, user, icon, tid,
		       first_scraped, last_scraped, deleted
		FROM messages WHERE mid = ?`, mid).
		Scan(&m.MID, &m.Subject, &date, &edited, &m.Content, &m.UID, &m.Icon,
			&m.TID, &first, &last, &m.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return forum.Message{}, store.ErrNotFound
	}
	if err != nil {
		return forum.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Date = parseTime(date)
	m.Edited = parseNullTime(edited)
	m.FirstScraped = parseTime(first)
	m.LastScraped = parseTime(last)
	return m, nil
}

// UpsertUser commits the full user record atomically and classifies the write.
func (s *Store) UpsertUser(ctx context.Context, u forum.User) (store.Outcome, error) {
	return s.upsert(ctx, forum.KindUser, u.UID, u.LastScraped, func(tx *sql.Tx) (bool, bool, error) {
		prev, err := getUser(ctx, tx, u.UID)
		existed, equal := false, false
		switch {
		case err == nil:
			existed = true
			equal = store.UserContentEqual(prev, u)
		case !errors.Is(err, store.ErrNotFound):
			return false, false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (uid, name, avatar, user_group, posts, signature, email,
			                   blurb, location, real_name, social, website, gender,
			                   first_scraped, last_scraped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (uid) DO UPDATE SET
			    name = excluded.name, avatar = excluded.avatar,
			    user_group = excluded.user_group, posts = excluded.posts,
			    signature = excluded.signature, email = excluded.email,
			    blurb = excluded.blurb, location = excluded.location,
			    real_name = excluded.real_name, social = excluded.social,
			    website = excluded.website, gender = excluded.gender,
			    first_scraped = excluded.first_scraped,
			    last_scraped = excluded.last_scraped`,
			u.UID, u.Name, u.Avatar, u.Group, u.Posts, u.Signature, u.Email,
			u.Blurb, u.Location, u.RealName, u.Social, u.Website, u.Gender,
			fmtTime(u.FirstScraped), fmtTime(u.LastScraped))
		return existed, equal, err
	})
}

// UpsertBoard commits the full board record atomically and classifies the write.
func (s *Store) UpsertBoard(ctx context.Context, b forum.Board) (store.Outcome, error) {
	return s.upsert(ctx, forum.KindBoard, b.BID, b.LastScraped, func(tx *sql.Tx) (bool, bool, error) {
		prev, err := getBoard(ctx, tx, b.BID)
		existed, equal := false, false
		switch {
		case err == nil:
			existed = true
			equal = store.BoardContentEqual(prev, b)
		case !errors.Is(err, store.ErrNotFound):
			return false, false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO boards (bid, board_name, first_scraped, last_scraped)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (bid) DO UPDATE SET
			    board_name = excluded.board_name,
			    first_scraped = excluded.first_scraped,
			    last_scraped = excluded.last_scraped`,
			b.BID, b.Name, fmtTime(b.FirstScraped), fmtTime(b.LastScraped))
		return existed, equal, err
	})
}

// UpsertTopic commits the full topic record atomically and classifies the write.
func (s *Store) UpsertTopic(ctx context.Context, t forum.Topic) (store.Outcome, error) {
	return s.upsert(ctx, forum.KindTopic, t.TID, t.LastScraped, func(tx *sql.Tx) (bool, bool, error) {
		prev, err := getTopic(ctx, tx, t.TID)
		existed, equal := false, false
		switch {
		case err == nil:
			existed = true
			equal = store.TopicContentEqual(prev, t)
		case !errors.Is(err, store.ErrNotFound):
			return false, false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO topics (tid, topic_name, bid, first_scraped, last_scraped)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tid) DO UPDATE SET
			    topic_name = excluded.topic_name, bid = excluded.bid,
			    first_scraped = excluded.first_scraped,
			    last_scraped = excluded.last_scraped`,
			t.TID, t.Name, t.BID, fmtTime(t.FirstScraped), fmtTime(t.LastScraped))
		return existed, equal, err
	})
}

// UpsertMessage commits the full message record atomically and classifies the write.
func (s *Store) UpsertMessage(ctx context.Context, m forum.Message) (store.Outcome, error) {
	return s.upsert(ctx, forum.KindMessage, m.MID, m.LastScraped, func(tx *sql.Tx) (bool, bool, error) {
		prev, err := getMessage(ctx, tx, m.MID)
		existed, equal := false, false
		switch {
		case err == nil:
			existed = true
			equal = store.MessageContentEqual(prev, m)
		case !errors.Is(err, store.ErrNotFound):
			return false, false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (mid, subject, date, edited, content, user, icon, tid,
			                      first_scraped, last_scraped, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (mid) DO UPDATE SET
			    subject = excluded.subject, date = excluded.date,
			    edited = excluded.edited, content = excluded.content,
			    user = excluded.user, icon = excluded.icon, tid = excluded.tid,
			    first_scraped = excluded.first_scraped,
			    last_scraped = excluded.last_scraped,
			    deleted = excluded.deleted`,
			m.MID, m.Subject, fmtTime(m.Date), fmtNullTime(m.Edited), m.Content,
			m.UID, m.Icon, m.TID, fmtTime(m.FirstScraped), fmtTime(m.LastScraped),
			m.Deleted)
		return existed, equal, err
	})
}

// MarkMessageDeleted flips the soft-delete flag and advances the freshness
// timestamp. Marking an already-deleted message is a no-op without an event.
func (s *Store) MarkMessageDeleted(ctx context.Context, mid int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET deleted = 1,
		    last_scraped = max(last_scraped, ?)
		WHERE mid = ? AND deleted = 0`, fmtTime(at), mid)
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already-deleted.
		if _, gerr := s.GetMessage(ctx, mid); gerr != nil {
			return gerr
		}
		return nil
	}
	s.feed.Emit(changefeed.Event{Kind: forum.KindMessage, ID: mid, Op: changefeed.OpDelete, At: at})
	return nil
}

// ListBoards returns every known board ordered by identifier.
func (s *Store) ListBoards(ctx context.Context) ([]forum.Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bid, board_name, first_scraped, last_scraped FROM boards ORDER BY bid`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	var out []forum.Board
	for rows.Next() {
		var b forum.Board
		var first, last string
		if err := rows.Scan(&b.BID, &b.Name, &first, &last); err != nil {
			return nil, fmt.Errorf("scan board row: %w", err)
		}
		b.FirstScraped = parseTime(first)
		b.LastScraped = parseTime(last)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBoardTopics returns every topic owned by a board ordered by identifier.
func (s *Store) ListBoardTopics(ctx context.Context, bid int64) ([]forum.Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tid, topic_name, bid, first_scraped, last_scraped
		FROM topics WHERE bid = ? ORDER BY tid`, bid)
	if err != nil {
		return nil, fmt.Errorf("list board topics: %w", err)
	}
	defer rows.Close()
	var out []forum.Topic
	for rows.Next() {
		var t forum.Topic
		var first, last string
		if err := rows.Scan(&t.TID, &t.Name, &t.BID, &first, &last); err != nil {
			return nil, fmt.Errorf("scan topic row: %w", err)
		}
		t.FirstScraped = parseTime(first)
		t.LastScraped = parseTime(last)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTopicMessageIDs returns ascending non-deleted message IDs for a topic.
func (s *Store) ListTopicMessageIDs(ctx context.Context, tid int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mid FROM messages WHERE tid = ? AND deleted = 0 ORDER BY mid`, tid)
	if err != nil {
		return nil, fmt.Errorf("list topic message ids: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var mid int64
		if err := rows.Scan(&mid); err != nil {
			return nil, fmt.Errorf("scan mid: %w", err)
		}
		out = append(out, mid)
	}
	return out, rows.Err()
}

// MessageIDBounds returns the smallest and largest stored message IDs.
func (s *Store) MessageIDBounds(ctx context.Context) (int64, int64, error) {
	var minID, maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT min(mid), max(mid) FROM messages`).
		Scan(&minID, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("message id bounds: %w", err)
	}
	if !minID.Valid {
		return 0, 0, store.ErrNotFound
	}
	return minID.Int64, maxID.Int64, nil
}

// GetStatistic fetches one ledger value.
func (s *Store) GetStatistic(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM statistics WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get statistic: %w", err)
	}
	return v, nil
}

// SetStatistic inserts or replaces one ledger value.
func (s *Store) SetStatistic(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set statistic: %w", err)
	}
	return nil
}

// ListStatistics returns the whole ledger ordered by key.
func (s *Store) ListStatistics(ctx context.Context) ([]forum.Statistic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM statistics ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()
	var out []forum.Statistic
	for rows.Next() {
		var st forum.Statistic
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, fmt.Errorf("scan statistic row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// upsert runs write inside a transaction, classifies the result, and emits a
// change event for inserts and updates.
func (s *Store) upsert(
	ctx context.Context,
	kind forum.Kind,
	id int64,
	at time.Time,
	write func(tx *sql.Tx) (existed, equal bool, err error),
) (store.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert %s %d: %w", kind, id, err)
	}
	existed, equal, err := write(tx)
	if err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("upsert %s %d: %w", kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert %s %d: %w", kind, id, err)
	}
	switch {
	case !existed:
		s.feed.Emit(changefeed.Event{Kind: kind, ID: id, Op: changefeed.OpInsert, At: at})
		return store.OutcomeInserted, nil
	case equal:
		return store.OutcomeUnchanged, nil
	default:
		s.feed.Emit(changefeed.Event{Kind: kind, ID: id, Op: changefeed.OpUpdate, At: at})
		return store.OutcomeUpdated, nil
	}
}
