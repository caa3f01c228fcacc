package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// GetUser fetches a user by identifier.
func (s *Store) GetUser(ctx context.Context, uid int64) (forum.User, error) {
	var u forum.User
	err := s.pool.QueryRow(ctx, `
		SELECT uid, name, avatar, user_group, posts, signature, email, blurb,
		       location, real_name, social, website, gender, first_scraped, last_scraped
		FROM users WHERE uid = $1`, uid).
		Scan(&u.UID, &u.Name, &u.Avatar, &u.Group, &u.Posts, &u.Signature,
			&u.Email, &u.Blurb, &u.Location, &u.RealName, &u.Social, &u.Website,
			&u.Gender, &u.FirstScraped, &u.LastScraped)
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.User{}, store.ErrNotFound
	}
	if err != nil {
		return forum.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetBoard fetches a board by identifier.
func (s *Store) GetBoard(ctx context.Context, bid int64) (forum.Board, error) {
	var b forum.Board
	err := s.pool.QueryRow(ctx, `
		SELECT bid, board_name, first_scraped, last_scraped FROM boards WHERE bid = $1`, bid).
		Scan(&b.BID, &b.Name, &b.FirstScraped, &b.LastScraped)
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.Board{}, store.ErrNotFound
	}
	if err != nil {
		return forum.Board{}, fmt.Errorf("get board: %w", err)
	}
	return b, nil
}

// GetTopic fetches a topic by identifier.
func (s *Store) GetTopic(ctx context.Context, tid int64) (forum.Topic, error) {
	var t forum.Topic
	err := s.pool.QueryRow(ctx, `
		SELECT tid, topic_name, bid, first_scraped, last_scraped FROM topics WHERE tid = $1`, tid).
		Scan(&t.TID, &t.Name, &t.BID, &t.FirstScraped, &t.LastScraped)
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.Topic{}, store.ErrNotFound
	}
	if err != nil {
		return forum.Topic{}, fmt.Errorf("get topic: %w", err)
	}
	return t, nil
}

// GetMessage fetches a message by identifier, deleted or not.
func (s *Store) GetMessage(ctx context.Context, mid int64) (forum.Message, error) {
	var m forum.Message
	err := s.pool.QueryRow(ctx, `
		SELECT mid, subject, date, edited, content, "user", icon, tid,
		       first_scraped, last_scraped, deleted
		FROM messages WHERE mid = $1`, mid).
		Scan(&m.MID, &m.Subject, &m.Date, &m.Edited, &m.Content, &m.UID,
			&m.Icon, &m.TID, &m.FirstScraped, &m.LastScraped, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.Message{}, store.ErrNotFound
	}
	if err != nil {
		return forum.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// UpsertUser commits the full user record and classifies the write. The
// classification read and the single-statement upsert are not transactional;
// the reconciler's per-identifier lock guarantees no concurrent writer races
// on the same record.
func (s *Store) UpsertUser(ctx context.Context, u forum.User) (store.Outcome, error) {
	prev, err := s.GetUser(ctx, u.UID)
	existed, equal, err := classifyPrior(err, func() bool { return store.UserContentEqual(prev, u) })
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (uid, name, avatar, user_group, posts, signature, email,
		                   blurb, location, real_name, social, website, gender,
		                   first_scraped, last_scraped)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (uid) DO UPDATE SET
		    name = EXCLUDED.name, avatar = EXCLUDED.avatar,
		    user_group = EXCLUDED.user_group, posts = EXCLUDED.posts,
		    signature = EXCLUDED.signature, email = EXCLUDED.email,
		    blurb = EXCLUDED.blurb, location = EXCLUDED.location,
		    real_name = EXCLUDED.real_name, social = EXCLUDED.social,
		    website = EXCLUDED.website, gender = EXCLUDED.gender,
		    first_scraped = EXCLUDED.first_scraped,
		    last_scraped = EXCLUDED.last_scraped`,
		u.UID, u.Name, u.Avatar, u.Group, u.Posts, u.Signature, u.Email,
		u.Blurb, u.Location, u.RealName, u.Social, u.Website, u.Gender,
		u.FirstScraped, u.LastScraped)
	if err != nil {
		return "", fmt.Errorf("upsert user %d: %w", u.UID, err)
	}
	return s.classify(forum.KindUser, u.UID, u.LastScraped, existed, equal), nil
}

// UpsertBoard commits the full board record and classifies the write.
func (s *Store) UpsertBoard(ctx context.Context, b forum.Board) (store.Outcome, error) {
	prev, err := s.GetBoard(ctx, b.BID)
	existed, equal, err := classifyPrior(err, func() bool { return store.BoardContentEqual(prev, b) })
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO boards (bid, board_name, first_scraped, last_scraped)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (bid) DO UPDATE SET
		    board_name = EXCLUDED.board_name,
		    first_scraped = EXCLUDED.first_scraped,
		    last_scraped = EXCLUDED.last_scraped`,
		b.BID, b.Name, b.FirstScraped, b.LastScraped)
	if err != nil {
		return "", fmt.Errorf("upsert board %d: %w", b.BID, err)
	}
	return s.classify(forum.KindBoard, b.BID, b.LastScraped, existed, equal), nil
}

// UpsertTopic commits the full topic record and classifies the write.
func (s *Store) UpsertTopic(ctx context.Context, t forum.Topic) (store.Outcome, error) {
	prev, err := s.GetTopic(ctx, t.TID)
	existed, equal, err := classifyPrior(err, func() bool { return store.TopicContentEqual(prev, t) })
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO topics (tid, topic_name, bid, first_scraped, last_scraped)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tid) DO UPDATE SET
		    topic_name = EXCLUDED.topic_name, bid = EXCLUDED.bid,
		    first_scraped = EXCLUDED.first_scraped,
		    last_scraped = EXCLUDED.last_scraped`,
		t.TID, t.Name, t.BID, t.FirstScraped, t.LastScraped)
	if err != nil {
		return "", fmt.Errorf("upsert topic %d: %w", t.TID, err)
	}
	return s.classify(forum.KindTopic, t.TID, t.LastScraped, existed, equal), nil
}

// UpsertMessage commits the full message record and classifies the write.
func (s *Store) UpsertMessage(ctx context.Context, m forum.Message) (store.Outcome, error) {
	prev, err := s.GetMessage(ctx, m.MID)
	existed, equal, err := classifyPrior(err, func() bool { return store.MessageContentEqual(prev, m) })
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (mid, subject, date, edited, content, "user", icon, tid,
		                      first_scraped, last_scraped, deleted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (mid) DO UPDATE SET
		    subject = EXCLUDED.subject, date = EXCLUDED.date,
		    edited = EXCLUDED.edited, content = EXCLUDED.content,
		    "user" = EXCLUDED."user", icon = EXCLUDED.icon, tid = EXCLUDED.tid,
		    first_scraped = EXCLUDED.first_scraped,
		    last_scraped = EXCLUDED.last_scraped,
		    deleted = EXCLUDED.deleted`,
		m.MID, m.Subject, m.Date, m.Edited, m.Content, m.UID, m.Icon, m.TID,
		m.FirstScraped, m.LastScraped, m.Deleted)
	if err != nil {
		return "", fmt.Errorf("upsert message %d: %w", m.MID, err)
	}
	return s.classify(forum.KindMessage, m.MID, m.LastScraped, existed, equal), nil
}

// MarkMessageDeleted flips the soft-delete flag and advances the freshness
// timestamp. Marking an already-deleted message is a no-op without an event.
func (s *Store) MarkMessageDeleted(ctx context.Context, mid int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET deleted = TRUE,
		    last_scraped = GREATEST(last_scraped, $1)
		WHERE mid = $2 AND deleted = FALSE`, at, mid)
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	rows, err := s.pool.Query(ctx, `
		SELECT bid, board_name, first_scraped, last_scraped FROM boards ORDER BY bid`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	var out []forum.Board
	for rows.Next() {
		var b forum.Board
		if err := rows.Scan(&b.BID, &b.Name, &b.FirstScraped, &b.LastScraped); err != nil {
			return nil, fmt.Errorf("scan board row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBoardTopics returns every topic owned by a board ordered by identifier.
func (s *Store) ListBoardTopics(ctx context.Context, bid int64) ([]forum.Topic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tid, topic_name, bid, first_scraped, last_scraped
		FROM topics WHERE bid = $1 ORDER BY tid`, bid)
	if err != nil {
		return nil, fmt.Errorf("list board topics: %w", err)
	}
	defer rows.Close()
	var out []forum.Topic
	for rows.Next() {
		var t forum.Topic
		if err := rows.Scan(&t.TID, &t.Name, &t.BID, &t.FirstScraped, &t.LastScraped); err != nil {
			return nil, fmt.Errorf("scan topic row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTopicMessageIDs returns ascending non-deleted message IDs for a topic.
func (s *Store) ListTopicMessageIDs(ctx context.Context, tid int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mid FROM messages WHERE tid = $1 AND deleted = FALSE ORDER BY mid`, tid)
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
	var minID, maxID *int64
	err := s.pool.QueryRow(ctx, `SELECT min(mid), max(mid) FROM messages`).Scan(&minID, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("message id bounds: %w", err)
	}
	if minID == nil {
		return 0, 0, store.ErrNotFound
	}
	return *minID, *maxID, nil
}

// GetStatistic fetches one ledger value.
func (s *Store) GetStatistic(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM statistics WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get statistic: %w", err)
	}
	return v, nil
}

// SetStatistic inserts or replaces one ledger value.
func (s *Store) SetStatistic(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO statistics (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set statistic: %w", err)
	}
	return nil
}

// ListStatistics returns the whole ledger ordered by key.
func (s *Store) ListStatistics(ctx context.Context) ([]forum.Statistic, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM statistics ORDER BY key`)
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

func classifyPrior(err error, equal func() bool) (bool, bool, error) {
	switch {
	case err == nil:
		return true, equal(), nil
	case errors.Is(err, store.ErrNotFound):
		return false, false, nil
	default:
		return false, false, err
	}
}

func (s *Store) classify(kind forum.Kind, id int64, at time.Time, existed, equal bool) store.Outcome {
	switch {
	case !existed:
		s.feed.Emit(changefeed.Event{Kind: kind, ID: id, Op: changefeed.OpInsert, At: at})
		return store.OutcomeInserted
	case equal:
		return store.OutcomeUnchanged
	default:
		s.feed.Emit(changefeed.Event{Kind: kind, ID: id, Op: changefeed.OpUpdate, At: at})
		return store.OutcomeUpdated
	}
}
