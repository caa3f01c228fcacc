// Package memory provides an in-memory store implementation for development
// and tests. It satisfies the full store contract, including a naive but
// behaviorally equivalent search index.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// Store keeps all relations in maps guarded by a single RWMutex. Returned
// records are copies; mutating them does not affect stored state.
type Store struct {
	mu       sync.RWMutex
	users    map[int64]forum.User
	boards   map[int64]forum.Board
	topics   map[int64]forum.Topic
	messages map[int64]forum.Message
	stats    map[string]string
	index    map[int64]indexEntry
	feed     changefeed.Emitter
}

type indexEntry struct {
	text    string
	tid     int64
	bid     int64
	uid     int64
	deleted bool
}

// New constructs an empty Store. A nil feed disables change notifications.
func New(feed changefeed.Emitter) *Store {
	if feed == nil {
		feed = changefeed.NopEmitter{}
	}
	return &Store{
		users:    make(map[int64]forum.User),
		boards:   make(map[int64]forum.Board),
		topics:   make(map[int64]forum.Topic),
		messages: make(map[int64]forum.Message),
		stats:    make(map[string]string),
		index:    make(map[int64]indexEntry),
		feed:     feed,
	}
}

// GetUser fetches a user by identifier.
func (s *Store) GetUser(_ context.Context, uid int64) (forum.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return forum.User{}, store.ErrNotFound
	}
	return u, nil
}

// GetBoard fetches a board by identifier.
func (s *Store) GetBoard(_ context.Context, bid int64) (forum.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[bid]
	if !ok {
		return forum.Board{}, store.ErrNotFound
	}
	return b, nil
}

// GetTopic fetches a topic by identifier.
func (s *Store) GetTopic(_ context.Context, tid int64) (forum.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[tid]
	if !ok {
		return forum.Topic{}, store.ErrNotFound
	}
	return t, nil
}

// GetMessage fetches a message by identifier, deleted or not.
func (s *Store) GetMessage(_ context.Context, mid int64) (forum.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[mid]
	if !ok {
		return forum.Message{}, store.ErrNotFound
	}
	return m, nil
}

// UpsertUser commits the full user record and classifies the write.
func (s *Store) UpsertUser(_ context.Context, u forum.User) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.users[u.UID]
	s.users[u.UID] = u
	return s.classify(forum.KindUser, u.UID, u.LastScraped, existed, existed && store.UserContentEqual(prev, u)), nil
}

// UpsertBoard commits the full board record and classifies the write.
func (s *Store) UpsertBoard(_ context.Context, b forum.Board) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.boards[b.BID]
	s.boards[b.BID] = b
	return s.classify(forum.KindBoard, b.BID, b.LastScraped, existed, existed && store.BoardContentEqual(prev, b)), nil
}

// UpsertTopic commits the full topic record and classifies the write.
func (s *Store) UpsertTopic(_ context.Context, t forum.Topic) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.topics[t.TID]
	s.topics[t.TID] = t
	return s.classify(forum.KindTopic, t.TID, t.LastScraped, existed, existed && store.TopicContentEqual(prev, t)), nil
}

// UpsertMessage commits the full message record and classifies the write.
func (s *Store) UpsertMessage(_ context.Context, m forum.Message) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.messages[m.MID]
	s.messages[m.MID] = m
	return s.classify(forum.KindMessage, m.MID, m.LastScraped, existed, existed && store.MessageContentEqual(prev, m)), nil
}

// MarkMessageDeleted flips the soft-delete flag and advances the freshness
// timestamp. Already-deleted messages are left untouched without an event.
func (s *Store) MarkMessageDeleted(_ context.Context, mid int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[mid]
	if !ok {
		return store.ErrNotFound
	}
	if m.Deleted {
		return nil
	}
	m.Deleted = true
	if at.After(m.LastScraped) {
		m.LastScraped = at
	}
	s.messages[mid] = m
	s.feed.Emit(changefeed.Event{Kind: forum.KindMessage, ID: mid, Op: changefeed.OpDelete, At: at})
	return nil
}

// ListBoards returns every known board ordered by identifier.
func (s *Store) ListBoards(_ context.Context) ([]forum.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]forum.Board, 0, len(s.boards))
	for _, b := range s.boards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BID < out[j].BID })
	return out, nil
}

// ListBoardTopics returns every topic owned by a board ordered by identifier.
func (s *Store) ListBoardTopics(_ context.Context, bid int64) ([]forum.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []forum.Topic
	for _, t := range s.topics {
		if t.BID == bid {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID < out[j].TID })
	return out, nil
}

// ListTopicMessageIDs returns ascending non-deleted message IDs for a topic.
func (s *Store) ListTopicMessageIDs(_ context.Context, tid int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for mid, m := range s.messages {
		if m.TID == tid && !m.Deleted {
			out = append(out, mid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// MessageIDBounds returns the smallest and largest stored message IDs.
func (s *Store) MessageIDBounds(_ context.Context) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return 0, 0, store.ErrNotFound
	}
	var minID, maxID int64
	for mid := range s.messages {
		if minID == 0 || mid < minID {
			minID = mid
		}
		if mid > maxID {
			maxID = mid
		}
	}
	return minID, maxID, nil
}

// GetStatistic fetches one ledger value.
func (s *Store) GetStatistic(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.stats[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

// SetStatistic inserts or replaces one ledger value.
func (s *Store) SetStatistic(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[key] = value
	return nil
}

// ListStatistics returns the whole ledger ordered by key.
func (s *Store) ListStatistics(_ context.Context) ([]forum.Statistic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]forum.Statistic, 0, len(s.stats))
	for k, v := range s.stats {
		out = append(out, forum.Statistic{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// IndexMessage inserts or replaces the searchable record for a message.
func (s *Store) IndexMessage(_ context.Context, m forum.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[m.MID] = indexEntry{
		text:    strings.ToLower(m.Subject + "\n" + m.Content),
		tid:     m.TID,
		bid:     s.topics[m.TID].BID,
		uid:     m.UID,
		deleted: m.Deleted,
	}
	return nil
}

// DeindexMessage removes the searchable record for a message.
func (s *Store) DeindexMessage(_ context.Context, mid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, mid)
	return nil
}

// SearchMessages performs case-insensitive substring matching over the
// indexed subject+content, ranked by ascending identifier. Behaviorally
// equivalent to the SQL backends for the engine's consistency guarantees.
func (s *Store) SearchMessages(_ context.Context, query string, f store.SearchFilters) ([]store.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(query))
	var mids []int64
	for mid, entry := range s.index {
		if entry.deleted && !f.IncludeDeleted {
			continue
		}
		if f.TID != 0 && entry.tid != f.TID {
			continue
		}
		if f.BID != 0 && entry.bid != f.BID {
			continue
		}
		if f.UID != 0 && entry.uid != f.UID {
			continue
		}
		if needle != "" && !strings.Contains(entry.text, needle) {
			continue
		}
		mids = append(mids, mid)
	}
	sort.Slice(mids, func(i, j int) bool { return mids[i] < mids[j] })
	hits := make([]store.SearchHit, 0, len(mids))
	for i, mid := range mids {
		hits = append(hits, store.SearchHit{MID: mid, Rank: float64(i)})
	}
	return paginate(hits, f), nil
}

// ReplayMessages streams all stored messages in ascending identifier order.
func (s *Store) ReplayMessages(_ context.Context, fn func(forum.Message) error) error {
	s.mu.RLock()
	mids := make([]int64, 0, len(s.messages))
	for mid := range s.messages {
		mids = append(mids, mid)
	}
	sort.Slice(mids, func(i, j int) bool { return mids[i] < mids[j] })
	msgs := make([]forum.Message, 0, len(mids))
	for _, mid := range mids {
		msgs = append(msgs, s.messages[mid])
	}
	s.mu.RUnlock()
	for _, m := range msgs {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// ResetSearchIndex drops all searchable records.
func (s *Store) ResetSearchIndex(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[int64]indexEntry)
	return nil
}

// Close implements the store contract; it performs no action.
func (s *Store) Close() error { return nil }

// classify must be called with the write lock held.
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

func paginate(hits []store.SearchHit, f store.SearchFilters) []store.SearchHit {
	if f.Offset > 0 {
		if f.Offset >= len(hits) {
			return nil
		}
		hits = hits[f.Offset:]
	}
	if f.Limit > 0 && len(hits) > f.Limit {
		hits = hits[:f.Limit]
	}
	return hits
}
