package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []changefeed.Event
}

func (c *captureEmitter) Emit(evt changefeed.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) ops() []changefeed.Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]changefeed.Op, len(c.events))
	for i, e := range c.events {
		out[i] = e.Op
	}
	return out
}

func openTestStore(t *testing.T) (*Store, *captureEmitter) {
	t.Helper()
	feed := &captureEmitter{}
	s, err := Open(filepath.Join(t.TempDir(), "archive.sqlite"), feed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, feed
}

func seedEntities(t *testing.T, s *Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertBoard(ctx, forum.Board{BID: 5, Name: "General", FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = s.UpsertTopic(ctx, forum.Topic{TID: 100, Name: "Welcome", BID: 5, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = s.UpsertUser(ctx, forum.User{UID: 7, Name: "alice", Posts: 12, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
}

func TestUpsertOutcomes(t *testing.T) {
	s, feed := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	b := forum.Board{BID: 5, Name: "General", FirstScraped: now, LastScraped: now}
	out, err := s.UpsertBoard(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeInserted, out)

	// Same content, fresher timestamp: unchanged, no event.
	b.LastScraped = now.Add(time.Hour)
	out, err = s.UpsertBoard(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeUnchanged, out)

	b.Name = "General Discussion"
	out, err = s.UpsertBoard(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeUpdated, out)

	assert.Equal(t, []changefeed.Op{changefeed.OpInsert, changefeed.OpUpdate}, feed.ops())
}

func TestMessageRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEntities(t, s, now)

	edited := now.Add(30 * time.Minute)
	m := forum.Message{
		MID: 1000, Subject: "Welcome!", Date: now, Edited: &edited,
		Content: "hello world", UID: 7, Icon: "smiley", TID: 100,
		FirstScraped: now, LastScraped: now,
	}
	out, err := s.UpsertMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeInserted, out)

	got, err := s.GetMessage(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, m.Subject, got.Subject)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.UID, got.UID)
	assert.Equal(t, m.TID, got.TID)
	assert.True(t, got.Date.Equal(now))
	require.NotNil(t, got.Edited)
	assert.True(t, got.Edited.Equal(edited))
	assert.False(t, got.Deleted)

	// A message without an edit marker round-trips a nil Edited.
	m2 := m
	m2.MID = 1001
	m2.Edited = nil
	_, err = s.UpsertMessage(ctx, m2)
	require.NoError(t, err)
	got, err = s.GetMessage(ctx, 1001)
	require.NoError(t, err)
	assert.Nil(t, got.Edited)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.GetBoard(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTopic(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetUser(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetMessage(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = s.MessageIDBounds(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetStatistic(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkMessageDeleted(t *testing.T) {
	s, feed := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEntities(t, s, now)
	_, err := s.UpsertMessage(ctx, forum.Message{
		MID: 1000, Subject: "s", Date: now, Content: "c", UID: 7, TID: 100,
		FirstScraped: now, LastScraped: now,
	})
	require.NoError(t, err)

	later := now.Add(time.Hour)
	require.NoError(t, s.MarkMessageDeleted(ctx, 1000, later))
	got, err := s.GetMessage(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.True(t, got.LastScraped.Equal(later))

	// Second mark is a no-op and emits nothing.
	before := len(feed.ops())
	require.NoError(t, s.MarkMessageDeleted(ctx, 1000, later.Add(time.Hour)))
	assert.Len(t, feed.ops(), before)

	assert.ErrorIs(t, s.MarkMessageDeleted(ctx, 999999, later), store.ErrNotFound)

	// Deleted messages drop out of the topic listing used for absence checks.
	mids, err := s.ListTopicMessageIDs(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, mids)
}

func TestListsAndBounds(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEntities(t, s, now)
	_, err := s.UpsertTopic(ctx, forum.Topic{TID: 101, Name: "Rules", BID: 5, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	for _, mid := range []int64{1000, 1002, 1005} {
		_, err := s.UpsertMessage(ctx, forum.Message{
			MID: mid, Subject: "s", Date: now, Content: "c", UID: 7, TID: 100,
			FirstScraped: now, LastScraped: now,
		})
		require.NoError(t, err)
	}

	boards, err := s.ListBoards(ctx)
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, "General", boards[0].Name)

	topics, err := s.ListBoardTopics(ctx, 5)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, int64(100), topics[0].TID)
	assert.Equal(t, int64(101), topics[1].TID)

	mids, err := s.ListTopicMessageIDs(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1002, 1005}, mids)

	minID, maxID, err := s.MessageIDBounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), minID)
	assert.Equal(t, int64(1005), maxID)
}

func TestStatisticsLedger(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatistic(ctx, "cursor.topic", "100"))
	require.NoError(t, s.SetStatistic(ctx, "cursor.topic", "101"))
	v, err := s.GetStatistic(ctx, "cursor.topic")
	require.NoError(t, err)
	assert.Equal(t, "101", v)

	require.NoError(t, s.SetStatistic(ctx, "cursor.page", "3"))
	all, err := s.ListStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cursor.page", all[0].Key)
	assert.Equal(t, "cursor.topic", all[1].Key)
}

func seedSearchable(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEntities(t, s, now)
	_, err := s.UpsertUser(ctx, forum.User{UID: 8, Name: "bob", FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	msgs := []forum.Message{
		{MID: 1000, Subject: "greetings", Date: now, Content: "hello world", UID: 7, TID: 100, FirstScraped: now, LastScraped: now},
		{MID: 1001, Subject: "reply", Date: now, Content: "hello back", UID: 8, TID: 100, FirstScraped: now, LastScraped: now},
		{MID: 1002, Subject: "other", Date: now, Content: "nothing relevant", UID: 7, TID: 100, FirstScraped: now, LastScraped: now},
	}
	for _, m := range msgs {
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
		require.NoError(t, s.IndexMessage(ctx, m))
	}
}

func TestSearchMessages(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedSearchable(t, s)

	hits, err := s.SearchMessages(ctx, "hello", store.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{UID: 8})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1001), hits[0].MID)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{BID: 5})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{BID: 99})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchRejectsMalformedQuery(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedSearchable(t, s)

	// User-supplied FTS5 syntax errors are the caller's fault, not the
	// store's; they surface as ErrBadQuery instead of an opaque failure.
	for _, q := range []string{`"unbalanced`, `hello AND`, `(hello`} {
		_, err := s.SearchMessages(ctx, q, store.SearchFilters{})
		assert.ErrorIs(t, err, store.ErrBadQuery, "query %q", q)
	}
}

func TestSearchDeletedVisibility(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedSearchable(t, s)

	require.NoError(t, s.MarkMessageDeleted(ctx, 1000, time.Now()))

	// The index still holds the record; the entity join hides it.
	hits, err := s.SearchMessages(ctx, "world", store.SearchFilters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchMessages(ctx, "world", store.SearchFilters{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1000), hits[0].MID)
}

func TestIndexRebuild(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedSearchable(t, s)

	require.NoError(t, s.ResetSearchIndex(ctx))
	hits, err := s.SearchMessages(ctx, "hello", store.SearchFilters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	var replayed []int64
	require.NoError(t, s.ReplayMessages(ctx, func(m forum.Message) error {
		replayed = append(replayed, m.MID)
		return s.IndexMessage(ctx, m)
	}))
	assert.Equal(t, []int64{1000, 1001, 1002}, replayed)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestDeindexMessage(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedSearchable(t, s)

	require.NoError(t, s.DeindexMessage(ctx, 1000))
	hits, err := s.SearchMessages(ctx, "world", store.SearchFilters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
