package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []changefeed.Event
}

func (c *captureEmitter) Emit(evt changefeed.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestUpsertClassification(t *testing.T) {
	feed := &captureEmitter{}
	s := New(feed)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	u := forum.User{UID: 7, Name: "alice", FirstScraped: now, LastScraped: now}
	out, err := s.UpsertUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeInserted, out)

	u.LastScraped = now.Add(time.Hour)
	out, err = s.UpsertUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeUnchanged, out)

	u.Posts = 13
	out, err = s.UpsertUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeUpdated, out)

	// Insert and update emitted; the unchanged write did not.
	assert.Equal(t, 2, feed.count())
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()
	_, err := s.UpsertBoard(ctx, forum.Board{BID: 5, Name: "General", FirstScraped: now, LastScraped: now})
	require.NoError(t, err)

	got, err := s.GetBoard(ctx, 5)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := s.GetBoard(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "General", again.Name)
}

func TestMarkMessageDeletedIdempotent(t *testing.T) {
	feed := &captureEmitter{}
	s := New(feed)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.UpsertMessage(ctx, forum.Message{
		MID: 1000, Subject: "s", Date: now, Content: "c", UID: 7, TID: 100,
		FirstScraped: now, LastScraped: now,
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkMessageDeleted(ctx, 1000, now.Add(time.Hour)))
	m, err := s.GetMessage(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, m.Deleted)
	assert.True(t, m.LastScraped.Equal(now.Add(time.Hour)))

	before := feed.count()
	require.NoError(t, s.MarkMessageDeleted(ctx, 1000, now.Add(2*time.Hour)))
	assert.Equal(t, before, feed.count())

	assert.ErrorIs(t, s.MarkMessageDeleted(ctx, 42, now), store.ErrNotFound)
}

func TestSearchFiltersAndPagination(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()
	_, err := s.UpsertTopic(ctx, forum.Topic{TID: 100, Name: "Welcome", BID: 5, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	for mid, uid := range map[int64]int64{1000: 7, 1001: 8, 1002: 7} {
		m := forum.Message{
			MID: mid, Subject: "greetings", Date: now, Content: "hello there",
			UID: uid, TID: 100, FirstScraped: now, LastScraped: now,
		}
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
		require.NoError(t, s.IndexMessage(ctx, m))
	}

	hits, err := s.SearchMessages(ctx, "hello", store.SearchFilters{})
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{UID: 8})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1001), hits[0].MID)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{BID: 5})
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1001), hits[0].MID)

	hits, err = s.SearchMessages(ctx, "hello", store.SearchFilters{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReplayAndReset(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()
	for _, mid := range []int64{3, 1, 2} {
		_, err := s.UpsertMessage(ctx, forum.Message{
			MID: mid, Subject: "s", Date: now, Content: "needle", UID: 7, TID: 100,
			FirstScraped: now, LastScraped: now,
		})
		require.NoError(t, err)
	}

	var order []int64
	require.NoError(t, s.ReplayMessages(ctx, func(m forum.Message) error {
		order = append(order, m.MID)
		return s.IndexMessage(ctx, m)
	}))
	assert.Equal(t, []int64{1, 2, 3}, order)

	require.NoError(t, s.ResetSearchIndex(ctx))
	hits, err := s.SearchMessages(ctx, "needle", store.SearchFilters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
