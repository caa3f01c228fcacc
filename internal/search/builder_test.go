package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
	"github.com/mostpan/tbgdb/internal/store/memory"
)

func seedMessage(t *testing.T, st *memory.Store, mid int64, subject, content string, deleted bool) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := st.UpsertBoard(ctx, forum.Board{BID: 1, Name: "b", FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = st.UpsertTopic(ctx, forum.Topic{TID: 1, Name: "t", BID: 1, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = st.UpsertUser(ctx, forum.User{UID: 1, Name: "u", FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = st.UpsertMessage(ctx, forum.Message{
		MID: mid, Subject: subject, Date: now, Content: content,
		UID: 1, TID: 1, FirstScraped: now, LastScraped: now, Deleted: deleted,
	})
	require.NoError(t, err)
}

func TestConsumeIndexesMessages(t *testing.T) {
	st := memory.New(nil)
	b := NewBuilder(st, zap.NewNop())
	ctx := context.Background()

	seedMessage(t, st, 10, "greetings", "hello searchable world", false)
	err := b.Consume(ctx, []changefeed.Event{
		{Kind: forum.KindMessage, ID: 10, Op: changefeed.OpInsert, At: time.Now()},
		{Kind: forum.KindBoard, ID: 1, Op: changefeed.OpInsert, At: time.Now()},
	})
	require.NoError(t, err)

	hits, err := st.SearchMessages(ctx, "searchable", store.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(10), hits[0].MID)
}

func TestDeletedMessagesFilteredAtQueryTime(t *testing.T) {
	st := memory.New(nil)
	b := NewBuilder(st, zap.NewNop())
	ctx := context.Background()

	seedMessage(t, st, 10, "s", "findme alpha", false)
	seedMessage(t, st, 11, "s", "findme beta", true)
	require.NoError(t, b.Consume(ctx, []changefeed.Event{
		{Kind: forum.KindMessage, ID: 10, Op: changefeed.OpInsert, At: time.Now()},
		{Kind: forum.KindMessage, ID: 11, Op: changefeed.OpInsert, At: time.Now()},
	}))

	hits, err := st.SearchMessages(ctx, "findme", store.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(10), hits[0].MID)

	hits, err = st.SearchMessages(ctx, "findme", store.SearchFilters{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestConsumeMissingMessageDeindexes(t *testing.T) {
	st := memory.New(nil)
	b := NewBuilder(st, zap.NewNop())
	ctx := context.Background()

	// An event for a record the store no longer has must not error the batch.
	err := b.Consume(ctx, []changefeed.Event{
		{Kind: forum.KindMessage, ID: 99, Op: changefeed.OpUpdate, At: time.Now()},
	})
	require.NoError(t, err)
}

func TestRebuildFromRelation(t *testing.T) {
	st := memory.New(nil)
	b := NewBuilder(st, zap.NewNop())
	ctx := context.Background()

	seedMessage(t, st, 10, "s", "rebuild target one", false)
	seedMessage(t, st, 11, "s", "rebuild target two", false)

	// Nothing indexed yet: the relation alone is enough to reconstruct.
	hits, err := st.SearchMessages(ctx, "rebuild", store.SearchFilters{})
	require.NoError(t, err)
	require.Empty(t, hits)

	require.NoError(t, b.Rebuild(ctx))
	hits, err = st.SearchMessages(ctx, "rebuild", store.SearchFilters{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
