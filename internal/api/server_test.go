package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/changefeed/sinks"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/metrics"
	"github.com/mostpan/tbgdb/internal/store"
	"github.com/mostpan/tbgdb/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func seededServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	st := memory.New(nil)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := st.UpsertBoard(ctx, forum.Board{BID: 5, Name: "General", FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = st.UpsertTopic(ctx, forum.Topic{TID: 100, Name: "Welcome", BID: 5, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	_, err = st.UpsertUser(ctx, forum.User{UID: 7, Name: "alice", Posts: 3, FirstScraped: now, LastScraped: now})
	require.NoError(t, err)
	m := forum.Message{
		MID: 1000, Subject: "hi", Date: now, Content: "hello edited",
		UID: 7, TID: 100, FirstScraped: now, LastScraped: now,
	}
	_, err = st.UpsertMessage(ctx, m)
	require.NoError(t, err)
	require.NoError(t, st.IndexMessage(ctx, m))
	require.NoError(t, st.SetStatistic(ctx, "planner.scan_cursor", "42"))

	return NewServer(st, nil, zap.NewNop()), st
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestGetEntities(t *testing.T) {
	s, _ := seededServer(t)

	rr := doGet(t, s, "/v1/messages/1000")
	require.Equal(t, http.StatusOK, rr.Code)
	var msg forum.Message
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msg))
	assert.Equal(t, "hello edited", msg.Content)

	rr = doGet(t, s, "/v1/users/7")
	require.Equal(t, http.StatusOK, rr.Code)
	var u forum.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, "alice", u.Name)

	rr = doGet(t, s, "/v1/topics/100")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doGet(t, s, "/v1/boards/5")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMissingEntityIs404WithJSONBody(t *testing.T) {
	s, _ := seededServer(t)
	for _, path := range []string{"/v1/messages/999999", "/v1/users/999999", "/v1/topics/999999", "/v1/boards/999999"} {
		rr := doGet(t, s, path)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), path)
		assert.Contains(t, body["error"], "not found")
	}
}

func TestInvalidIDIs400(t *testing.T) {
	s, _ := seededServer(t)
	rr := doGet(t, s, "/v1/messages/notanumber")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListRoutes(t *testing.T) {
	s, _ := seededServer(t)

	rr := doGet(t, s, "/v1/boards")
	require.Equal(t, http.StatusOK, rr.Code)
	var boards struct {
		Boards []forum.Board `json:"boards"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &boards))
	assert.Len(t, boards.Boards, 1)

	rr = doGet(t, s, "/v1/boards/5/topics")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doGet(t, s, "/v1/topics/100/messages")
	require.Equal(t, http.StatusOK, rr.Code)
	var mids struct {
		MIDs []int64 `json:"mids"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &mids))
	assert.Equal(t, []int64{1000}, mids.MIDs)
}

func TestSearchMessages(t *testing.T) {
	s, _ := seededServer(t)

	rr := doGet(t, s, "/v1/search/messages?q=hello+edited")
	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		Hits []struct {
			MID int64 `json:"mid"`
		} `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(1000), res.Hits[0].MID)

	rr = doGet(t, s, "/v1/search/messages?q=nosuchterm")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Empty(t, res.Hits)

	rr = doGet(t, s, "/v1/search/messages")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doGet(t, s, "/v1/search/messages?q=x&user=bogus")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// badQueryStore simulates a backend rejecting the search expression itself,
// the way FTS5 does on an unbalanced quote.
type badQueryStore struct {
	store.EntityStore
}

func (b *badQueryStore) SearchMessages(context.Context, string, store.SearchFilters) ([]store.SearchHit, error) {
	return nil, fmt.Errorf("%w: fts5: syntax error", store.ErrBadQuery)
}

func TestSearchMalformedQueryIs400(t *testing.T) {
	s := NewServer(&badQueryStore{EntityStore: memory.New(nil)}, nil, zap.NewNop())

	rr := doGet(t, s, `/v1/search/messages?q=%22unbalanced`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "malformed search query")
}

func TestSearchExcludesDeletedByDefault(t *testing.T) {
	s, st := seededServer(t)
	ctx := context.Background()
	require.NoError(t, st.MarkMessageDeleted(ctx, 1000, time.Now()))
	m, err := st.GetMessage(ctx, 1000)
	require.NoError(t, err)
	require.NoError(t, st.IndexMessage(ctx, m))

	rr := doGet(t, s, "/v1/search/messages?q=hello")
	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		Hits []json.RawMessage `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Empty(t, res.Hits)

	rr = doGet(t, s, "/v1/search/messages?q=hello&deleted=true")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Len(t, res.Hits, 1)

	// The record itself stays retrievable by identifier.
	rr = doGet(t, s, "/v1/messages/1000")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatisticsLedger(t *testing.T) {
	s, _ := seededServer(t)
	rr := doGet(t, s, "/v1/statistics")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, "42", string(stats["planner.scan_cursor"]))
}

func TestHealthz(t *testing.T) {
	s, _ := seededServer(t)
	rr := doGet(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestChangesStream(t *testing.T) {
	st := memory.New(nil)
	stream := sinks.NewStreamSink()
	s := NewServer(st, stream, zap.NewNop())

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/changes", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	err = stream.Consume(context.Background(), []changefeed.Event{
		{Kind: forum.KindMessage, ID: 1000, Op: changefeed.OpInsert, At: time.Now()},
	})
	require.NoError(t, err)

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)
	var ev changefeed.Event
	require.NoError(t, json.Unmarshal(line, &ev))
	assert.Equal(t, int64(1000), ev.ID)
	assert.Equal(t, changefeed.OpInsert, ev.Op)
}

func TestChangesUnavailableWithoutStream(t *testing.T) {
	s, _ := seededServer(t)
	rr := doGet(t, s, "/v1/changes")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
