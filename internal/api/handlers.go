package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/metrics"
	"github.com/mostpan/tbgdb/internal/store"
)

func (s *Server) getBoard(w http.ResponseWriter, r *http.Request) {
	bid, ok := pathID(w, r, "bid")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	b, err := s.store.GetBoard(ctx, bid)
	if err != nil {
		s.respondLookupError(w, err, "board")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listBoards(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	boards, err := s.store.ListBoards(ctx)
	if err != nil {
		s.respondLookupError(w, err, "boards")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (s *Server) listBoardTopics(w http.ResponseWriter, r *http.Request) {
	bid, ok := pathID(w, r, "bid")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if _, err := s.store.GetBoard(ctx, bid); err != nil {
		s.respondLookupError(w, err, "board")
		return
	}
	topics, err := s.store.ListBoardTopics(ctx, bid)
	if err != nil {
		s.respondLookupError(w, err, "topics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	tid, ok := pathID(w, r, "tid")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	t, err := s.store.GetTopic(ctx, tid)
	if err != nil {
		s.respondLookupError(w, err, "topic")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTopicMessages(w http.ResponseWriter, r *http.Request) {
	tid, ok := pathID(w, r, "tid")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if _, err := s.store.GetTopic(ctx, tid); err != nil {
		s.respondLookupError(w, err, "topic")
		return
	}
	mids, err := s.store.ListTopicMessageIDs(ctx, tid)
	if err != nil {
		s.respondLookupError(w, err, "messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mids": mids})
}

// getMessage returns the stored record including its soft-delete flag;
// a deleted message is still retrievable by identifier.
func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	mid, ok := pathID(w, r, "mid")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	m, err := s.store.GetMessage(ctx, mid)
	if err != nil {
		s.respondLookupError(w, err, "message")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathID(w, r, "uid")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	u, err := s.store.GetUser(ctx, uid)
	if err != nil {
		s.respondLookupError(w, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// searchMessages handles GET /v1/search/messages?q=&topic=&board=&user=&deleted=&limit=&offset=.
func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	filters, err := parseSearchFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	hits, err := s.store.SearchMessages(ctx, q, filters)
	if err != nil {
		if errors.Is(err, store.ErrBadQuery) {
			writeError(w, http.StatusBadRequest, "malformed search query")
			return
		}
		s.logger.Error("search failed", zap.String("q", q), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	metrics.ObserveSearchQuery()
	if hits == nil {
		hits = []store.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// statistics returns the whole ledger as a key to raw-JSON-value object,
// mirroring the shape operational tooling expects.
func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	stats, err := s.store.ListStatistics(ctx)
	if err != nil {
		s.respondLookupError(w, err, "statistics")
		return
	}
	out := make(map[string]json.RawMessage, len(stats))
	for _, st := range stats {
		if json.Valid([]byte(st.Value)) {
			out[st.Key] = json.RawMessage(st.Value)
			continue
		}
		raw, merr := json.Marshal(st.Value)
		if merr != nil {
			continue
		}
		out[st.Key] = raw
	}
	writeJSON(w, http.StatusOK, out)
}

// changes streams store change events as NDJSON until the client goes away.
// Consumers use it for cache invalidation; events may be dropped under
// backpressure, so it is a hint stream, not a ledger.
func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "change stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel := s.stream.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("store lookup failed", zap.String("what", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "store lookup failed")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func parseSearchFilters(r *http.Request) (store.SearchFilters, error) {
	var f store.SearchFilters
	q := r.URL.Query()
	for name, dst := range map[string]*int64{"topic": &f.TID, "board": &f.BID, "user": &f.UID} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			return f, fmt.Errorf("invalid %s filter", name)
		}
		*dst = v
	}
	if raw := q.Get("deleted"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("invalid deleted filter")
		}
		f.IncludeDeleted = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 500 {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return f, fmt.Errorf("invalid offset")
		}
		f.Offset = v
	}
	return f, nil
}
