// Package api exposes the read-only HTTP interface over the archive. Notable
// routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/{boards,topics,messages,users}/... entity lookups.
//   - GET /v1/search/messages for full-text search.
//   - GET /v1/statistics for the crawl ledger.
//   - GET /v1/changes for a streamed change feed (cache invalidation).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/changefeed/sinks"
	"github.com/mostpan/tbgdb/internal/metrics"
	"github.com/mostpan/tbgdb/internal/store"
)

const requestTimeout = 30 * time.Second

// Server wires HTTP handlers to the entity store and the change stream.
type Server struct {
	router chi.Router
	store  store.EntityStore
	stream *sinks.StreamSink
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil stream
// disables /v1/changes.
func NewServer(st store.EntityStore, stream *sinks.StreamSink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: st, stream: stream, logger: logger}

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/boards", s.listBoards)
		r.Get("/boards/{bid}", s.getBoard)
		r.Get("/boards/{bid}/topics", s.listBoardTopics)
		r.Get("/topics/{tid}", s.getTopic)
		r.Get("/topics/{tid}/messages", s.listTopicMessages)
		r.Get("/messages/{mid}", s.getMessage)
		r.Get("/users/{uid}", s.getUser)
		r.Get("/search/messages", s.searchMessages)
		r.Get("/statistics", s.statistics)
		r.Get("/changes", s.changes)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
