// Package store declares the persistence contract for archived forum
// entities, crawl statistics, and the derived message search index.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mostpan/tbgdb/internal/forum"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrBadQuery signals that a caller-supplied search expression is not valid
// syntax for the backend's query language. It is the caller's input at
// fault, not the store.
var ErrBadQuery = errors.New("malformed search query")

// Outcome reports what an upsert did to the stored record.
type Outcome string

// Upsert outcomes. Unchanged means only the freshness timestamp advanced;
// every content field matched the stored record.
const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// SearchFilters narrows a message search. Zero-valued fields are ignored.
// Deleted messages are excluded from results unless IncludeDeleted is set;
// this policy is identical across backends.
type SearchFilters struct {
	TID            int64
	BID            int64
	UID            int64
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// SearchHit is one search result. Hits arrive ordered best-first; Rank is
// the backend's raw relevance score and is not comparable across backends.
type SearchHit struct {
	MID  int64   `json:"mid"`
	Rank float64 `json:"rank"`
}

// EntityStore is durable keyed storage for forum entities and the statistics
// ledger. Upserts are atomic per entity: the full record commits or nothing
// does. Every committed insert, update, or delete emits a change event on the
// wired feed; freshness-only writes do not. Concurrent upserts to the same
// identifier serialize inside the backend; the reconciler guarantees no
// stale-snapshot races above it.
type EntityStore interface {
	GetUser(ctx context.Context, uid int64) (forum.User, error)
	GetBoard(ctx context.Context, bid int64) (forum.Board, error)
	GetTopic(ctx context.Context, tid int64) (forum.Topic, error)
	GetMessage(ctx context.Context, mid int64) (forum.Message, error)

	UpsertUser(ctx context.Context, u forum.User) (Outcome, error)
	UpsertBoard(ctx context.Context, b forum.Board) (Outcome, error)
	UpsertTopic(ctx context.Context, t forum.Topic) (Outcome, error)
	UpsertMessage(ctx context.Context, m forum.Message) (Outcome, error)

	// MarkMessageDeleted sets the soft-delete flag and advances the
	// freshness timestamp. The record is never physically removed.
	MarkMessageDeleted(ctx context.Context, mid int64, at time.Time) error

	// ListBoards returns every known board ordered by identifier.
	ListBoards(ctx context.Context) ([]forum.Board, error)
	// ListBoardTopics returns every topic owned by a board ordered by
	// identifier.
	ListBoardTopics(ctx context.Context, bid int64) ([]forum.Topic, error)
	// ListTopicMessageIDs returns the ascending identifiers of all
	// non-deleted messages stored under a topic, for absence detection.
	ListTopicMessageIDs(ctx context.Context, tid int64) ([]int64, error)
	// MessageIDBounds returns the smallest and largest stored message
	// identifiers, or ErrNotFound when no messages exist.
	MessageIDBounds(ctx context.Context) (min, max int64, err error)

	GetStatistic(ctx context.Context, key string) (string, error)
	SetStatistic(ctx context.Context, key, value string) error
	ListStatistics(ctx context.Context) ([]forum.Statistic, error)

	SearchStore

	Close() error
}

// SearchStore is the low-level index the search projection drives. The index
// owns no data: it holds a denormalized copy of subject+content per message
// and can always be dropped and rebuilt from the entity relations.
type SearchStore interface {
	// IndexMessage inserts or replaces the searchable record for a message.
	IndexMessage(ctx context.Context, m forum.Message) error
	// DeindexMessage removes the searchable record for a message.
	DeindexMessage(ctx context.Context, mid int64) error
	// SearchMessages returns ranked matches for a full-text query.
	SearchMessages(ctx context.Context, query string, f SearchFilters) ([]SearchHit, error)
	// ReplayMessages streams every stored message to fn in ascending
	// identifier order, for index rebuilds.
	ReplayMessages(ctx context.Context, fn func(forum.Message) error) error
	// ResetSearchIndex drops all searchable records.
	ResetSearchIndex(ctx context.Context) error
}
