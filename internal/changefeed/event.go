// Package changefeed fans out store mutation events to registered sinks.
// The search projection, log sink, Prometheus sink, and the API's change
// stream all consume the same feed.
package changefeed

import (
	"errors"
	"fmt"
	"time"

	"github.com/mostpan/tbgdb/internal/forum"
)

// Op names the mutation a store applied.
type Op string

// Supported change operations. Unchanged upserts (freshness-only writes) do
// not produce events; projections only care about content mutations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event describes a single committed store mutation.
type Event struct {
	// Kind is the entity family that changed.
	Kind forum.Kind `json:"kind"`
	// ID is the remote numeric identifier of the changed entity.
	ID int64 `json:"id"`
	// Op is the mutation applied.
	Op Op `json:"op"`
	// At is the commit timestamp recorded by the writer.
	At time.Time `json:"at"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID <= 0 {
		return errors.New("entity id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case forum.KindUser, forum.KindBoard, forum.KindTopic, forum.KindMessage:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// Emitter publishes individual events; Hub satisfies this interface so store
// backends stay agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event. Store backends fall back to it when no
// feed is wired, e.g. in narrow tests.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(Event) {}
