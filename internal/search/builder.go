// Package search maintains the full-text message index as a derived
// projection of the entity store. The index is disposable: Rebuild
// reconstructs it from the message relation at any time.
package search

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/changefeed"
	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// Builder consumes store change events and keeps the searchable copy of
// every message current. It implements changefeed.Sink.
//
// Deleted messages stay indexed; the visibility filter is applied at query
// time, so a resurrected message needs no reindexing beyond the usual
// update path.
type Builder struct {
	store  store.EntityStore
	logger *zap.Logger
}

// NewBuilder wires a projection builder over the given store.
func NewBuilder(st store.EntityStore, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: st, logger: logger}
}

// Consume applies one batch of change events to the index. Only message
// events matter; board, topic, and user changes never touch the index.
// Per-event failures are logged and skipped so one bad record cannot stall
// the feed.
func (b *Builder) Consume(ctx context.Context, events []changefeed.Event) error {
	for _, ev := range events {
		if ev.Kind != forum.KindMessage {
			continue
		}
		if err := b.apply(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("search index update failed",
				zap.Int64("mid", ev.ID),
				zap.String("op", string(ev.Op)),
				zap.Error(err))
		}
	}
	return nil
}

func (b *Builder) apply(ctx context.Context, ev changefeed.Event) error {
	m, err := b.store.GetMessage(ctx, ev.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The record vanished between the event and now; drop the
			// stale index entry instead.
			return b.store.DeindexMessage(ctx, ev.ID)
		}
		return fmt.Errorf("load message for indexing: %w", err)
	}
	return b.store.IndexMessage(ctx, m)
}

// Close implements changefeed.Sink; the builder holds no resources.
func (b *Builder) Close(ctx context.Context) error { return nil }

// Rebuild drops the index and reconstructs it from the message relation.
// Deleted messages are indexed too so their history stays searchable when
// a caller opts in to seeing them.
func (b *Builder) Rebuild(ctx context.Context) error {
	if err := b.store.ResetSearchIndex(ctx); err != nil {
		return err
	}
	var n int
	err := b.store.ReplayMessages(ctx, func(m forum.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.store.IndexMessage(ctx, m); err != nil {
			return fmt.Errorf("index message %d: %w", m.MID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild search index: %w", err)
	}
	b.logger.Info("search index rebuilt", zap.Int("messages", n))
	return nil
}
