// Package reconcile merges fetched entity snapshots into the store. It is the
// only writer: it enforces write-once first_scraped, monotonic last_scraped,
// explicit soft-delete policy, and parent-before-child ordering.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// Result reports what one reconciliation did.
type Result struct {
	Kind    forum.Kind
	ID      int64
	Outcome store.Outcome
	// Changed is true when content was inserted or replaced; a
	// freshness-only write reports false.
	Changed bool
}

// Reconciler applies snapshots to an EntityStore. Writes to the same entity
// identifier serialize on a sharded lock held only across the compare-and-
// write step, never across a network fetch.
type Reconciler struct {
	store  store.EntityStore
	clock  forum.Clock
	logger *zap.Logger
	locks  keyedLock
}

// New constructs a Reconciler.
func New(st store.EntityStore, clock forum.Clock, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: st, clock: clock, logger: logger}
}

// Board merges one board listing entry.
func (r *Reconciler) Board(ctx context.Context, snap forum.BoardListing) (Result, error) {
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}
	unlock := r.locks.lock(forum.KindBoard, snap.BID)
	defer unlock()
	return r.upsertBoard(ctx, snap.BID, snap.Name)
}

// Topic merges one topic listing entry. Its owning board must already be
// known; an unknown board is a referential gap the caller resolves by
// reconciling the board first.
func (r *Reconciler) Topic(ctx context.Context, snap forum.TopicListing) (Result, error) {
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := r.store.GetBoard(ctx, snap.BID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, &forum.ReferentialGapError{
				Kind: forum.KindTopic, ID: snap.TID,
				Missing: forum.KindBoard, MissingID: snap.BID,
			}
		}
		return Result{}, err
	}
	unlock := r.locks.lock(forum.KindTopic, snap.TID)
	defer unlock()
	return r.upsertTopic(ctx, snap.TID, snap.Name, snap.BID)
}

// User merges one user profile snapshot.
func (r *Reconciler) User(ctx context.Context, snap forum.UserSnapshot) (Result, error) {
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}
	unlock := r.locks.lock(forum.KindUser, snap.UID)
	defer unlock()
	return r.upsertUser(ctx, snap)
}

// Message merges one message snapshot. The snapshot denormalizes its board,
// topic, and author, so the parents are upserted first in the same pass:
// board, then topic, then user, then the message itself. A message observed
// in a fetch is observable by definition, so Deleted resets to false — a
// previously-deleted identifier reappearing upstream is a recreation.
func (r *Reconciler) Message(ctx context.Context, snap forum.MessageSnapshot) (Result, error) {
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}

	// A parent write failure aborts the whole pass: the caller retries the
	// unit, it does not skip the child as if the parent were merely unseen.
	if err := func() error {
		unlock := r.locks.lock(forum.KindBoard, snap.BID)
		defer unlock()
		_, err := r.upsertBoard(ctx, snap.BID, snap.BoardName)
		return err
	}(); err != nil {
		return Result{}, err
	}
	if err := func() error {
		unlock := r.locks.lock(forum.KindTopic, snap.TID)
		defer unlock()
		_, err := r.upsertTopic(ctx, snap.TID, snap.TopicName, snap.BID)
		return err
	}(); err != nil {
		return Result{}, err
	}
	if err := func() error {
		unlock := r.locks.lock(forum.KindUser, snap.User.UID)
		defer unlock()
		_, err := r.upsertUser(ctx, snap.User)
		return err
	}(); err != nil {
		return Result{}, err
	}

	// Parents must exist before the message row is written. Only a confirmed
	// absence is a referential gap; any other read failure is a store
	// problem and surfaces as one.
	if _, err := r.store.GetTopic(ctx, snap.TID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, &forum.ReferentialGapError{
				Kind: forum.KindMessage, ID: snap.MID,
				Missing: forum.KindTopic, MissingID: snap.TID,
			}
		}
		return Result{}, err
	}
	if _, err := r.store.GetUser(ctx, snap.User.UID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, &forum.ReferentialGapError{
				Kind: forum.KindMessage, ID: snap.MID,
				Missing: forum.KindUser, MissingID: snap.User.UID,
			}
		}
		return Result{}, err
	}

	unlock := r.locks.lock(forum.KindMessage, snap.MID)
	defer unlock()

	now := r.clock.Now()
	m := forum.Message{
		MID:          snap.MID,
		Subject:      snap.Subject,
		Date:         snap.Date,
		Edited:       snap.Edited,
		Content:      snap.Content,
		UID:          snap.User.UID,
		Icon:         snap.Icon,
		TID:          snap.TID,
		FirstScraped: now,
		LastScraped:  now,
		Deleted:      false,
	}
	if prev, err := r.store.GetMessage(ctx, snap.MID); err == nil {
		m.FirstScraped = prev.FirstScraped
		m.LastScraped = laterOf(now, prev.LastScraped)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	outcome, err := r.store.UpsertMessage(ctx, m)
	if err != nil {
		return Result{}, &forum.StoreWriteError{Op: "upsert message", Err: err}
	}
	return result(forum.KindMessage, m.MID, outcome), nil
}

// MarkDeleted flags a message the planner determined is no longer observable
// upstream. Reconciliation itself never infers absence; only the planner's
// listing comparison calls this.
func (r *Reconciler) MarkDeleted(ctx context.Context, mid int64) error {
	unlock := r.locks.lock(forum.KindMessage, mid)
	defer unlock()
	if err := r.store.MarkMessageDeleted(ctx, mid, r.clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return &forum.StoreWriteError{Op: "mark message deleted", Err: err}
	}
	return nil
}

func (r *Reconciler) upsertBoard(ctx context.Context, bid int64, name string) (Result, error) {
	now := r.clock.Now()
	b := forum.Board{BID: bid, Name: name, FirstScraped: now, LastScraped: now}
	if prev, err := r.store.GetBoard(ctx, bid); err == nil {
		b.FirstScraped = prev.FirstScraped
		b.LastScraped = laterOf(now, prev.LastScraped)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	outcome, err := r.store.UpsertBoard(ctx, b)
	if err != nil {
		return Result{}, &forum.StoreWriteError{Op: "upsert board", Err: err}
	}
	return result(forum.KindBoard, bid, outcome), nil
}

func (r *Reconciler) upsertTopic(ctx context.Context, tid int64, name string, bid int64) (Result, error) {
	now := r.clock.Now()
	t := forum.Topic{TID: tid, Name: name, BID: bid, FirstScraped: now, LastScraped: now}
	if prev, err := r.store.GetTopic(ctx, tid); err == nil {
		t.FirstScraped = prev.FirstScraped
		t.LastScraped = laterOf(now, prev.LastScraped)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	outcome, err := r.store.UpsertTopic(ctx, t)
	if err != nil {
		return Result{}, &forum.StoreWriteError{Op: "upsert topic", Err: err}
	}
	return result(forum.KindTopic, tid, outcome), nil
}

func (r *Reconciler) upsertUser(ctx context.Context, snap forum.UserSnapshot) (Result, error) {
	now := r.clock.Now()
	u := forum.User{
		UID:          snap.UID,
		Name:         snap.Name,
		Avatar:       snap.Avatar,
		Group:        snap.Group,
		Posts:        snap.Posts,
		Signature:    snap.Signature,
		Email:        snap.Email,
		Blurb:        snap.Blurb,
		Location:     snap.Location,
		RealName:     snap.RealName,
		Social:       snap.Social,
		Website:      snap.Website,
		Gender:       snap.Gender,
		FirstScraped: now,
		LastScraped:  now,
	}
	if prev, err := r.store.GetUser(ctx, snap.UID); err == nil {
		u.FirstScraped = prev.FirstScraped
		u.LastScraped = laterOf(now, prev.LastScraped)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	outcome, err := r.store.UpsertUser(ctx, u)
	if err != nil {
		return Result{}, &forum.StoreWriteError{Op: "upsert user", Err: err}
	}
	return result(forum.KindUser, snap.UID, outcome), nil
}

func result(kind forum.Kind, id int64, outcome store.Outcome) Result {
	return Result{Kind: kind, ID: id, Outcome: outcome, Changed: outcome != store.OutcomeUnchanged}
}

// laterOf keeps last_scraped monotonically non-decreasing even under clock
// skew between runs.
func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
