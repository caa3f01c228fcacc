// Package worker executes the crawl loop: it drains planner batches, fetches
// each target through the shared politeness budget, reconciles the resulting
// snapshots, and keeps the planner's cursors and watermarks current.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/metrics"
	"github.com/mostpan/tbgdb/internal/planner"
	"github.com/mostpan/tbgdb/internal/reconcile"
	"github.com/mostpan/tbgdb/internal/store"
)

// Config controls Worker behavior.
type Config struct {
	// BatchSize is how many targets each planning cycle requests.
	BatchSize int
	// IdleWait is how long to sleep when the planner has nothing to do.
	IdleWait time.Duration
	// FullReverify disables the stored-message skip rule so silent
	// upstream edits are caught.
	FullReverify bool
}

// Worker consumes planner batches and executes the fetch pipeline.
type Worker struct {
	fetcher    forum.Fetcher
	reconciler *reconcile.Reconciler
	planner    *planner.Planner
	store      store.EntityStore
	retry      *RetryPolicy
	clock      forum.Clock
	logger     *zap.Logger
	cfg        Config
}

// New constructs a Worker.
func New(
	fetcher forum.Fetcher,
	rec *reconcile.Reconciler,
	pl *planner.Planner,
	st store.EntityStore,
	clock forum.Clock,
	logger *zap.Logger,
	cfg Config,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 30 * time.Second
	}
	return &Worker{
		fetcher:    fetcher,
		reconciler: rec,
		planner:    pl,
		store:      st,
		retry:      NewRetryPolicy(),
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run blocks, draining planner batches until the context finishes. It
// returns early only on cancellation or a store write failure; per-target
// fetch problems are logged and the crawl moves on.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := w.planner.NextBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("planning cycle failed", zap.Error(err))
			if !w.sleep(ctx, w.cfg.IdleWait) {
				return ctx.Err()
			}
			continue
		}
		if len(batch) == 0 {
			if !w.sleep(ctx, w.cfg.IdleWait) {
				return ctx.Err()
			}
			continue
		}
		for _, target := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.process(ctx, target); err != nil {
				var storeErr *forum.StoreWriteError
				if errors.As(err, &storeErr) {
					// Durability failures are fatal for the crawl;
					// nothing was partially committed.
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("fetch target failed",
					zap.String("kind", string(target.Kind)),
					zap.Int64("id", target.ID),
					zap.String("reason", target.Reason),
					zap.Error(err))
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, target forum.FetchTarget) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	switch target.Kind {
	case forum.KindBoard:
		if target.ID == 0 {
			return w.enumerateBoards(ctx)
		}
		return w.walkBoard(ctx, target.ID, max(target.Page, 1))
	case forum.KindTopic:
		return w.walkTopic(ctx, target.ID, max(target.Page, 1))
	case forum.KindMessage:
		return w.probeMessage(ctx, target)
	default:
		w.logger.Warn("unknown target kind", zap.String("kind", string(target.Kind)))
		return nil
	}
}

// enumerateBoards refreshes the board list and their activity watermarks.
func (w *Worker) enumerateBoards(ctx context.Context) error {
	var listings []forum.BoardListing
	err := w.fetch(ctx, forum.KindBoard, func() error {
		var ferr error
		listings, ferr = w.fetcher.BoardIndex(ctx)
		return ferr
	})
	if err != nil {
		return err
	}
	for _, listing := range listings {
		res, err := w.reconciler.Board(ctx, listing)
		if err != nil {
			if skippable(err) {
				w.logger.Warn("skipping board listing", zap.Int64("bid", listing.BID), zap.Error(err))
				continue
			}
			return err
		}
		metrics.ObserveReconcile(string(res.Kind), string(res.Outcome))
		if !listing.LastActivity.IsZero() {
			if err := w.planner.RecordBoardActivity(ctx, listing.BID, listing.LastActivity); err != nil {
				return err
			}
		}
	}
	w.logger.Info("board index enumerated", zap.Int("boards", len(listings)))
	return w.planner.MarkBoardsEnumerated(ctx)
}

// walkBoard pages through a board's topic listing, reconciling topics and
// recording their activity watermarks.
func (w *Worker) walkBoard(ctx context.Context, bid int64, page int) error {
	for {
		var bp forum.BoardPage
		err := w.fetch(ctx, forum.KindBoard, func() error {
			var ferr error
			bp, ferr = w.fetcher.BoardPage(ctx, bid, page)
			return ferr
		})
		if err != nil {
			return err
		}
		for _, listing := range bp.Topics {
			res, err := w.reconciler.Topic(ctx, listing)
			if err != nil {
				if skippable(err) {
					w.logger.Warn("skipping topic listing", zap.Int64("tid", listing.TID), zap.Error(err))
					continue
				}
				return err
			}
			metrics.ObserveReconcile(string(res.Kind), string(res.Outcome))
			if !listing.LastActivity.IsZero() {
				if err := w.planner.RecordTopicActivity(ctx, listing.TID, listing.LastActivity); err != nil {
					return err
				}
			}
		}
		if page >= bp.LastPage {
			break
		}
		page++
	}
	return w.planner.MarkBoardWalked(ctx, bid)
}

// walkTopic pages through a topic's messages, reconciling them in ascending
// identifier order and marking vanished messages deleted. The topic cursor
// is persisted after every page so an interrupted walk resumes mid-topic.
func (w *Worker) walkTopic(ctx context.Context, tid int64, startPage int) error {
	watermark, err := w.planner.TopicWatermark(ctx, tid)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	page := startPage
	for {
		var tp forum.TopicPage
		err := w.fetch(ctx, forum.KindTopic, func() error {
			var ferr error
			tp, ferr = w.fetcher.TopicPage(ctx, tid, page)
			return ferr
		})
		if err != nil {
			return err
		}
		snaps := append([]forum.MessageSnapshot(nil), tp.Messages...)
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].MID < snaps[j].MID })
		for _, snap := range snaps {
			seen[snap.MID] = true
			if w.skipStored(ctx, snap.MID, watermark) {
				continue
			}
			res, err := w.reconciler.Message(ctx, snap)
			if err != nil {
				if skippable(err) {
					w.logger.Warn("skipping message snapshot", zap.Int64("mid", snap.MID), zap.Error(err))
					continue
				}
				return err
			}
			metrics.ObserveReconcile(string(res.Kind), string(res.Outcome))
			w.recordMessageActivity(ctx, tid, snap)
		}
		if page >= tp.LastPage {
			break
		}
		page++
		if err := w.planner.SetTopicCursor(ctx, tid, page); err != nil {
			return err
		}
	}

	// A message the archive knows that no longer appears anywhere in the
	// topic's listing is no longer observable. Absence is only decidable
	// from a complete listing, so a walk resumed mid-topic skips this.
	if startPage == 1 {
		if err := w.markVanished(ctx, tid, seen); err != nil {
			return err
		}
	}
	return w.planner.ClearTopicCursor(ctx)
}

func (w *Worker) markVanished(ctx context.Context, tid int64, seen map[int64]bool) error {
	known, err := w.store.ListTopicMessageIDs(ctx, tid)
	if err != nil {
		return &forum.StoreWriteError{Op: "list topic messages", Err: err}
	}
	for _, mid := range known {
		if seen[mid] {
			continue
		}
		if err := w.reconciler.MarkDeleted(ctx, mid); err != nil {
			return err
		}
		metrics.ObserveMessageMarkedDeleted()
		w.incrStat(ctx, "crawl.messages_marked_deleted")
		w.logger.Info("message vanished from listing",
			zap.Int64("mid", mid), zap.Int64("tid", tid))
	}
	return nil
}

// probeMessage fetches a single message by identifier, either a discovery
// probe past the newest known message or a gap-scan probe. A miss is an
// expected outcome, not an error.
func (w *Worker) probeMessage(ctx context.Context, target forum.FetchTarget) error {
	var snap forum.MessageSnapshot
	err := w.fetch(ctx, forum.KindMessage, func() error {
		var ferr error
		snap, ferr = w.fetcher.Message(ctx, target.ID)
		return ferr
	})
	switch {
	case errors.Is(err, forum.ErrNotExist):
		w.logger.Debug("probe missed", zap.Int64("mid", target.ID), zap.String("reason", target.Reason))
	case err != nil:
		return err
	default:
		res, rerr := w.reconciler.Message(ctx, snap)
		if rerr != nil {
			if skippable(rerr) {
				w.logger.Warn("skipping probed message", zap.Int64("mid", target.ID), zap.Error(rerr))
			} else {
				return rerr
			}
		} else {
			metrics.ObserveReconcile(string(res.Kind), string(res.Outcome))
			w.recordMessageActivity(ctx, snap.TID, snap)
		}
	}
	if target.Reason == "gap scan" {
		return w.planner.AdvanceScanCursor(ctx, target.ID-1)
	}
	return nil
}

// fetch runs one fetch attempt loop through the politeness budget with
// transient-failure retries.
func (w *Worker) fetch(ctx context.Context, kind forum.Kind, fn func() error) error {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		if err := w.planner.Wait(ctx); err != nil {
			return err
		}
		metrics.ObserveRateLimitDelay(time.Since(start))

		err := fn()
		switch {
		case err == nil:
			metrics.ObserveFetch(string(kind), "ok")
			return nil
		case errors.Is(err, forum.ErrNotExist):
			metrics.ObserveFetch(string(kind), "absent")
			return err
		case w.retry.ShouldRetry(err, attempt):
			metrics.ObserveFetch(string(kind), "retry")
			w.logger.Debug("retrying fetch", zap.Int("attempt", attempt), zap.Error(err))
			if !w.sleep(ctx, w.retry.Backoff(attempt)) {
				return ctx.Err()
			}
		default:
			metrics.ObserveFetch(string(kind), "error")
			return err
		}
	}
}

// skipStored applies the re-fetch avoidance rule: a stored message fresher
// than the topic's last-observed edit watermark needs no reconciliation.
func (w *Worker) skipStored(ctx context.Context, mid int64, watermark time.Time) bool {
	if w.cfg.FullReverify || watermark.IsZero() {
		return false
	}
	stored, err := w.store.GetMessage(ctx, mid)
	if err != nil {
		return false
	}
	return stored.LastScraped.After(watermark)
}

// recordMessageActivity advances the topic's edit watermark from what the
// message itself reports.
func (w *Worker) recordMessageActivity(ctx context.Context, tid int64, snap forum.MessageSnapshot) {
	at := snap.Date
	if snap.Edited != nil && snap.Edited.After(at) {
		at = *snap.Edited
	}
	if at.IsZero() {
		return
	}
	if err := w.planner.RecordTopicActivity(ctx, tid, at); err != nil {
		w.logger.Warn("recording topic activity failed", zap.Int64("tid", tid), zap.Error(err))
	}
}

// incrStat bumps a cumulative ledger counter. Counts are best-effort under
// concurrent workers.
func (w *Worker) incrStat(ctx context.Context, key string) {
	var n int64
	if raw, err := w.store.GetStatistic(ctx, key); err == nil {
		_ = json.Unmarshal([]byte(raw), &n)
	}
	raw, err := json.Marshal(n + 1)
	if err != nil {
		return
	}
	if err := w.store.SetStatistic(ctx, key, string(raw)); err != nil {
		w.logger.Warn("statistic update failed", zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// skippable reports whether a reconciliation failure affects only the one
// snapshot: bad shape or a missing parent. Store failures are never skippable.
func skippable(err error) bool {
	var malformed *forum.MalformedSnapshotError
	var gap *forum.ReferentialGapError
	return errors.As(err, &malformed) || errors.As(err, &gap)
}
