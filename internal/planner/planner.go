// Package planner decides what to fetch next and at what pace. It owns the
// politeness budget (a single shared rate limiter for the whole crawl) and
// the durable crawl cursor, persisted through the statistics ledger so a
// restarted run resumes instead of re-scanning from zero.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mostpan/tbgdb/internal/forum"
	"github.com/mostpan/tbgdb/internal/store"
)

// Statistics ledger keys owned by the planner. Values are JSON-encoded.
const (
	statBoardsCheckedAt = "planner.boards_checked_at"
	statCursorTopic     = "cursor.topic"
	statCursorPage      = "cursor.page"
	statCursorRun       = "cursor.run"
	statScanCursor      = "planner.scan_cursor"

	boardWatermarkPrefix = "watermark.board."
	topicWatermarkPrefix = "watermark.topic."
	boardWalkedPrefix    = "walked.board."
)

// Config controls crawl pacing and pass behavior.
type Config struct {
	// RatePerSecond is the politeness budget shared by every fetch the
	// engine makes. It is the system's central contract with the remote
	// server and is never split per board or topic.
	RatePerSecond float64
	Burst         int
	// BoardsRecheck is how often the board index is re-enumerated.
	BoardsRecheck time.Duration
	// FullReverify forces topics to be re-walked even when no activity
	// watermark moved, to catch silent upstream edits.
	FullReverify bool
	// DiscoveryProbes is how many identifiers past the newest stored
	// message each batch probes for newly-posted messages.
	DiscoveryProbes int
	// ScanDepth bounds how many identifiers the downward gap sweep
	// examines per batch.
	ScanDepth int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RatePerSecond <= 0 {
		out.RatePerSecond = 1
	}
	if out.Burst <= 0 {
		out.Burst = 1
	}
	if out.BoardsRecheck <= 0 {
		out.BoardsRecheck = 24 * time.Hour
	}
	if out.DiscoveryProbes <= 0 {
		out.DiscoveryProbes = 5
	}
	if out.ScanDepth <= 0 {
		out.ScanDepth = 200
	}
	return out
}

// Planner plans fetch targets from stored state plus the activity watermarks
// the worker records after each fetch.
type Planner struct {
	store   store.EntityStore
	limiter *rate.Limiter
	clock   forum.Clock
	logger  *zap.Logger
	cfg     Config
}

// New constructs a Planner.
func New(st store.EntityStore, clock forum.Clock, logger *zap.Logger, cfg Config) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Planner{
		store:   st,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// Wait blocks until the politeness budget admits one more fetch. Every
// network request the engine makes must pass through here.
func (p *Planner) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// NextBatch assembles up to n fetch targets, highest priority first:
// board index recheck, an interrupted topic resumed from its cursor, topics
// with fresh board activity, discovery probes past the newest known message,
// then the downward sweep over never-seen identifiers.
func (p *Planner) NextBatch(ctx context.Context, n int) ([]forum.FetchTarget, error) {
	if n <= 0 {
		n = 16
	}
	var targets []forum.FetchTarget
	now := p.clock.Now()

	checked, err := p.timeStat(ctx, statBoardsCheckedAt)
	if err != nil {
		return nil, err
	}
	if checked.IsZero() || now.Sub(checked) >= p.cfg.BoardsRecheck {
		targets = append(targets, forum.FetchTarget{Kind: forum.KindBoard, Reason: "board index recheck"})
	}

	if tid, page, ok, err := p.topicCursor(ctx); err != nil {
		return nil, err
	} else if ok && len(targets) < n {
		targets = append(targets, forum.FetchTarget{
			Kind: forum.KindTopic, ID: tid, Page: page, Reason: "resume interrupted topic",
		})
	}

	if len(targets) < n {
		due, err := p.dueTopics(ctx, n-len(targets))
		if err != nil {
			return nil, err
		}
		targets = append(targets, due...)
	}

	if len(targets) < n {
		probes, err := p.discoveryProbes(ctx, n-len(targets))
		if err != nil {
			return nil, err
		}
		targets = append(targets, probes...)
	}

	if len(targets) < n {
		sweep, err := p.scanSweep(ctx, n-len(targets))
		if err != nil {
			return nil, err
		}
		targets = append(targets, sweep...)
	}

	return targets, nil
}

// dueTopics selects work derived from board activity: a page walk over any
// board whose activity is newer than its last completed walk (new topics are
// only discoverable there), plus a re-check of every known topic whose board
// activity watermark outruns the topic's own freshness mark. Under
// FullReverify every topic is due.
func (p *Planner) dueTopics(ctx context.Context, n int) ([]forum.FetchTarget, error) {
	boards, err := p.store.ListBoards(ctx)
	if err != nil {
		return nil, fmt.Errorf("plan topics: %w", err)
	}
	var targets []forum.FetchTarget
	for _, b := range boards {
		if len(targets) >= n {
			break
		}
		watermark, err := p.timeStat(ctx, boardWatermarkPrefix+formatID(b.BID))
		if err != nil {
			return nil, err
		}
		walked, err := p.timeStat(ctx, boardWalkedPrefix+formatID(b.BID))
		if err != nil {
			return nil, err
		}
		if walked.IsZero() || watermark.After(walked) {
			targets = append(targets, forum.FetchTarget{
				Kind: forum.KindBoard, ID: b.BID, Page: 1, Reason: "topic discovery",
			})
			if len(targets) >= n {
				break
			}
		}
		topics, err := p.store.ListBoardTopics(ctx, b.BID)
		if err != nil {
			return nil, fmt.Errorf("plan topics for board %d: %w", b.BID, err)
		}
		for _, t := range topics {
			if len(targets) >= n {
				break
			}
			switch {
			case p.cfg.FullReverify:
				targets = append(targets, forum.FetchTarget{
					Kind: forum.KindTopic, ID: t.TID, Page: 1, Reason: "full reverify",
				})
			case !watermark.IsZero() && watermark.After(t.LastScraped):
				targets = append(targets, forum.FetchTarget{
					Kind: forum.KindTopic, ID: t.TID, Page: 1, Reason: "board activity",
				})
			}
		}
	}
	return targets, nil
}

// discoveryProbes targets identifiers just past the newest stored message,
// where new posts appear.
func (p *Planner) discoveryProbes(ctx context.Context, n int) ([]forum.FetchTarget, error) {
	_, maxID, err := p.store.MessageIDBounds(ctx)
	if errors.Is(err, store.ErrNotFound) {
		// Empty archive: probe from the beginning.
		maxID = 0
	} else if err != nil {
		return nil, fmt.Errorf("plan discovery: %w", err)
	}
	count := p.cfg.DiscoveryProbes
	if count > n {
		count = n
	}
	targets := make([]forum.FetchTarget, 0, count)
	for i := 1; i <= count; i++ {
		targets = append(targets, forum.FetchTarget{
			Kind: forum.KindMessage, ID: maxID + int64(i), Reason: "discovery",
		})
	}
	return targets, nil
}

// scanSweep walks the identifier space downward from the persisted scan
// cursor, probing identifiers the archive has never stored. The worker
// advances the cursor after each completed probe, so the sweep survives
// restarts and eventually covers every historical gap.
func (p *Planner) scanSweep(ctx context.Context, n int) ([]forum.FetchTarget, error) {
	cursor, err := p.intStat(ctx, statScanCursor)
	if err != nil {
		return nil, err
	}
	if cursor == 0 {
		if _, maxID, berr := p.store.MessageIDBounds(ctx); berr == nil {
			cursor = maxID
		} else if errors.Is(berr, store.ErrNotFound) {
			return nil, nil
		} else {
			return nil, fmt.Errorf("plan scan: %w", berr)
		}
	}
	var targets []forum.FetchTarget
	for examined := 0; cursor >= 1 && examined < p.cfg.ScanDepth && len(targets) < n; cursor-- {
		examined++
		_, err := p.store.GetMessage(ctx, cursor)
		switch {
		case errors.Is(err, store.ErrNotFound):
			targets = append(targets, forum.FetchTarget{
				Kind: forum.KindMessage, ID: cursor, Reason: "gap scan",
			})
		case err != nil:
			return nil, fmt.Errorf("plan scan: %w", err)
		}
	}
	return targets, nil
}
