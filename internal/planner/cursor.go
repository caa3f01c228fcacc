package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/store"
)

// BeginRun stamps a fresh run identifier into the ledger and returns it.
// The identifier ties log lines and statistics from one crawl together.
func (p *Planner) BeginRun(ctx context.Context) (string, error) {
	run := uuid.NewString()
	if err := p.setStat(ctx, statCursorRun, run); err != nil {
		return "", err
	}
	p.logger.Info("crawl run started", zap.String("run", run))
	return run, nil
}

// MarkBoardsEnumerated records a completed board index fetch so the next
// recheck waits a full period.
func (p *Planner) MarkBoardsEnumerated(ctx context.Context) error {
	return p.setTimeStat(ctx, statBoardsCheckedAt, p.clock.Now())
}

// RecordBoardActivity persists the forum's own freshness marker for a board,
// as observed on the board index. The marker only moves forward.
func (p *Planner) RecordBoardActivity(ctx context.Context, bid int64, at time.Time) error {
	return p.advanceTimeStat(ctx, boardWatermarkPrefix+formatID(bid), at)
}

// MarkBoardWalked records a completed page walk over a board's topic
// listing, so the walk repeats only when new activity appears.
func (p *Planner) MarkBoardWalked(ctx context.Context, bid int64) error {
	return p.setTimeStat(ctx, boardWalkedPrefix+formatID(bid), p.clock.Now())
}

// RecordTopicActivity persists a topic's last-observed edit watermark.
func (p *Planner) RecordTopicActivity(ctx context.Context, tid int64, at time.Time) error {
	return p.advanceTimeStat(ctx, topicWatermarkPrefix+formatID(tid), at)
}

// TopicWatermark returns the topic's last-observed edit watermark, zero when
// none was ever recorded.
func (p *Planner) TopicWatermark(ctx context.Context, tid int64) (time.Time, error) {
	return p.timeStat(ctx, topicWatermarkPrefix+formatID(tid))
}

// SetTopicCursor persists the in-progress position inside a multi-page
// topic walk. Called after each completed page so an interrupted run
// resumes mid-topic.
func (p *Planner) SetTopicCursor(ctx context.Context, tid int64, page int) error {
	if err := p.setIntStat(ctx, statCursorTopic, tid); err != nil {
		return err
	}
	return p.setIntStat(ctx, statCursorPage, int64(page))
}

// ClearTopicCursor marks the current topic walk complete.
func (p *Planner) ClearTopicCursor(ctx context.Context) error {
	if err := p.setIntStat(ctx, statCursorTopic, 0); err != nil {
		return err
	}
	return p.setIntStat(ctx, statCursorPage, 0)
}

// AdvanceScanCursor persists the downward sweep position after a completed
// probe.
func (p *Planner) AdvanceScanCursor(ctx context.Context, mid int64) error {
	return p.setIntStat(ctx, statScanCursor, mid)
}

func (p *Planner) topicCursor(ctx context.Context) (tid int64, page int, ok bool, err error) {
	tid, err = p.intStat(ctx, statCursorTopic)
	if err != nil || tid == 0 {
		return 0, 0, false, err
	}
	pg, err := p.intStat(ctx, statCursorPage)
	if err != nil {
		return 0, 0, false, err
	}
	if pg < 1 {
		pg = 1
	}
	return tid, int(pg), true, nil
}

// Ledger value helpers. Every value is stored JSON-encoded so operational
// tooling can read the ledger without knowing per-key formats.

func (p *Planner) setStat(ctx context.Context, key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode statistic %s: %w", key, err)
	}
	return p.store.SetStatistic(ctx, key, string(raw))
}

func (p *Planner) setTimeStat(ctx context.Context, key string, t time.Time) error {
	return p.setStat(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// advanceTimeStat writes t only when it is newer than the stored value.
func (p *Planner) advanceTimeStat(ctx context.Context, key string, t time.Time) error {
	prev, err := p.timeStat(ctx, key)
	if err != nil {
		return err
	}
	if !t.After(prev) {
		return nil
	}
	return p.setTimeStat(ctx, key, t)
}

func (p *Planner) timeStat(ctx context.Context, key string) (time.Time, error) {
	raw, err := p.store.GetStatistic(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read statistic %s: %w", key, err)
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return time.Time{}, fmt.Errorf("decode statistic %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse statistic %s: %w", key, err)
	}
	return t, nil
}

func (p *Planner) setIntStat(ctx context.Context, key string, v int64) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode statistic %s: %w", key, err)
	}
	return p.store.SetStatistic(ctx, key, string(raw))
}

func (p *Planner) intStat(ctx context.Context, key string) (int64, error) {
	raw, err := p.store.GetStatistic(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read statistic %s: %w", key, err)
	}
	var v int64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return 0, fmt.Errorf("decode statistic %s: %w", key, err)
	}
	return v, nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
