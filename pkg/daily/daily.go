// Package daily records the cumulative tracked impressions once per day and
// derives the day's gain against the most recent earlier day.
package daily

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/store"
)

// RecomputeAfter is how old today's snapshot may get before AutoCompute
// refreshes it.
const RecomputeAfter = time.Hour

const dateLayout = "2006-01-02"

// Snapshot is one day's cumulative total and gain.
type Snapshot = store.DailySnapshot

// Calculator computes daily snapshots from the store.
type Calculator struct {
	store store.Store
	loc   *time.Location
	log   *zap.Logger
}

// New creates a calculator over every tracked platform. A nil location uses
// UTC for day boundaries.
func New(s store.Store, loc *time.Location, log *zap.Logger) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Calculator{store: s, loc: loc, log: log}
}

// Date returns the calendar day key of t in the calculator's timezone.
func (c *Calculator) Date(t time.Time) string {
	return t.In(c.loc).Format(dateLayout)
}

// ComputeToday writes today's snapshot. The delta is measured against the
// latest snapshot dated before today, never against an earlier value of
// today's own row, so repeated runs converge on the same result.
func (c *Calculator) ComputeToday(ctx context.Context, now time.Time) (Snapshot, error) {
	today := c.Date(now)

	total, err := c.store.SumImpressions(ctx, "")
	if err != nil {
		return Snapshot{}, fmt.Errorf("compute %s: %w", today, err)
	}

	var delta int64
	prev, err := c.store.LatestSnapshotBefore(ctx, today)
	switch {
	case err == nil:
		delta = max(0, total-prev.Total)
	case errors.Is(err, store.ErrNotFound):
		// First recorded day.
	default:
		return Snapshot{}, fmt.Errorf("compute %s: %w", today, err)
	}

	snap := Snapshot{Date: today, Total: total, Delta: delta, ComputedAt: now.UTC()}
	if err := c.store.UpsertDailySnapshot(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("compute %s: %w", today, err)
	}

	c.log.Info("daily snapshot computed",
		zap.String("date", today),
		zap.Int64("total", total),
		zap.Int64("delta", delta),
	)
	return snap, nil
}

// AutoCompute returns today's snapshot, recomputing it when missing or
// older than RecomputeAfter. The bool reports whether it recomputed.
func (c *Calculator) AutoCompute(ctx context.Context, now time.Time) (Snapshot, bool, error) {
	existing, err := c.store.GetDailySnapshot(ctx, c.Date(now))
	switch {
	case err == nil:
		if now.Sub(existing.ComputedAt) < RecomputeAfter {
			return *existing, false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return Snapshot{}, false, err
	}

	snap, err := c.ComputeToday(ctx, now)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// ResetToday re-baselines today: the total is refreshed and the delta is
// forced to zero.
func (c *Calculator) ResetToday(ctx context.Context, now time.Time) (Snapshot, error) {
	today := c.Date(now)
	total, err := c.store.SumImpressions(ctx, "")
	if err != nil {
		return Snapshot{}, fmt.Errorf("reset %s: %w", today, err)
	}
	snap := Snapshot{Date: today, Total: total, Delta: 0, ComputedAt: now.UTC()}
	if err := c.store.UpsertDailySnapshot(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("reset %s: %w", today, err)
	}
	c.log.Info("daily snapshot reset", zap.String("date", today), zap.Int64("total", total))
	return snap, nil
}

// ForMonth returns the snapshots of one calendar month, oldest first.
func (c *Calculator) ForMonth(ctx context.Context, year int, month time.Month) ([]Snapshot, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("invalid month %d", month)
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, c.loc)
	last := first.AddDate(0, 1, -1)
	return c.store.ListDailySnapshots(ctx, first.Format(dateLayout), last.Format(dateLayout))
}
