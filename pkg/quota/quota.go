// Package quota tracks monthly external API usage per provider.
//
// The counter is advisory bookkeeping: Consume never refuses a call, and
// callers check Remaining before spending. Increments are single upsert
// statements, which is enough for the one-batch-at-a-time deployment but is
// not a distributed rate limiter.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/ambdash/ambdash/internal/store"
)

// DefaultLimit is the X API free-tier monthly read allowance.
const DefaultLimit = 100

// MonthKey returns the YYYY-MM key t falls into.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// Counter counts calls for one provider scope.
type Counter struct {
	store store.Store
	scope string
	limit int
}

// New creates a counter for scope. A non-positive limit selects DefaultLimit.
func New(s store.Store, scope string, limit int) *Counter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Counter{store: s, scope: scope, limit: limit}
}

func (c *Counter) Scope() string { return c.scope }

func (c *Counter) Limit() int { return c.limit }

// Remaining returns how many calls are left in month, never negative.
func (c *Counter) Remaining(ctx context.Context, month string) (int, error) {
	rec, err := c.store.GetUsage(ctx, c.scope, month)
	if err != nil {
		return 0, fmt.Errorf("quota remaining %s: %w", c.scope, err)
	}
	return max(0, c.limit-rec.CallsMade), nil
}

// Consume records one fetch attempt made at t and returns the month's new
// call count. It must be called for every attempt, failed ones included,
// because the provider bills per request.
func (c *Counter) Consume(ctx context.Context, at time.Time, success bool) (int, error) {
	n, err := c.store.IncrementUsage(ctx, c.scope, MonthKey(at), at.Format("2006-01-02"), success, at)
	if err != nil {
		return 0, fmt.Errorf("quota consume %s: %w", c.scope, err)
	}
	return n, nil
}

// Usage is a read-only report of the current month.
type Usage struct {
	Scope      string             `json:"scope"`
	Month      string             `json:"month"`
	CallsMade  int                `json:"calls_made"`
	Successful int                `json:"successful_calls"`
	Failed     int                `json:"failed_calls"`
	Remaining  int                `json:"remaining"`
	Limit      int                `json:"limit"`
	Daily      []store.DailyUsage `json:"daily"`
}

// Usage reports the month containing now.
func (c *Counter) Usage(ctx context.Context, now time.Time) (Usage, error) {
	month := MonthKey(now)
	rec, err := c.store.GetUsage(ctx, c.scope, month)
	if err != nil {
		return Usage{}, fmt.Errorf("quota usage %s: %w", c.scope, err)
	}
	daily, err := c.store.ListDailyUsage(ctx, c.scope, month)
	if err != nil {
		return Usage{}, fmt.Errorf("quota usage %s: %w", c.scope, err)
	}
	return Usage{
		Scope:      c.scope,
		Month:      month,
		CallsMade:  rec.CallsMade,
		Successful: rec.Successful,
		Failed:     rec.Failed,
		Remaining:  max(0, c.limit-rec.CallsMade),
		Limit:      c.limit,
		Daily:      daily,
	}, nil
}

// Warning levels, as a percentage of the limit.
var warningLevels = []int{50, 75, 90, 100}

// CrossedLevel returns the highest warning level passed when the count
// moved from before to after, or 0 if none was crossed.
func (c *Counter) CrossedLevel(before, after int) int {
	crossed := 0
	for _, lvl := range warningLevels {
		threshold := (c.limit*lvl + 99) / 100
		if before < threshold && after >= threshold {
			crossed = lvl
		}
	}
	return crossed
}
