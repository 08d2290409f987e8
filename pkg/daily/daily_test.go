package daily

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/source"
)

type fixture struct {
	store *store.SQLStore
	calc  *Calculator
	next  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(store.DriverSQLite, filepath.Join(t.TempDir(), "daily.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, calc: New(s, time.UTC, nil)}
}

// addImpressions stores a finalized X post carrying n impressions.
func (f *fixture) addImpressions(t *testing.T, n int64) {
	t.Helper()
	f.addPost(t, source.PlatformX, n)
}

func (f *fixture) addPost(t *testing.T, p source.Platform, n int64) {
	t.Helper()
	ctx := context.Background()
	f.next++
	id := strconv.Itoa(f.next)
	item := &source.Item{
		Ambassador:  "amb",
		Platform:    p,
		URL:         "https://example.test/" + string(p) + "/" + id,
		ExternalID:  id,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, f.store.InsertItem(ctx, item))
	require.NoError(t, f.store.FinalizeItem(ctx, item.ID, source.Metrics{Impressions: n}, time.Now()))
}

func TestFirstComputeHasZeroDelta(t *testing.T) {
	f := newFixture(t)
	f.addImpressions(t, 1_000_000)

	snap, err := f.calc.ComputeToday(context.Background(), time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01", snap.Date)
	assert.Equal(t, int64(1_000_000), snap.Total)
	assert.Zero(t, snap.Delta)
}

func TestTotalSpansEveryPlatform(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, source.PlatformX, 700)
	f.addPost(t, source.PlatformReddit, 300)

	snap, err := f.calc.ComputeToday(context.Background(), time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.Total)
}

func TestDeltaAgainstPreviousDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day1 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	f.addImpressions(t, 500)
	_, err := f.calc.ComputeToday(ctx, day1)
	require.NoError(t, err)

	f.addImpressions(t, 300)
	snap, err := f.calc.ComputeToday(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(800), snap.Total)
	assert.Equal(t, int64(300), snap.Delta)

	// Recomputing later the same day measures against day 1 again, not
	// against the earlier run of today.
	f.addImpressions(t, 50)
	snap, err = f.calc.ComputeToday(ctx, day1.Add(30*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(350), snap.Delta)
}

func TestDeltaSkipsMissingDaysAndClampsNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertDailySnapshot(ctx, Snapshot{Date: "2025-05-28", Total: 400, ComputedAt: time.Now()}))
	f.addImpressions(t, 1000)

	snap, err := f.calc.ComputeToday(ctx, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(600), snap.Delta)

	require.NoError(t, f.store.UpsertDailySnapshot(ctx, Snapshot{Date: "2025-06-02", Total: 5000, ComputedAt: time.Now()}))
	snap, err = f.calc.ComputeToday(ctx, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, snap.Delta, "a shrinking total never yields a negative gain")
}

func TestComputeIsIdempotentWithinHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertDailySnapshot(ctx, Snapshot{Date: "2025-05-31", Total: 100, ComputedAt: time.Now()}))
	f.addImpressions(t, 250)

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	first, err := f.calc.ComputeToday(ctx, at)
	require.NoError(t, err)
	second, err := f.calc.ComputeToday(ctx, at.Add(20*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.Date, second.Date)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, first.Delta, second.Delta)
}

func TestAutoCompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.addImpressions(t, 100)

	snap, recomputed, err := f.calc.AutoCompute(ctx, at)
	require.NoError(t, err)
	assert.True(t, recomputed)
	assert.Equal(t, int64(100), snap.Total)

	f.addImpressions(t, 50)

	snap, recomputed, err = f.calc.AutoCompute(ctx, at.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, recomputed)
	assert.Equal(t, int64(100), snap.Total)

	snap, recomputed, err = f.calc.AutoCompute(ctx, at.Add(RecomputeAfter+time.Minute))
	require.NoError(t, err)
	assert.True(t, recomputed)
	assert.Equal(t, int64(150), snap.Total)
}

func TestResetToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertDailySnapshot(ctx, Snapshot{Date: "2025-05-31", Total: 10, ComputedAt: time.Now()}))
	f.addImpressions(t, 900)

	snap, err := f.calc.ResetToday(ctx, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(900), snap.Total)
	assert.Zero(t, snap.Delta)

	stored, err := f.store.GetDailySnapshot(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Zero(t, stored.Delta)
}

func TestForMonth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, d := range []string{"2025-05-31", "2025-06-01", "2025-06-15", "2025-06-30", "2025-07-01"} {
		require.NoError(t, f.store.UpsertDailySnapshot(ctx, Snapshot{Date: d, ComputedAt: time.Now()}))
	}

	snaps, err := f.calc.ForMonth(ctx, 2025, time.June)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "2025-06-01", snaps[0].Date)
	assert.Equal(t, "2025-06-30", snaps[2].Date)

	_, err = f.calc.ForMonth(ctx, 2025, 13)
	assert.Error(t, err)
}

func TestDateUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	c := New(nil, loc, nil)
	assert.Equal(t, "2025-05-31", c.Date(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)))
}
