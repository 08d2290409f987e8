package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambdash/ambdash/internal/store"
)

func newCounter(t *testing.T, limit int) *Counter {
	t.Helper()
	s, err := store.New(store.DriverSQLite, filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, "x", limit)
}

func TestConsumeCountsEveryCall(t *testing.T) {
	c := newCounter(t, 0)
	ctx := context.Background()
	at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, DefaultLimit, c.Limit())

	for i := 1; i <= 7; i++ {
		n, err := c.Consume(ctx, at, i%2 == 0)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	remaining, err := c.Remaining(ctx, "2025-06")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit-7, remaining)

	u, err := c.Usage(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, "2025-06", u.Month)
	assert.Equal(t, 7, u.CallsMade)
	assert.Equal(t, 3, u.Successful)
	assert.Equal(t, 4, u.Failed)
	assert.Equal(t, DefaultLimit-7, u.Remaining)
	require.Len(t, u.Daily, 1)
	assert.Equal(t, "2025-06-10", u.Daily[0].Day)
}

func TestRemainingNeverNegative(t *testing.T) {
	c := newCounter(t, 2)
	ctx := context.Background()
	at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := c.Consume(ctx, at, true)
		require.NoError(t, err)
	}
	remaining, err := c.Remaining(ctx, MonthKey(at))
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestMonthRollover(t *testing.T) {
	c := newCounter(t, 10)
	ctx := context.Background()

	_, err := c.Consume(ctx, time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC), true)
	require.NoError(t, err)

	remaining, err := c.Remaining(ctx, "2025-07")
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)

	remaining, err = c.Remaining(ctx, "2025-06")
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)
}

func TestCrossedLevel(t *testing.T) {
	c := New(nil, "x", 100)
	assert.Equal(t, 0, c.CrossedLevel(10, 11))
	assert.Equal(t, 50, c.CrossedLevel(49, 50))
	assert.Equal(t, 0, c.CrossedLevel(50, 51))
	assert.Equal(t, 75, c.CrossedLevel(74, 75))
	assert.Equal(t, 90, c.CrossedLevel(89, 90))
	assert.Equal(t, 100, c.CrossedLevel(99, 100))
	assert.Equal(t, 90, c.CrossedLevel(0, 95))

	small := New(nil, "reddit", 3)
	assert.Equal(t, 50, small.CrossedLevel(1, 2))
	assert.Equal(t, 100, small.CrossedLevel(2, 3))
}
