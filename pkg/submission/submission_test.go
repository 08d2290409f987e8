package submission

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

func newService(t *testing.T) (*Service, *store.SQLStore) {
	t.Helper()
	s, err := store.New(store.DriverSQLite, filepath.Join(t.TempDir(), "submit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func TestSubmitStoresNormalizedItem(t *testing.T) {
	svc, st := newService(t)
	fixed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	id, err := svc.Submit(context.Background(), "  alice ", "https://twitter.com/alice/status/1790000000000000001?s=20")
	require.NoError(t, err)

	item, err := st.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", item.Ambassador)
	assert.Equal(t, source.PlatformX, item.Platform)
	assert.Equal(t, "https://x.com/i/status/1790000000000000001", item.URL)
	assert.Equal(t, "1790000000000000001", item.ExternalID)
	assert.True(t, item.SubmittedAt.Equal(fixed))
	assert.True(t, item.LastUpdatedAt.Equal(fixed))
	assert.False(t, item.Finalized)
	assert.True(t, item.Metrics.IsZero())
}

func TestSubmitRejectsMirrorDuplicates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "alice", "https://x.com/alice/status/42")
	require.NoError(t, err)

	for _, mirror := range []string{
		"https://twitter.com/alice/status/42",
		"https://fxtwitter.com/alice/status/42",
		"mobile.twitter.com/someoneelse/status/42",
	} {
		_, err := svc.Submit(ctx, "bob", mirror)
		assert.ErrorIs(t, err, ErrDuplicate, mirror)
	}

	_, err = svc.Submit(ctx, "alice", "https://old.reddit.com/r/x/comments/abc123/title")
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "alice", "https://redd.it/abc123")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "", "https://x.com/a/status/1")
	assert.ErrorIs(t, err, ErrEmptyAmbassador)

	_, err = svc.Submit(ctx, "alice", "https://example.com/post/1")
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = svc.Submit(ctx, "alice", "not a url at all")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestPurge(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	for i, day := range []int{1, 10, 20, 30} {
		svc.now = func() time.Time { return time.Date(2025, 6, day, 12, 0, 0, 0, time.UTC) }
		_, err := svc.Submit(ctx, "alice", "https://x.com/a/status/"+strconv.Itoa(i+1))
		require.NoError(t, err)
	}

	n, err := svc.Purge(ctx,
		time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 20, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := st.ListItems(ctx, store.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, 1, left[0].SubmittedAt.Day())
	assert.Equal(t, 30, left[1].SubmittedAt.Day())

	_, err = svc.Purge(ctx, time.Now(), time.Now().Add(-time.Hour))
	assert.Error(t, err)
}
