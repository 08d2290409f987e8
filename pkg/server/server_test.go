package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambdash/ambdash/internal/metrics"
	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/daily"
	"github.com/ambdash/ambdash/pkg/quota"
	"github.com/ambdash/ambdash/pkg/source"
	"github.com/ambdash/ambdash/pkg/submission"
	"github.com/ambdash/ambdash/pkg/updater"
)

var now = time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)

type nopFetcher struct{ platform source.Platform }

func (f nopFetcher) Platform() source.Platform { return f.platform }

func (f nopFetcher) FetchMetrics(context.Context, string) (source.Metrics, error) {
	return source.Metrics{}, nil
}

type stubTrigger struct {
	results []updater.BatchResult
	err     error
	calls   int
}

func (s *stubTrigger) TriggerUpdate(context.Context) ([]updater.BatchResult, error) {
	s.calls++
	return s.results, s.err
}

type testServer struct {
	store   *store.SQLStore
	server  *Server
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*Deps)) *testServer {
	t.Helper()
	s, err := store.New(store.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := Deps{
		Store:       s,
		Submissions: submission.New(s, nil),
		Updaters: []*updater.Updater{
			updater.New(nopFetcher{source.PlatformX}, quota.New(s, "x", 100), s),
			updater.New(nopFetcher{source.PlatformReddit}, quota.New(s, "reddit", 1000), s),
		},
		Daily:   daily.New(s, time.UTC, nil),
		Metrics: metrics.New(),
	}
	if mutate != nil {
		mutate(&d)
	}
	srv := New(d, 0)
	srv.now = func() time.Time { return now }
	return &testServer{store: s, server: srv, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed stores a finalized post submitted at the given time.
func (ts *testServer) seed(t *testing.T, amb string, p source.Platform, id string, at time.Time, impressions int64) {
	t.Helper()
	ctx := context.Background()
	item := &source.Item{
		Ambassador:    amb,
		Platform:      p,
		URL:           "https://example.test/" + string(p) + "/" + id,
		ExternalID:    id,
		SubmittedAt:   at,
		LastUpdatedAt: at,
	}
	require.NoError(t, ts.store.InsertItem(ctx, item))
	require.NoError(t, ts.store.FinalizeItem(ctx, item.ID, source.Metrics{Impressions: impressions}, at))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestSubmit(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/submissions", submitRequest{Ambassador: "alice", URL: "https://twitter.com/alice/status/77"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Positive(t, decode[map[string]int64](t, rec)["id"])

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions", submitRequest{Ambassador: "bob", URL: "https://x.com/bob/status/77"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions", submitRequest{Ambassador: "bob", URL: "https://example.com/77"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid submission", decode[errorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/api/v1/submissions", submitRequest{URL: "https://x.com/bob/status/78"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	ts.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestItemsAndStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	ts.seed(t, "alice", source.PlatformX, "1", now.Add(-10*24*time.Hour), 10)
	require.NoError(t, ts.store.InsertItem(ctx, &source.Item{
		Ambassador: "bob", Platform: source.PlatformReddit, URL: "https://www.reddit.com/comments/a1",
		ExternalID: "a1", SubmittedAt: now.Add(-4 * 24 * time.Hour),
	}))
	require.NoError(t, ts.store.InsertItem(ctx, &source.Item{
		Ambassador: "bob", Platform: source.PlatformX, URL: "https://x.com/i/status/2",
		ExternalID: "2", SubmittedAt: now.Add(-time.Hour),
	}))

	rec := ts.do(t, http.MethodGet, "/api/v1/items?platform=x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["count"])

	rec = ts.do(t, http.MethodGet, "/api/v1/items?finalized=false&ambassador=bob", nil)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["count"])

	rec = ts.do(t, http.MethodGet, "/api/v1/items?platform=myspace", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[map[string]int](t, rec)
	assert.Equal(t, 3, sum["total"])
	assert.Equal(t, 1, sum["finalized"])
	assert.Equal(t, 1, sum["ready"])
	assert.Equal(t, 1, sum["too_new"])
}

func TestUsage(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.server.Updaters[0].Quota().Consume(context.Background(), now, true)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Data []quota.Usage `json:"data"`
	}](t, rec)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "x", body.Data[0].Scope)
	assert.Equal(t, 1, body.Data[0].CallsMade)
	assert.Equal(t, 99, body.Data[0].Remaining)

	rec = ts.do(t, http.MethodGet, "/api/v1/usage?platform=tiktok", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlan(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for _, id := range []string{"5", "6"} {
		require.NoError(t, ts.store.InsertItem(ctx, &source.Item{
			Ambassador: "a", Platform: source.PlatformX, URL: "https://x.com/i/status/" + id,
			ExternalID: id, SubmittedAt: now.Add(-5 * 24 * time.Hour),
		}))
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/update/plan?platform=x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Data map[string][]source.Item `json:"data"`
	}](t, rec)
	assert.Len(t, body.Data["x"], 2)
	_, hasReddit := body.Data["reddit"]
	assert.False(t, hasReddit)
}

func TestUpdate(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/v1/update/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	trig := &stubTrigger{results: []updater.BatchResult{{Platform: source.PlatformX, Attempted: 2, Succeeded: 2}}}
	ts = newTestServer(t, func(d *Deps) { d.Trigger = trig })
	rec = ts.do(t, http.MethodPost, "/api/v1/update/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Data []updater.BatchResult `json:"data"`
	}](t, rec)
	require.Len(t, body.Data, 1)
	assert.Equal(t, 2, body.Data[0].Succeeded)

	trig.results, trig.err = nil, updater.ErrBatchInProgress
	rec = ts.do(t, http.MethodPost, "/api/v1/update/", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 2, trig.calls)
}

func TestLeaderboard(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) {
		d.Leaderboard = LeaderboardOptions{MinImpressions: 50, PinLast: "Team"}
	})
	june := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	ts.seed(t, "A", source.PlatformX, "1", june, 100)
	ts.seed(t, "B", source.PlatformX, "2", june, 200)
	ts.seed(t, "A", source.PlatformX, "3", june, 50)
	ts.seed(t, "C", source.PlatformX, "4", june, 10)
	ts.seed(t, "b", source.PlatformReddit, "r1", june, 500)
	ts.seed(t, "team", source.PlatformReddit, "r2", june, 9000)
	ts.seed(t, "A", source.PlatformX, "5", time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC), 1000)

	rec := ts.do(t, http.MethodGet, "/api/v1/leaderboard/x", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	xb := decode[struct {
		Month string `json:"month"`
		Daily *daily.Snapshot
		Data  []struct {
			Ambassador  string `json:"ambassador"`
			Posts       int    `json:"posts"`
			Impressions int64  `json:"impressions"`
		} `json:"data"`
	}](t, rec)
	assert.Equal(t, "2025-06", xb.Month)
	require.Len(t, xb.Data, 2, "C is below the impressions threshold")
	assert.Equal(t, "B", xb.Data[0].Ambassador)
	assert.Equal(t, int64(200), xb.Data[0].Impressions)
	assert.Equal(t, "A", xb.Data[1].Ambassador)
	assert.Equal(t, int64(150), xb.Data[1].Impressions)
	require.NotNil(t, xb.Daily, "leaderboard requests refresh the daily snapshot")
	assert.Equal(t, int64(10860), xb.Daily.Total)

	rec = ts.do(t, http.MethodGet, "/api/v1/leaderboard/total", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	total := decode[struct {
		Data []struct {
			Ambassador string `json:"ambassador"`
			Total      int64  `json:"total_views"`
		} `json:"data"`
	}](t, rec)
	require.Len(t, total.Data, 3)
	assert.Equal(t, "B", total.Data[0].Ambassador)
	assert.Equal(t, int64(700), total.Data[0].Total)
	assert.Equal(t, "A", total.Data[1].Ambassador)
	assert.Equal(t, "team", total.Data[2].Ambassador)

	rec = ts.do(t, http.MethodGet, "/api/v1/leaderboard/x?month=2025-05", nil)
	may := decode[map[string]any](t, rec)
	assert.Equal(t, "2025-05", may["month"])
	assert.Len(t, may["data"], 1)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/leaderboard/x?month=may", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/leaderboard/tiktok", nil).Code)
}

func TestMonths(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "A", source.PlatformX, "1", time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC), 1)
	ts.seed(t, "A", source.PlatformX, "2", time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), 1)

	rec := ts.do(t, http.MethodGet, "/api/v1/months", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2025-06", "2025-04"}, decode[struct {
		Data []string `json:"data"`
	}](t, rec).Data)
}

func TestDailyEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.UpsertDailySnapshot(ctx, store.DailySnapshot{Date: "2025-06-19", Total: 100, ComputedAt: now.Add(-24 * time.Hour)}))
	ts.seed(t, "A", source.PlatformX, "1", now.Add(-5*24*time.Hour), 400)

	rec := ts.do(t, http.MethodPost, "/api/v1/daily/compute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[daily.Snapshot](t, rec)
	assert.Equal(t, "2025-06-20", snap.Date)
	assert.Equal(t, int64(400), snap.Total)
	assert.Equal(t, int64(300), snap.Delta)

	rec = ts.do(t, http.MethodPost, "/api/v1/daily/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[daily.Snapshot](t, rec).Delta)

	rec = ts.do(t, http.MethodGet, "/api/v1/daily/?month=2025-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Data []daily.Snapshot `json:"data"`
	}](t, rec)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "2025-06-19", list.Data[0].Date)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ambdash_")
}

func TestDailyNotConfigured(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.Daily = nil })
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/api/v1/daily/compute", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/v1/daily/", nil).Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.AllowedOrigins = []string{"https://dash.test"} })
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.test")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.test", rec.Header().Get("Access-Control-Allow-Origin"))
}
