package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambdash/ambdash/pkg/source"
)

func capture(t *testing.T, status int) (*httptest.Server, *[]byte, *http.Header) {
	t.Helper()
	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &body, &header
}

func sample() *Notification {
	return &Notification{
		Title:  "Quota 90% used",
		Body:   "x has 10 calls left",
		Level:  LevelCritical,
		Fields: []Field{{Name: "Remaining", Value: "10"}},
		Items: []source.Item{
			{Ambassador: "alice", URL: "https://x.com/i/status/1", Platform: source.PlatformX},
		},
	}
}

func TestSlackPayload(t *testing.T) {
	srv, body, _ := capture(t, http.StatusOK)
	require.NoError(t, NewSlack(srv.URL).Send(context.Background(), sample()))

	var payload struct {
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(*body, &payload))
	require.Len(t, payload.Blocks, 4)
	assert.Equal(t, "header", payload.Blocks[0]["type"])
	assert.Contains(t, payload.Blocks[0]["text"].(map[string]any)["text"], "Quota 90% used")
	assert.Contains(t, payload.Blocks[2]["text"].(map[string]any)["text"], "*Remaining:* 10")
	assert.Equal(t, "context", payload.Blocks[3]["type"])
}

func TestSlackErrorStatus(t *testing.T) {
	srv, _, _ := capture(t, http.StatusForbidden)
	err := NewSlack(srv.URL).Send(context.Background(), sample())
	assert.ErrorContains(t, err, "403")
}

func TestDiscordPayload(t *testing.T) {
	srv, body, _ := capture(t, http.StatusNoContent)
	require.NoError(t, NewDiscord(srv.URL).Send(context.Background(), sample()))

	var payload struct {
		Embeds []struct {
			Title       string           `json:"title"`
			Description string           `json:"description"`
			Color       int              `json:"color"`
			Fields      []map[string]any `json:"fields"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(*body, &payload))
	require.Len(t, payload.Embeds, 1)
	e := payload.Embeds[0]
	assert.Contains(t, e.Title, "Quota 90% used")
	assert.Contains(t, e.Description, "[alice](https://x.com/i/status/1)")
	assert.Equal(t, 0xE01E5A, e.Color)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "Remaining", e.Fields[0]["name"])
}

func TestWebhookSignsBody(t *testing.T) {
	srv, body, header := capture(t, http.StatusAccepted)
	w := NewWebhook(srv.URL, "s3cret")
	w.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, w.Send(context.Background(), sample()))

	assert.Equal(t, "critical", header.Get("X-Ambdash-Level"))
	assert.Equal(t, "1700000000", header.Get("X-Ambdash-Timestamp"))
	assert.Equal(t, "sha256="+Sign("s3cret", 1700000000, *body), header.Get("X-Signature-256"))

	var got Notification
	require.NoError(t, json.Unmarshal(*body, &got))
	assert.Equal(t, "Quota 90% used", got.Title)
	assert.Equal(t, LevelCritical, got.Level)
}

func TestWebhookWithoutSecret(t *testing.T) {
	srv, _, header := capture(t, http.StatusOK)
	require.NoError(t, NewWebhook(srv.URL, "").Send(context.Background(), sample()))
	assert.Empty(t, header.Get("X-Signature-256"))
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("k", 1, []byte("{}"))
	assert.Equal(t, a, Sign("k", 1, []byte("{}")))
	assert.NotEqual(t, a, Sign("k", 2, []byte("{}")))
	assert.NotEqual(t, a, Sign("other", 1, []byte("{}")))
	assert.Len(t, a, 64)
}

type stubNotifier struct {
	name string
	err  error
	got  []*Notification
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(_ context.Context, n *Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func TestManagerBroadcast(t *testing.T) {
	ok := &stubNotifier{name: "ok"}
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	m := NewManager([]Notifier{ok, bad})
	assert.True(t, m.HasNotifiers())

	err := m.Broadcast(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

func TestNilManager(t *testing.T) {
	var m *Manager
	assert.False(t, m.HasNotifiers())
	assert.NoError(t, m.Broadcast(context.Background(), sample()))
	assert.False(t, NewManager(nil).HasNotifiers())
}
