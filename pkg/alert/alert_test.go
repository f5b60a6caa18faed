package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	body    []byte
	headers http.Header
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.body = b
		c.headers = r.Header.Clone()
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *captured) get() ([]byte, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body, c.headers
}

func sample() *Notification {
	return &Notification{
		RunID:        7,
		Status:       "completed",
		Title:        "reddit-miner run 7",
		Body:         "2 new signals",
		ItemsFetched: 40,
		SignalsSaved: 2,
		Highlights: []Highlight{
			{ID: 1, Summary: "Invoicing is slow", Score: 31, URL: "https://www.reddit.com/r/SaaS/comments/a/"},
		},
	}
}

func TestSlackSend(t *testing.T) {
	t.Parallel()

	var c captured
	srv := c.server(t, http.StatusOK)

	require.NoError(t, NewSlack(srv.URL).Send(context.Background(), sample()))

	body, headers := c.get()
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	var payload struct {
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Blocks, 3)
	assert.Equal(t, "header", payload.Blocks[0]["type"])
	assert.Contains(t, string(body), "Invoicing is slow")
}

func TestDiscordSend(t *testing.T) {
	t.Parallel()

	var c captured
	srv := c.server(t, http.StatusNoContent)

	n := sample()
	n.Status = "failed"
	require.NoError(t, NewDiscord(srv.URL).Send(context.Background(), n))

	body, _ := c.get()
	var payload struct {
		Embeds []struct {
			Title string `json:"title"`
			Color int    `json:"color"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, "reddit-miner run 7", payload.Embeds[0].Title)
	assert.Equal(t, 0xE74C3C, payload.Embeds[0].Color)
}

func TestWebhookSignature(t *testing.T) {
	t.Parallel()

	var c captured
	srv := c.server(t, http.StatusOK)

	require.NoError(t, NewWebhook(srv.URL, "s3cret").Send(context.Background(), sample()))

	body, headers := c.get()
	assert.Equal(t, "sha256="+Sign("s3cret", body), headers.Get(SignatureHeader))

	var got Notification
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, int64(7), got.RunID)
	assert.Equal(t, 40, got.ItemsFetched)
}

func TestWebhookUnsigned(t *testing.T) {
	t.Parallel()

	var c captured
	srv := c.server(t, http.StatusOK)

	require.NoError(t, NewWebhook(srv.URL, "").Send(context.Background(), sample()))
	_, headers := c.get()
	assert.Empty(t, headers.Get(SignatureHeader))
}

func TestSendStatusError(t *testing.T) {
	t.Parallel()

	var c captured
	srv := c.server(t, http.StatusInternalServerError)

	err := NewSlack(srv.URL).Send(context.Background(), sample())
	assert.ErrorContains(t, err, "status 500")
}

type stubNotifier struct {
	name string
	err  error
	sent int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(context.Context, *Notification) error {
	s.sent++
	return s.err
}

func TestManagerBroadcast(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := &stubNotifier{name: "ok"}
	bad := &stubNotifier{name: "bad", err: boom}

	m := NewManager([]Notifier{bad, ok})
	assert.True(t, m.HasNotifiers())

	err := m.Broadcast(context.Background(), sample())
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "bad: boom")
	assert.Equal(t, 1, ok.sent)
	assert.Equal(t, 1, bad.sent)

	var nilManager *Manager
	assert.False(t, nilManager.HasNotifiers())
	assert.NoError(t, nilManager.Broadcast(context.Background(), sample()))
}
