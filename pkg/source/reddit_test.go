package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albeorla/reddit-miner/pkg/retry"
)

// atomFeed renders a minimal subreddit feed. An empty id yields an entry
// whose link is not a thread.
func atomFeed(sub string, ids ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom"><title>` + sub + `</title>`)
	for i, id := range ids {
		link := fmt.Sprintf("https://www.reddit.com/r/%s/comments/%s/post_%d/", sub, id, i)
		if id == "" {
			link = "https://google.com"
		}
		fmt.Fprintf(&b, `<entry><id>t3_%s</id><title>Post &amp;amp; %d</title>`, id, i)
		fmt.Fprintf(&b, `<link rel="alternate" href="%s"/>`, link)
		b.WriteString(`<updated>2025-12-22T10:00:00+00:00</updated><published>2025-12-22T10:00:00+00:00</published>`)
		fmt.Fprintf(&b, `<content type="html">&lt;div&gt;Body &amp;amp; text %d&lt;/div&gt;</content></entry>`, i)
	}
	b.WriteString(`</feed>`)
	return b.String()
}

// threadJSON renders a thread document with n comments and a trailing "more" stub.
func threadJSON(n int) string {
	children := make([]map[string]any, 0, n+1)
	for i := 1; i <= n; i++ {
		children = append(children, map[string]any{
			"kind": "t1",
			"data": map[string]any{"body": fmt.Sprintf("Comment %d", i)},
		})
	}
	children = append(children, map[string]any{"kind": "more", "data": map[string]any{"count": 7}})

	doc := []map[string]any{
		{"kind": "Listing", "data": map[string]any{"children": []map[string]any{
			{"kind": "t3", "data": map[string]any{"score": 42, "num_comments": n, "title": "post"}},
		}}},
		{"kind": "Listing", "data": map[string]any{"children": children}},
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

func newTestReddit(t *testing.T, baseURL string, pageSize int) *Reddit {
	t.Helper()
	client := NewHTTPClient(HTTPOptions{Timeout: 5 * time.Second, UserAgent: "test-agent/1.0"})
	t.Cleanup(client.CloseIdleConnections)
	policy := retry.NewPolicy(3, time.Millisecond, 10*time.Millisecond, nil)
	return NewReddit(client, policy, RedditOptions{BaseURL: baseURL, ReplyPageSize: pageSize}, nil)
}

func TestExtractID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://www.reddit.com/r/SaaS/comments/1ptgval/some_title/": "1ptgval",
		"https://www.reddit.com/r/SaaS/comments/abc123":              "abc123",
		"/r/golang/comments/xyz/":                                    "xyz",
		"https://google.com":                                         "",
		"https://www.reddit.com/r/SaaS/comments/":                    "",
		"":                                                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtractID(in), in)
	}
}

func TestParseEntry(t *testing.T) {
	t.Parallel()

	published := time.Date(2025, 12, 22, 10, 0, 0, 0, time.UTC)
	entry := &gofeed.Item{
		Title:           "Need a tool &amp; fast",
		Link:            "https://www.reddit.com/r/SaaS/comments/1ptgval/need_a_tool/",
		Content:         "<div><p>Hello</p><p>world</p></div>",
		Description:     "ignored",
		PublishedParsed: &published,
	}

	item, err := parseEntry(entry, "SaaS")
	require.NoError(t, err)
	assert.Equal(t, "1ptgval", item.ID)
	assert.Equal(t, "SaaS", item.Container)
	assert.Equal(t, "Need a tool & fast", item.Title)
	assert.Equal(t, "Hello world", item.Body)
	assert.Equal(t, published.Unix(), item.CreatedAt)
	assert.Equal(t, "/r/SaaS/comments/1ptgval/need_a_tool", item.Permalink)

	t.Run("description fallback and missing time", func(t *testing.T) {
		item, err := parseEntry(&gofeed.Item{
			Link:        "https://www.reddit.com/r/SaaS/comments/q1/x/",
			Description: "from <i>summary</i>",
		}, "SaaS")
		require.NoError(t, err)
		assert.Equal(t, "from summary", item.Body)
		assert.Zero(t, item.CreatedAt)
	})

	t.Run("no id", func(t *testing.T) {
		_, err := parseEntry(&gofeed.Item{Link: "https://google.com"}, "SaaS")
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "https://google.com", perr.URL)
	})
}

func TestParseReplies(t *testing.T) {
	t.Parallel()

	replies, meta, err := parseReplies("u", []byte(threadJSON(4)), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Comment 3", "Comment 4"}, replies)
	require.NotNil(t, meta)
	assert.Equal(t, 42, meta.Score)

	replies, _, err = parseReplies("u", []byte(threadJSON(4)), 0, 10)
	require.NoError(t, err)
	assert.Len(t, replies, 4)

	replies, _, err = parseReplies("u", []byte(`[{"data":{"children":[]}}]`), 0, 5)
	require.NoError(t, err)
	assert.Empty(t, replies)

	_, _, err = parseReplies("u", []byte(`<html>`), 0, 5)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestParseRepliesMarkdown(t *testing.T) {
	t.Parallel()

	doc := `[{"data":{"children":[]}},{"data":{"children":[
		{"kind":"t1","data":{"body":"a <b> c and   <3"}},
		{"kind":"t1","data":{"body":"**bold**","body_html":"<div class=\"md\"><p><strong>bold</strong> &lt;3</p></div>"}},
		{"kind":"t1","data":{"body":"x","body_html":"&lt;div class=\"md\"&gt;&lt;p&gt;escaped&lt;/p&gt;&lt;/div&gt;"}}
	]}}]`

	replies, _, err := parseReplies("u", []byte(doc), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a <b> c and <3", "bold <3", "escaped"}, replies)
}

func TestFetchListing(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got *http.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Clone(context.Background())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, atomFeed("SaaS", "a1", "", "a2", "a3"))
	}))
	defer srv.Close()

	rd := newTestReddit(t, srv.URL, 0)
	items, err := rd.FetchListing(context.Background(), "SaaS", "new", 2)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "/r/SaaS/new.rss", got.URL.Path)
	assert.Equal(t, "test-agent/1.0", got.Header.Get("User-Agent"))
	assert.Equal(t, "limit=2", got.URL.RawQuery)
	mu.Unlock()
	require.Len(t, items, 2)
	assert.Equal(t, "a1", items[0].ID)
	assert.Equal(t, "a2", items[1].ID)
	assert.Equal(t, "Post & 0", items[0].Title)
	assert.Equal(t, "Body & text 0", items[0].Body)
	assert.Equal(t, "SaaS", items[0].Container)
	assert.NotZero(t, items[0].CreatedAt)
	assert.NotZero(t, items[0].FetchedAt)
}

func TestFetchReplies(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got *http.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Clone(context.Background())
		mu.Unlock()
		fmt.Fprint(w, threadJSON(4))
	}))
	defer srv.Close()

	rd := newTestReddit(t, srv.URL, 0)
	item := Item{ID: "p1", Permalink: "/r/SaaS/comments/p1/title"}

	replies, err := rd.FetchReplies(context.Background(), item, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Comment 3", "Comment 4"}, replies)
	mu.Lock()
	assert.Equal(t, "/r/SaaS/comments/p1/title.json", got.URL.Path)
	assert.Equal(t, "limit=4&raw_json=1", got.URL.RawQuery)
	mu.Unlock()

	replies, err = rd.FetchReplies(context.Background(), item, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, replies)
}

// redditServer serves listings for every subreddit in feeds and threads with
// the given number of comments. Listings for subs not in feeds return 404.
type redditServer struct {
	*httptest.Server

	feeds    map[string][]string
	comments int
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu         sync.Mutex
	replyCalls map[string]int
	failReply  map[string]int // remaining failures per item id
	failStatus int
}

func newRedditServer(t *testing.T, feeds map[string][]string, comments int, opts ...func(*redditServer)) *redditServer {
	t.Helper()
	rs := &redditServer{
		feeds:      feeds,
		comments:   comments,
		replyCalls: map[string]int{},
		failReply:  map[string]int{},
	}
	for _, opt := range opts {
		opt(rs)
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Close)
	return rs
}

// failing makes the first n reply requests for id answer with status.
func failing(id string, n, status int) func(*redditServer) {
	return func(rs *redditServer) {
		rs.failReply[id] = n
		rs.failStatus = status
	}
}

func (rs *redditServer) handle(w http.ResponseWriter, r *http.Request) {
	n := rs.inFlight.Add(1)
	defer rs.inFlight.Add(-1)
	for {
		cur := rs.maxInFlight.Load()
		if n <= cur || rs.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if rs.delay > 0 {
		time.Sleep(rs.delay)
	}

	path := r.URL.Path
	if strings.HasSuffix(path, ".rss") {
		sub := strings.Split(strings.TrimPrefix(path, "/r/"), "/")[0]
		ids, ok := rs.feeds[sub]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, atomFeed(sub, ids...))
		return
	}

	id := ExtractID(path)
	rs.mu.Lock()
	rs.replyCalls[id]++
	fail := rs.failReply[id] > 0
	if fail {
		rs.failReply[id]--
	}
	rs.mu.Unlock()

	if fail {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(rs.failStatus)
		return
	}
	fmt.Fprint(w, threadJSON(rs.comments))
}

func TestFetchAll(t *testing.T) {
	t.Parallel()

	rs := newRedditServer(t, map[string][]string{
		"SaaS":         {"s1", "s2", ""},
		"Entrepreneur": {"e1", "e2", "s1"},
	}, 5)

	rd := newTestReddit(t, rs.URL, 2)
	res, err := rd.FetchAll(context.Background(), []string{"SaaS", "Entrepreneur"}, FetchOptions{
		Mode:           "new",
		Limit:          10,
		RepliesPerItem: 3,
		MaxConcurrency: 4,
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ID)
		assert.Equal(t, []string{"Comment 1", "Comment 2", "Comment 3"}, it.TopReplies, it.ID)
		assert.Equal(t, 42, it.Score)
		assert.Equal(t, 5, it.NumReplies)
		assert.True(t, it.HasStats)
	}
	// Results follow source order; a thread listed twice is kept twice.
	assert.Equal(t, []string{"s1", "s2", "e1", "e2", "s1"}, ids)
	assert.Equal(t, "SaaS", res.Items[0].Container)
	assert.Equal(t, "Entrepreneur", res.Items[4].Container)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "parse", res.Failures[0].Stage)
	assert.Equal(t, "SaaS", res.Failures[0].Source)
}

func TestFetchAllBoundsConcurrency(t *testing.T) {
	t.Parallel()

	feeds := map[string][]string{}
	for s := 0; s < 3; s++ {
		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, fmt.Sprintf("t%d%d", s, i))
		}
		feeds[fmt.Sprintf("sub%d", s)] = ids
	}
	rs := newRedditServer(t, feeds, 2, func(rs *redditServer) {
		rs.delay = 20 * time.Millisecond
	})

	rd := newTestReddit(t, rs.URL, 0)
	res, err := rd.FetchAll(context.Background(), []string{"sub0", "sub1", "sub2"}, FetchOptions{
		Limit:          5,
		RepliesPerItem: 2,
		MaxConcurrency: 2,
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 15)
	assert.Empty(t, res.Failures)
	assert.LessOrEqual(t, rs.maxInFlight.Load(), int32(2))
	assert.Positive(t, rs.maxInFlight.Load())
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	rs := newRedditServer(t, map[string][]string{"good": {"g1", "g2"}}, 3, failing("g1", 1, http.StatusNotFound))

	rd := newTestReddit(t, rs.URL, 0)
	res, err := rd.FetchAll(context.Background(), []string{"missing", "good"}, FetchOptions{
		Limit:          10,
		RepliesPerItem: 2,
		MaxConcurrency: 3,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Empty(t, res.Items[0].TopReplies)
	assert.Equal(t, []string{"Comment 1", "Comment 2"}, res.Items[1].TopReplies)

	require.Len(t, res.Failures, 2)
	stages := map[string]FetchFailure{}
	for _, f := range res.Failures {
		stages[f.Stage] = f
	}

	var fatal *retry.FatalError
	require.ErrorAs(t, stages["listing"].Err, &fatal)
	assert.Equal(t, http.StatusNotFound, fatal.Status)
	assert.Equal(t, "missing", stages["listing"].Source)

	assert.Equal(t, "g1", stages["replies"].ItemID)
	rs.mu.Lock()
	assert.Equal(t, 1, rs.replyCalls["g1"], "fatal responses are not retried")
	rs.mu.Unlock()
}

func TestFetchAllRetriesRateLimit(t *testing.T) {
	t.Parallel()

	rs := newRedditServer(t, map[string][]string{"SaaS": {"r1"}}, 2, failing("r1", 2, http.StatusTooManyRequests))

	rd := newTestReddit(t, rs.URL, 0)
	res, err := rd.FetchAll(context.Background(), []string{"SaaS"}, FetchOptions{
		Limit:          1,
		RepliesPerItem: 2,
		MaxConcurrency: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, []string{"Comment 1", "Comment 2"}, res.Items[0].TopReplies)
	assert.Empty(t, res.Failures)

	rs.mu.Lock()
	assert.Equal(t, 3, rs.replyCalls["r1"])
	rs.mu.Unlock()
}

func TestFetchAllGivesUpOnTransient(t *testing.T) {
	t.Parallel()

	rs := newRedditServer(t, map[string][]string{"SaaS": {"r1"}}, 2, failing("r1", 10, http.StatusServiceUnavailable))

	rd := newTestReddit(t, rs.URL, 0)
	res, err := rd.FetchAll(context.Background(), []string{"SaaS"}, FetchOptions{
		Limit:          1,
		RepliesPerItem: 2,
		MaxConcurrency: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, retry.ErrExhausted)

	rs.mu.Lock()
	assert.Equal(t, 3, rs.replyCalls["r1"])
	rs.mu.Unlock()
}

func TestFetchAllInvalidConcurrency(t *testing.T) {
	t.Parallel()

	rd := newTestReddit(t, "http://127.0.0.1:0", 0)
	res, err := rd.FetchAll(context.Background(), []string{"SaaS"}, FetchOptions{MaxConcurrency: 0})
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
	assert.Nil(t, res)
}

func TestFetchAllEmpty(t *testing.T) {
	t.Parallel()

	rs := newRedditServer(t, map[string][]string{"quiet": {}}, 0)
	rd := newTestReddit(t, rs.URL, 0)

	res, err := rd.FetchAll(context.Background(), []string{"quiet"}, FetchOptions{RepliesPerItem: 5, MaxConcurrency: 2})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.Failures)
}

func TestFetchAllCancelled(t *testing.T) {
	t.Parallel()

	rs := newRedditServer(t, map[string][]string{"SaaS": {"c1"}}, 1)
	rd := newTestReddit(t, rs.URL, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := rd.FetchAll(ctx, []string{"SaaS"}, FetchOptions{RepliesPerItem: 1, MaxConcurrency: 1})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.Failures)
}

func TestGetLimiterDeadline(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPOptions{Timeout: 5 * time.Second})
	t.Cleanup(client.CloseIdleConnections)
	policy := retry.NewPolicy(3, time.Millisecond, 10*time.Millisecond, nil)
	rd := NewReddit(client, policy, RedditOptions{BaseURL: srv.URL, RequestsPerSecond: 0.001}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	body, err := rd.get(ctx, nil, srv.URL+"/first")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	// The next token is ~1000s away, far past the deadline.
	_, err = rd.get(ctx, nil, srv.URL+"/second")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "wait for rate limiter")
	assert.Equal(t, int32(1), calls.Load())
}
