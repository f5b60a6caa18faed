package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/albeorla/reddit-miner/pkg/retry"
)

const (
	DefaultBaseURL = "https://www.reddit.com"

	maxBodyBytes = 8 << 20
)

// RedditOptions tunes the Reddit fetcher.
type RedditOptions struct {
	BaseURL           string
	RequestsPerSecond float64 // 0 disables the limiter
	ReplyPageSize     int     // 0 fetches all requested replies in one request
}

// Reddit fetches subreddit listings over RSS and thread replies over the
// public JSON endpoint.
type Reddit struct {
	client        *http.Client
	baseURL       string
	policy        *retry.Policy
	limiter       *rate.Limiter
	replyPageSize int
	log           *zap.Logger
}

// NewReddit creates a Reddit fetcher. A nil policy gets the retry defaults.
func NewReddit(client *http.Client, policy *retry.Policy, opts RedditOptions, log *zap.Logger) *Reddit {
	if client == nil {
		client = NewHTTPClient(HTTPOptions{})
	}
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = retry.NewPolicy(0, 0, 0, log)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	r := &Reddit{
		client:        client,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		policy:        policy,
		replyPageSize: opts.ReplyPageSize,
		log:           log,
	}
	if opts.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return r
}

// FetchListing returns up to limit items from a subreddit listing. Entries
// whose link carries no thread id are dropped.
func (r *Reddit) FetchListing(ctx context.Context, source, mode string, limit int) ([]Item, error) {
	items, dropped, err := r.listing(ctx, nil, source, mode, limit)
	for _, d := range dropped {
		r.log.Warn("dropped listing entry", zap.String("source", source), zap.Error(d.Err))
	}
	return items, err
}

// FetchReplies returns up to count top-level reply bodies of item, skipping
// the first start replies.
func (r *Reddit) FetchReplies(ctx context.Context, item Item, start, count int) ([]string, error) {
	replies, _, err := r.replies(ctx, nil, item, start, count)
	return replies, err
}

// FetchAll fetches the listing of every source and the replies of every
// listed item. All network operations of the call share MaxConcurrency slots.
// Failures are collected in the result rather than aborting sibling work; if
// ctx is cancelled the items gathered so far are returned with ctx.Err().
func (r *Reddit) FetchAll(ctx context.Context, sources []string, opts FetchOptions) (*FetchResult, error) {
	if opts.MaxConcurrency <= 0 {
		return nil, ErrInvalidConcurrency
	}
	if opts.Mode == "" {
		opts.Mode = "new"
	}
	if opts.Limit <= 0 {
		opts.Limit = 25
	}

	gate := semaphore.NewWeighted(int64(opts.MaxConcurrency))

	type sourceResult struct {
		items    []Item
		failures []FetchFailure
	}
	results := make([]sourceResult, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			items, failures := r.fetchSource(ctx, gate, src, opts)
			results[i] = sourceResult{items: items, failures: failures}
		}(i, src)
	}
	wg.Wait()

	out := &FetchResult{}
	for _, res := range results {
		out.Items = append(out.Items, res.items...)
		out.Failures = append(out.Failures, res.failures...)
	}

	r.log.Info("fetch finished",
		zap.Int("sources", len(sources)),
		zap.Int("items", len(out.Items)),
		zap.Int("failures", len(out.Failures)))

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Reddit) fetchSource(ctx context.Context, gate *semaphore.Weighted, src string, opts FetchOptions) ([]Item, []FetchFailure) {
	items, failures, err := r.listing(ctx, gate, src, opts.Mode, opts.Limit)
	if err != nil {
		if !cancelled(ctx, err) {
			failures = append(failures, FetchFailure{Source: src, Stage: "listing", Err: err})
		}
		return nil, failures
	}
	if opts.RepliesPerItem <= 0 || len(items) == 0 {
		return items, failures
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range items {
		wg.Add(1)
		go func(item *Item) {
			defer wg.Done()
			err := r.collectReplies(ctx, gate, item, opts.RepliesPerItem)
			if err == nil || cancelled(ctx, err) {
				return
			}
			mu.Lock()
			failures = append(failures, FetchFailure{Source: src, ItemID: item.ID, Stage: "replies", Err: err})
			mu.Unlock()
		}(&items[i])
	}
	wg.Wait()

	return items, failures
}

// collectReplies pages through replies in ascending order and stores what it
// got on item, even when a later page fails.
func (r *Reddit) collectReplies(ctx context.Context, gate *semaphore.Weighted, item *Item, total int) error {
	pageSize := r.replyPageSize
	if pageSize <= 0 || pageSize > total {
		pageSize = total
	}

	var replies []string
	for start := 0; start < total; start += pageSize {
		n := min(pageSize, total-start)
		page, meta, err := r.replies(ctx, gate, *item, start, n)
		if meta != nil && start == 0 {
			item.Score = meta.Score
			item.NumReplies = meta.NumComments
			item.HasStats = true
		}
		replies = append(replies, page...)
		if err != nil {
			item.TopReplies = replies
			return err
		}
		if len(page) < n {
			break
		}
	}
	item.TopReplies = replies
	return nil
}

func (r *Reddit) listing(ctx context.Context, gate *semaphore.Weighted, src, mode string, limit int) ([]Item, []FetchFailure, error) {
	if mode == "" {
		mode = "new"
	}
	reqURL := fmt.Sprintf("%s/r/%s/%s.rss?limit=%d", r.baseURL, url.PathEscape(src), url.PathEscape(mode), limit)

	body, err := r.get(ctx, gate, reqURL)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch r/%s: %w", src, err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, nil, &ParseError{URL: reqURL, Reason: err.Error()}
	}

	var (
		items    []Item
		failures []FetchFailure
	)
	fetchedAt := time.Now().Unix()
	for _, entry := range feed.Items {
		if limit > 0 && len(items) >= limit {
			break
		}
		item, err := parseEntry(entry, src)
		if err != nil {
			failures = append(failures, FetchFailure{Source: src, Stage: "parse", Err: err})
			continue
		}
		item.FetchedAt = fetchedAt
		items = append(items, item)
	}

	r.log.Debug("listing fetched",
		zap.String("source", src),
		zap.String("mode", mode),
		zap.Int("items", len(items)),
		zap.Int("dropped", len(failures)))
	return items, failures, nil
}

func (r *Reddit) replies(ctx context.Context, gate *semaphore.Weighted, item Item, start, count int) ([]string, *postMeta, error) {
	if count <= 0 {
		return nil, nil, nil
	}
	if start < 0 {
		start = 0
	}
	if item.Permalink == "" {
		return nil, nil, &ParseError{URL: item.URL, Reason: "item has no permalink"}
	}

	reqURL := fmt.Sprintf("%s%s.json?limit=%d&raw_json=1", r.baseURL, item.Permalink, start+count)
	body, err := r.get(ctx, gate, reqURL)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch replies %s: %w", item.ID, err)
	}
	return parseReplies(reqURL, body, start, count)
}

// get performs one GET under the retry policy. The limiter is waited on and
// the gate acquired per attempt, so backoff never holds a slot.
func (r *Reddit) get(ctx context.Context, gate *semaphore.Weighted, reqURL string) ([]byte, error) {
	var body []byte
	err := r.policy.Do(ctx, reqURL, func(ctx context.Context) retry.Result {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return waitFailure(ctx, "rate limiter", err)
			}
		}
		if gate != nil {
			if err := gate.Acquire(ctx, 1); err != nil {
				return waitFailure(ctx, "request slot", err)
			}
			defer gate.Release(1)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return retry.Result{Kind: retry.Fatal, Err: err}
		}

		resp, err := r.client.Do(req)
		res := retry.Classify(resp, err)
		if resp == nil {
			return res
		}
		defer resp.Body.Close()

		if res.Kind != retry.Success {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return res
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return retry.Result{Kind: retry.Transient, Err: err}
		}
		return res
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// waitFailure reports a wait that could not complete before ctx ends. The
// limiter gives up early when the deadline is too close to be met, so the
// error is reported as the deadline it would have hit.
func waitFailure(ctx context.Context, what string, err error) retry.Result {
	cause := ctx.Err()
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return retry.Result{Kind: retry.Fatal, Err: fmt.Errorf("wait for %s: %w", what, cause)}
}

// ExtractID returns the path segment that follows "comments" in a thread
// link, or "" when there is none.
func ExtractID(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "comments" {
			return segments[i+1]
		}
	}
	return ""
}

func parseEntry(entry *gofeed.Item, container string) (Item, error) {
	link := entry.Link
	if link == "" && len(entry.Links) > 0 {
		link = entry.Links[0]
	}

	id := ExtractID(link)
	if id == "" {
		return Item{}, &ParseError{URL: link, Reason: "no thread id in link"}
	}

	permalink := ""
	if u, err := url.Parse(link); err == nil {
		permalink = strings.TrimSuffix(u.Path, "/")
	}

	body := entry.Content
	if body == "" {
		body = entry.Description
	}

	var created int64
	if entry.PublishedParsed != nil {
		created = entry.PublishedParsed.Unix()
	} else if entry.UpdatedParsed != nil {
		created = entry.UpdatedParsed.Unix()
	}

	return Item{
		ID:        id,
		Container: container,
		Title:     Normalize(entry.Title),
		Body:      Normalize(body),
		CreatedAt: created,
		URL:       link,
		Permalink: permalink,
	}, nil
}

type listingSection struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type postMeta struct {
	Score       int `json:"score"`
	NumComments int `json:"num_comments"`
}

type replyData struct {
	Body     string `json:"body"`
	BodyHTML string `json:"body_html"`
}

// text returns the reply as plain text. body is markdown, so only the
// rendered body_html goes through the HTML normalizer.
func (r replyData) text() string {
	if r.BodyHTML == "" {
		return collapse(r.Body)
	}
	markup := r.BodyHTML
	if strings.HasPrefix(markup, "&lt;") {
		markup = html.UnescapeString(markup)
	}
	return Normalize(markup)
}

// parseReplies reads a thread document: section 0 is the post itself and
// section 1 its replies, of which only "t1" children are comments.
func parseReplies(reqURL string, body []byte, start, count int) ([]string, *postMeta, error) {
	var sections []listingSection
	if err := json.Unmarshal(body, &sections); err != nil {
		return nil, nil, &ParseError{URL: reqURL, Reason: err.Error()}
	}

	var meta *postMeta
	if len(sections) > 0 && len(sections[0].Data.Children) > 0 {
		var m postMeta
		if err := json.Unmarshal(sections[0].Data.Children[0].Data, &m); err == nil {
			meta = &m
		}
	}
	if len(sections) < 2 {
		return nil, meta, nil
	}

	var (
		replies []string
		seen    int
	)
	for _, child := range sections[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		seen++
		if seen <= start {
			continue
		}
		var reply replyData
		if err := json.Unmarshal(child.Data, &reply); err != nil {
			return replies, meta, &ParseError{URL: reqURL, Reason: err.Error()}
		}
		replies = append(replies, reply.text())
		if len(replies) >= count {
			break
		}
	}
	return replies, meta, nil
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
