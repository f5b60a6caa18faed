// Package source fetches discussion threads from Reddit and turns them into
// normalized items.
package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidConcurrency is returned when a fetch is configured with no slots.
var ErrInvalidConcurrency = errors.New("max concurrency must be positive")

// Item is one normalized thread.
type Item struct {
	ID             string   `json:"id" db:"id"`
	Container      string   `json:"container" db:"container"`
	Title          string   `json:"title" db:"title"`
	Body           string   `json:"body" db:"body"`
	CreatedAt      int64    `json:"created_at" db:"created_at"`
	Score          int      `json:"score" db:"score"`
	NumReplies     int      `json:"num_replies" db:"reply_count"`
	URL            string   `json:"url" db:"url"`
	Permalink      string   `json:"permalink" db:"permalink"`
	TopReplies     []string `json:"top_replies" db:"-"`
	TopRepliesJSON string   `json:"-" db:"top_replies"`
	FetchedAt      int64    `json:"fetched_at" db:"fetched_at"`
	Processed      bool     `json:"processed" db:"processed"`
	// HasStats is set when Score and NumReplies came from the thread
	// document. Listing entries carry neither.
	HasStats bool `json:"-" db:"-"`
}

// Fetcher is what the pipeline needs from a content source.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []string, opts FetchOptions) (*FetchResult, error)
}

// FetchOptions controls a FetchAll call.
type FetchOptions struct {
	Mode           string
	Limit          int
	RepliesPerItem int
	MaxConcurrency int
}

// FetchFailure records one unit of work that did not complete.
type FetchFailure struct {
	Source string `json:"source"`
	ItemID string `json:"item_id,omitempty"`
	Stage  string `json:"stage"`
	Err    error  `json:"-"`
}

func (f FetchFailure) Error() string {
	if f.ItemID != "" {
		return fmt.Sprintf("%s %s/%s: %v", f.Stage, f.Source, f.ItemID, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Source, f.Err)
}

// FetchResult is everything a FetchAll call produced, including partial work.
type FetchResult struct {
	Items    []Item
	Failures []FetchFailure
}

// ParseError reports a response that could not be turned into items.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}
