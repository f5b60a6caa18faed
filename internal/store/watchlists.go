package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Watchlist is a set of keywords a user wants to hear about. Containers
// restricts matching to some subreddits; empty means all.
type Watchlist struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Keywords       []string  `db:"-" json:"keywords"`
	KeywordsJSON   string    `db:"keywords" json:"-"`
	Containers     []string  `db:"-" json:"containers"`
	ContainersJSON string    `db:"containers" json:"-"`
	WebhookURL     string    `db:"webhook_url" json:"webhook_url,omitempty"`
	Active         bool      `db:"active" json:"active"`
	TotalMatches   int       `db:"total_matches" json:"total_matches"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// AlertMatch records that a signal hit a watchlist keyword. The joined
// fields are filled by ListMatches.
type AlertMatch struct {
	ID          int64      `db:"id" json:"id"`
	WatchlistID int64      `db:"watchlist_id" json:"watchlist_id"`
	SignalID    int64      `db:"signal_id" json:"signal_id"`
	Keyword     string     `db:"keyword" json:"keyword"`
	Notified    bool       `db:"notified" json:"notified"`
	NotifiedAt  *time.Time `db:"notified_at" json:"notified_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`

	WatchlistName string `db:"watchlist_name" json:"watchlist_name"`
	Summary       string `db:"summary" json:"summary"`
	Score         int    `db:"score" json:"score"`
	Container     string `db:"container" json:"container"`
	URL           string `db:"url" json:"url"`
}

// MatchListOpts controls ListMatches.
type MatchListOpts struct {
	WatchlistID int64
	Unnotified  bool
	Limit       int
}

// CreateWatchlist stores w as an active watchlist and returns its id.
func (s *SQLiteStore) CreateWatchlist(ctx context.Context, w *Watchlist) (int64, error) {
	w.Name = strings.TrimSpace(w.Name)
	keywords := cleanList(w.Keywords)
	if w.Name == "" || len(keywords) == 0 {
		return 0, errors.New("create watchlist: name and at least one keyword are required")
	}
	w.Keywords = keywords
	w.Containers = cleanList(w.Containers)
	w.Active = true
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlists (name, keywords, containers, webhook_url, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.Name, jsonList(w.Keywords), jsonList(w.Containers), w.WebhookURL, w.Active, w.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("create watchlist: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	return w.ID, nil
}

func (s *SQLiteStore) ListWatchlists(ctx context.Context, activeOnly bool) ([]Watchlist, error) {
	q := sq.Select("*").From("watchlists").OrderBy("id")
	if activeOnly {
		q = q.Where(sq.Eq{"active": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build watchlist query: %w", err)
	}

	var lists []Watchlist
	if err := s.db.SelectContext(ctx, &lists, query, args...); err != nil {
		return nil, fmt.Errorf("list watchlists: %w", err)
	}
	for i := range lists {
		json.Unmarshal([]byte(lists[i].KeywordsJSON), &lists[i].Keywords)
		json.Unmarshal([]byte(lists[i].ContainersJSON), &lists[i].Containers)
	}
	return lists, nil
}

// DeleteWatchlist removes a watchlist and its matches.
func (s *SQLiteStore) DeleteWatchlist(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM watchlists WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete watchlist %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete watchlist %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordMatch stores m and bumps the watchlist's match count. A signal
// matches a watchlist at most once; a repeat yields ErrConstraintViolation.
func (s *SQLiteStore) RecordMatch(ctx context.Context, m *AlertMatch) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record match: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO alert_matches (watchlist_id, signal_id, keyword, created_at) VALUES (?, ?, ?, ?)",
		m.WatchlistID, m.SignalID, m.Keyword, m.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return 0, fmt.Errorf("record match %d/%d: %w", m.WatchlistID, m.SignalID, ErrConstraintViolation)
		}
		return 0, fmt.Errorf("record match %d/%d: %w", m.WatchlistID, m.SignalID, err)
	}
	m.ID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		"UPDATE watchlists SET total_matches = total_matches + 1 WHERE id = ?", m.WatchlistID); err != nil {
		return 0, fmt.Errorf("count match %d: %w", m.WatchlistID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit match: %w", err)
	}
	return m.ID, nil
}

// ListMatches returns matches newest first, joined with their watchlist,
// signal and item.
func (s *SQLiteStore) ListMatches(ctx context.Context, opts MatchListOpts) ([]AlertMatch, error) {
	q := sq.Select(
		"m.id", "m.watchlist_id", "m.signal_id", "m.keyword", "m.notified", "m.notified_at", "m.created_at",
		"w.name AS watchlist_name", "s.summary", "s.score", "i.container", "i.url",
	).From("alert_matches m").
		Join("watchlists w ON w.id = m.watchlist_id").
		Join("signals s ON s.id = m.signal_id").
		Join("items i ON i.id = s.item_id").
		OrderBy("m.id DESC")
	if opts.WatchlistID > 0 {
		q = q.Where(sq.Eq{"m.watchlist_id": opts.WatchlistID})
	}
	if opts.Unnotified {
		q = q.Where(sq.Eq{"m.notified": false})
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q = q.Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build match query: %w", err)
	}

	var matches []AlertMatch
	if err := s.db.SelectContext(ctx, &matches, query, args...); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return matches, nil
}

func (s *SQLiteStore) MarkNotified(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sq.Update("alert_matches").
		Set("notified", true).
		Set("notified_at", time.Now().UTC()).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark notified: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

func cleanList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
