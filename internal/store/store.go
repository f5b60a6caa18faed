package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/albeorla/reddit-miner/pkg/source"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConstraintViolation is returned when a write breaks a uniqueness rule.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrRunClosed is returned when closing a run that is no longer running.
	ErrRunClosed = errors.New("run already closed")
)

// ItemListOpts controls item listing.
type ItemListOpts struct {
	Container string
	Processed *bool
	Limit     int
}

// Store is the persistence interface.
type Store interface {
	Init(ctx context.Context) error

	UpsertItems(ctx context.Context, items []source.Item) error
	GetItem(ctx context.Context, id string) (*source.Item, error)
	ListItems(ctx context.Context, opts ItemListOpts) ([]source.Item, error)
	ListUnprocessed(ctx context.Context, limit int) ([]source.Item, error)
	MarkProcessed(ctx context.Context, ids ...string) error

	SaveSignal(ctx context.Context, itemID string, runID int64, sig *Signal) (int64, error)
	GetTop(ctx context.Context, opts TopOpts) ([]Signal, error)
	GetDetail(ctx context.Context, id int64) (*SignalDetail, error)
	GetStats(ctx context.Context) (*Stats, error)

	CreateRun(ctx context.Context, sources []string) (int64, error)
	CompleteRun(ctx context.Context, id int64, res RunResult) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	LogFailure(ctx context.Context, entry *ProcessingEntry) error
	ListFailures(ctx context.Context, runID int64) ([]ProcessingEntry, error)

	CreateWatchlist(ctx context.Context, w *Watchlist) (int64, error)
	ListWatchlists(ctx context.Context, activeOnly bool) ([]Watchlist, error)
	DeleteWatchlist(ctx context.Context, id int64) error
	RecordMatch(ctx context.Context, m *AlertMatch) (int64, error)
	ListMatches(ctx context.Context, opts MatchListOpts) ([]AlertMatch, error)
	MarkNotified(ctx context.Context, ids ...int64) error

	Close() error
}

// SQLiteStore implements Store using SQLite. Writes are serialized; reads
// run concurrently.
type SQLiteStore struct {
	db *sqlx.DB
	mu sync.Mutex
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Init creates missing tables and indexes. It is safe to call repeatedly.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertItems inserts items or refreshes their content. The processed flag of
// an existing item is preserved, as are stored replies when the new copy has
// none and stored score and reply count when the new copy has no stats.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []source.Item) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO items (id, container, title, body, created_at, score, reply_count, url, permalink, top_replies, fetched_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			container = excluded.container,
			title = excluded.title,
			body = excluded.body,
			created_at = excluded.created_at,
			score = CASE WHEN ? THEN excluded.score ELSE items.score END,
			reply_count = CASE WHEN ? THEN excluded.reply_count ELSE items.reply_count END,
			url = excluded.url,
			permalink = excluded.permalink,
			top_replies = CASE WHEN excluded.top_replies = '[]' THEN items.top_replies ELSE excluded.top_replies END,
			fetched_at = excluded.fetched_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range items {
		item := &items[i]
		replies := item.TopReplies
		if replies == nil {
			replies = []string{}
		}
		repliesJSON, _ := json.Marshal(replies)

		_, err := stmt.ExecContext(ctx,
			item.ID, item.Container, item.Title, item.Body, item.CreatedAt,
			item.Score, item.NumReplies, item.URL, item.Permalink,
			string(repliesJSON), item.FetchedAt,
			item.HasStats, item.HasStats)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*source.Item, error) {
	var item source.Item
	err := s.db.GetContext(ctx, &item, "SELECT * FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	decodeItem(&item)
	return &item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, opts ItemListOpts) ([]source.Item, error) {
	q := sq.Select("*").From("items").OrderBy("fetched_at DESC", "id")
	if opts.Container != "" {
		q = q.Where(sq.Eq{"container": opts.Container})
	}
	if opts.Processed != nil {
		q = q.Where(sq.Eq{"processed": *opts.Processed})
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.Limit(uint64(limit))

	return s.selectItems(ctx, q)
}

// ListUnprocessed returns items not yet analyzed, oldest fetch first.
func (s *SQLiteStore) ListUnprocessed(ctx context.Context, limit int) ([]source.Item, error) {
	q := sq.Select("*").From("items").
		Where(sq.Eq{"processed": false}).
		OrderBy("fetched_at", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.selectItems(ctx, q)
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sq.Update("items").Set("processed", true).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build mark processed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) selectItems(ctx context.Context, q sq.SelectBuilder) ([]source.Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item query: %w", err)
	}

	var items []source.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	for i := range items {
		decodeItem(&items[i])
	}
	return items, nil
}

func decodeItem(item *source.Item) {
	json.Unmarshal([]byte(item.TopRepliesJSON), &item.TopReplies)
}

// isDuplicate reports whether err is a uniqueness failure. Other constraint
// failures, such as a missing foreign row, are not duplicates.
func isDuplicate(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// primary code only, fall back to the message
		default:
			return false
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}
