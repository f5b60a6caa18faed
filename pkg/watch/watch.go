// Package watch matches stored signals against user watchlists and alerts
// on new matches.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/albeorla/reddit-miner/internal/store"
	"github.com/albeorla/reddit-miner/pkg/alert"
	"github.com/albeorla/reddit-miner/pkg/source"
)

// StatusMatch marks watchlist notifications.
const StatusMatch = "match"

// Store is the part of the store the checker needs.
type Store interface {
	ListWatchlists(ctx context.Context, activeOnly bool) ([]store.Watchlist, error)
	GetItem(ctx context.Context, id string) (*source.Item, error)
	RecordMatch(ctx context.Context, m *store.AlertMatch) (int64, error)
	MarkNotified(ctx context.Context, ids ...int64) error
}

// Checker records watchlist matches and announces them.
type Checker struct {
	store  Store
	alerts *alert.Manager
	log    *zap.Logger

	// hook builds the notifier for a watchlist's own webhook.
	hook func(url string) alert.Notifier
}

// NewChecker creates a checker. Alerts may be nil.
func NewChecker(s Store, alerts *alert.Manager, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		store:  s,
		alerts: alerts,
		log:    log.Named("watch"),
		hook:   func(url string) alert.Notifier { return alert.NewWebhook(url, "") },
	}
}

// Check matches signals against every active watchlist, records new matches
// and notifies about them. Non-qualified signals are ignored, as are
// signals that already matched a watchlist. Delivery failures are logged
// and leave the matches unnotified.
func (c *Checker) Check(ctx context.Context, signals []store.Signal) ([]store.AlertMatch, error) {
	lists, err := c.store.ListWatchlists(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(lists) == 0 || len(signals) == 0 {
		return nil, nil
	}

	filters := make([]*Filter, len(lists))
	for i, w := range lists {
		filters[i] = NewFilter(w.Keywords, w.Containers)
	}

	items := make(map[string]*source.Item)
	found := make(map[int64][]store.AlertMatch)
	var all []store.AlertMatch
	for _, sig := range signals {
		if sig.ID == 0 || sig.ExtractionState != store.StateExtracted || sig.Disqualified {
			continue
		}
		item, ok := items[sig.ItemID]
		if !ok {
			item, err = c.store.GetItem(ctx, sig.ItemID)
			if err != nil {
				return all, err
			}
			items[sig.ItemID] = item
		}

		for i, w := range lists {
			hits := filters[i].Match(item.Container,
				item.Title, sig.Summary, sig.CoreProblem, sig.TargetAudience, sig.ProposedSolution)
			if len(hits) == 0 {
				continue
			}

			m := store.AlertMatch{WatchlistID: w.ID, SignalID: sig.ID, Keyword: hits[0]}
			if _, err := c.store.RecordMatch(ctx, &m); err != nil {
				if errors.Is(err, store.ErrConstraintViolation) {
					continue
				}
				return all, err
			}
			m.WatchlistName = w.Name
			m.Summary = sig.Summary
			m.Score = sig.Score
			m.Container = item.Container
			m.URL = item.URL
			found[w.ID] = append(found[w.ID], m)
			all = append(all, m)
		}
	}

	for _, w := range lists {
		if matches := found[w.ID]; len(matches) > 0 {
			c.notify(ctx, w, matches)
		}
	}

	c.log.Debug("watchlists checked",
		zap.Int("watchlists", len(lists)),
		zap.Int("signals", len(signals)),
		zap.Int("matches", len(all)))
	return all, nil
}

func (c *Checker) notify(ctx context.Context, w store.Watchlist, matches []store.AlertMatch) {
	if !c.alerts.HasNotifiers() && w.WebhookURL == "" {
		return
	}

	n := &alert.Notification{
		Status:       StatusMatch,
		Title:        fmt.Sprintf("Watchlist %q: %d new matches", w.Name, len(matches)),
		SignalsSaved: len(matches),
	}
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		n.Highlights = append(n.Highlights, alert.Highlight{
			ID:      m.SignalID,
			Summary: fmt.Sprintf("[%s] r/%s: %s", m.Keyword, m.Container, m.Summary),
			Score:   m.Score,
			URL:     m.URL,
		})
	}
	n.Body = fmt.Sprintf("Keywords matched: %s", keywords(matches))

	var errs []error
	if err := c.alerts.Broadcast(ctx, n); err != nil {
		errs = append(errs, err)
	}
	if w.WebhookURL != "" {
		if err := c.hook(w.WebhookURL).Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("watchlist webhook: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("watchlist alert failed", zap.Int64("watchlist", w.ID), zap.Error(err))
		return
	}

	if err := c.store.MarkNotified(ctx, ids...); err != nil {
		c.log.Warn("mark matches notified", zap.Int64("watchlist", w.ID), zap.Error(err))
	}
}

func keywords(matches []store.AlertMatch) string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[m.Keyword] {
			seen[m.Keyword] = true
			out = append(out, m.Keyword)
		}
	}
	return strings.Join(out, ", ")
}
