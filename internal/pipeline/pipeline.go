// Package pipeline ties fetching, storage, external analysis and
// deduplication into one tracked run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albeorla/reddit-miner/internal/store"
	"github.com/albeorla/reddit-miner/pkg/alert"
	"github.com/albeorla/reddit-miner/pkg/analysis"
	"github.com/albeorla/reddit-miner/pkg/dedupe"
	"github.com/albeorla/reddit-miner/pkg/source"
	"github.com/albeorla/reddit-miner/pkg/watch"
)

// Failure stages recorded in the processing log besides the fetcher's own.
const (
	StageAnalyze = "analyze"
	StageSave    = "save"
	StageWatch   = "watch"
)

// Options tunes a pipeline.
type Options struct {
	Fetch source.FetchOptions
	// Threshold is the combined similarity above which signals collapse.
	Threshold float64
	// Concurrency bounds simultaneous analyzer calls.
	Concurrency int
	// ProcessLimit caps items analyzed per run, 0 = all.
	ProcessLimit int
	// GraceTimeout bounds the writes made after the run context is cancelled.
	GraceTimeout time.Duration
}

// Deps are the collaborators of a pipeline. Analyzer, Alerts and Watch are
// optional.
type Deps struct {
	Store    store.Store
	Fetcher  source.Fetcher
	Analyzer analysis.Analyzer
	Alerts   *alert.Manager
	Watch    *watch.Checker
	Log      *zap.Logger
}

// Result summarizes one run.
type Result struct {
	RunID            int64
	Status           string
	ItemsFetched     int
	ItemsProcessed   int
	SignalsSaved     int
	QualifiedSignals int
	Duplicates       int
	WatchMatches     int
	Errors           int
	Top              []store.Signal
}

// Pipeline runs fetch, upsert, analysis, dedupe and save as one run.
type Pipeline struct {
	store    store.Store
	fetcher  source.Fetcher
	analyzer analysis.Analyzer
	alerts   *alert.Manager
	watch    *watch.Checker
	opts     Options
	log      *zap.Logger
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 10 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		analyzer: deps.Analyzer,
		alerts:   deps.Alerts,
		watch:    deps.Watch,
		opts:     opts,
		log:      log.Named("pipeline"),
	}
}

type stages struct {
	fetch   bool
	process bool
}

// Run fetches sources, stores the items, analyzes the unprocessed backlog
// and saves deduplicated signals.
func (p *Pipeline) Run(ctx context.Context, sources []string) (*Result, error) {
	return p.execute(ctx, sources, stages{fetch: true, process: true})
}

// FetchOnly fetches and stores items without analyzing them.
func (p *Pipeline) FetchOnly(ctx context.Context, sources []string) (*Result, error) {
	return p.execute(ctx, sources, stages{fetch: true})
}

// ProcessOnly analyzes items already in the store.
func (p *Pipeline) ProcessOnly(ctx context.Context) (*Result, error) {
	return p.execute(ctx, nil, stages{process: true})
}

// run carries the state of one execution.
type run struct {
	id       int64
	res      *Result
	items    map[string]source.Item
	mu       sync.Mutex
	failures []store.ProcessingEntry
}

func (r *run) fail(e store.ProcessingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.RunID = r.id
	r.failures = append(r.failures, e)
}

func (p *Pipeline) execute(ctx context.Context, sources []string, st stages) (*Result, error) {
	runID, err := p.store.CreateRun(ctx, sources)
	if err != nil {
		return nil, err
	}
	r := &run{id: runID, res: &Result{RunID: runID, Status: store.RunRunning}}
	log := p.log.With(zap.Int64("run_id", runID))
	log.Info("run started", zap.Strings("sources", sources))

	var runErr error
	if st.fetch {
		runErr = p.fetch(ctx, r, sources)
	}
	if runErr == nil && st.process {
		runErr = p.process(ctx, r)
	}

	status := store.RunCompleted
	if runErr != nil {
		status = store.RunFailed
	}
	if err := p.close(ctx, r, status); err != nil {
		return r.res, errors.Join(runErr, err)
	}

	log.Info("run finished",
		zap.String("status", status),
		zap.Int("fetched", r.res.ItemsFetched),
		zap.Int("processed", r.res.ItemsProcessed),
		zap.Int("signals", r.res.SignalsSaved),
		zap.Int("errors", r.res.Errors),
		zap.Error(runErr))

	if runErr == nil {
		p.notify(ctx, r)
	}
	return r.res, runErr
}

func (p *Pipeline) fetch(ctx context.Context, r *run, sources []string) error {
	fr, fetchErr := p.fetcher.FetchAll(ctx, sources, p.opts.Fetch)
	if fr == nil {
		return fmt.Errorf("fetch: %w", fetchErr)
	}

	for _, f := range fr.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		r.fail(store.ProcessingEntry{Source: f.Source, ItemID: f.ItemID, Stage: f.Stage, Message: msg})
	}

	// Partial results survive cancellation.
	wctx, cancel := p.grace(ctx)
	defer cancel()
	if err := p.store.UpsertItems(wctx, fr.Items); err != nil {
		return errors.Join(fetchErr, err)
	}
	r.res.ItemsFetched = len(fr.Items)

	if fetchErr != nil {
		return fmt.Errorf("fetch: %w", fetchErr)
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, r *run) error {
	if p.analyzer == nil {
		p.log.Debug("no analyzer configured, skipping analysis")
		return nil
	}

	items, err := p.store.ListUnprocessed(ctx, p.opts.ProcessLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	signals := make([]*store.Signal, len(items))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			sig, err := p.analyzer.Analyze(ctx, item)
			if err != nil {
				if ctx.Err() == nil {
					r.fail(store.ProcessingEntry{Source: item.Container, ItemID: item.ID, Stage: StageAnalyze, Message: err.Error()})
					p.log.Warn("analysis failed", zap.String("item", item.ID), zap.Error(err))
				}
				return nil
			}
			signals[i] = sig
			return nil
		})
	}
	_ = g.Wait()

	entries := make([]dedupe.Entry[store.Signal], 0, len(items))
	byID := make(map[string]source.Item, len(items))
	for i, sig := range signals {
		if sig == nil {
			continue
		}
		entries = append(entries, dedupe.Entry[store.Signal]{Key: items[i].ID, Record: *sig})
		byID[items[i].ID] = items[i]
	}

	wctx, cancel := p.grace(ctx)
	defer cancel()

	clusters := dedupe.Dedupe(entries, p.opts.Threshold)
	saved, unsaved, err := p.save(wctx, r, clusters)
	if err != nil {
		return err
	}

	// A cluster whose representative was not stored leaves all its members
	// unprocessed so the next run analyzes them again.
	processed := make([]string, 0, len(entries))
	for _, c := range clusters {
		if unsaved[c.Key] {
			continue
		}
		processed = append(processed, c.Key)
		processed = append(processed, c.Duplicates...)
	}
	if err := p.store.MarkProcessed(wctx, processed...); err != nil {
		return err
	}
	r.res.ItemsProcessed = len(processed)

	sort.SliceStable(saved, func(i, j int) bool { return saved[i].Score > saved[j].Score })
	for _, sig := range saved {
		if qualified(sig) {
			r.res.QualifiedSignals++
			if len(r.res.Top) < 5 {
				r.res.Top = append(r.res.Top, sig)
			}
		}
	}
	r.items = byID

	if p.watch != nil {
		matches, err := p.watch.Check(wctx, saved)
		r.res.WatchMatches = len(matches)
		if err != nil {
			r.fail(store.ProcessingEntry{Stage: StageWatch, Message: err.Error()})
			p.log.Warn("watchlist check failed", zap.Error(err))
		}
	}

	return ctx.Err()
}

// save stores every cluster representative with its duplicates. It returns
// the stored signals and the keys of representatives that could not be
// stored. A representative already recorded for this run counts as stored.
func (p *Pipeline) save(ctx context.Context, r *run, clusters []dedupe.Cluster[store.Signal]) ([]store.Signal, map[string]bool, error) {
	var saved []store.Signal
	unsaved := make(map[string]bool)
	for _, c := range clusters {
		sig := c.Representative
		sig.ClusterID = uuid.NewString()
		sig.Duplicates = c.Duplicates

		_, err := p.store.SaveSignal(ctx, c.Key, r.id, &sig)
		switch {
		case errors.Is(err, store.ErrConstraintViolation):
			p.log.Debug("signal already recorded", zap.String("item", c.Key))
			continue
		case err != nil:
			if ctx.Err() != nil {
				return saved, unsaved, err
			}
			unsaved[c.Key] = true
			r.fail(store.ProcessingEntry{ItemID: c.Key, Stage: StageSave, Message: err.Error()})
			p.log.Warn("save signal failed", zap.String("item", c.Key), zap.Error(err))
			continue
		}
		r.res.Duplicates += len(c.Duplicates)
		saved = append(saved, sig)
	}
	r.res.SignalsSaved = len(saved)
	return saved, unsaved, nil
}

func (p *Pipeline) close(ctx context.Context, r *run, status string) error {
	wctx, cancel := p.grace(ctx)
	defer cancel()

	for i := range r.failures {
		if err := p.store.LogFailure(wctx, &r.failures[i]); err != nil {
			p.log.Warn("record failure", zap.Error(err))
		}
	}

	r.res.Status = status
	r.res.Errors = len(r.failures)
	return p.store.CompleteRun(wctx, r.id, store.RunResult{
		Status:         status,
		ItemsFetched:   r.res.ItemsFetched,
		ItemsProcessed: r.res.ItemsProcessed,
		SignalsSaved:   r.res.SignalsSaved,
		Errors:         r.res.Errors,
	})
}

func (p *Pipeline) notify(ctx context.Context, r *run) {
	if !p.alerts.HasNotifiers() {
		return
	}

	n := &alert.Notification{
		RunID:        r.id,
		Status:       r.res.Status,
		Title:        fmt.Sprintf("reddit-miner run #%d", r.id),
		Body:         fmt.Sprintf("%d new signals, %d qualified, %d duplicates collapsed", r.res.SignalsSaved, r.res.QualifiedSignals, r.res.Duplicates),
		ItemsFetched: r.res.ItemsFetched,
		SignalsSaved: r.res.SignalsSaved,
		Errors:       r.res.Errors,
	}
	for _, sig := range r.res.Top {
		n.Highlights = append(n.Highlights, alert.Highlight{
			ID:      sig.ID,
			Summary: sig.Summary,
			Score:   sig.Score,
			URL:     r.items[sig.ItemID].URL,
		})
	}

	if err := p.alerts.Broadcast(ctx, n); err != nil {
		p.log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (p *Pipeline) grace(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.opts.GraceTimeout)
}

func qualified(sig store.Signal) bool {
	return sig.ExtractionState == store.StateExtracted && !sig.Disqualified
}
