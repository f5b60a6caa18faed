package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albeorla/reddit-miner/internal/config"
	"github.com/albeorla/reddit-miner/internal/logging"
	"github.com/albeorla/reddit-miner/internal/pipeline"
	"github.com/albeorla/reddit-miner/internal/scheduler"
	"github.com/albeorla/reddit-miner/internal/store"
	"github.com/albeorla/reddit-miner/pkg/alert"
	"github.com/albeorla/reddit-miner/pkg/analysis"
	"github.com/albeorla/reddit-miner/pkg/retry"
	"github.com/albeorla/reddit-miner/pkg/server"
	"github.com/albeorla/reddit-miner/pkg/source"
	"github.com/albeorla/reddit-miner/pkg/watch"
)

type runOptions struct {
	sources      []string
	limit        int
	processLimit int
	skipFetch    bool
	fetchOnly    bool
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

// setup loads config, builds the logger and opens the store.
func setup() (*config.Config, *zap.Logger, *store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, log, db, nil
}

func buildFetcher(cfg *config.Config, log *zap.Logger) *source.Reddit {
	f := cfg.Fetch
	client := source.NewHTTPClient(source.HTTPOptions{
		Timeout:   f.ParseTimeout(),
		UserAgent: f.UserAgent,
		MaxConns:  f.MaxConcurrency,
	})
	policy := retry.NewPolicy(f.MaxAttempts, f.DefaultWaitDuration(), f.MaxWaitDuration(), log)
	return source.NewReddit(client, policy, source.RedditOptions{
		BaseURL:           f.BaseURL,
		RequestsPerSecond: f.RequestsPerSecond,
		ReplyPageSize:     f.ReplyPageSize,
	}, log)
}

func buildAnalyzer(cfg *config.Config, log *zap.Logger) analysis.Analyzer {
	a := cfg.Analysis
	if !a.Enabled || a.APIKey == "" {
		return nil
	}
	policy := retry.NewPolicy(cfg.Fetch.MaxAttempts, cfg.Fetch.DefaultWaitDuration(), cfg.Fetch.MaxWaitDuration(), log)
	llm := analysis.NewLLM(analysis.LLMOptions{
		Provider: a.Provider,
		Model:    a.Model,
		APIKey:   a.APIKey,
		BaseURL:  a.BaseURL,
		Timeout:  2 * cfg.Fetch.ParseTimeout(),
	}, policy, log)
	log.Info("analyzer enabled", zap.String("provider", a.Provider), zap.String("model", llm.Model()))
	return llm
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func buildPipeline(cfg *config.Config, db store.Store, log *zap.Logger) *pipeline.Pipeline {
	alerts := buildAlertManager(cfg)
	return pipeline.New(pipeline.Deps{
		Store:    db,
		Fetcher:  buildFetcher(cfg, log),
		Analyzer: buildAnalyzer(cfg, log),
		Alerts:   alerts,
		Watch:    watch.NewChecker(db, alerts, log),
		Log:      log,
	}, pipeline.Options{
		Fetch: source.FetchOptions{
			Mode:           cfg.Fetch.Mode,
			Limit:          cfg.Fetch.Limit,
			RepliesPerItem: cfg.Fetch.RepliesPerItem,
			MaxConcurrency: cfg.Fetch.MaxConcurrency,
		},
		Threshold:    cfg.Dedupe.Threshold,
		Concurrency:  cfg.Analysis.Concurrency,
		ProcessLimit: cfg.Analysis.ProcessLimit,
	})
}

func runPipeline(ctx context.Context, opts runOptions) error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	sources := cfg.Fetch.Sources
	if len(opts.sources) > 0 {
		sources = opts.sources
	}
	if opts.limit > 0 {
		cfg.Fetch.Limit = opts.limit
	}
	if opts.processLimit >= 0 {
		cfg.Analysis.ProcessLimit = opts.processLimit
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := buildPipeline(cfg, db, log)

	var res *pipeline.Result
	switch {
	case opts.fetchOnly:
		fmt.Fprintf(os.Stderr, "fetching r/%s (%s, %d per subreddit)\n",
			strings.Join(sources, ", r/"), cfg.Fetch.Mode, cfg.Fetch.Limit)
		res, err = p.FetchOnly(ctx, sources)
	case opts.skipFetch:
		res, err = p.ProcessOnly(ctx)
	default:
		fmt.Fprintf(os.Stderr, "mining r/%s (%s, %d per subreddit)\n",
			strings.Join(sources, ", r/"), cfg.Fetch.Mode, cfg.Fetch.Limit)
		res, err = p.Run(ctx, sources)
	}
	if res != nil {
		printResult(res)
	}
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted")
	}
	return err
}

func printResult(res *pipeline.Result) {
	fmt.Fprintf(os.Stderr, "\nrun #%d %s\n", res.RunID, res.Status)
	fmt.Fprintf(os.Stderr, "  posts fetched:  %d\n", res.ItemsFetched)
	fmt.Fprintf(os.Stderr, "  posts analyzed: %d\n", res.ItemsProcessed)
	fmt.Fprintf(os.Stderr, "  signals saved:  %d (%d qualified, %d duplicates collapsed)\n",
		res.SignalsSaved, res.QualifiedSignals, res.Duplicates)
	if res.WatchMatches > 0 {
		fmt.Fprintf(os.Stderr, "  watch matches:  %d\n", res.WatchMatches)
	}
	fmt.Fprintf(os.Stderr, "  errors:         %d\n", res.Errors)

	if len(res.Top) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr)
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tITEM\tSUMMARY")
	for _, sig := range res.Top {
		fmt.Fprintf(w, "%d\t%s\t%s\n", sig.Score, sig.ItemID, truncate(sig.Summary, 60))
	}
	w.Flush()
}

func runTop(ctx context.Context, limit int, all, jsonOutput bool) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	signals, err := db.GetTop(ctx, store.TopOpts{Limit: limit, IncludeLowQuality: all})
	if err != nil {
		return fmt.Errorf("list signals: %w", err)
	}

	if jsonOutput {
		return printJSON(signals)
	}

	if len(signals) == 0 {
		fmt.Println("no signals found (try running the pipeline first: reddit-miner run)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCORE\tCONF\tDUPES\tSTATE\tSUMMARY")
	for _, s := range signals {
		fmt.Fprintf(w, "%d\t%d\t%.2f\t%d\t%s\t%s\n",
			s.ID, s.Score, s.Confidence, len(s.Duplicates), s.ExtractionState, truncate(s.Summary, 60))
	}
	return w.Flush()
}

func runShow(ctx context.Context, arg string, jsonOutput bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signal id %q", arg)
	}

	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	d, err := db.GetDetail(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("signal %d not found", id)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(d)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Signal\t#%d (run %d, cluster %s)\n", d.ID, d.RunID, d.ClusterID)
	fmt.Fprintf(w, "State\t%s\n", d.ExtractionState)
	fmt.Fprintf(w, "Score\t%d (confidence %.2f, evidence %d/10)\n", d.Score, d.Confidence, d.EvidenceStrength)
	fmt.Fprintf(w, "Summary\t%s\n", d.Summary)
	fmt.Fprintf(w, "Problem\t%s\n", d.CoreProblem)
	fmt.Fprintf(w, "Audience\t%s\n", d.TargetAudience)
	if d.ProposedSolution != "" {
		fmt.Fprintf(w, "Solution\t%s\n", d.ProposedSolution)
	}
	for _, e := range d.Evidence {
		fmt.Fprintf(w, "Evidence\t%s\n", e)
	}
	if len(d.RiskFlags) > 0 {
		fmt.Fprintf(w, "Risks\t%s\n", strings.Join(d.RiskFlags, ", "))
	}
	if len(d.Duplicates) > 0 {
		fmt.Fprintf(w, "Duplicates\t%s\n", strings.Join(d.Duplicates, ", "))
	}
	if d.Item != nil {
		fmt.Fprintf(w, "Post\tr/%s: %s\n", d.Item.Container, d.Item.Title)
		fmt.Fprintf(w, "URL\t%s\n", d.Item.URL)
	}
	return w.Flush()
}

func runStats(ctx context.Context, jsonOutput bool) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	stats, err := db.GetStats(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Posts\t%d (%d analyzed)\n", stats.Items, stats.ProcessedItems)
	fmt.Fprintf(w, "Signals\t%d (%d qualified)\n", stats.Signals, stats.QualifiedSignals)
	fmt.Fprintf(w, "Clusters\t%d\n", stats.Clusters)
	fmt.Fprintf(w, "Runs\t%d\n", stats.Runs)
	for name, n := range stats.ItemsBySource {
		fmt.Fprintf(w, "  r/%s\t%d\n", name, n)
	}
	return w.Flush()
}

func runRuns(ctx context.Context, limit int, jsonOutput bool) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	runs, err := db.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tFETCHED\tANALYZED\tSIGNALS\tERRORS")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.Status, r.StartedAt.Format(time.RFC3339),
			r.ItemsFetched, r.ItemsProcessed, r.SignalsSaved, r.Errors)
	}
	return w.Flush()
}

func runServe(port int) error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.New(db, port, log).ListenAndServe(ctx)
}

func runDaemon(port int) error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(buildPipeline(cfg, db, log), cfg.Fetch.Sources, cfg.Schedule.ParseInterval(), log)
	srv := server.New(db, port, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	log.Info("shut down")
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
