package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/albeorla/reddit-miner/internal/pipeline"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, sources []string) (*pipeline.Result, error)
}

// Scheduler runs the pipeline periodically.
type Scheduler struct {
	runner   Runner
	sources  []string
	interval time.Duration
	log      *zap.Logger
}

// New creates a new scheduler.
func New(runner Runner, sources []string, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		sources:  sources,
		interval: interval,
		log:      log.Named("scheduler"),
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start.
	s.log.Info("initial run", zap.Strings("sources", s.sources))
	s.runOnce(ctx)

	s.log.Info("running", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, err := s.runner.Run(ctx, s.sources)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("run failed", zap.Error(err))
		return
	}
	s.log.Info("run complete",
		zap.Int64("run_id", res.RunID),
		zap.Int("fetched", res.ItemsFetched),
		zap.Int("signals", res.SignalsSaved),
		zap.Int("errors", res.Errors))
}
