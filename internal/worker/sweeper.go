package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
)

// StaleLister finds PENDING jobs whose last dispatch is older than a cutoff.
type StaleLister interface {
	ListStalePending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Job, error)
}

// JobPublisher re-queues a job, satisfied by *dispatcher.Dispatcher.
type JobPublisher interface {
	Publish(ctx context.Context, job *domain.Job) error
}

type SweeperConfig struct {
	Store      StaleLister
	Publisher  JobPublisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper re-publishes jobs that were accepted but never picked up. It only
// touches dispatch bookkeeping, never status.
type Sweeper struct {
	store      StaleLister
	publisher  JobPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With(slog.String("component", "sweeper")),
		interval:   interval,
		staleAfter: cfg.StaleAfter,
		batchSize:  max(cfg.BatchSize, 1),
		now:        time.Now,
	}
}

// Run sweeps once per interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
		slog.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep re-publishes one batch of stale PENDING jobs and returns how many
// were queued. It stops at the first publish failure since the broker is
// most likely unavailable for the rest of the batch too.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.store.ListStalePending(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	republished := 0
	for i := range stale {
		job := &stale[i]
		if err := s.publisher.Publish(ctx, job); err != nil {
			s.logger.Warn("Failed to re-publish stale job",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err),
			)
			return republished, err
		}
		republished++
		s.metrics.JobDispatched(metrics.PathSweeper)
	}

	if republished > 0 {
		s.logger.Info("Re-published stale jobs",
			slog.Int("count", republished),
			slog.Time("cutoff", cutoff),
		)
	}
	return republished, nil
}
