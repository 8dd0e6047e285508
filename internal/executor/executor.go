// Package executor runs a claimed job through the watermark engine and
// records its terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/notify"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/tracing"
)

const (
	defaultTimeout      = 5 * time.Minute
	completeAttempts    = 3
	completeRetryDelay  = 100 * time.Millisecond
	terminalWriteBudget = 10 * time.Second
)

// Config holds the executor dependencies
type Config struct {
	Store    storage.Store
	Runner   Runner
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Executor owns a job from claim to terminal write.
type Executor struct {
	store    storage.Store
	runner   Runner
	notifier notify.Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	timeout  time.Duration

	now        func() time.Time
	retryDelay time.Duration
}

// New creates a new Executor instance
func New(cfg Config) *Executor {
	e := &Executor{
		store:      cfg.Store,
		runner:     cfg.Runner,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		timeout:    cfg.Timeout,
		now:        time.Now,
		retryDelay: completeRetryDelay,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.tracer == nil {
		e.tracer = tracing.Noop()
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	return e
}

// Execute loads, claims, runs, and finishes one job. It returns nil when the
// job is missing or already claimed, so redelivered messages are harmless.
// Transient storage failures before the claim come back as RetryableError.
func (e *Executor) Execute(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "job.execute", trace.WithAttributes(attribute.String("job.id", jobID.String())))
	defer span.End()

	logger := e.logger.With(slog.String("job_id", jobID.String()))

	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		logger.Warn("Job not found, skipping execution")
		return nil
	}
	if err != nil {
		tracing.SetError(span, err)
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	span.SetAttributes(tracing.JobAttrs(job.ID.String(), job.TenantID, string(job.Type))...)

	claimed, err := e.store.ClaimJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		e.metrics.ClaimConflict()
		logger.Info("Job already claimed, skipping execution",
			slog.String("status", string(job.Status)),
		)
		return nil
	}
	if err != nil {
		tracing.SetError(span, err)
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	claimedAt := e.now()
	logger.Info("Job claimed",
		slog.String("tenant_id", claimed.TenantID),
		slog.String("type", string(claimed.Type)),
	)
	e.publish(ctx, claimed, claimedAt)

	outcome := e.run(ctx, claimed, claimedAt)

	// the engine already ran; the terminal write must survive caller cancellation
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteBudget)
	defer cancel()

	if err := e.complete(writeCtx, claimed.ID, outcome); err != nil {
		if errors.Is(err, domain.ErrJobNotRunning) {
			logger.Warn("Job left RUNNING before terminal write, keeping existing state")
			return nil
		}
		tracing.SetError(span, err)
		logger.Error("Failed to record job outcome",
			slog.String("status", string(outcome.Status)),
			slog.Any("error", err),
		)
		return err
	}

	claimed.Status = outcome.Status
	e.metrics.JobFinished(string(claimed.Type), string(outcome.Status), time.Duration(outcome.DurationMs)*time.Millisecond)
	e.publish(writeCtx, claimed, outcome.FinishedAt)

	span.SetAttributes(attribute.String("job.status", string(outcome.Status)))
	logger.Info("Job finished",
		slog.String("status", string(outcome.Status)),
		slog.Int64("duration_ms", outcome.DurationMs),
	)
	return nil
}

// run never fails: every engine error becomes an ERROR outcome.
func (e *Executor) run(ctx context.Context, job *domain.Job, claimedAt time.Time) (outcome domain.Outcome) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			finished := e.now()
			outcome = domain.Failed(fmt.Sprintf("watermark engine panicked: %v", r), finished, finished.Sub(claimedAt))
		}
	}()

	out, err := e.runner.Run(runCtx, invocationFor(job))
	finished := e.now()
	elapsed := finished.Sub(claimedAt)

	switch {
	case err != nil:
		msg := err.Error()
		if out.Stderr != "" {
			msg += ": " + out.Stderr
		}
		return domain.Failed(msg, finished, elapsed)
	case out.Stderr != "":
		return domain.Failed(out.Stderr, finished, elapsed)
	default:
		return domain.Succeeded(out.Stdout, finished, elapsed)
	}
}

func (e *Executor) complete(ctx context.Context, id uuid.UUID, outcome domain.Outcome) error {
	delay := e.retryDelay
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		err = e.store.CompleteJob(ctx, id, outcome)
		if err == nil || errors.Is(err, domain.ErrJobNotRunning) || errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		if attempt == completeAttempts {
			break
		}

		e.logger.Warn("Terminal write failed, retrying",
			slog.String("job_id", id.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (e *Executor) publish(ctx context.Context, job *domain.Job, at time.Time) {
	if err := e.notifier.Notify(ctx, notify.NewEvent(job, at)); err != nil {
		e.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.ID.String()),
			slog.String("status", string(job.Status)),
			slog.Any("error", err),
		)
	}
}

func invocationFor(job *domain.Job) Invocation {
	inv := Invocation{
		JobID:        job.ID.String(),
		Type:         job.Type,
		SrcImagePath: job.SrcImagePath,
		Params:       job.Params,
	}
	if job.ThumbnailPath != nil {
		inv.ThumbnailPath = *job.ThumbnailPath
	}
	return inv
}
