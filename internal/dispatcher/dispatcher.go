// Package dispatcher hands freshly created jobs to the queue, and runs them
// in-process when the queue cannot take them.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/tracing"
)

const contentTypeJSON = "application/json"

// ErrNoPublisher is returned by Publish when no queue is configured.
var ErrNoPublisher = errors.New("no queue publisher configured")

// Publisher is the queue side, satisfied by *rabbitmq.Client.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// JobExecutor runs a job locally, satisfied by *executor.Executor.
type JobExecutor interface {
	Execute(ctx context.Context, jobID uuid.UUID) error
}

// DispatchRecorder stamps a successful publish on the job row.
type DispatchRecorder interface {
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Config holds the dispatcher dependencies. Publisher may be nil, in which
// case every job runs on the local executor.
type Config struct {
	Publisher Publisher
	Executor  JobExecutor
	Store     DispatchRecorder
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// PublishTimeout bounds one Publish call including broker confirms.
	PublishTimeout time.Duration
}

type Dispatcher struct {
	publisher Publisher
	executor  JobExecutor
	store     DispatchRecorder
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		publisher: cfg.Publisher,
		executor:  cfg.Executor,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		timeout:   cfg.PublishTimeout,
		now:       time.Now,
	}
	if d.tracer == nil {
		d.tracer = tracing.Noop()
	}
	return d
}

// Dispatch returns immediately. The job is published in the background and
// executed locally if publishing fails. Request cancellation does not stop it.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job) {
	ctx = context.WithoutCancel(ctx)
	snapshot := *job

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ctx, &snapshot)
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, job *domain.Job) {
	ctx, span := d.tracer.Start(ctx, "job.dispatch",
		trace.WithAttributes(tracing.JobAttrs(job.ID.String(), job.TenantID, string(job.Type))...),
	)
	defer span.End()

	err := d.Publish(ctx, job)
	if err == nil {
		d.metrics.JobDispatched(metrics.PathQueue)
		return
	}

	d.logger.Warn("Queue publish failed, executing job locally",
		slog.String("job_id", job.ID.String()),
		slog.String("tenant_id", job.TenantID),
		slog.Any("error", err),
	)
	d.metrics.JobDispatched(metrics.PathFallback)

	if err := d.executor.Execute(ctx, job.ID); err != nil {
		tracing.SetError(span, err)
		d.logger.Error("Local execution failed",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err),
		)
	}
}

// Publish sends the job message to the queue and records the attempt.
// A failed MarkDispatched is only logged since the message is already queued.
func (d *Dispatcher) Publish(ctx context.Context, job *domain.Job) error {
	if d.publisher == nil {
		return ErrNoPublisher
	}

	body, err := json.Marshal(domain.JobMessage{
		JobID:    job.ID.String(),
		TenantID: job.TenantID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}

	pubCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		pubCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	err = d.publisher.PublishWithRetry(pubCtx, body, contentTypeJSON)
	cancel()
	if err != nil {
		return err
	}

	if err := d.store.MarkDispatched(ctx, job.ID, d.now()); err != nil {
		d.logger.Warn("Failed to record dispatch",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err),
		)
	}

	d.logger.Debug("Job published to queue",
		slog.String("job_id", job.ID.String()),
	)
	return nil
}

// Wait blocks until every in-flight dispatch has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatches still in flight: %w", ctx.Err())
	}
}
