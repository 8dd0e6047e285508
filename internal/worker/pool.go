package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop runs until jobsChan is closed. Jobs already started finish even
// after ctx is canceled; jobs not yet started go back to the queue.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	for msg := range w.jobsChan {
		if ctx.Err() != nil {
			w.nack(msg.delivery, true)
			continue
		}
		w.processJob(context.WithoutCancel(ctx), logger, msg)
	}
}

func (w *Worker) processJob(ctx context.Context, logger *slog.Logger, msg *jobDelivery) {
	logger = logger.With(
		slog.String("job_id", msg.jobID.String()),
		slog.Uint64("delivery_tag", msg.delivery.DeliveryTag),
	)

	err := w.executor.Execute(ctx, msg.jobID)
	if err == nil {
		if ackErr := msg.delivery.Ack(false); ackErr != nil {
			logger.Error("Failed to ACK message", slog.Any("error", ackErr))
		}
		return
	}

	requeue := shouldRequeue(err, msg.delivery.Redelivered)
	logger.Error("Job processing failed",
		slog.Any("error", err),
		slog.Bool("requeue", requeue),
		slog.Bool("redelivered", msg.delivery.Redelivered),
	)
	w.nack(msg.delivery, requeue)
}

// shouldRequeue allows one broker-level retry for transient failures.
// Anything left PENDING after that is picked up by the sweeper.
func shouldRequeue(err error, redelivered bool) bool {
	return domain.IsRetryable(err) && !redelivered
}
