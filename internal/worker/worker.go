// Package worker consumes job messages from RabbitMQ and executes them
// on a bounded goroutine pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Start when the broker closes the consumer.
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// Broker is the consuming side of the queue, satisfied by *rabbitmq.Client.
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// JobExecutor runs one job, satisfied by *executor.Executor.
type JobExecutor interface {
	Execute(ctx context.Context, jobID uuid.UUID) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Executor      JobExecutor
	Sweeper       *Sweeper
	WorkerID      string
	Concurrency   int
	PrefetchCount int
}

// Worker represents the background job worker
type Worker struct {
	logger        *slog.Logger
	broker        Broker
	executor      JobExecutor
	sweeper       *Sweeper
	workerID      string
	concurrency   int
	prefetchCount int

	jobsChan chan *jobDelivery
	wg       sync.WaitGroup
}

// jobDelivery pairs a decoded job id with the delivery it must settle.
type jobDelivery struct {
	jobID    uuid.UUID
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	return &Worker{
		logger:        cfg.Logger.With(slog.String("worker_id", workerID)),
		broker:        cfg.Broker,
		executor:      cfg.Executor,
		sweeper:       cfg.Sweeper,
		workerID:      workerID,
		concurrency:   concurrency,
		prefetchCount: max(cfg.PrefetchCount, 1),
		jobsChan:      make(chan *jobDelivery, concurrency),
	}
}

// Start consumes until ctx is canceled or the broker closes the delivery
// channel, then waits for in-flight jobs to settle.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	// the sweeper must also stop when the broker drops the consumer
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if w.sweeper != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.sweeper.Run(sweepCtx)
		}()
	}

	err = w.startMessageDispatcher(ctx, deliveries)

	stopSweep()
	close(w.jobsChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")

	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}
