package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch bounds unacked deliveries, which is the pool's backpressure
	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the pool.
// It returns nil on ctx cancellation and ErrDeliveriesClosed if the broker
// goes away.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return ErrDeliveriesClosed
			}

			jobID, err := decodeMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Discarding malformed job message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				w.nack(delivery, false)
				continue
			}

			select {
			case w.jobsChan <- &jobDelivery{jobID: jobID, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", jobID.String()),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.nack(delivery, true)
				w.logger.Info("Message dispatcher stopped while dispatching job")
				return nil
			}
		}
	}
}

func decodeMessage(body []byte) (uuid.UUID, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	id, err := uuid.Parse(msg.JobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: job_id %q: %v", domain.ErrInvalidMessage, msg.JobID, err)
	}
	return id, nil
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
