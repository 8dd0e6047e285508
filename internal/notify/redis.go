package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the pub/sub connection settings
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Timeout       time.Duration
}

// RedisNotifier publishes events on one Redis channel per tenant.
type RedisNotifier struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

var (
	_ Notifier   = (*RedisNotifier)(nil)
	_ Subscriber = (*RedisNotifier)(nil)
)

// NewRedisNotifier connects and pings the server.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis", slog.String("addr", cfg.Addr))

	return &RedisNotifier{
		client:  client,
		prefix:  cfg.ChannelPrefix,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Channel is the pub/sub channel carrying tenantID's events.
func (n *RedisNotifier) Channel(tenantID string) string {
	return channelName(n.prefix, tenantID)
}

func channelName(prefix, tenantID string) string {
	return prefix + ":" + tenantID
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.client.Publish(ctx, n.Channel(event.TenantID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription before returning so no event published
// afterwards is missed. The returned channel closes when ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, tenantID string) (<-chan Event, error) {
	ps := n.client.Subscribe(ctx, n.Channel(tenantID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				event, err := decodeEvent(msg.Payload)
				if err != nil {
					n.logger.Warn("Dropping malformed job event",
						slog.String("channel", msg.Channel),
						slog.Any("error", err),
					)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	if event.JobID == "" || event.Status == "" {
		return Event{}, fmt.Errorf("event missing job_id or status")
	}
	return event, nil
}

// HealthCheck pings the server.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
