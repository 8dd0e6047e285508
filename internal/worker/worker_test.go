package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type settlement struct {
	acked   bool
	requeue bool
}

// fakeAcknowledger records how each delivery tag was settled.
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled map[uint64]settlement
	done    chan uint64
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: map[uint64]settlement{}, done: make(chan uint64, 64)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.record(tag, settlement{acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(tag, settlement{requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) record(tag uint64, s settlement) {
	a.mu.Lock()
	a.settled[tag] = s
	a.mu.Unlock()
	a.done <- tag
}

func (a *fakeAcknowledger) waitFor(t *testing.T, n int) map[uint64]settlement {
	t.Helper()
	for range n {
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for settlement")
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]settlement, len(a.settled))
	for k, v := range a.settled {
		out[k] = v
	}
	return out
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	qosErr     error
	consumeErr error
	prefetch   int
}

func (b *fakeBroker) Qos(prefetchCount int) error {
	b.prefetch = prefetchCount
	return b.qosErr
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	return b.deliveries, nil
}

type executorMock struct {
	mock.Mock
}

func (m *executorMock) Execute(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func jobBody(t *testing.T, id uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(domain.JobMessage{JobID: id.String(), TenantID: "tenant-a"})
	require.NoError(t, err)
	return body
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	okID, retryID, redeliveredID, fatalID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	exec := &executorMock{}
	exec.On("Execute", mock.Anything, okID).Return(nil)
	exec.On("Execute", mock.Anything, retryID).Return(domain.NewRetryableError(errors.New("db down")))
	exec.On("Execute", mock.Anything, redeliveredID).Return(domain.NewRetryableError(errors.New("db down")))
	exec.On("Execute", mock.Anything, fatalID).Return(errors.New("terminal write failed"))

	ack := newFakeAcknowledger()
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 8)}
	broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: jobBody(t, okID)}
	broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: jobBody(t, retryID)}
	broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: jobBody(t, redeliveredID), Redelivered: true}
	broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, Body: jobBody(t, fatalID)}
	broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 5, Body: []byte("not json")}
	broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 6, Body: []byte(`{"job_id":"nope"}`)}

	w := NewWorker(&Config{Logger: discard, Broker: broker, Executor: exec, Concurrency: 2, PrefetchCount: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	settled := ack.waitFor(t, 6)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, 4, broker.prefetch)
	assert.Equal(t, map[uint64]settlement{
		1: {acked: true},
		2: {requeue: true},
		3: {requeue: false},
		4: {requeue: false},
		5: {requeue: false},
		6: {requeue: false},
	}, settled)
	exec.AssertNumberOfCalls(t, "Execute", 4)
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	const concurrency = 3

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	exec := &executorMock{}
	exec.On("Execute", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			<-release
			mu.Lock()
			running--
			mu.Unlock()
		}).
		Return(nil)

	ack := newFakeAcknowledger()
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 20)}
	for i := range 10 {
		broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: jobBody(t, uuid.New())}
	}

	w := NewWorker(&Config{Logger: discard, Broker: broker, Executor: exec, Concurrency: concurrency})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	close(release)
	ack.waitFor(t, 10)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, concurrency, peak)
}

func TestWorker_StartErrors(t *testing.T) {
	closedDeliveries := func() *fakeBroker {
		b := &fakeBroker{deliveries: make(chan amqp.Delivery)}
		close(b.deliveries)
		return b
	}
	idleSweeper := func() *Sweeper {
		return NewSweeper(SweeperConfig{
			Store:     storage.NewMemoryStore(),
			Publisher: &publisherMock{},
			Logger:    discard,
			Interval:  time.Hour,
			BatchSize: 1,
		})
	}

	tests := []struct {
		name    string
		broker  *fakeBroker
		sweeper *Sweeper
		wantErr error
		errText string
	}{
		{name: "qos fails", broker: &fakeBroker{qosErr: errors.New("channel closed")}, errText: "failed to set QoS"},
		{name: "consume fails", broker: &fakeBroker{consumeErr: errors.New("no queue")}, errText: "failed to start consuming"},
		{name: "broker closes deliveries", broker: closedDeliveries(), wantErr: ErrDeliveriesClosed},
		{
			name:    "broker closes deliveries with sweeper",
			broker:  closedDeliveries(),
			sweeper: idleSweeper(),
			wantErr: ErrDeliveriesClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorker(&Config{
				Logger:      discard,
				Broker:      tt.broker,
				Executor:    &executorMock{},
				Sweeper:     tt.sweeper,
				Concurrency: 1,
			})

			done := make(chan error, 1)
			go func() { done <- w.Start(context.Background()) }()

			var err error
			select {
			case err = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Start did not return after the broker closed deliveries")
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestShouldRequeue(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        bool
	}{
		{"retryable first delivery", domain.NewRetryableError(errors.New("x")), false, true},
		{"retryable redelivery", domain.NewRetryableError(errors.New("x")), true, false},
		{"plain error", errors.New("x"), false, false},
		{"invalid message", domain.ErrInvalidMessage, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeue(tt.err, tt.redelivered))
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	id := uuid.New()

	got, err := decodeMessage([]byte(`{"job_id":"` + id.String() + `","tenant_id":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, body := range []string{"", "{", `{"job_id":""}`, `{"job_id":42}`} {
		_, err := decodeMessage([]byte(body))
		assert.ErrorIs(t, err, domain.ErrInvalidMessage, "body %q", body)
	}
}
