package infrastructure

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, evt *events.Event) error

func (f handlerFunc) Handle(ctx context.Context, evt *events.Event) error { return f(ctx, evt) }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestMemoryBus_DeliversMatchingTopics(t *testing.T) {
	bus := NewMemoryBus(8, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		seen  []events.Topic
		other atomic.Int32
	)
	require.NoError(t, bus.Subscribe(ctx, "saga.*.requested", handlerFunc(func(_ context.Context, evt *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Topic)
		return nil
	})))
	require.NoError(t, bus.Subscribe(ctx, "transaction.#", handlerFunc(func(context.Context, *events.Event) error {
		other.Add(1)
		return nil
	})))

	go bus.Run(ctx)

	aggregate := models.GenerateUUID()
	require.NoError(t, bus.Publish(ctx,
		events.NewEvent(aggregate, events.SagaStartRequestedEvent, nil),
		events.NewEvent(aggregate, events.SagaStartedEvent, nil),
		events.NewEvent(aggregate, events.SagaCancelRequestedEvent, nil),
	))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []events.Topic{events.SagaStartRequestedEvent, events.SagaCancelRequestedEvent}, seen)
	mu.Unlock()
	assert.Zero(t, other.Load())
	assert.Len(t, bus.Published(), 3)
}

func TestMemoryBus_RedeliversFailedEvents(t *testing.T) {
	bus := NewMemoryBus(1, testLogger())
	bus.RetryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, "", handlerFunc(func(context.Context, *events.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("consumer busy")
		}
		return nil
	})))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()

	require.NoError(t, bus.Publish(ctx, events.NewEvent(models.GenerateUUID(), events.SagaStartedEvent, nil)))

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(3), calls.Load(), "a handled event is not delivered again")
}

func TestMemoryBus_PublishHonoursContext(t *testing.T) {
	bus := NewMemoryBus(0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Publish(ctx, events.NewEvent(models.GenerateUUID(), events.SagaStartedEvent, nil))
	assert.ErrorIs(t, err, context.Canceled)
}
