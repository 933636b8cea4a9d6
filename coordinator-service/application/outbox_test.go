package application

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/coordinator-service/infrastructure"
	"github.com/draftea/coordination-engine/shared/events"
	sharedinfra "github.com/draftea/coordination-engine/shared/infrastructure"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, store domain.StateStore, aggregateID models.ID, topic events.Topic, data interface{}) *domain.OutboxMessage {
	t.Helper()
	msg, err := domain.NewOutboxMessage(aggregateID, topic, data, testNow)
	require.NoError(t, err)
	require.NoError(t, store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return tx.EnqueueOutbox(ctx, msg)
	}))
	return msg
}

func getOutbox(t *testing.T, store domain.StateStore, id models.ID) *domain.OutboxMessage {
	t.Helper()
	var msg *domain.OutboxMessage
	require.NoError(t, store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		msg, err = tx.GetOutbox(ctx, id)
		return err
	}))
	return msg
}

func TestOutboxPublisher_ProcessOnce_OrdersPerAggregate(t *testing.T) {
	clock := newTestClock()
	store := infrastructure.NewMemoryStateStore(clock)
	bus := sharedinfra.NewMemoryBus(16, testLogger())
	relay := NewOutboxPublisher(store, bus, clock, OutboxConfig{}, testLogger())

	orderA, orderB := models.GenerateUUID(), models.GenerateUUID()
	enqueue(t, store, orderA, events.SagaStartedEvent, map[string]int{"n": 1})
	enqueue(t, store, orderA, events.SagaCompensatingEvent, map[string]int{"n": 2})
	enqueue(t, store, orderB, events.SagaStartedEvent, map[string]int{"n": 1})
	enqueue(t, store, orderA, events.SagaCompensatedEvent, map[string]int{"n": 3})

	ctx := context.Background()
	batches := []int{2, 1, 1, 0}
	for i, expected := range batches {
		n, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected, n, "batch %d", i)
	}

	var sequenceA []string
	for _, evt := range bus.Published() {
		if evt.AggregateID == orderA {
			seq, _ := evt.Metadata.Get(events.MetadataAggregateSequence)
			sequenceA = append(sequenceA, seq)
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, sequenceA)
	assert.Len(t, bus.Published(), 4)
}

func TestOutboxPublisher_ProcessOnce_RetriesWithBackoff(t *testing.T) {
	clock := newTestClock()
	store := infrastructure.NewMemoryStateStore(clock)
	publisher := &MockPublisher{}
	var alerted []models.ID
	relay := NewOutboxPublisher(store, publisher, clock, OutboxConfig{
		MaxRetries:  2,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Alert: func(_ context.Context, msg *domain.OutboxMessage) {
			alerted = append(alerted, msg.ID)
		},
	}, testLogger())

	aggregateID := models.GenerateUUID()
	first := enqueue(t, store, aggregateID, events.SagaStartedEvent, map[string]string{})
	second := enqueue(t, store, aggregateID, events.SagaCompletedEvent, map[string]string{})

	brokerDown := errors.New("broker unavailable")
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
		return evt.ID == first.ID
	})).Return(brokerDown).Twice()
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
		return evt.ID == second.ID
	})).Return(nil).Once()

	ctx := context.Background()

	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msg := getOutbox(t, store, first.ID)
	assert.Equal(t, domain.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, testNow.Add(time.Second), msg.NextRetryAt)
	assert.Equal(t, "broker unavailable", msg.LastError)

	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet and the head blocks its aggregate")

	clock.Advance(time.Second)
	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msg = getOutbox(t, store, first.ID)
	assert.Equal(t, domain.OutboxStatusFailed, msg.Status)
	assert.Equal(t, []models.ID{first.ID}, alerted)

	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a failed message does not block its aggregate")
	assert.Equal(t, domain.OutboxStatusPublished, getOutbox(t, store, second.ID).Status)

	publisher.AssertExpectations(t)
}

func TestOutboxPublisher_RolledBackWriteIsNeverPublished(t *testing.T) {
	clock := newTestClock()
	store := infrastructure.NewMemoryStateStore(clock)
	publisher := &MockPublisher{}
	relay := NewOutboxPublisher(store, publisher, clock, OutboxConfig{}, testLogger())

	def := orderDefinition()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		saga, err := domain.NewSagaInstance(def, nil, clock.Now())
		if err != nil {
			return err
		}
		if err := tx.InsertSaga(ctx, saga); err != nil {
			return err
		}
		if err := enqueueSagaEvent(ctx, tx, saga, events.SagaStartedEvent, clock.Now()); err != nil {
			return err
		}
		return errors.New("business rule violated")
	})
	require.Error(t, err)

	n, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := relay.List(context.Background(), domain.OutboxFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestOutboxPublisher_RequeueAndPurge(t *testing.T) {
	clock := newTestClock()
	store := infrastructure.NewMemoryStateStore(clock)
	publisher := &MockPublisher{}
	relay := NewOutboxPublisher(store, publisher, clock, OutboxConfig{MaxRetries: 1}, testLogger())
	ctx := context.Background()

	msg := enqueue(t, store, models.GenerateUUID(), events.SagaStartedEvent, map[string]string{})

	err := relay.Requeue(ctx, msg.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending messages cannot be requeued")

	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("down")).Once()
	_, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)

	failed, err := relay.List(ctx, domain.OutboxFilter{Status: domain.OutboxStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, relay.Requeue(ctx, msg.ID))
	requeued := getOutbox(t, store, msg.ID)
	assert.Equal(t, domain.OutboxStatusPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)

	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()
	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := relay.PurgePublished(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = relay.PurgePublished(ctx, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	err = relay.Requeue(ctx, msg.ID)
	assert.ErrorIs(t, err, domain.ErrOutboxNotFound)
	publisher.AssertExpectations(t)
}

func TestOutboxPublisher_retryDelay(t *testing.T) {
	relay := NewOutboxPublisher(nil, nil, nil, OutboxConfig{
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	}, testLogger())

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.retryCount), func(t *testing.T) {
			assert.Equal(t, tt.expected, relay.retryDelay(tt.retryCount))
		})
	}
}

func TestOutboxPublisher_Run(t *testing.T) {
	clock := newTestClock()
	store := infrastructure.NewMemoryStateStore(clock)
	bus := sharedinfra.NewMemoryBus(16, testLogger())
	relay := NewOutboxPublisher(store, bus, clock, OutboxConfig{
		PollInterval: 5 * time.Millisecond,
		Workers:      2,
	}, testLogger())

	aggregateID := models.GenerateUUID()
	for i := 0; i < 5; i++ {
		enqueue(t, store, aggregateID, events.SagaStartedEvent, map[string]int{"n": i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(bus.Published()) == 5
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for i, evt := range bus.Published() {
		seq, _ := evt.Metadata.Get(events.MetadataAggregateSequence)
		assert.Equal(t, strconv.Itoa(i+1), seq)
	}
}
