package application

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/coordinator-service/infrastructure"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func fastPolicy(attempts int) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: domain.Duration(time.Millisecond),
		MaxInterval:     domain.Duration(2 * time.Millisecond),
		Multiplier:      2,
	}
}

// orderDefinition is a three step saga: reserve stock, charge the card,
// ship the parcel.
func orderDefinition() domain.SagaDefinition {
	return domain.SagaDefinition{
		Name:    "order",
		Version: 1,
		Steps: []domain.StepSpec{
			{Name: "reserve", ServiceRef: "inventory.reserve", CompensationRef: "inventory.release"},
			{Name: "charge", ServiceRef: "payments.charge", CompensationRef: "payments.refund"},
			{Name: "ship", ServiceRef: "shipping.ship", CompensationRef: "shipping.cancel"},
		},
	}
}

type MockStepExecutor struct {
	mock.Mock
}

func (m *MockStepExecutor) Execute(ctx context.Context, step domain.StepSpec, sagaContext json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	args := m.Called(ctx, step, sagaContext, idempotencyKey)
	resp, _ := args.Get(0).(json.RawMessage)
	return resp, args.Error(1)
}

type MockCompensator struct {
	mock.Mock
}

func (m *MockCompensator) Compensate(ctx context.Context, step domain.StepSpec, payload json.RawMessage, idempotencyKey string) error {
	args := m.Called(ctx, step, payload, idempotencyKey)
	return args.Error(0)
}

type MockParticipant struct {
	mock.Mock
}

func (m *MockParticipant) Prepare(ctx context.Context, transactionID models.ID) (domain.Vote, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).(domain.Vote), args.Error(1)
}

func (m *MockParticipant) Commit(ctx context.Context, transactionID models.ID) error {
	return m.Called(ctx, transactionID).Error(0)
}

func (m *MockParticipant) Abort(ctx context.Context, transactionID models.ID) error {
	return m.Called(ctx, transactionID).Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	args := []interface{}{ctx}
	for _, evt := range evts {
		args = append(args, evt)
	}
	return m.Called(args...).Error(0)
}

// sagaHarness wires an orchestrator to an in-memory store with one mock
// executor and compensator per step of orderDefinition.
type sagaHarness struct {
	store        *infrastructure.MemoryStateStore
	clock        *testClock
	registry     *Registry
	executors    map[string]*MockStepExecutor
	compensators map[string]*MockCompensator
	hooks        *SagaHooks
	orchestrator *SagaOrchestrator
}

func newSagaHarness(t *testing.T, def domain.SagaDefinition) *sagaHarness {
	t.Helper()

	h := &sagaHarness{
		clock:        newTestClock(),
		registry:     NewRegistry(),
		executors:    map[string]*MockStepExecutor{},
		compensators: map[string]*MockCompensator{},
		hooks:        &SagaHooks{},
	}
	h.store = infrastructure.NewMemoryStateStore(h.clock)

	for _, step := range def.Steps {
		executor := &MockStepExecutor{}
		compensator := &MockCompensator{}
		h.executors[step.Name] = executor
		h.compensators[step.Name] = compensator
		h.registry.RegisterExecutor(step.ServiceRef, executor)
		h.registry.RegisterCompensator(step.CompensationRef, compensator)
	}

	compensation := NewCompensationEngine(h.store, h.registry, h.clock, CompensationConfig{}, h.hooks, testLogger())
	h.orchestrator = NewSagaOrchestrator(h.store, h.registry, compensation, h.clock, OrchestratorConfig{
		WorkerID:           "worker-1",
		PollInterval:       10 * time.Millisecond,
		DefaultStepTimeout: time.Second,
		DefaultRetryPolicy: fastPolicy(3),
	}, h.hooks, testLogger())

	t.Cleanup(func() {
		for _, e := range h.executors {
			e.AssertExpectations(t)
		}
		for _, c := range h.compensators {
			c.AssertExpectations(t)
		}
	})
	return h
}

func (h *sagaHarness) view(t *testing.T, id models.ID) *domain.SagaView {
	t.Helper()
	view, err := h.orchestrator.GetSaga(context.Background(), id)
	require.NoError(t, err)
	return view
}

func (h *sagaHarness) outboxTopics(t *testing.T, aggregateID models.ID) []events.Topic {
	t.Helper()
	var topics []events.Topic
	err := h.store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		msgs, err := tx.ListOutbox(ctx, domain.OutboxFilter{AggregateID: aggregateID})
		for _, m := range msgs {
			topics = append(topics, m.Topic)
		}
		return err
	})
	require.NoError(t, err)
	return topics
}

func keyFor(index string) interface{} {
	return mock.MatchedBy(func(key string) bool {
		return len(key) > len(index) && key[len(key)-len(index)-1:] == ":"+index
	})
}
