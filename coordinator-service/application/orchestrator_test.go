package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSagaOrchestrator_Drive(t *testing.T) {
	declined := domain.Permanent(errors.New("card declined"))
	unavailable := domain.Transient(errors.New("service unavailable"))

	tests := []struct {
		name                  string
		setupMocks            func(h *sagaHarness)
		expectedStatus        domain.SagaStatus
		expectedSteps         []domain.StepStatus
		expectedCompensations []int
		expectedTopics        []events.Topic
		expectedError         error
	}{
		{
			name: "all steps succeed",
			setupMocks: func(h *sagaHarness) {
				h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, keyFor("0")).
					Return(json.RawMessage(`{"reservation_id":"r-1"}`), nil).Once()
				h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, keyFor("1")).
					Return(json.RawMessage(`{"charge_id":"c-1"}`), nil).Once()
				h.executors["ship"].On("Execute", mock.Anything, mock.Anything, mock.Anything, keyFor("2")).
					Return(json.RawMessage(`{"tracking":"t-1"}`), nil).Once()
			},
			expectedStatus: domain.SagaStatusCompleted,
			expectedSteps: []domain.StepStatus{
				domain.StepStatusSucceeded, domain.StepStatusSucceeded, domain.StepStatusSucceeded,
			},
			expectedTopics: []events.Topic{events.SagaStartedEvent, events.SagaCompletedEvent},
		},
		{
			name: "second step fails permanently",
			setupMocks: func(h *sagaHarness) {
				h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{"reservation_id":"r-1"}`), nil).Once()
				h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil, declined).Once()
				h.compensators["reserve"].On("Compensate", mock.Anything, mock.Anything,
					json.RawMessage(`{"reservation_id":"r-1"}`), keyFor("0:compensate")).
					Return(nil).Once()
			},
			expectedStatus:        domain.SagaStatusCompensated,
			expectedSteps:         []domain.StepStatus{domain.StepStatusSucceeded, domain.StepStatusFailed},
			expectedCompensations: []int{0},
			expectedTopics: []events.Topic{
				events.SagaStartedEvent, events.SagaCompensatingEvent, events.SagaCompensatedEvent,
			},
		},
		{
			name: "last step exhausts retries",
			setupMocks: func(h *sagaHarness) {
				h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{"reservation_id":"r-1"}`), nil).Once()
				h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{"charge_id":"c-1"}`), nil).Once()
				h.executors["ship"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil, unavailable).Times(3)
				h.compensators["charge"].On("Compensate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil).Once()
				h.compensators["reserve"].On("Compensate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil).Once()
			},
			expectedStatus: domain.SagaStatusCompensated,
			expectedSteps: []domain.StepStatus{
				domain.StepStatusSucceeded, domain.StepStatusSucceeded, domain.StepStatusFailed,
			},
			expectedCompensations: []int{0, 1},
			expectedTopics: []events.Topic{
				events.SagaStartedEvent, events.SagaCompensatingEvent, events.SagaCompensatedEvent,
			},
		},
		{
			name: "transient failures are retried",
			setupMocks: func(h *sagaHarness) {
				h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil, unavailable).Twice()
				h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{}`), nil).Once()
				h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{}`), nil).Once()
				h.executors["ship"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{}`), nil).Once()
			},
			expectedStatus: domain.SagaStatusCompleted,
			expectedSteps: []domain.StepStatus{
				domain.StepStatusSucceeded, domain.StepStatusSucceeded, domain.StepStatusSucceeded,
			},
			expectedTopics: []events.Topic{events.SagaStartedEvent, events.SagaCompletedEvent},
		},
		{
			name: "compensation exhausts retries",
			setupMocks: func(h *sagaHarness) {
				h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(json.RawMessage(`{}`), nil).Once()
				h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil, declined).Once()
				h.compensators["reserve"].On("Compensate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(unavailable).Times(3)
			},
			expectedStatus: domain.SagaStatusCompensationFailed,
			expectedSteps:  []domain.StepStatus{domain.StepStatusSucceeded, domain.StepStatusFailed},
			expectedTopics: []events.Topic{
				events.SagaStartedEvent, events.SagaCompensatingEvent, events.SagaCompensationFailedEvent,
			},
			expectedError: domain.ErrCompensationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSagaHarness(t, orderDefinition())
			tt.setupMocks(h)
			ctx := context.Background()

			id, err := h.orchestrator.StartSaga(ctx, orderDefinition(), json.RawMessage(`{"order_id":"o-1"}`))
			require.NoError(t, err)

			err = h.orchestrator.Drive(ctx, id)
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
			}

			view := h.view(t, id)
			assert.Equal(t, tt.expectedStatus, view.Instance.Status)

			steps := make([]domain.StepStatus, len(view.Steps))
			for i, s := range view.Steps {
				steps[i] = s.Status
			}
			assert.Equal(t, tt.expectedSteps, steps)

			var compensated []int
			for _, c := range view.Compensations {
				if c.Status == domain.CompensationStatusSucceeded {
					compensated = append(compensated, c.StepIndex)
				}
			}
			assert.Equal(t, tt.expectedCompensations, compensated)
			assert.Equal(t, tt.expectedTopics, h.outboxTopics(t, id))
		})
	}
}

func TestSagaOrchestrator_Drive_CompensatesInReverseOrder(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())

	var compensated []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { compensated = append(compensated, name) }
	}

	h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`{"reservation_id":"r-1"}`), nil).Once()
	h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`{"charge_id":"c-1"}`), nil).Once()
	h.executors["ship"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.Permanent(errors.New("address rejected"))).Once()
	h.compensators["charge"].On("Compensate", mock.Anything, mock.Anything,
		json.RawMessage(`{"charge_id":"c-1"}`), keyFor("1:compensate")).
		Run(record("charge")).Return(nil).Once()
	h.compensators["reserve"].On("Compensate", mock.Anything, mock.Anything,
		json.RawMessage(`{"reservation_id":"r-1"}`), keyFor("0:compensate")).
		Run(record("reserve")).Return(nil).Once()

	ctx := context.Background()
	id, err := h.orchestrator.StartSaga(ctx, orderDefinition(), json.RawMessage(`{"order_id":"o-1"}`))
	require.NoError(t, err)
	require.NoError(t, h.orchestrator.Drive(ctx, id))

	assert.Equal(t, []string{"charge", "reserve"}, compensated)
	assert.Equal(t, domain.SagaStatusCompensated, h.view(t, id).Instance.Status)
}

func TestSagaOrchestrator_Drive_MergesContextAndAudits(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	unavailable := domain.Transient(errors.New("busy"))

	h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, json.RawMessage(`{"order_id":"o-1"}`), mock.Anything).
		Return(json.RawMessage(`{"reservation_id":"r-1"}`), nil).Once()
	h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, unavailable).Once()
	h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`"c-1"`), nil).Once()
	h.executors["ship"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`null`), nil).Once()

	ctx := context.Background()
	id, err := h.orchestrator.StartSaga(ctx, orderDefinition(), json.RawMessage(`{"order_id":"o-1"}`))
	require.NoError(t, err)
	require.NoError(t, h.orchestrator.Drive(ctx, id))

	view := h.view(t, id)
	assert.JSONEq(t, `{"order_id":"o-1","reservation_id":"r-1","charge":"c-1"}`, string(view.Instance.Context))
	assert.Equal(t, 3, view.Instance.CurrentStepIndex)
	assert.Equal(t, 2, view.Steps[1].AttemptCount)

	attempts, err := h.orchestrator.StepAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	assert.Equal(t, 1, attempts[1].StepIndex)
	assert.False(t, attempts[1].Succeeded)
	assert.Equal(t, domain.ErrorKindTransient, attempts[1].ErrorKind)
	assert.Equal(t, 2, attempts[2].Attempt)
	assert.True(t, attempts[2].Succeeded)
}

func TestSagaOrchestrator_Drive_StepTimeout(t *testing.T) {
	def := orderDefinition()
	def.Steps[0].Timeout = domain.Duration(10 * time.Millisecond)
	def.Steps[0].RetryPolicy = fastPolicy(2)
	h := newSagaHarness(t, def)

	h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, errors.New("no response")).Twice()

	ctx := context.Background()
	id, err := h.orchestrator.StartSaga(ctx, def, nil)
	require.NoError(t, err)
	require.NoError(t, h.orchestrator.Drive(ctx, id))

	view := h.view(t, id)
	assert.Equal(t, domain.SagaStatusCompensated, view.Instance.Status)
	assert.Contains(t, view.Instance.FailureReason, "after 2 attempt(s)")
	assert.Empty(t, view.Compensations)

	attempts, err := h.orchestrator.StepAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, domain.ErrorKindTimeout, a.ErrorKind)
	}
}

func TestSagaOrchestrator_CancelSaga(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	ctx := context.Background()
	var id models.ID

	h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, h.orchestrator.CancelSaga(ctx, id))
		}).
		Return(json.RawMessage(`{"reservation_id":"r-1"}`), nil).Once()
	h.compensators["reserve"].On("Compensate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once()

	var err error
	id, err = h.orchestrator.StartSaga(ctx, orderDefinition(), nil)
	require.NoError(t, err)
	require.NoError(t, h.orchestrator.Drive(ctx, id))

	view := h.view(t, id)
	assert.Equal(t, domain.SagaStatusCompensated, view.Instance.Status)
	assert.True(t, view.Instance.CancelRequested)
	assert.Equal(t, "saga cancelled", view.Instance.FailureReason)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, domain.StepStatusSucceeded, view.Steps[0].Status)

	err = h.orchestrator.CancelSaga(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSagaOrchestrator_Drive_ResumesAfterCrash(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	crashCtx, crash := context.WithCancel(context.Background())
	var keys []string

	h.executors["reserve"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`{}`), nil).Once()
	h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			keys = append(keys, args.String(3))
			crash()
		}).
		Return(nil, context.Canceled).Once()
	h.executors["charge"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			keys = append(keys, args.String(3))
		}).
		Return(json.RawMessage(`{}`), nil).Once()
	h.executors["ship"].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(json.RawMessage(`{}`), nil).Once()

	id, err := h.orchestrator.StartSaga(context.Background(), orderDefinition(), nil)
	require.NoError(t, err)

	err = h.orchestrator.Drive(crashCtx, id)
	assert.ErrorIs(t, err, context.Canceled)

	view := h.view(t, id)
	assert.Equal(t, domain.SagaStatusRunning, view.Instance.Status)
	assert.Equal(t, 1, view.Instance.CurrentStepIndex)

	require.NoError(t, h.orchestrator.Drive(context.Background(), id))
	assert.Equal(t, domain.SagaStatusCompleted, h.view(t, id).Instance.Status)
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestSagaOrchestrator_Drive_LeaseHeld(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	ctx := context.Background()

	id, err := h.orchestrator.StartSaga(ctx, orderDefinition(), nil)
	require.NoError(t, err)

	ok, err := h.store.AcquireLease(ctx, domain.SagaLeaseResource(id), "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.orchestrator.Drive(ctx, id)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)

	var leaseErr *domain.LeaseHeldError
	require.True(t, errors.As(err, &leaseErr))
	assert.Equal(t, "saga:"+id.String(), leaseErr.Resource)
	assert.Equal(t, domain.SagaStatusRunning, h.view(t, id).Instance.Status)
}

func TestSagaOrchestrator_StartSaga_Validation(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(def *domain.SagaDefinition)
		expectedError error
	}{
		{
			name: "unregistered executor",
			mutate: func(def *domain.SagaDefinition) {
				def.Steps[1].ServiceRef = "payments.unknown"
			},
			expectedError: domain.ErrInvalidDefinition,
		},
		{
			name: "unregistered compensator",
			mutate: func(def *domain.SagaDefinition) {
				def.Steps[2].CompensationRef = "shipping.unknown"
			},
			expectedError: domain.ErrInvalidDefinition,
		},
		{
			name: "duplicate step names",
			mutate: func(def *domain.SagaDefinition) {
				def.Steps[1].Name = "reserve"
			},
			expectedError: domain.ErrInvalidDefinition,
		},
		{
			name: "no steps",
			mutate: func(def *domain.SagaDefinition) {
				def.Steps = nil
			},
			expectedError: domain.ErrInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSagaHarness(t, orderDefinition())
			def := orderDefinition()
			tt.mutate(&def)

			_, err := h.orchestrator.StartSaga(context.Background(), def, nil)
			assert.ErrorIs(t, err, tt.expectedError)

			sagas, err := h.orchestrator.ListSagas(context.Background(), domain.SagaFilter{})
			require.NoError(t, err)
			assert.Empty(t, sagas)
		})
	}
}

func TestSagaOrchestrator_StartSaga_DefinitionIsImmutable(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	ctx := context.Background()

	_, err := h.orchestrator.StartSaga(ctx, orderDefinition(), nil)
	require.NoError(t, err)

	_, err = h.orchestrator.StartSaga(ctx, orderDefinition(), nil)
	require.NoError(t, err)

	changed := orderDefinition()
	changed.Steps = changed.Steps[:2]
	_, err = h.orchestrator.StartSaga(ctx, changed, nil)
	assert.ErrorIs(t, err, domain.ErrDefinitionConflict)

	changed.Version = 2
	_, err = h.orchestrator.StartSaga(ctx, changed, nil)
	assert.NoError(t, err)
}

func TestSagaOrchestrator_Drive_MissingDefinitionFails(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	ctx := context.Background()

	saga, err := domain.NewSagaInstance(domain.SagaDefinition{Name: "ghost", Version: 1}, nil, testNow)
	require.NoError(t, err)
	require.NoError(t, h.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertSaga(ctx, saga)
	}))

	require.NoError(t, h.orchestrator.Drive(ctx, saga.ID))

	view := h.view(t, saga.ID)
	assert.Equal(t, domain.SagaStatusFailed, view.Instance.Status)
	assert.Contains(t, view.Instance.FailureReason, "definition not found")
}

func TestSagaOrchestrator_Hooks(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	var succeeded []string
	h.hooks.OnStepSucceeded = func(_ context.Context, _ *domain.SagaInstance, exec *domain.StepExecution) {
		succeeded = append(succeeded, exec.StepName)
	}
	h.hooks.OnCompleted = func(context.Context, *domain.SagaInstance) {
		panic("observer bug")
	}

	for _, name := range []string{"reserve", "charge", "ship"} {
		h.executors[name].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(json.RawMessage(`{}`), nil).Once()
	}

	ctx := context.Background()
	id, err := h.orchestrator.StartSaga(ctx, orderDefinition(), nil)
	require.NoError(t, err)
	require.NoError(t, h.orchestrator.Drive(ctx, id))

	assert.Equal(t, []string{"reserve", "charge", "ship"}, succeeded)
	assert.Equal(t, domain.SagaStatusCompleted, h.view(t, id).Instance.Status)
}

func TestSagaOrchestrator_Run(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())
	for _, name := range []string{"reserve", "charge", "ship"} {
		h.executors[name].On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(json.RawMessage(`{}`), nil).Once()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orchestrator.Run(ctx) }()

	id, err := h.orchestrator.StartSaga(ctx, orderDefinition(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := h.orchestrator.GetSaga(context.Background(), id)
		return err == nil && view.Instance.Status == domain.SagaStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSagaOrchestrator_GetSaga_NotFound(t *testing.T) {
	h := newSagaHarness(t, orderDefinition())

	_, err := h.orchestrator.GetSaga(context.Background(), models.GenerateUUID())
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)

	err = h.orchestrator.CancelSaga(context.Background(), models.GenerateUUID())
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}
