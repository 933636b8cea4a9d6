package application

import (
	"context"
	"sort"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// CompensationConfig tunes compensating calls. A zero RetryPolicy uses the
// policy of the step being compensated.
type CompensationConfig struct {
	RetryPolicy    domain.RetryPolicy
	DefaultTimeout time.Duration
}

// CompensationEngine unwinds the succeeded steps of a compensating saga in
// reverse order.
type CompensationEngine struct {
	store    domain.StateStore
	registry *Registry
	clock    models.Clock
	config   CompensationConfig
	hooks    *SagaHooks
	logger   *logrus.Entry
	recorder attemptRecorder
}

// NewCompensationEngine creates a new CompensationEngine
func NewCompensationEngine(
	store domain.StateStore,
	registry *Registry,
	clock models.Clock,
	config CompensationConfig,
	hooks *SagaHooks,
	logger *logrus.Entry,
) *CompensationEngine {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 10 * time.Second
	}
	logger = logger.WithField("component", "compensation_engine")

	return &CompensationEngine{
		store:    store,
		registry: registry,
		clock:    clock,
		config:   config,
		hooks:    hooks,
		logger:   logger,
		recorder: attemptRecorder{store: store, clock: clock, logger: logger},
	}
}

// Compensate runs the compensator of every succeeded step, last step first.
// Actions that already succeeded are skipped, so a compensation interrupted
// by a crash resumes where it stopped. If a compensator exhausts its retries
// the saga ends in CompensationFailed and a CompensationFailedError is
// returned; nothing resolves that state automatically.
func (e *CompensationEngine) Compensate(ctx context.Context, saga *domain.SagaInstance, def domain.SagaDefinition) error {
	if saga.Status != domain.SagaStatusCompensating {
		return domain.NewInvalidTransitionError("saga", string(saga.Status), "compensate")
	}

	ctx, span := telemetry.StartSpan(ctx, "saga.compensate")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", saga.ID.String()))

	var (
		executions []*domain.StepExecution
		actions    []*domain.CompensationAction
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		if executions, err = tx.ListStepExecutions(ctx, saga.ID); err != nil {
			return err
		}
		actions, err = tx.ListCompensations(ctx, saga.ID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to load compensation state")
	}

	byIndex := make(map[int]*domain.CompensationAction, len(actions))
	for _, a := range actions {
		byIndex[a.StepIndex] = a
	}

	succeeded := make([]*domain.StepExecution, 0, len(executions))
	for _, exec := range executions {
		if exec.Status == domain.StepStatusSucceeded {
			succeeded = append(succeeded, exec)
		}
	}
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].StepIndex > succeeded[j].StepIndex })

	for _, exec := range succeeded {
		action := byIndex[exec.StepIndex]
		if action != nil && action.Status == domain.CompensationStatusSucceeded {
			continue
		}
		if action == nil {
			action = domain.NewCompensationAction(exec, e.clock.Now())
			if err := e.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				return tx.UpsertCompensation(ctx, action)
			}); err != nil {
				return errors.Wrap(err, "failed to record compensation action")
			}
		}

		if err := e.compensateStep(ctx, saga, def, exec, action); err != nil {
			return err
		}
	}

	return e.finish(ctx, saga)
}

func (e *CompensationEngine) compensateStep(ctx context.Context, saga *domain.SagaInstance, def domain.SagaDefinition, exec *domain.StepExecution, action *domain.CompensationAction) error {
	step := domain.StepSpec{Name: exec.StepName}
	if exec.StepIndex < len(def.Steps) {
		step = def.Steps[exec.StepIndex]
	}
	logger := e.logger.WithFields(logrus.Fields{
		"saga_id":    saga.ID,
		"step_index": exec.StepIndex,
		"step":       step.Name,
	})

	policy := step.RetryPolicy
	if e.config.RetryPolicy.MaxAttempts > 0 {
		policy = e.config.RetryPolicy.WithDefaults(step.RetryPolicy)
	}
	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	var attempts int
	compensator, err := e.registry.Compensator(step.CompensationRef)
	if err != nil {
		err = domain.Permanent(err)
	} else {
		attempts, err = retry(ctx, policy, timeout, func(callCtx context.Context, attempt int) error {
			started := e.clock.Now()
			callErr := compensator.Compensate(callCtx, step, action.Payload, saga.CompensationKey(exec.StepIndex))
			if callErr != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				callErr = domain.Timeout(callErr)
			}
			e.recorder.record(ctx, saga.ID, exec.StepIndex, domain.AttemptKindCompensate, attempt, started, callErr)
			return callErr
		})
	}
	if ctx.Err() != nil {
		return stopCause(ctx)
	}

	if err == nil {
		if err := e.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			action.Succeed(attempts, e.clock.Now())
			return tx.UpsertCompensation(ctx, action)
		}); err != nil {
			return errors.Wrap(err, "failed to record compensation")
		}
		logger.WithField("attempts", attempts).Info("saga step compensated")
		return nil
	}

	cause := err
	compErr := domain.NewCompensationFailedError(saga.ID.String(), exec.StepIndex, step.Name, cause)
	if err := e.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := e.clock.Now()
		action.Fail(cause, attempts, now)
		if err := tx.UpsertCompensation(ctx, action); err != nil {
			return err
		}
		if err := saga.TransitionTo(domain.SagaStatusCompensationFailed, now); err != nil {
			return err
		}
		if err := tx.UpdateSaga(ctx, saga); err != nil {
			return err
		}
		return enqueueCompensationFailed(ctx, tx, saga, compErr, now)
	}); err != nil {
		return errors.Wrap(err, "failed to record compensation failure")
	}

	logger.WithError(cause).WithFields(logrus.Fields{
		"attempts":   action.AttemptCount,
		"error_kind": domain.KindOf(cause),
	}).Error("saga compensation failed, operator action required")
	telemetry.RecordCounter(ctx, "saga_outcomes_total", "Sagas reaching a terminal state", 1,
		attribute.String("status", string(domain.SagaStatusCompensationFailed)))
	e.hooks.compensationFailed(ctx, e.logger, saga, compErr)
	return compErr
}

func enqueueCompensationFailed(ctx context.Context, tx domain.Tx, saga *domain.SagaInstance, compErr *domain.CompensationFailedError, now time.Time) error {
	msg, err := domain.NewOutboxMessage(saga.ID, events.SagaCompensationFailedEvent, sagaEvent{
		SagaID:     saga.ID,
		Definition: saga.DefinitionRef(),
		Status:     saga.Status,
		StepIndex:  compErr.StepIndex,
		Reason:     compErr.Error(),
	}, now)
	if err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, msg)
}

// finish marks the saga Compensated once every succeeded step has a
// succeeded compensation.
func (e *CompensationEngine) finish(ctx context.Context, saga *domain.SagaInstance) error {
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		executions, err := tx.ListStepExecutions(ctx, saga.ID)
		if err != nil {
			return err
		}
		actions, err := tx.ListCompensations(ctx, saga.ID)
		if err != nil {
			return err
		}
		if !domain.FullyCompensated(executions, actions) {
			return errors.Errorf("saga %s has succeeded steps without a succeeded compensation", saga.ID)
		}

		now := e.clock.Now()
		if err := saga.TransitionTo(domain.SagaStatusCompensated, now); err != nil {
			return err
		}
		if err := tx.UpdateSaga(ctx, saga); err != nil {
			return err
		}
		return enqueueSagaEvent(ctx, tx, saga, events.SagaCompensatedEvent, now)
	})
	if err != nil {
		return errors.Wrap(err, "failed to complete compensation")
	}

	e.logger.WithFields(logrus.Fields{
		"saga_id": saga.ID,
		"reason":  saga.FailureReason,
	}).Info("saga compensated")
	telemetry.RecordCounter(ctx, "saga_outcomes_total", "Sagas reaching a terminal state", 1,
		attribute.String("status", string(domain.SagaStatusCompensated)))
	e.hooks.compensated(ctx, e.logger, saga)
	return nil
}
