package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig tunes the saga worker pool
type OrchestratorConfig struct {
	WorkerID           string
	Workers            int
	PollInterval       time.Duration
	LeaseTTL           time.Duration
	ScanLimit          int
	DefaultStepTimeout time.Duration
	DefaultRetryPolicy domain.RetryPolicy
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.WorkerID == "" {
		c.WorkerID = models.GenerateUUID().String()
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 100
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 10 * time.Second
	}
	c.DefaultRetryPolicy = c.DefaultRetryPolicy.WithDefaults(DefaultRetryPolicy)
	return c
}

// sagaEvent is the payload of every saga lifecycle outbox message
type sagaEvent struct {
	SagaID     models.ID         `json:"saga_id"`
	Definition string            `json:"definition"`
	Status     domain.SagaStatus `json:"status"`
	StepIndex  int               `json:"step_index"`
	Reason     string            `json:"reason,omitempty"`
	Context    json.RawMessage   `json:"context,omitempty"`
}

func enqueueSagaEvent(ctx context.Context, tx domain.Tx, saga *domain.SagaInstance, topic events.Topic, now time.Time) error {
	msg, err := domain.NewOutboxMessage(saga.ID, topic, sagaEvent{
		SagaID:     saga.ID,
		Definition: saga.DefinitionRef(),
		Status:     saga.Status,
		StepIndex:  saga.CurrentStepIndex,
		Reason:     saga.FailureReason,
		Context:    saga.Context,
	}, now)
	if err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, msg)
}

// SagaOrchestrator drives saga instances forward step by step and hands
// failed ones to the CompensationEngine.
type SagaOrchestrator struct {
	store        domain.StateStore
	registry     *Registry
	compensation *CompensationEngine
	clock        models.Clock
	config       OrchestratorConfig
	hooks        *SagaHooks
	logger       *logrus.Entry
	recorder     attemptRecorder
	leases       leaseKeeper
	inflight     *xsync.MapOf[models.ID, struct{}]
	wake         chan models.ID
}

// NewSagaOrchestrator creates a new SagaOrchestrator
func NewSagaOrchestrator(
	store domain.StateStore,
	registry *Registry,
	compensation *CompensationEngine,
	clock models.Clock,
	config OrchestratorConfig,
	hooks *SagaHooks,
	logger *logrus.Entry,
) *SagaOrchestrator {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	config = config.withDefaults()
	logger = logger.WithField("component", "saga_orchestrator")

	return &SagaOrchestrator{
		store:        store,
		registry:     registry,
		compensation: compensation,
		clock:        clock,
		config:       config,
		hooks:        hooks,
		logger:       logger,
		recorder:     attemptRecorder{store: store, clock: clock, logger: logger},
		leases:       leaseKeeper{leases: store, owner: config.WorkerID, ttl: config.LeaseTTL, logger: logger},
		inflight:     xsync.NewMapOf[models.ID, struct{}](),
		wake:         make(chan models.ID, 256),
	}
}

// StartSaga publishes the definition, creates the instance and wakes the
// worker pool. The saga runs asynchronously; use Drive to run it inline.
func (o *SagaOrchestrator) StartSaga(ctx context.Context, def domain.SagaDefinition, initialContext json.RawMessage) (models.ID, error) {
	var id models.ID
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		id, err = o.StartSagaTx(ctx, tx, def, initialContext)
		return err
	})
	if err != nil {
		return "", err
	}

	o.Wake(id)
	return id, nil
}

// StartSagaTx is StartSaga inside the caller's transaction. The saga is
// picked up by the next poll, or by calling Wake after the commit.
func (o *SagaOrchestrator) StartSagaTx(ctx context.Context, tx domain.Tx, def domain.SagaDefinition, initialContext json.RawMessage) (models.ID, error) {
	def = def.WithStepDefaults(o.config.DefaultStepTimeout, o.config.DefaultRetryPolicy)
	if err := def.Validate(); err != nil {
		return "", err
	}
	if err := o.registry.CheckDefinition(def); err != nil {
		return "", err
	}

	now := o.clock.Now()
	saga, err := domain.NewSagaInstance(def, initialContext, now)
	if err != nil {
		return "", errors.Wrap(err, "invalid saga context")
	}

	if err := tx.SaveDefinition(ctx, def); err != nil {
		return "", errors.Wrap(err, "failed to save saga definition")
	}
	if err := tx.InsertSaga(ctx, saga); err != nil {
		return "", errors.Wrap(err, "failed to save saga")
	}
	if err := enqueueSagaEvent(ctx, tx, saga, events.SagaStartedEvent, now); err != nil {
		return "", errors.Wrap(err, "failed to enqueue saga started event")
	}
	if err := saga.TransitionTo(domain.SagaStatusRunning, now); err != nil {
		return "", err
	}
	if err := tx.UpdateSaga(ctx, saga); err != nil {
		return "", errors.Wrap(err, "failed to start saga")
	}

	o.logger.WithFields(logrus.Fields{
		"saga_id":    saga.ID,
		"definition": def.Ref(),
		"steps":      len(def.Steps),
	}).Info("saga started")
	telemetry.RecordCounter(ctx, "sagas_started_total", "Sagas started", 1,
		attribute.String("definition", def.Name))

	return saga.ID, nil
}

// Wake asks the worker pool to drive a saga without waiting for the next poll
func (o *SagaOrchestrator) Wake(id models.ID) {
	select {
	case o.wake <- id:
	default:
	}
}

// CancelSaga requests cancellation. The saga starts compensating at its next
// step boundary; a step already in flight finishes first and is compensated.
func (o *SagaOrchestrator) CancelSaga(ctx context.Context, id models.ID) error {
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return o.CancelSagaTx(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	o.Wake(id)
	return nil
}

// CancelSagaTx is CancelSaga inside the caller's transaction
func (o *SagaOrchestrator) CancelSagaTx(ctx context.Context, tx domain.Tx, id models.ID) error {
	saga, err := tx.GetSaga(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case saga.Status.IsTerminal():
		return domain.NewInvalidTransitionError("saga", string(saga.Status), "cancel")
	case saga.Status == domain.SagaStatusCompensating, saga.CancelRequested:
		return nil
	}

	if err := tx.RequestSagaCancel(ctx, id); err != nil {
		return errors.Wrap(err, "failed to request saga cancel")
	}
	o.logger.WithField("saga_id", id).Info("saga cancel requested")
	return nil
}

// GetSaga returns the saga with its step executions and compensations
func (o *SagaOrchestrator) GetSaga(ctx context.Context, id models.ID) (*domain.SagaView, error) {
	var view domain.SagaView
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		saga, err := tx.GetSaga(ctx, id)
		if err != nil {
			return err
		}
		steps, err := tx.ListStepExecutions(ctx, id)
		if err != nil {
			return err
		}
		compensations, err := tx.ListCompensations(ctx, id)
		if err != nil {
			return err
		}
		view = domain.SagaView{Instance: saga, Steps: steps, Compensations: compensations}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (o *SagaOrchestrator) ListSagas(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error) {
	var sagas []*domain.SagaInstance
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		sagas, err = tx.ListSagas(ctx, filter)
		return err
	})
	return sagas, err
}

// StepAttempts returns the audit trail of every remote call made for a saga
func (o *SagaOrchestrator) StepAttempts(ctx context.Context, id models.ID) ([]domain.StepAttempt, error) {
	var attempts []domain.StepAttempt
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.GetSaga(ctx, id); err != nil {
			return err
		}
		var err error
		attempts, err = tx.ListStepAttempts(ctx, id)
		return err
	})
	return attempts, err
}

// Drive leases the saga and runs it until it reaches a terminal state. A
// saga leased elsewhere yields ErrLeaseHeld. Losing the lease stops the loop
// at the next boundary with ErrLeaseNotHeld and nothing further is written.
func (o *SagaOrchestrator) Drive(ctx context.Context, id models.ID) error {
	resource := domain.SagaLeaseResource(id)
	if _, busy := o.inflight.LoadOrStore(id, struct{}{}); busy {
		return domain.NewLeaseHeldError(resource)
	}
	defer o.inflight.Delete(id)

	leaseCtx, release, err := o.leases.acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := telemetry.StartSpan(leaseCtx, "saga.drive")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", id.String()))

	return o.drive(ctx, id)
}

func (o *SagaOrchestrator) drive(ctx context.Context, id models.ID) error {
	for {
		if ctx.Err() != nil {
			return stopCause(ctx)
		}

		saga, def, err := o.load(ctx, id)
		if err != nil {
			return err
		}

		switch saga.Status {
		case domain.SagaStatusCreated:
			if err := o.update(ctx, saga, func(tx domain.Tx, now time.Time) error {
				return saga.TransitionTo(domain.SagaStatusRunning, now)
			}); err != nil {
				return err
			}

		case domain.SagaStatusRunning:
			switch {
			case saga.CancelRequested:
				if err := o.startCompensating(ctx, saga, "saga cancelled"); err != nil {
					return err
				}
			case saga.CurrentStepIndex >= len(def.Steps):
				return o.complete(ctx, saga)
			default:
				if err := o.executeStep(ctx, saga, def); err != nil {
					return err
				}
			}

		case domain.SagaStatusCompensating:
			return o.compensation.Compensate(ctx, saga, *def)

		default:
			return nil
		}
	}
}

// load reads the saga with its definition. A saga whose definition is gone
// cannot be driven and is failed.
func (o *SagaOrchestrator) load(ctx context.Context, id models.ID) (*domain.SagaInstance, *domain.SagaDefinition, error) {
	var (
		saga *domain.SagaInstance
		def  *domain.SagaDefinition
	)
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		if saga, err = tx.GetSaga(ctx, id); err != nil {
			return err
		}
		if saga.Status.IsTerminal() {
			return nil
		}
		def, err = tx.GetDefinition(ctx, saga.DefinitionName, saga.DefinitionVersion)
		if errors.Is(err, domain.ErrDefinitionNotFound) && saga.Status.CanTransitionTo(domain.SagaStatusFailed) {
			now := o.clock.Now()
			if failErr := saga.Fail(err.Error(), now); failErr != nil {
				return failErr
			}
			return tx.UpdateSaga(ctx, saga)
		}
		return err
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load saga %s", id)
	}
	if saga.Status == domain.SagaStatusFailed && def == nil {
		o.logger.WithFields(logrus.Fields{
			"saga_id": id,
			"reason":  saga.FailureReason,
		}).Error("saga failed")
	}
	return saga, def, nil
}

// update applies mutate to saga and persists it in one transaction
func (o *SagaOrchestrator) update(ctx context.Context, saga *domain.SagaInstance, mutate func(tx domain.Tx, now time.Time) error) error {
	return o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := mutate(tx, o.clock.Now()); err != nil {
			return err
		}
		return tx.UpdateSaga(ctx, saga)
	})
}

func (o *SagaOrchestrator) executeStep(ctx context.Context, saga *domain.SagaInstance, def *domain.SagaDefinition) error {
	idx := saga.CurrentStepIndex
	step := def.Steps[idx]
	logger := o.logger.WithFields(logrus.Fields{
		"saga_id":    saga.ID,
		"step_index": idx,
		"step":       step.Name,
	})

	exec := domain.NewStepExecution(saga.ID, idx, step.Name, saga.Context, o.clock.Now())
	if err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.UpsertStepExecution(ctx, exec)
	}); err != nil {
		return errors.Wrap(err, "failed to record step execution")
	}

	var (
		response json.RawMessage
		attempts int
	)
	executor, err := o.registry.Executor(step.ServiceRef)
	if err != nil {
		err = domain.Permanent(err)
	} else {
		attempts, err = retry(ctx, step.RetryPolicy, step.Timeout.Std(), func(callCtx context.Context, attempt int) error {
			started := o.clock.Now()
			resp, callErr := executor.Execute(callCtx, step, saga.Context, saga.IdempotencyKey(idx))
			if callErr != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				callErr = domain.Timeout(callErr)
			}

			o.recorder.record(ctx, saga.ID, idx, domain.AttemptKindExecute, attempt, started, callErr)
			telemetry.RecordCounter(ctx, "saga_step_attempts_total", "Saga step attempts", 1,
				attribute.String("step", step.Name),
				attribute.Bool("succeeded", callErr == nil))

			if callErr == nil {
				response = resp
			}
			return callErr
		})
	}
	if ctx.Err() != nil {
		return stopCause(ctx)
	}

	var merged json.RawMessage
	if err == nil {
		if merged, err = domain.MergeContext(saga.Context, step.Name, response); err != nil {
			err = domain.Permanent(err)
		}
	}

	if err == nil {
		if err := o.update(ctx, saga, func(tx domain.Tx, now time.Time) error {
			exec.Succeed(response, attempts, now)
			if err := tx.UpsertStepExecution(ctx, exec); err != nil {
				return err
			}
			return saga.Advance(idx, merged, now)
		}); err != nil {
			return errors.Wrap(err, "failed to advance saga")
		}

		logger.WithField("attempts", attempts).Info("saga step succeeded")
		o.hooks.stepSucceeded(ctx, o.logger, saga, exec)
		return nil
	}

	cause := err
	stepErr := domain.NewStepFailedError(saga.ID.String(), idx, step.Name, attempts, cause)
	if err := o.update(ctx, saga, func(tx domain.Tx, now time.Time) error {
		exec.Fail(cause, attempts, now)
		if err := tx.UpsertStepExecution(ctx, exec); err != nil {
			return err
		}
		if err := saga.StartCompensating(stepErr.Error(), now); err != nil {
			return err
		}
		return enqueueSagaEvent(ctx, tx, saga, events.SagaCompensatingEvent, now)
	}); err != nil {
		return errors.Wrap(err, "failed to record step failure")
	}

	logger.WithError(cause).WithFields(logrus.Fields{
		"attempts":   attempts,
		"error_kind": stepErr.Kind,
	}).Warn("saga step failed, compensating")
	o.hooks.stepFailed(ctx, o.logger, saga, exec, stepErr)
	return nil
}

func (o *SagaOrchestrator) startCompensating(ctx context.Context, saga *domain.SagaInstance, reason string) error {
	if err := o.update(ctx, saga, func(tx domain.Tx, now time.Time) error {
		if err := saga.StartCompensating(reason, now); err != nil {
			return err
		}
		return enqueueSagaEvent(ctx, tx, saga, events.SagaCompensatingEvent, now)
	}); err != nil {
		return errors.Wrap(err, "failed to start compensation")
	}

	o.logger.WithFields(logrus.Fields{
		"saga_id": saga.ID,
		"reason":  reason,
	}).Info("saga compensating")
	return nil
}

func (o *SagaOrchestrator) complete(ctx context.Context, saga *domain.SagaInstance) error {
	if err := o.update(ctx, saga, func(tx domain.Tx, now time.Time) error {
		if err := saga.TransitionTo(domain.SagaStatusCompleted, now); err != nil {
			return err
		}
		return enqueueSagaEvent(ctx, tx, saga, events.SagaCompletedEvent, now)
	}); err != nil {
		return errors.Wrap(err, "failed to complete saga")
	}

	o.logger.WithField("saga_id", saga.ID).Info("saga completed")
	telemetry.RecordCounter(ctx, "saga_outcomes_total", "Sagas reaching a terminal state", 1,
		attribute.String("status", string(domain.SagaStatusCompleted)))
	o.hooks.completed(ctx, o.logger, saga)
	return nil
}

// Run drives sagas with a pool of workers until ctx is cancelled. Active
// sagas are rescanned every poll interval, which is also how sagas left
// behind by a crashed worker resume once their lease expires.
func (o *SagaOrchestrator) Run(ctx context.Context) error {
	o.logger.WithFields(logrus.Fields{
		"worker_id": o.config.WorkerID,
		"workers":   o.config.Workers,
	}).Info("saga workers started")

	work := make(chan models.ID)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		return o.dispatch(ctx, work)
	})
	for i := 0; i < o.config.Workers; i++ {
		g.Go(func() error {
			for id := range work {
				o.driveLogged(ctx, id)
			}
			return nil
		})
	}

	err := g.Wait()
	o.logger.Info("saga workers stopped")
	return err
}

func (o *SagaOrchestrator) dispatch(ctx context.Context, work chan<- models.ID) error {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	send := func(id models.ID) bool {
		if _, busy := o.inflight.Load(id); busy {
			return true
		}
		select {
		case work <- id:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-o.wake:
			if !send(id) {
				return nil
			}
		case <-ticker.C:
			var ids []models.ID
			err := o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				var err error
				ids, err = tx.ListActiveSagaIDs(ctx, o.config.ScanLimit)
				return err
			})
			if err != nil {
				o.logger.WithError(err).Error("failed to list active sagas")
				continue
			}
			for _, id := range ids {
				if !send(id) {
					return nil
				}
			}
		}
	}
}

func (o *SagaOrchestrator) driveLogged(ctx context.Context, id models.ID) {
	err := o.Drive(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLeaseHeld):
		o.logger.WithField("saga_id", id).Debug("saga leased by another worker")
	case errors.Is(err, domain.ErrCompensationFailed):
	case ctx.Err() != nil:
	default:
		o.logger.WithError(err).WithField("saga_id", id).Error("failed to drive saga")
	}
}
