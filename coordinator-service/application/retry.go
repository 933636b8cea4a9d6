package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/sirupsen/logrus"
)

// DefaultRetryPolicy applies to steps, compensations and participant calls
// that do not set their own.
var DefaultRetryPolicy = domain.RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: domain.Duration(200 * time.Millisecond),
	MaxInterval:     domain.Duration(5 * time.Second),
	Multiplier:      2,
}

func newBackOff(policy domain.RetryPolicy) backoff.BackOff {
	policy = policy.WithDefaults(DefaultRetryPolicy)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval.Std()
	b.MaxInterval = policy.MaxInterval.Std()
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
}

// attemptFunc performs one remote call. attempt starts at 1.
type attemptFunc func(ctx context.Context, attempt int) error

// retry calls fn until it succeeds, fails permanently or the policy is
// exhausted. Each call runs under its own timeout; a call that overruns it
// is classified as a timeout. If ctx ends first, ctx.Err() is returned.
func retry(ctx context.Context, policy domain.RetryPolicy, timeout time.Duration, fn attemptFunc) (int, error) {
	attempts := 0
	op := func() error {
		attempts++

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		err := fn(callCtx, attempts)
		if err == nil {
			return nil
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && domain.KindOf(err) != domain.ErrorKindTimeout {
			err = domain.Timeout(err)
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(newBackOff(policy), ctx))
	if err != nil && ctx.Err() != nil {
		return attempts, ctx.Err()
	}
	return attempts, err
}

// attemptRecorder appends audit rows for remote calls. Recording is best
// effort: a failed write is logged and does not fail the call.
type attemptRecorder struct {
	store  domain.StateStore
	clock  models.Clock
	logger *logrus.Entry
}

func (r attemptRecorder) record(ctx context.Context, sagaID models.ID, stepIndex int, kind domain.AttemptKind, attempt int, started time.Time, callErr error) {
	row := domain.StepAttempt{
		SagaID:     sagaID,
		StepIndex:  stepIndex,
		Kind:       kind,
		Attempt:    attempt,
		Succeeded:  callErr == nil,
		StartedAt:  started,
		FinishedAt: r.clock.Now(),
	}
	if callErr != nil {
		row.ErrorKind = domain.KindOf(callErr)
		row.Error = callErr.Error()
	}

	err := r.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.AppendStepAttempt(ctx, row)
	})
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"saga_id":    sagaID,
			"step_index": stepIndex,
			"kind":       kind,
		}).Warn("failed to record step attempt")
	}
}
