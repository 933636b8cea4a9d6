package application

import (
	"context"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/sirupsen/logrus"
)

// SagaHooks lets callers observe saga progress in process. Hooks run after
// the state they report is committed; a panicking hook is logged and
// otherwise ignored.
type SagaHooks struct {
	OnStepSucceeded      func(ctx context.Context, saga *domain.SagaInstance, exec *domain.StepExecution)
	OnStepFailed         func(ctx context.Context, saga *domain.SagaInstance, exec *domain.StepExecution, err error)
	OnCompleted          func(ctx context.Context, saga *domain.SagaInstance)
	OnCompensated        func(ctx context.Context, saga *domain.SagaInstance)
	OnCompensationFailed func(ctx context.Context, saga *domain.SagaInstance, err error)
}

func emitHook(logger *logrus.Entry, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"hook":  name,
				"panic": r,
			}).Error("saga hook panicked")
		}
	}()
	fn()
}

func (h *SagaHooks) stepSucceeded(ctx context.Context, logger *logrus.Entry, saga *domain.SagaInstance, exec *domain.StepExecution) {
	if h == nil || h.OnStepSucceeded == nil {
		return
	}
	emitHook(logger, "step_succeeded", func() { h.OnStepSucceeded(ctx, saga, exec) })
}

func (h *SagaHooks) stepFailed(ctx context.Context, logger *logrus.Entry, saga *domain.SagaInstance, exec *domain.StepExecution, err error) {
	if h == nil || h.OnStepFailed == nil {
		return
	}
	emitHook(logger, "step_failed", func() { h.OnStepFailed(ctx, saga, exec, err) })
}

func (h *SagaHooks) completed(ctx context.Context, logger *logrus.Entry, saga *domain.SagaInstance) {
	if h == nil || h.OnCompleted == nil {
		return
	}
	emitHook(logger, "completed", func() { h.OnCompleted(ctx, saga) })
}

func (h *SagaHooks) compensated(ctx context.Context, logger *logrus.Entry, saga *domain.SagaInstance) {
	if h == nil || h.OnCompensated == nil {
		return
	}
	emitHook(logger, "compensated", func() { h.OnCompensated(ctx, saga) })
}

func (h *SagaHooks) compensationFailed(ctx context.Context, logger *logrus.Entry, saga *domain.SagaInstance, err error) {
	if h == nil || h.OnCompensationFailed == nil {
		return
	}
	emitHook(logger, "compensation_failed", func() { h.OnCompensationFailed(ctx, saga, err) })
}
