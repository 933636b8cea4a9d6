package domain

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for errors.Is() support
var (
	ErrSagaNotFound           = errors.New("saga not found")
	ErrDefinitionNotFound     = errors.New("saga definition not found")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrOutboxNotFound         = errors.New("outbox message not found")
	ErrInvalidDefinition      = errors.New("invalid saga definition")
	ErrDefinitionConflict     = errors.New("saga definition already published with different content")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrLeaseHeld              = errors.New("lease held by another owner")
	ErrLeaseNotHeld           = errors.New("lease not held")
	ErrStepFailed             = errors.New("step failed")
	ErrCompensationFailed     = errors.New("compensation failed")
	ErrPoisonMessage          = errors.New("poison message")
	ErrNotRegistered          = errors.New("not registered")
)

// Error codes carried by CoordinationError
const (
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeLeaseHeld          = "LEASE_HELD"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodePoisonMessage      = "POISON_MESSAGE"
)

// CoordinationError is the base error type for failures that are recorded
// against a saga, transaction or message before being surfaced.
type CoordinationError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CoordinationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoordinationError) Unwrap() error {
	return e.Cause
}

// StepFailedError is returned when a saga step exhausts its retry policy or
// fails permanently.
type StepFailedError struct {
	CoordinationError
	SagaID    string
	StepIndex int
	StepName  string
	Attempts  int
	Kind      ErrorKind
}

func NewStepFailedError(sagaID string, stepIndex int, stepName string, attempts int, cause error) *StepFailedError {
	return &StepFailedError{
		CoordinationError: CoordinationError{
			Code:    ErrCodeStepFailed,
			Message: fmt.Sprintf("saga '%s' step %d (%s) failed after %d attempt(s)", sagaID, stepIndex, stepName, attempts),
			Cause:   cause,
		},
		SagaID:    sagaID,
		StepIndex: stepIndex,
		StepName:  stepName,
		Attempts:  attempts,
		Kind:      KindOf(cause),
	}
}

func (e *StepFailedError) Is(target error) bool {
	return target == ErrStepFailed
}

// CompensationFailedError leaves a saga in CompensationFailed for operators.
type CompensationFailedError struct {
	CoordinationError
	SagaID    string
	StepIndex int
	StepName  string
}

func NewCompensationFailedError(sagaID string, stepIndex int, stepName string, cause error) *CompensationFailedError {
	return &CompensationFailedError{
		CoordinationError: CoordinationError{
			Code:    ErrCodeCompensationFailed,
			Message: fmt.Sprintf("compensation of saga '%s' step %d (%s) exhausted retries", sagaID, stepIndex, stepName),
			Cause:   cause,
		},
		SagaID:    sagaID,
		StepIndex: stepIndex,
		StepName:  stepName,
	}
}

func (e *CompensationFailedError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// LeaseHeldError reports which resource could not be leased.
type LeaseHeldError struct {
	CoordinationError
	Resource string
}

func NewLeaseHeldError(resource string) *LeaseHeldError {
	return &LeaseHeldError{
		CoordinationError: CoordinationError{
			Code:    ErrCodeLeaseHeld,
			Message: fmt.Sprintf("resource '%s' is leased by another worker", resource),
		},
		Resource: resource,
	}
}

func (e *LeaseHeldError) Is(target error) bool {
	return target == ErrLeaseHeld
}

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	CoordinationError
	Entity string
	From   string
	To     string
}

func NewInvalidTransitionError(entity, from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{
		CoordinationError: CoordinationError{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
		},
		Entity: entity,
		From:   from,
		To:     to,
	}
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PoisonMessageError is returned once an inbox message exceeded its attempt cap.
type PoisonMessageError struct {
	CoordinationError
	MessageID string
	Attempts  int
}

func NewPoisonMessageError(messageID string, attempts int, cause error) *PoisonMessageError {
	return &PoisonMessageError{
		CoordinationError: CoordinationError{
			Code:    ErrCodePoisonMessage,
			Message: fmt.Sprintf("message '%s' dead-lettered after %d attempt(s)", messageID, attempts),
			Cause:   cause,
		},
		MessageID: messageID,
		Attempts:  attempts,
	}
}

func (e *PoisonMessageError) Is(target error) bool {
	return target == ErrPoisonMessage
}

// ErrorKind classifies remote call failures.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindTimeout   ErrorKind = "timeout"
)

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func withKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Permanent marks err as not worth retrying (validation, 4xx).
func Permanent(err error) error { return withKind(ErrorKindPermanent, err) }

// Transient marks err as retryable (network, 5xx).
func Transient(err error) error { return withKind(ErrorKindTransient, err) }

// Timeout marks err as a deadline overrun.
func Timeout(err error) error { return withKind(ErrorKindTimeout, err) }

// KindOf classifies err. Explicit marks win, deadline overruns are timeouts
// and anything else is assumed transient.
func KindOf(err error) ErrorKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindTransient
}

// IsRetryable reports whether a retry policy should try again after err.
// Timeouts are retryable inside a policy; only the final outcome counts as
// a failure.
func IsRetryable(err error) bool {
	return KindOf(err) != ErrorKindPermanent
}
