package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/coordination-engine/shared/models"
)

// SagaFilter narrows saga listings. Zero values match everything.
type SagaFilter struct {
	Statuses []SagaStatus
	Limit    int
}

// TransactionFilter narrows transaction listings
type TransactionFilter struct {
	Statuses        []TransactionStatus
	IncludeArchived bool
	Limit           int
}

// OutboxFilter narrows outbox listings
type OutboxFilter struct {
	Status      OutboxStatus
	AggregateID models.ID
	Limit       int
}

// SagaRepository persists definitions, instances and their audit trail
type SagaRepository interface {
	// SaveDefinition publishes a definition. Re-publishing identical content
	// is a no-op; different content under the same name and version fails
	// with ErrDefinitionConflict.
	SaveDefinition(ctx context.Context, def SagaDefinition) error
	GetDefinition(ctx context.Context, name string, version int) (*SagaDefinition, error)

	InsertSaga(ctx context.Context, saga *SagaInstance) error
	// UpdateSaga writes status, step index, context and failure reason. It
	// fails with ErrConcurrentModification if the stored version moved and
	// increments saga.Version on success. The cancel flag is not written.
	UpdateSaga(ctx context.Context, saga *SagaInstance) error
	GetSaga(ctx context.Context, id models.ID) (*SagaInstance, error)
	RequestSagaCancel(ctx context.Context, id models.ID) error
	ListSagas(ctx context.Context, filter SagaFilter) ([]*SagaInstance, error)
	// ListActiveSagaIDs returns non-terminal sagas, least recently updated first
	ListActiveSagaIDs(ctx context.Context, limit int) ([]models.ID, error)

	UpsertStepExecution(ctx context.Context, exec *StepExecution) error
	ListStepExecutions(ctx context.Context, sagaID models.ID) ([]*StepExecution, error)
	AppendStepAttempt(ctx context.Context, attempt StepAttempt) error
	ListStepAttempts(ctx context.Context, sagaID models.ID) ([]StepAttempt, error)

	UpsertCompensation(ctx context.Context, action *CompensationAction) error
	ListCompensations(ctx context.Context, sagaID models.ID) ([]*CompensationAction, error)
}

// TransactionRepository persists 2PC transactions with their participants
type TransactionRepository interface {
	InsertTransaction(ctx context.Context, txn *DistributedTransaction) error
	UpdateTransaction(ctx context.Context, txn *DistributedTransaction) error
	GetTransaction(ctx context.Context, id models.ID) (*DistributedTransaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*DistributedTransaction, error)
}

// OutboxRepository stores messages awaiting relay
type OutboxRepository interface {
	// EnqueueOutbox inserts msg and assigns the next sequence of its aggregate
	EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error
	// FetchDueOutbox locks and returns at most one message per aggregate: the
	// oldest pending one, and only if it is due. Rows locked by another
	// relay are skipped.
	FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error)
	UpdateOutbox(ctx context.Context, msg *OutboxMessage) error
	GetOutbox(ctx context.Context, id models.ID) (*OutboxMessage, error)
	ListOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxMessage, error)
	DeletePublishedOutbox(ctx context.Context, before time.Time) (int64, error)
}

// InboxRepository deduplicates inbound messages
type InboxRepository interface {
	// RecordInboxDelivery inserts the message as pending with no attempts
	// unless it is already known. The stored row is returned either way.
	RecordInboxDelivery(ctx context.Context, msg InboundMessage, now time.Time) (*InboxMessage, error)
	// ClaimInbox locks the row for the rest of the transaction
	ClaimInbox(ctx context.Context, messageID string) (*InboxMessage, error)
	UpdateInbox(ctx context.Context, msg *InboxMessage) error
	ListInbox(ctx context.Context, status InboxStatus, limit int) ([]*InboxMessage, error)
}

// Tx is one storage transaction
type Tx interface {
	SagaRepository
	TransactionRepository
	OutboxRepository
	InboxRepository
}

// LeaseManager hands out expiring ownership of a resource
type LeaseManager interface {
	// AcquireLease returns false if a live lease belongs to another owner.
	// Expired leases are taken over; the current owner re-acquiring extends it.
	AcquireLease(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	// RenewLease fails with ErrLeaseNotHeld once the lease was lost
	RenewLease(ctx context.Context, resource, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, resource, owner string) error
}

// StateStore is the transactional store every component builds on
type StateStore interface {
	LeaseManager
	// WithinTx runs fn in one storage transaction and rolls back if fn
	// returns an error.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// StepExecutor calls the service behind one saga step. Calls carrying the
// same idempotency key must have the same observable effect.
type StepExecutor interface {
	Execute(ctx context.Context, step StepSpec, sagaContext json.RawMessage, idempotencyKey string) (json.RawMessage, error)
}

// StepExecutorFunc adapts a function to StepExecutor
type StepExecutorFunc func(ctx context.Context, step StepSpec, sagaContext json.RawMessage, idempotencyKey string) (json.RawMessage, error)

func (f StepExecutorFunc) Execute(ctx context.Context, step StepSpec, sagaContext json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	return f(ctx, step, sagaContext, idempotencyKey)
}

// Compensator semantically undoes a succeeded step given its response
type Compensator interface {
	Compensate(ctx context.Context, step StepSpec, payload json.RawMessage, idempotencyKey string) error
}

// CompensatorFunc adapts a function to Compensator
type CompensatorFunc func(ctx context.Context, step StepSpec, payload json.RawMessage, idempotencyKey string) error

func (f CompensatorFunc) Compensate(ctx context.Context, step StepSpec, payload json.RawMessage, idempotencyKey string) error {
	return f(ctx, step, payload, idempotencyKey)
}

// TransactionParticipant is the remote side of two-phase commit
type TransactionParticipant interface {
	Prepare(ctx context.Context, transactionID models.ID) (Vote, error)
	Commit(ctx context.Context, transactionID models.ID) error
	Abort(ctx context.Context, transactionID models.ID) error
}
