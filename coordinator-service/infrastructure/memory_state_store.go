package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

var _ domain.StateStore = (*MemoryStateStore)(nil)

const memoryDegree = 32

// memoryState holds every table. Maps are ordered so scans come back in key
// order, and Copy is O(1) copy-on-write which gives each WithinTx a private
// snapshot to mutate.
type memoryState struct {
	definitions   *btree.Map[string, domain.SagaDefinition]
	sagas         *btree.Map[models.ID, domain.SagaInstance]
	steps         *btree.Map[string, domain.StepExecution]
	attempts      *btree.Map[string, domain.StepAttempt]
	compensations *btree.Map[string, domain.CompensationAction]
	transactions  *btree.Map[models.ID, domain.DistributedTransaction]
	outbox        *btree.Map[string, domain.OutboxMessage]
	outboxIndex   *btree.Map[models.ID, string]
	outboxSeqs    *btree.Map[models.ID, int64]
	inbox         *btree.Map[string, domain.InboxMessage]
	attemptSeq    int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		definitions:   btree.NewMap[string, domain.SagaDefinition](memoryDegree),
		sagas:         btree.NewMap[models.ID, domain.SagaInstance](memoryDegree),
		steps:         btree.NewMap[string, domain.StepExecution](memoryDegree),
		attempts:      btree.NewMap[string, domain.StepAttempt](memoryDegree),
		compensations: btree.NewMap[string, domain.CompensationAction](memoryDegree),
		transactions:  btree.NewMap[models.ID, domain.DistributedTransaction](memoryDegree),
		outbox:        btree.NewMap[string, domain.OutboxMessage](memoryDegree),
		outboxIndex:   btree.NewMap[models.ID, string](memoryDegree),
		outboxSeqs:    btree.NewMap[models.ID, int64](memoryDegree),
		inbox:         btree.NewMap[string, domain.InboxMessage](memoryDegree),
	}
}

func (s *memoryState) snapshot() *memoryState {
	return &memoryState{
		definitions:   s.definitions.Copy(),
		sagas:         s.sagas.Copy(),
		steps:         s.steps.Copy(),
		attempts:      s.attempts.Copy(),
		compensations: s.compensations.Copy(),
		transactions:  s.transactions.Copy(),
		outbox:        s.outbox.Copy(),
		outboxIndex:   s.outboxIndex.Copy(),
		outboxSeqs:    s.outboxSeqs.Copy(),
		inbox:         s.inbox.Copy(),
		attemptSeq:    s.attemptSeq,
	}
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStateStore keeps all state in process. Transactions are serialized,
// which is stronger than the read-committed isolation callers rely on.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *memoryState
	clock models.Clock

	leaseMu sync.Mutex
	leases  *btree.Map[string, memoryLease]
}

// NewMemoryStateStore creates an empty store
func NewMemoryStateStore(clock models.Clock) *MemoryStateStore {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &MemoryStateStore{
		state:  newMemoryState(),
		clock:  clock,
		leases: btree.NewMap[string, memoryLease](memoryDegree),
	}
}

// WithinTx runs fn against a snapshot and publishes it only if fn succeeds
func (s *MemoryStateStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{state: s.state.snapshot()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStateStore) AcquireLease(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	now := s.clock.Now()
	if current, ok := s.leases.Get(resource); ok && current.owner != owner && current.expiresAt.After(now) {
		return false, nil
	}
	s.leases.Set(resource, memoryLease{owner: owner, expiresAt: now.Add(ttl)})
	return true, nil
}

func (s *MemoryStateStore) RenewLease(_ context.Context, resource, owner string, ttl time.Duration) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	now := s.clock.Now()
	current, ok := s.leases.Get(resource)
	if !ok || current.owner != owner || !current.expiresAt.After(now) {
		return errors.Wrapf(domain.ErrLeaseNotHeld, "resource %s", resource)
	}
	s.leases.Set(resource, memoryLease{owner: owner, expiresAt: now.Add(ttl)})
	return nil
}

func (s *MemoryStateStore) ReleaseLease(_ context.Context, resource, owner string) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if current, ok := s.leases.Get(resource); ok && current.owner == owner {
		s.leases.Delete(resource)
	}
	return nil
}

type memoryTx struct {
	state *memoryState
}

func stepKey(sagaID models.ID, index int) string {
	return fmt.Sprintf("%s/%06d", sagaID, index)
}

func outboxKey(aggregateID models.ID, seq int64) string {
	return fmt.Sprintf("%s/%020d", aggregateID, seq)
}

func (t *memoryTx) SaveDefinition(_ context.Context, def domain.SagaDefinition) error {
	if existing, ok := t.state.definitions.Get(def.Ref()); ok {
		if !existing.SameContent(def) {
			return errors.Wrapf(domain.ErrDefinitionConflict, "definition %s", def.Ref())
		}
		return nil
	}
	t.state.definitions.Set(def.Ref(), def)
	return nil
}

func (t *memoryTx) GetDefinition(_ context.Context, name string, version int) (*domain.SagaDefinition, error) {
	def, ok := t.state.definitions.Get(domain.DefinitionRef(name, version))
	if !ok {
		return nil, errors.Wrapf(domain.ErrDefinitionNotFound, "definition %s", domain.DefinitionRef(name, version))
	}
	return &def, nil
}

func (t *memoryTx) InsertSaga(_ context.Context, saga *domain.SagaInstance) error {
	if _, ok := t.state.sagas.Get(saga.ID); ok {
		return errors.Errorf("saga %s already exists", saga.ID)
	}
	t.state.sagas.Set(saga.ID, *saga)
	return nil
}

func (t *memoryTx) UpdateSaga(_ context.Context, saga *domain.SagaInstance) error {
	stored, ok := t.state.sagas.Get(saga.ID)
	if !ok {
		return errors.Wrapf(domain.ErrSagaNotFound, "saga %s", saga.ID)
	}
	if stored.Version.Value != saga.Version.Value {
		return errors.Wrapf(domain.ErrConcurrentModification, "saga %s", saga.ID)
	}
	if saga.CurrentStepIndex < stored.CurrentStepIndex {
		return errors.Wrapf(domain.ErrInvalidTransition, "saga %s step index would move back", saga.ID)
	}

	saga.Version = saga.Version.Update()
	updated := *saga
	updated.CancelRequested = stored.CancelRequested
	t.state.sagas.Set(saga.ID, updated)
	return nil
}

func (t *memoryTx) GetSaga(_ context.Context, id models.ID) (*domain.SagaInstance, error) {
	saga, ok := t.state.sagas.Get(id)
	if !ok {
		return nil, errors.Wrapf(domain.ErrSagaNotFound, "saga %s", id)
	}
	return &saga, nil
}

func (t *memoryTx) RequestSagaCancel(_ context.Context, id models.ID) error {
	saga, ok := t.state.sagas.Get(id)
	if !ok {
		return errors.Wrapf(domain.ErrSagaNotFound, "saga %s", id)
	}
	saga.CancelRequested = true
	t.state.sagas.Set(id, saga)
	return nil
}

func (t *memoryTx) ListSagas(_ context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error) {
	var out []*domain.SagaInstance
	t.state.sagas.Scan(func(_ models.ID, saga domain.SagaInstance) bool {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, saga.Status) {
			return true
		}
		saga := saga
		out = append(out, &saga)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamps.CreatedAt.After(out[j].Timestamps.CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (t *memoryTx) ListActiveSagaIDs(_ context.Context, max int) ([]models.ID, error) {
	var active []domain.SagaInstance
	t.state.sagas.Scan(func(_ models.ID, saga domain.SagaInstance) bool {
		if !saga.Status.IsTerminal() {
			active = append(active, saga)
		}
		return true
	})
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Timestamps.UpdatedAt.Before(active[j].Timestamps.UpdatedAt)
	})

	ids := make([]models.ID, 0, len(active))
	for _, saga := range active {
		ids = append(ids, saga.ID)
	}
	return limit(ids, max), nil
}

func (t *memoryTx) UpsertStepExecution(_ context.Context, exec *domain.StepExecution) error {
	t.state.steps.Set(stepKey(exec.SagaID, exec.StepIndex), *exec)
	return nil
}

func (t *memoryTx) ListStepExecutions(_ context.Context, sagaID models.ID) ([]*domain.StepExecution, error) {
	var out []*domain.StepExecution
	prefix := sagaID.String() + "/"
	t.state.steps.Ascend(prefix, func(key string, exec domain.StepExecution) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			return false
		}
		exec := exec
		out = append(out, &exec)
		return true
	})
	return out, nil
}

func (t *memoryTx) AppendStepAttempt(_ context.Context, attempt domain.StepAttempt) error {
	t.state.attemptSeq++
	t.state.attempts.Set(fmt.Sprintf("%s/%020d", attempt.SagaID, t.state.attemptSeq), attempt)
	return nil
}

func (t *memoryTx) ListStepAttempts(_ context.Context, sagaID models.ID) ([]domain.StepAttempt, error) {
	var out []domain.StepAttempt
	prefix := sagaID.String() + "/"
	t.state.attempts.Ascend(prefix, func(key string, attempt domain.StepAttempt) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			return false
		}
		out = append(out, attempt)
		return true
	})
	return out, nil
}

func (t *memoryTx) UpsertCompensation(_ context.Context, action *domain.CompensationAction) error {
	t.state.compensations.Set(stepKey(action.SagaID, action.StepIndex), *action)
	return nil
}

func (t *memoryTx) ListCompensations(_ context.Context, sagaID models.ID) ([]*domain.CompensationAction, error) {
	var out []*domain.CompensationAction
	prefix := sagaID.String() + "/"
	t.state.compensations.Ascend(prefix, func(key string, action domain.CompensationAction) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			return false
		}
		action := action
		out = append(out, &action)
		return true
	})
	return out, nil
}

func copyTransaction(txn domain.DistributedTransaction) domain.DistributedTransaction {
	participants := make([]*domain.Participant, len(txn.Participants))
	for i, p := range txn.Participants {
		cp := *p
		participants[i] = &cp
	}
	txn.Participants = participants
	return txn
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn *domain.DistributedTransaction) error {
	if _, ok := t.state.transactions.Get(txn.ID); ok {
		return errors.Errorf("transaction %s already exists", txn.ID)
	}
	t.state.transactions.Set(txn.ID, copyTransaction(*txn))
	return nil
}

func (t *memoryTx) UpdateTransaction(_ context.Context, txn *domain.DistributedTransaction) error {
	if _, ok := t.state.transactions.Get(txn.ID); !ok {
		return errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", txn.ID)
	}
	t.state.transactions.Set(txn.ID, copyTransaction(*txn))
	return nil
}

func (t *memoryTx) GetTransaction(_ context.Context, id models.ID) (*domain.DistributedTransaction, error) {
	txn, ok := t.state.transactions.Get(id)
	if !ok {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", id)
	}
	cp := copyTransaction(txn)
	return &cp, nil
}

func (t *memoryTx) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]*domain.DistributedTransaction, error) {
	var out []*domain.DistributedTransaction
	t.state.transactions.Scan(func(_ models.ID, txn domain.DistributedTransaction) bool {
		if txn.Archived && !filter.IncludeArchived {
			return true
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, txn.Status) {
			return true
		}
		cp := copyTransaction(txn)
		out = append(out, &cp)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamps.CreatedAt.Before(out[j].Timestamps.CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (t *memoryTx) EnqueueOutbox(_ context.Context, msg *domain.OutboxMessage) error {
	seq, _ := t.state.outboxSeqs.Get(msg.AggregateID)
	seq++
	msg.Sequence = seq
	t.state.outboxSeqs.Set(msg.AggregateID, seq)

	key := outboxKey(msg.AggregateID, seq)
	t.state.outbox.Set(key, *msg)
	t.state.outboxIndex.Set(msg.ID, key)
	return nil
}

func (t *memoryTx) FetchDueOutbox(_ context.Context, now time.Time, max int) ([]*domain.OutboxMessage, error) {
	var heads []*domain.OutboxMessage
	var current models.ID
	headSeen := false

	// keys sort by aggregate then sequence, so the first pending row of each
	// aggregate is its head
	t.state.outbox.Scan(func(_ string, msg domain.OutboxMessage) bool {
		if msg.AggregateID != current {
			current = msg.AggregateID
			headSeen = false
		}
		if headSeen || msg.Status != domain.OutboxStatusPending {
			return true
		}
		headSeen = true
		if !msg.NextRetryAt.After(now) {
			msg := msg
			heads = append(heads, &msg)
		}
		return true
	})

	sort.SliceStable(heads, func(i, j int) bool {
		return heads[i].CreatedAt.Before(heads[j].CreatedAt)
	})
	return limit(heads, max), nil
}

func (t *memoryTx) UpdateOutbox(_ context.Context, msg *domain.OutboxMessage) error {
	key, ok := t.state.outboxIndex.Get(msg.ID)
	if !ok {
		return errors.Wrapf(domain.ErrOutboxNotFound, "outbox message %s", msg.ID)
	}
	t.state.outbox.Set(key, *msg)
	return nil
}

func (t *memoryTx) GetOutbox(_ context.Context, id models.ID) (*domain.OutboxMessage, error) {
	key, ok := t.state.outboxIndex.Get(id)
	if !ok {
		return nil, errors.Wrapf(domain.ErrOutboxNotFound, "outbox message %s", id)
	}
	msg, _ := t.state.outbox.Get(key)
	return &msg, nil
}

func (t *memoryTx) ListOutbox(_ context.Context, filter domain.OutboxFilter) ([]*domain.OutboxMessage, error) {
	var out []*domain.OutboxMessage
	t.state.outbox.Scan(func(_ string, msg domain.OutboxMessage) bool {
		if filter.Status != "" && msg.Status != filter.Status {
			return true
		}
		if !filter.AggregateID.IsZero() && msg.AggregateID != filter.AggregateID {
			return true
		}
		msg := msg
		out = append(out, &msg)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (t *memoryTx) DeletePublishedOutbox(_ context.Context, before time.Time) (int64, error) {
	var doomed []domain.OutboxMessage
	t.state.outbox.Scan(func(_ string, msg domain.OutboxMessage) bool {
		if msg.Status == domain.OutboxStatusPublished && msg.PublishedAt != nil && msg.PublishedAt.Before(before) {
			doomed = append(doomed, msg)
		}
		return true
	})
	for _, msg := range doomed {
		t.state.outbox.Delete(outboxKey(msg.AggregateID, msg.Sequence))
		t.state.outboxIndex.Delete(msg.ID)
	}
	return int64(len(doomed)), nil
}

func (t *memoryTx) RecordInboxDelivery(_ context.Context, msg domain.InboundMessage, now time.Time) (*domain.InboxMessage, error) {
	stored, ok := t.state.inbox.Get(msg.MessageID)
	if !ok {
		stored = *domain.NewInboxMessage(msg, now)
		t.state.inbox.Set(msg.MessageID, stored)
	}
	return &stored, nil
}

func (t *memoryTx) ClaimInbox(_ context.Context, messageID string) (*domain.InboxMessage, error) {
	stored, ok := t.state.inbox.Get(messageID)
	if !ok {
		return nil, errors.Errorf("inbox message %s not found", messageID)
	}
	return &stored, nil
}

func (t *memoryTx) UpdateInbox(_ context.Context, msg *domain.InboxMessage) error {
	if _, ok := t.state.inbox.Get(msg.MessageID); !ok {
		return errors.Errorf("inbox message %s not found", msg.MessageID)
	}
	t.state.inbox.Set(msg.MessageID, *msg)
	return nil
}

func (t *memoryTx) ListInbox(_ context.Context, status domain.InboxStatus, max int) ([]*domain.InboxMessage, error) {
	var out []*domain.InboxMessage
	t.state.inbox.Scan(func(_ string, msg domain.InboxMessage) bool {
		if status != "" && msg.Status != status {
			return true
		}
		msg := msg
		out = append(out, &msg)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return limit(out, max), nil
}

func containsStatus[S ~string](statuses []S, s S) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
