package application

import (
	"context"
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

var errVoteDeadlinePassed = errors.New("vote deadline passed")

// CoordinatorConfig tunes two-phase commit
type CoordinatorConfig struct {
	WorkerID     string
	VoteTimeout  time.Duration
	CallTimeout  time.Duration
	RetryPolicy  domain.RetryPolicy
	LeaseTTL     time.Duration
	Workers      int
	PollInterval time.Duration
	ScanLimit    int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.WorkerID == "" {
		c.WorkerID = models.GenerateUUID().String()
	}
	if c.VoteTimeout <= 0 {
		c.VoteTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 100
	}
	c.RetryPolicy = c.RetryPolicy.WithDefaults(DefaultRetryPolicy)
	return c
}

type transactionEvent struct {
	TransactionID models.ID       `json:"transaction_id"`
	Decision      domain.Decision `json:"decision"`
	Participants  []string        `json:"participants"`
}

// TransactionCoordinator runs two-phase commit across registered
// participants. The coordinator's stored decision is the only source of
// truth; participants in doubt ask QueryOutcome.
type TransactionCoordinator struct {
	store    domain.StateStore
	registry *Registry
	clock    models.Clock
	config   CoordinatorConfig
	logger   *logrus.Entry
	leases   leaseKeeper
	inflight *xsync.MapOf[models.ID, struct{}]
}

// NewTransactionCoordinator creates a new TransactionCoordinator
func NewTransactionCoordinator(
	store domain.StateStore,
	registry *Registry,
	clock models.Clock,
	config CoordinatorConfig,
	logger *logrus.Entry,
) *TransactionCoordinator {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	config = config.withDefaults()
	logger = logger.WithField("component", "transaction_coordinator")

	return &TransactionCoordinator{
		store:    store,
		registry: registry,
		clock:    clock,
		config:   config,
		logger:   logger,
		leases:   leaseKeeper{leases: store, owner: config.WorkerID, ttl: config.LeaseTTL, logger: logger},
		inflight: xsync.NewMapOf[models.ID, struct{}](),
	}
}

// BeginTransaction persists a transaction in Preparing with one participant
// per service ref. Every ref must be registered.
func (c *TransactionCoordinator) BeginTransaction(ctx context.Context, participants []string) (models.ID, error) {
	for _, ref := range participants {
		if _, err := c.registry.Participant(ref); err != nil {
			return "", err
		}
	}

	txn, err := domain.NewDistributedTransaction(participants, c.config.VoteTimeout, c.clock.Now())
	if err != nil {
		return "", errors.Wrap(err, "invalid transaction")
	}

	if err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertTransaction(ctx, txn)
	}); err != nil {
		return "", errors.Wrap(err, "failed to save transaction")
	}

	c.logger.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"participants":   participants,
	}).Info("transaction started")
	return txn.ID, nil
}

// Execute drives the transaction as far as it can go: collect votes, persist
// the decision, then deliver it. Participants that do not acknowledge stay
// pending and are retried by Recover; the returned status reflects that.
func (c *TransactionCoordinator) Execute(ctx context.Context, id models.ID) (domain.TransactionStatus, error) {
	resource := domain.TransactionLeaseResource(id)
	if _, busy := c.inflight.LoadOrStore(id, struct{}{}); busy {
		return "", domain.NewLeaseHeldError(resource)
	}
	defer c.inflight.Delete(id)

	leaseCtx, release, err := c.leases.acquire(ctx, resource)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, span := telemetry.StartSpan(leaseCtx, "transaction.execute")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id.String()))

	txn, err := c.get(ctx, id)
	if err != nil {
		return "", err
	}

	if txn.Status == domain.TransactionStatusPreparing {
		if txn, err = c.prepare(ctx, txn); err != nil {
			return "", err
		}
	}
	if txn.Status == domain.TransactionStatusCommitted || (txn.Archived && len(txn.PendingAcks()) == 0) {
		return txn.Status, nil
	}

	txn, err = c.deliver(ctx, txn)
	if err != nil {
		return "", err
	}
	return txn.Status, nil
}

type voteResult struct {
	vote domain.Vote
	err  error
}

// prepare collects votes until the vote deadline and persists the decision
// before any participant hears it.
func (c *TransactionCoordinator) prepare(ctx context.Context, txn *domain.DistributedTransaction) (*domain.DistributedTransaction, error) {
	results := make([]voteResult, len(txn.Participants))
	remaining := txn.VoteDeadline.Sub(c.clock.Now())

	voteCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	var g errgroup.Group
	for i, p := range txn.Participants {
		switch {
		case p.Vote != domain.VoteUnknown:
			results[i] = voteResult{vote: p.Vote}
		case remaining <= 0:
			results[i] = voteResult{vote: domain.VoteNo, err: errVoteDeadlinePassed}
		default:
			ref := p.ServiceRef
			g.Go(func() error {
				vote, err := c.requestVote(voteCtx, txn.ID, ref)
				results[i] = voteResult{vote: vote, err: err}
				return nil
			})
		}
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, stopCause(ctx)
	}

	var decided *domain.DistributedTransaction
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		fresh, err := tx.GetTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		for i, p := range txn.Participants {
			if err := fresh.RecordVote(p.ServiceRef, results[i].vote, results[i].err, now); err != nil {
				return err
			}
		}

		topic := events.Topic(events.TransactionCommittedEvent)
		if fresh.AllVotedYes() {
			err = fresh.MarkPrepared(now)
		} else {
			topic = events.TransactionAbortedEvent
			err = fresh.MarkAborted(now)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, fresh); err != nil {
			return err
		}
		if err := enqueueTransactionEvent(ctx, tx, fresh, topic, now); err != nil {
			return err
		}
		decided = fresh
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record transaction decision")
	}

	for i, p := range txn.Participants {
		telemetry.RecordCounter(ctx, "transaction_votes_total", "Prepare votes received", 1,
			attribute.String("participant", p.ServiceRef),
			attribute.String("vote", string(results[i].vote)))
	}
	telemetry.RecordCounter(ctx, "transaction_decisions_total", "Two-phase commit decisions", 1,
		attribute.String("decision", string(decided.Decision)))
	c.logger.WithFields(logrus.Fields{
		"transaction_id": decided.ID,
		"decision":       decided.Decision,
	}).Info("transaction decided")

	return decided, nil
}

// requestVote asks one participant to prepare. Errors, timeouts and silence
// all count as a No vote.
func (c *TransactionCoordinator) requestVote(ctx context.Context, id models.ID, ref string) (domain.Vote, error) {
	participant, err := c.registry.Participant(ref)
	if err != nil {
		return domain.VoteNo, err
	}

	vote := domain.VoteUnknown
	_, err = retry(ctx, c.config.RetryPolicy, c.config.CallTimeout, func(callCtx context.Context, _ int) error {
		v, err := participant.Prepare(callCtx, id)
		if err != nil && v == domain.VoteNo {
			vote = domain.VoteNo
			return domain.Permanent(err)
		}
		if err != nil {
			return err
		}
		vote = v
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"transaction_id": id,
			"participant":    ref,
		}).Warn("participant did not vote yes")
		return domain.VoteNo, err
	}
	if vote != domain.VoteYes {
		return domain.VoteNo, nil
	}
	return domain.VoteYes, nil
}

// deliver sends the stored decision to every participant still owing an ack
func (c *TransactionCoordinator) deliver(ctx context.Context, txn *domain.DistributedTransaction) (*domain.DistributedTransaction, error) {
	pending := txn.PendingAcks()
	errs := make([]error, len(pending))

	var g errgroup.Group
	for i, p := range pending {
		ref := p.ServiceRef
		g.Go(func() error {
			errs[i] = c.sendDecision(ctx, txn.ID, txn.Decision, ref)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, stopCause(ctx)
	}

	var updated *domain.DistributedTransaction
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		fresh, err := tx.GetTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		for i, p := range pending {
			if errs[i] == nil {
				if err := fresh.AckDecision(p.ServiceRef, now); err != nil {
					return err
				}
				continue
			}
			if fp, ok := fresh.Participant(p.ServiceRef); ok {
				fp.LastError = errs[i].Error()
				fp.UpdatedAt = now
			}
		}

		if fresh.Status == domain.TransactionStatusPrepared && len(fresh.PendingAcks()) == 0 {
			if err := fresh.MarkCommitted(now); err != nil {
				return err
			}
		}
		fresh.ArchiveIfSettled(now)

		if err := tx.UpdateTransaction(ctx, fresh); err != nil {
			return err
		}
		updated = fresh
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record decision acknowledgements")
	}

	if unacked := len(updated.PendingAcks()); unacked > 0 {
		c.logger.WithFields(logrus.Fields{
			"transaction_id": updated.ID,
			"decision":       updated.Decision,
			"unacked":        unacked,
		}).Warn("decision not acknowledged by every participant")
	} else {
		c.logger.WithFields(logrus.Fields{
			"transaction_id": updated.ID,
			"status":         updated.Status,
		}).Info("transaction settled")
	}
	return updated, nil
}

func (c *TransactionCoordinator) sendDecision(ctx context.Context, id models.ID, decision domain.Decision, ref string) error {
	participant, err := c.registry.Participant(ref)
	if err != nil {
		return err
	}

	_, err = retry(ctx, c.config.RetryPolicy, c.config.CallTimeout, func(callCtx context.Context, _ int) error {
		if decision == domain.DecisionCommit {
			return participant.Commit(callCtx, id)
		}
		return participant.Abort(callCtx, id)
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"transaction_id": id,
			"participant":    ref,
			"decision":       decision,
		}).Warn("failed to deliver decision")
	}
	return err
}

func enqueueTransactionEvent(ctx context.Context, tx domain.Tx, txn *domain.DistributedTransaction, topic events.Topic, now time.Time) error {
	refs := make([]string, len(txn.Participants))
	for i, p := range txn.Participants {
		refs[i] = p.ServiceRef
	}
	msg, err := domain.NewOutboxMessage(txn.ID, topic, transactionEvent{
		TransactionID: txn.ID,
		Decision:      txn.Decision,
		Participants:  refs,
	}, now)
	if err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, msg)
}

func (c *TransactionCoordinator) get(ctx context.Context, id models.ID) (*domain.DistributedTransaction, error) {
	var txn *domain.DistributedTransaction
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		txn, err = tx.GetTransaction(ctx, id)
		return err
	})
	return txn, err
}

// GetTransaction returns the transaction with its participants
func (c *TransactionCoordinator) GetTransaction(ctx context.Context, id models.ID) (*domain.DistributedTransaction, error) {
	return c.get(ctx, id)
}

// QueryOutcome answers a participant that lost track of a transaction
func (c *TransactionCoordinator) QueryOutcome(ctx context.Context, id models.ID) (domain.Decision, error) {
	txn, err := c.get(ctx, id)
	if err != nil {
		return "", err
	}
	return txn.Outcome(), nil
}

func (c *TransactionCoordinator) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.DistributedTransaction, error) {
	var txns []*domain.DistributedTransaction
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		txns, err = tx.ListTransactions(ctx, filter)
		return err
	})
	return txns, err
}

// Recover finishes transactions abandoned by a crashed coordinator:
// Preparing past its vote deadline is aborted, a stored decision is resent
// to participants that never acknowledged it. Transactions leased by a live
// coordinator are skipped. It returns how many transactions were advanced.
func (c *TransactionCoordinator) Recover(ctx context.Context) (int, error) {
	txns, err := c.ListTransactions(ctx, domain.TransactionFilter{
		Statuses: []domain.TransactionStatus{
			domain.TransactionStatusPreparing,
			domain.TransactionStatusPrepared,
			domain.TransactionStatusAborted,
		},
		Limit: c.config.ScanLimit,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list transactions")
	}

	now := c.clock.Now()
	var (
		g         errgroup.Group
		recovered = xsync.NewCounter()
	)
	g.SetLimit(c.config.Workers)
	for _, txn := range txns {
		if txn.Status == domain.TransactionStatusPreparing && now.Before(txn.VoteDeadline) {
			continue
		}
		if txn.Status != domain.TransactionStatusPreparing && len(txn.PendingAcks()) == 0 {
			continue
		}

		id := txn.ID
		g.Go(func() error {
			_, err := c.Execute(ctx, id)
			switch {
			case err == nil:
				recovered.Inc()
			case errors.Is(err, domain.ErrLeaseHeld):
			default:
				c.logger.WithError(err).WithField("transaction_id", id).Error("failed to recover transaction")
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(recovered.Value()), nil
}

// Run calls Recover every poll interval until ctx is cancelled
func (c *TransactionCoordinator) Run(ctx context.Context) error {
	c.logger.WithField("worker_id", c.config.WorkerID).Info("transaction recovery started")

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("transaction recovery stopped")
			return nil
		case <-ticker.C:
			n, err := c.Recover(ctx)
			if err != nil {
				c.logger.WithError(err).Error("transaction recovery failed")
				continue
			}
			if n > 0 {
				c.logger.WithField("recovered", n).Info("recovered transactions")
			}
		}
	}
}
