package domain

import (
	"time"

	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
)

// TransactionStatus is the two-phase commit state of a distributed transaction
type TransactionStatus string

const (
	TransactionStatusPreparing TransactionStatus = "preparing"
	TransactionStatusPrepared  TransactionStatus = "prepared"
	TransactionStatusCommitted TransactionStatus = "committed"
	TransactionStatusAborted   TransactionStatus = "aborted"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCommitted || s == TransactionStatusAborted
}

// Vote is a participant's answer to Prepare
type Vote string

const (
	VoteUnknown Vote = "unknown"
	VoteYes     Vote = "yes"
	VoteNo      Vote = "no"
)

// Decision is the coordinator's durable outcome
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionCommit  Decision = "commit"
	DecisionAbort   Decision = "abort"
)

// Participant is one service taking part in a distributed transaction
type Participant struct {
	TransactionID models.ID
	ServiceRef    string
	Vote          Vote
	AckedDecision bool
	LastError     string
	UpdatedAt     time.Time
}

// DistributedTransaction is owned by the coordinator, which is the only
// source of truth for its decision.
type DistributedTransaction struct {
	ID           models.ID
	Status       TransactionStatus
	Decision     Decision
	Participants []*Participant
	VoteDeadline time.Time
	Archived     bool
	Timestamps   models.Timestamps
}

// NewDistributedTransaction creates a transaction in Preparing
func NewDistributedTransaction(serviceRefs []string, voteTimeout time.Duration, now time.Time) (*DistributedTransaction, error) {
	if len(serviceRefs) == 0 {
		return nil, errors.New("at least one participant is required")
	}

	id := models.GenerateUUID()
	seen := make(map[string]struct{}, len(serviceRefs))
	participants := make([]*Participant, 0, len(serviceRefs))
	for _, ref := range serviceRefs {
		if ref == "" {
			return nil, errors.New("participant service ref is required")
		}
		if _, dup := seen[ref]; dup {
			return nil, errors.Errorf("participant %q listed twice", ref)
		}
		seen[ref] = struct{}{}
		participants = append(participants, &Participant{
			TransactionID: id,
			ServiceRef:    ref,
			Vote:          VoteUnknown,
			UpdatedAt:     now,
		})
	}

	return &DistributedTransaction{
		ID:           id,
		Status:       TransactionStatusPreparing,
		Decision:     DecisionPending,
		Participants: participants,
		VoteDeadline: now.Add(voteTimeout),
		Timestamps:   models.NewTimestamps(now),
	}, nil
}

func (t *DistributedTransaction) Participant(ref string) (*Participant, bool) {
	for _, p := range t.Participants {
		if p.ServiceRef == ref {
			return p, true
		}
	}
	return nil, false
}

// RecordVote stores a vote while the transaction is still collecting them
func (t *DistributedTransaction) RecordVote(ref string, vote Vote, cause error, now time.Time) error {
	if t.Status != TransactionStatusPreparing {
		return NewInvalidTransitionError("transaction", string(t.Status), "vote")
	}
	p, ok := t.Participant(ref)
	if !ok {
		return errors.Errorf("unknown participant %q", ref)
	}
	p.Vote = vote
	p.UpdatedAt = now
	if cause != nil {
		p.LastError = cause.Error()
	}
	return nil
}

func (t *DistributedTransaction) AllVotedYes() bool {
	for _, p := range t.Participants {
		if p.Vote != VoteYes {
			return false
		}
	}
	return len(t.Participants) > 0
}

// MarkPrepared records the commit decision. It is the write-ahead record
// and must be persisted before any participant hears about it.
func (t *DistributedTransaction) MarkPrepared(now time.Time) error {
	if t.Status != TransactionStatusPreparing {
		return NewInvalidTransitionError("transaction", string(t.Status), string(TransactionStatusPrepared))
	}
	if !t.AllVotedYes() {
		return errors.Wrap(ErrInvalidTransition, "cannot prepare: not every participant voted yes")
	}
	t.Status = TransactionStatusPrepared
	t.Decision = DecisionCommit
	t.Timestamps = t.Timestamps.Touch(now)
	return nil
}

// MarkAborted records the abort decision. A transaction whose commit decision
// is already durable can no longer abort.
func (t *DistributedTransaction) MarkAborted(now time.Time) error {
	if t.Status != TransactionStatusPreparing {
		return NewInvalidTransitionError("transaction", string(t.Status), string(TransactionStatusAborted))
	}
	t.Status = TransactionStatusAborted
	t.Decision = DecisionAbort
	t.Timestamps = t.Timestamps.Touch(now)
	return nil
}

// AckDecision records that a participant applied the decision
func (t *DistributedTransaction) AckDecision(ref string, now time.Time) error {
	p, ok := t.Participant(ref)
	if !ok {
		return errors.Errorf("unknown participant %q", ref)
	}
	p.AckedDecision = true
	p.LastError = ""
	p.UpdatedAt = now
	return nil
}

// MarkCommitted finishes a prepared transaction once every participant acked
func (t *DistributedTransaction) MarkCommitted(now time.Time) error {
	if t.Status != TransactionStatusPrepared {
		return NewInvalidTransitionError("transaction", string(t.Status), string(TransactionStatusCommitted))
	}
	if !t.AllVotedYes() {
		return errors.Wrap(ErrInvalidTransition, "cannot commit: not every participant voted yes")
	}
	if len(t.PendingAcks()) > 0 {
		return errors.Wrap(ErrInvalidTransition, "cannot commit: decision not acknowledged by every participant")
	}
	t.Status = TransactionStatusCommitted
	t.Archived = true
	t.Timestamps = t.Timestamps.Touch(now)
	return nil
}

// PendingAcks lists participants that still need to hear the decision.
// After an abort only yes voters hold resources.
func (t *DistributedTransaction) PendingAcks() []*Participant {
	var pending []*Participant
	for _, p := range t.Participants {
		if p.AckedDecision {
			continue
		}
		if t.Decision == DecisionAbort && p.Vote != VoteYes {
			continue
		}
		pending = append(pending, p)
	}
	return pending
}

// ArchiveIfSettled archives an aborted transaction once every yes voter acked
func (t *DistributedTransaction) ArchiveIfSettled(now time.Time) bool {
	if t.Status == TransactionStatusAborted && !t.Archived && len(t.PendingAcks()) == 0 {
		t.Archived = true
		t.Timestamps = t.Timestamps.Touch(now)
		return true
	}
	return false
}

// Outcome answers a participant asking how the transaction ended
func (t *DistributedTransaction) Outcome() Decision {
	switch t.Status {
	case TransactionStatusPrepared, TransactionStatusCommitted:
		return DecisionCommit
	case TransactionStatusAborted:
		return DecisionAbort
	default:
		return DecisionPending
	}
}

func (t *DistributedTransaction) LeaseResource() string {
	return TransactionLeaseResource(t.ID)
}

func TransactionLeaseResource(id models.ID) string {
	return "txn:" + id.String()
}
