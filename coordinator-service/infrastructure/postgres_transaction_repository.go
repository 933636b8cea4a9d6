package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type postgresTransaction struct {
	ID           string    `db:"id"`
	Status       string    `db:"status"`
	Decision     string    `db:"decision"`
	VoteDeadline time.Time `db:"vote_deadline"`
	Archived     bool      `db:"archived"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type postgresParticipant struct {
	TransactionID string    `db:"transaction_id"`
	ServiceRef    string    `db:"service_ref"`
	Position      int       `db:"position"`
	Vote          string    `db:"vote"`
	AckedDecision bool      `db:"acked_decision"`
	LastError     string    `db:"last_error"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const transactionColumns = `id, status, decision, vote_deadline, archived, created_at, updated_at`

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *domain.DistributedTransaction) error {
	query := `
		INSERT INTO distributed_transactions (id, status, decision, vote_deadline, archived, created_at, updated_at)
		VALUES (:id, :status, :decision, :vote_deadline, :archived, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, t.q, query, toPostgresTransaction(txn)); err != nil {
		return errors.Wrap(err, "failed to insert transaction")
	}

	participantQuery := `
		INSERT INTO transaction_participants (
			transaction_id, service_ref, position, vote, acked_decision, last_error, updated_at
		) VALUES (
			:transaction_id, :service_ref, :position, :vote, :acked_decision, :last_error, :updated_at
		)`
	for i, p := range txn.Participants {
		if _, err := sqlx.NamedExecContext(ctx, t.q, participantQuery, toPostgresParticipant(i, p)); err != nil {
			return errors.Wrapf(err, "failed to insert participant %s", p.ServiceRef)
		}
	}
	return nil
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, txn *domain.DistributedTransaction) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE distributed_transactions
		SET status = $2, decision = $3, archived = $4, updated_at = $5
		WHERE id = $1`,
		txn.ID.String(), string(txn.Status), string(txn.Decision), txn.Archived, txn.Timestamps.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update transaction")
	}
	if err := expectOneRow(res, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", txn.ID)); err != nil {
		return err
	}

	for _, p := range txn.Participants {
		_, err := t.q.ExecContext(ctx, `
			UPDATE transaction_participants
			SET vote = $3, acked_decision = $4, last_error = $5, updated_at = $6
			WHERE transaction_id = $1 AND service_ref = $2`,
			txn.ID.String(), p.ServiceRef, string(p.Vote), p.AckedDecision, p.LastError, p.UpdatedAt)
		if err != nil {
			return errors.Wrapf(err, "failed to update participant %s", p.ServiceRef)
		}
	}
	return nil
}

func (t *postgresTx) GetTransaction(ctx context.Context, id models.ID) (*domain.DistributedTransaction, error) {
	var row postgresTransaction
	err := sqlx.GetContext(ctx, t.q, &row,
		`SELECT `+transactionColumns+` FROM distributed_transactions WHERE id = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", id)
		}
		return nil, errors.Wrap(err, "failed to find transaction")
	}

	txn := row.toDomain()
	if err := t.loadParticipants(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (t *postgresTx) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.DistributedTransaction, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}

	var rows []postgresTransaction
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+transactionColumns+` FROM distributed_transactions
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
			AND ($2 OR archived = FALSE)
		ORDER BY created_at
		LIMIT $3`, pq.Array(statuses), filter.IncludeArchived, limitOrAll(filter.Limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list transactions")
	}

	out := make([]*domain.DistributedTransaction, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
		if err := t.loadParticipants(ctx, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *postgresTx) loadParticipants(ctx context.Context, txn *domain.DistributedTransaction) error {
	var rows []postgresParticipant
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT transaction_id, service_ref, position, vote, acked_decision, last_error, updated_at
		FROM transaction_participants
		WHERE transaction_id = $1
		ORDER BY position`, txn.ID.String())
	if err != nil {
		return errors.Wrap(err, "failed to load participants")
	}

	txn.Participants = make([]*domain.Participant, len(rows))
	for i, r := range rows {
		txn.Participants[i] = &domain.Participant{
			TransactionID: models.ID(r.TransactionID),
			ServiceRef:    r.ServiceRef,
			Vote:          domain.Vote(r.Vote),
			AckedDecision: r.AckedDecision,
			LastError:     r.LastError,
			UpdatedAt:     r.UpdatedAt,
		}
	}
	return nil
}

func toPostgresTransaction(txn *domain.DistributedTransaction) *postgresTransaction {
	return &postgresTransaction{
		ID:           txn.ID.String(),
		Status:       string(txn.Status),
		Decision:     string(txn.Decision),
		VoteDeadline: txn.VoteDeadline,
		Archived:     txn.Archived,
		CreatedAt:    txn.Timestamps.CreatedAt,
		UpdatedAt:    txn.Timestamps.UpdatedAt,
	}
}

func toPostgresParticipant(position int, p *domain.Participant) *postgresParticipant {
	return &postgresParticipant{
		TransactionID: p.TransactionID.String(),
		ServiceRef:    p.ServiceRef,
		Position:      position,
		Vote:          string(p.Vote),
		AckedDecision: p.AckedDecision,
		LastError:     p.LastError,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (r *postgresTransaction) toDomain() *domain.DistributedTransaction {
	return &domain.DistributedTransaction{
		ID:           models.ID(r.ID),
		Status:       domain.TransactionStatus(r.Status),
		Decision:     domain.Decision(r.Decision),
		VoteDeadline: r.VoteDeadline,
		Archived:     r.Archived,
		Timestamps:   models.Timestamps{CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
	}
}
