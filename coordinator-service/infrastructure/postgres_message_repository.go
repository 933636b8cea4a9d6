package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type postgresOutbox struct {
	ID          string     `db:"id"`
	AggregateID string     `db:"aggregate_id"`
	Sequence    int64      `db:"sequence"`
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	Status      string     `db:"status"`
	RetryCount  int        `db:"retry_count"`
	NextRetryAt time.Time  `db:"next_retry_at"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

type postgresInbox struct {
	MessageID   string     `db:"message_id"`
	AggregateID string     `db:"aggregate_id"`
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	Result      []byte     `db:"result"`
	LastError   string     `db:"last_error"`
	ReceivedAt  time.Time  `db:"received_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

const outboxColumns = `
	id, aggregate_id, sequence, topic, payload, status, retry_count,
	next_retry_at, last_error, created_at, published_at`

const inboxColumns = `
	message_id, aggregate_id, topic, payload, status, attempts,
	result, last_error, received_at, processed_at`

// EnqueueOutbox takes the next sequence from outbox_sequences. The upsert
// locks the aggregate's counter row until commit, so concurrent writers of
// one aggregate queue behind each other and sequences never restart after
// published rows are purged.
func (t *postgresTx) EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	var seq int64
	err := sqlx.GetContext(ctx, t.q, &seq, `
		INSERT INTO outbox_sequences (aggregate_id, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET last_sequence = outbox_sequences.last_sequence + 1
		RETURNING last_sequence`, msg.AggregateID.String())
	if err != nil {
		return errors.Wrap(err, "failed to allocate outbox sequence")
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_id, sequence, topic, payload, status, retry_count, next_retry_at, last_error, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID.String(),
		msg.AggregateID.String(),
		seq,
		msg.Topic.String(),
		[]byte(msg.Payload),
		string(msg.Status),
		msg.RetryCount,
		msg.NextRetryAt,
		msg.LastError,
		msg.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue outbox message")
	}

	msg.Sequence = seq
	return nil
}

func (t *postgresTx) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error) {
	var rows []postgresOutbox
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+outboxColumns+` FROM outbox_messages o
		WHERE o.status = 'pending'
			AND o.next_retry_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM outbox_messages p
				WHERE p.aggregate_id = o.aggregate_id AND p.status = 'pending' AND p.sequence < o.sequence
			)
		ORDER BY o.created_at, o.sequence
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch due outbox messages")
	}
	return outboxRowsToDomain(rows), nil
}

func (t *postgresTx) UpdateOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, published_at = $6
		WHERE id = $1`,
		msg.ID.String(), string(msg.Status), msg.RetryCount, msg.NextRetryAt, msg.LastError, msg.PublishedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update outbox message")
	}
	return expectOneRow(res, errors.Wrapf(domain.ErrOutboxNotFound, "outbox message %s", msg.ID))
}

func (t *postgresTx) GetOutbox(ctx context.Context, id models.ID) (*domain.OutboxMessage, error) {
	var row postgresOutbox
	err := sqlx.GetContext(ctx, t.q, &row, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(domain.ErrOutboxNotFound, "outbox message %s", id)
		}
		return nil, errors.Wrap(err, "failed to find outbox message")
	}
	return row.toDomain(), nil
}

func (t *postgresTx) ListOutbox(ctx context.Context, filter domain.OutboxFilter) ([]*domain.OutboxMessage, error) {
	var rows []postgresOutbox
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR aggregate_id = $2)
		ORDER BY aggregate_id, sequence
		LIMIT $3`, string(filter.Status), filter.AggregateID.String(), limitOrAll(filter.Limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list outbox messages")
	}
	return outboxRowsToDomain(rows), nil
}

func (t *postgresTx) DeletePublishedOutbox(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE status = 'published' AND published_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge outbox")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge outbox")
	}
	return n, nil
}

// RecordInboxDelivery inserts the row on first sight. The no-op update makes
// RETURNING yield the stored row for known messages.
func (t *postgresTx) RecordInboxDelivery(ctx context.Context, msg domain.InboundMessage, now time.Time) (*domain.InboxMessage, error) {
	var row postgresInbox
	err := sqlx.GetContext(ctx, t.q, &row, `
		INSERT INTO inbox_messages (message_id, aggregate_id, topic, payload, status, attempts, received_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5)
		ON CONFLICT (message_id) DO UPDATE
		SET message_id = inbox_messages.message_id
		RETURNING `+inboxColumns,
		msg.MessageID, msg.AggregateID, msg.Topic.String(), nullableJSON(msg.Payload), now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record inbox delivery")
	}
	return row.toDomain(), nil
}

func (t *postgresTx) ClaimInbox(ctx context.Context, messageID string) (*domain.InboxMessage, error) {
	var row postgresInbox
	err := sqlx.GetContext(ctx, t.q, &row,
		`SELECT `+inboxColumns+` FROM inbox_messages WHERE message_id = $1 FOR UPDATE`, messageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Errorf("inbox message %s not found", messageID)
		}
		return nil, errors.Wrap(err, "failed to claim inbox message")
	}
	return row.toDomain(), nil
}

func (t *postgresTx) UpdateInbox(ctx context.Context, msg *domain.InboxMessage) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE inbox_messages
		SET status = $2, attempts = $3, result = $4, last_error = $5, processed_at = $6
		WHERE message_id = $1`,
		msg.MessageID, string(msg.Status), msg.Attempts, nullableJSON(msg.Result), msg.LastError, msg.ProcessedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update inbox message")
	}
	return expectOneRow(res, errors.Errorf("inbox message %s not found", msg.MessageID))
}

func (t *postgresTx) ListInbox(ctx context.Context, status domain.InboxStatus, limit int) ([]*domain.InboxMessage, error) {
	var rows []postgresInbox
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+inboxColumns+` FROM inbox_messages
		WHERE $1 = '' OR status = $1
		ORDER BY received_at
		LIMIT $2`, string(status), limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list inbox messages")
	}

	out := make([]*domain.InboxMessage, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func outboxRowsToDomain(rows []postgresOutbox) []*domain.OutboxMessage {
	out := make([]*domain.OutboxMessage, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}

func (r *postgresOutbox) toDomain() *domain.OutboxMessage {
	return &domain.OutboxMessage{
		ID:          models.ID(r.ID),
		AggregateID: models.ID(r.AggregateID),
		Sequence:    r.Sequence,
		Topic:       events.Topic(r.Topic),
		Payload:     r.Payload,
		Status:      domain.OutboxStatus(r.Status),
		RetryCount:  r.RetryCount,
		NextRetryAt: r.NextRetryAt,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		PublishedAt: r.PublishedAt,
	}
}

func (r *postgresInbox) toDomain() *domain.InboxMessage {
	return &domain.InboxMessage{
		MessageID:   r.MessageID,
		AggregateID: r.AggregateID,
		Topic:       events.Topic(r.Topic),
		Payload:     r.Payload,
		Status:      domain.InboxStatus(r.Status),
		Attempts:    r.Attempts,
		Result:      r.Result,
		LastError:   r.LastError,
		ReceivedAt:  r.ReceivedAt,
		ProcessedAt: r.ProcessedAt,
	}
}
