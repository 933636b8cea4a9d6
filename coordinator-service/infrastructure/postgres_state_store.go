package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ domain.StateStore = (*PostgresStateStore)(nil)

// Schema creates every table the store needs. Migrations are managed outside
// this service; EnsureSchema only bootstraps an empty database.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_definitions (
	name        TEXT        NOT NULL,
	version     INTEGER     NOT NULL,
	definition  JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS saga_instances (
	id                 UUID        PRIMARY KEY,
	definition_name    TEXT        NOT NULL,
	definition_version INTEGER     NOT NULL,
	status             TEXT        NOT NULL,
	current_step_index INTEGER     NOT NULL DEFAULT 0,
	context            JSONB       NOT NULL,
	cancel_requested   BOOLEAN     NOT NULL DEFAULT FALSE,
	failure_reason     TEXT        NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	version            INTEGER     NOT NULL,
	FOREIGN KEY (definition_name, definition_version) REFERENCES saga_definitions (name, version)
);
CREATE INDEX IF NOT EXISTS saga_instances_active_idx ON saga_instances (updated_at)
	WHERE status IN ('created', 'running', 'compensating');

CREATE TABLE IF NOT EXISTS saga_step_executions (
	saga_id           UUID        NOT NULL REFERENCES saga_instances (id),
	step_index        INTEGER     NOT NULL,
	step_name         TEXT        NOT NULL,
	status            TEXT        NOT NULL,
	request_snapshot  JSONB,
	response_snapshot JSONB,
	attempt_count     INTEGER     NOT NULL DEFAULT 0,
	last_error        TEXT        NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (saga_id, step_index)
);

CREATE TABLE IF NOT EXISTS saga_step_attempts (
	id          BIGSERIAL   PRIMARY KEY,
	saga_id     UUID        NOT NULL REFERENCES saga_instances (id),
	step_index  INTEGER     NOT NULL,
	kind        TEXT        NOT NULL,
	attempt     INTEGER     NOT NULL,
	succeeded   BOOLEAN     NOT NULL,
	error_kind  TEXT        NOT NULL DEFAULT '',
	error       TEXT        NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS saga_step_attempts_saga_idx ON saga_step_attempts (saga_id, id);

CREATE TABLE IF NOT EXISTS saga_compensation_actions (
	saga_id       UUID        NOT NULL REFERENCES saga_instances (id),
	step_index    INTEGER     NOT NULL,
	step_name     TEXT        NOT NULL,
	status        TEXT        NOT NULL,
	payload       JSONB,
	attempt_count INTEGER     NOT NULL DEFAULT 0,
	last_error    TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (saga_id, step_index)
);

CREATE TABLE IF NOT EXISTS distributed_transactions (
	id            UUID        PRIMARY KEY,
	status        TEXT        NOT NULL,
	decision      TEXT        NOT NULL,
	vote_deadline TIMESTAMPTZ NOT NULL,
	archived      BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS distributed_transactions_open_idx ON distributed_transactions (created_at)
	WHERE archived = FALSE;

CREATE TABLE IF NOT EXISTS transaction_participants (
	transaction_id UUID        NOT NULL REFERENCES distributed_transactions (id),
	service_ref    TEXT        NOT NULL,
	position       INTEGER     NOT NULL,
	vote           TEXT        NOT NULL,
	acked_decision BOOLEAN     NOT NULL DEFAULT FALSE,
	last_error     TEXT        NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (transaction_id, service_ref)
);

CREATE TABLE IF NOT EXISTS outbox_messages (
	id            UUID        PRIMARY KEY,
	aggregate_id  TEXT        NOT NULL,
	sequence      BIGINT      NOT NULL,
	topic         TEXT        NOT NULL,
	payload       JSONB       NOT NULL,
	status        TEXT        NOT NULL,
	retry_count   INTEGER     NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ NOT NULL,
	last_error    TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	published_at  TIMESTAMPTZ,
	UNIQUE (aggregate_id, sequence)
);
CREATE INDEX IF NOT EXISTS outbox_messages_pending_idx ON outbox_messages (aggregate_id, sequence)
	WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS outbox_sequences (
	aggregate_id  TEXT   PRIMARY KEY,
	last_sequence BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS inbox_messages (
	message_id   TEXT        PRIMARY KEY,
	aggregate_id TEXT        NOT NULL DEFAULT '',
	topic        TEXT        NOT NULL,
	payload      JSONB,
	status       TEXT        NOT NULL,
	attempts     INTEGER     NOT NULL DEFAULT 0,
	result       JSONB,
	last_error   TEXT        NOT NULL DEFAULT '',
	received_at  TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS coordination_leases (
	resource   TEXT        PRIMARY KEY,
	owner      TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStateStore implements domain.StateStore on PostgreSQL
type PostgresStateStore struct {
	db     *sqlx.DB
	clock  models.Clock
	logger *logrus.Entry
}

// NewPostgresStateStore creates a new PostgresStateStore
func NewPostgresStateStore(db *sqlx.DB, clock models.Clock, logger *logrus.Entry) *PostgresStateStore {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PostgresStateStore{
		db:     db,
		clock:  clock,
		logger: logger.WithField("component", "postgres_state_store"),
	}
}

// EnsureSchema creates missing tables and indexes
func (s *PostgresStateStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

// WithinTx runs fn in a read-committed transaction
func (s *PostgresStateStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(ctx, &postgresTx{q: sqlTx, clock: s.clock}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// AcquireLease takes the lease if it is free, expired or already ours
func (s *PostgresStateStore) AcquireLease(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO coordination_leases (resource, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE coordination_leases.expires_at <= $4 OR coordination_leases.owner = EXCLUDED.owner`

	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, query, resource, owner, now.Add(ttl), now)
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lease")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lease")
	}
	return n == 1, nil
}

// RenewLease extends a live lease held by owner
func (s *PostgresStateStore) RenewLease(ctx context.Context, resource, owner string, ttl time.Duration) error {
	query := `
		UPDATE coordination_leases
		SET expires_at = $3
		WHERE resource = $1 AND owner = $2 AND expires_at > $4`

	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, query, resource, owner, now.Add(ttl), now)
	if err != nil {
		return errors.Wrap(err, "failed to renew lease")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to renew lease")
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrLeaseNotHeld, "resource %s", resource)
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it
func (s *PostgresStateStore) ReleaseLease(ctx context.Context, resource, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coordination_leases WHERE resource = $1 AND owner = $2`, resource, owner)
	if err != nil {
		return errors.Wrap(err, "failed to release lease")
	}
	return nil
}

// postgresTx implements domain.Tx over one *sqlx.Tx
type postgresTx struct {
	q     sqlx.ExtContext
	clock models.Clock
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
