package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// postgresSaga represents a saga instance in database
type postgresSaga struct {
	ID                string    `db:"id"`
	DefinitionName    string    `db:"definition_name"`
	DefinitionVersion int       `db:"definition_version"`
	Status            string    `db:"status"`
	CurrentStepIndex  int       `db:"current_step_index"`
	Context           []byte    `db:"context"`
	CancelRequested   bool      `db:"cancel_requested"`
	FailureReason     string    `db:"failure_reason"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
	Version           int       `db:"version"`
}

type postgresStepExecution struct {
	SagaID           string    `db:"saga_id"`
	StepIndex        int       `db:"step_index"`
	StepName         string    `db:"step_name"`
	Status           string    `db:"status"`
	RequestSnapshot  []byte    `db:"request_snapshot"`
	ResponseSnapshot []byte    `db:"response_snapshot"`
	AttemptCount     int       `db:"attempt_count"`
	LastError        string    `db:"last_error"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

type postgresStepAttempt struct {
	SagaID     string    `db:"saga_id"`
	StepIndex  int       `db:"step_index"`
	Kind       string    `db:"kind"`
	Attempt    int       `db:"attempt"`
	Succeeded  bool      `db:"succeeded"`
	ErrorKind  string    `db:"error_kind"`
	Error      string    `db:"error"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

type postgresCompensation struct {
	SagaID       string    `db:"saga_id"`
	StepIndex    int       `db:"step_index"`
	StepName     string    `db:"step_name"`
	Status       string    `db:"status"`
	Payload      []byte    `db:"payload"`
	AttemptCount int       `db:"attempt_count"`
	LastError    string    `db:"last_error"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const sagaColumns = `
	id, definition_name, definition_version, status, current_step_index, context,
	cancel_requested, failure_reason, created_at, updated_at, version`

// SaveDefinition inserts the definition once and never edits it afterwards
func (t *postgresTx) SaveDefinition(ctx context.Context, def domain.SagaDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "failed to marshal definition")
	}

	res, err := t.q.ExecContext(ctx, `
		INSERT INTO saga_definitions (name, version, definition, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, version) DO NOTHING`,
		def.Name, def.Version, body, t.clock.Now())
	if err != nil {
		return errors.Wrap(err, "failed to insert definition")
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	existing, err := t.GetDefinition(ctx, def.Name, def.Version)
	if err != nil {
		return err
	}
	if !existing.SameContent(def) {
		return errors.Wrapf(domain.ErrDefinitionConflict, "definition %s", def.Ref())
	}
	return nil
}

func (t *postgresTx) GetDefinition(ctx context.Context, name string, version int) (*domain.SagaDefinition, error) {
	var body []byte
	err := sqlx.GetContext(ctx, t.q, &body,
		`SELECT definition FROM saga_definitions WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(domain.ErrDefinitionNotFound, "definition %s", domain.DefinitionRef(name, version))
		}
		return nil, errors.Wrap(err, "failed to find definition")
	}

	var def domain.SagaDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, errors.Wrap(err, "failed to decode definition")
	}
	return &def, nil
}

func (t *postgresTx) InsertSaga(ctx context.Context, saga *domain.SagaInstance) error {
	query := `
		INSERT INTO saga_instances (
			id, definition_name, definition_version, status, current_step_index, context,
			cancel_requested, failure_reason, created_at, updated_at, version
		) VALUES (
			:id, :definition_name, :definition_version, :status, :current_step_index, :context,
			:cancel_requested, :failure_reason, :created_at, :updated_at, :version
		)`

	if _, err := sqlx.NamedExecContext(ctx, t.q, query, toPostgresSaga(saga)); err != nil {
		return errors.Wrap(err, "failed to insert saga")
	}
	return nil
}

// UpdateSaga uses the version column for optimistic locking and refuses to
// move a saga's step index backwards.
func (t *postgresTx) UpdateSaga(ctx context.Context, saga *domain.SagaInstance) error {
	query := `
		UPDATE saga_instances
		SET status = $2, current_step_index = $3, context = $4, failure_reason = $5,
			updated_at = $6, version = version + 1
		WHERE id = $1 AND version = $7 AND current_step_index <= $3`

	res, err := t.q.ExecContext(ctx, query,
		saga.ID.String(),
		string(saga.Status),
		saga.CurrentStepIndex,
		[]byte(saga.Context),
		saga.FailureReason,
		saga.Timestamps.UpdatedAt,
		saga.Version.Value,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	if err := expectOneRow(res, errors.Wrapf(domain.ErrConcurrentModification, "saga %s", saga.ID)); err != nil {
		return err
	}
	saga.Version = saga.Version.Update()
	return nil
}

func (t *postgresTx) GetSaga(ctx context.Context, id models.ID) (*domain.SagaInstance, error) {
	var row postgresSaga
	err := sqlx.GetContext(ctx, t.q, &row, `SELECT `+sagaColumns+` FROM saga_instances WHERE id = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(domain.ErrSagaNotFound, "saga %s", id)
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}
	return row.toDomain(), nil
}

func (t *postgresTx) RequestSagaCancel(ctx context.Context, id models.ID) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE saga_instances SET cancel_requested = TRUE WHERE id = $1`, id.String())
	if err != nil {
		return errors.Wrap(err, "failed to request saga cancel")
	}
	return expectOneRow(res, errors.Wrapf(domain.ErrSagaNotFound, "saga %s", id))
}

func (t *postgresTx) ListSagas(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}

	var rows []postgresSaga
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT `+sagaColumns+` FROM saga_instances
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`, pq.Array(statuses), limitOrAll(filter.Limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sagas")
	}

	out := make([]*domain.SagaInstance, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (t *postgresTx) ListActiveSagaIDs(ctx context.Context, limit int) ([]models.ID, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, t.q, &ids, `
		SELECT id FROM saga_instances
		WHERE status IN ('created', 'running', 'compensating')
		ORDER BY updated_at
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active sagas")
	}

	out := make([]models.ID, len(ids))
	for i, id := range ids {
		out[i] = models.ID(id)
	}
	return out, nil
}

func (t *postgresTx) UpsertStepExecution(ctx context.Context, exec *domain.StepExecution) error {
	query := `
		INSERT INTO saga_step_executions (
			saga_id, step_index, step_name, status, request_snapshot, response_snapshot,
			attempt_count, last_error, created_at, updated_at
		) VALUES (
			:saga_id, :step_index, :step_name, :status, :request_snapshot, :response_snapshot,
			:attempt_count, :last_error, :created_at, :updated_at
		)
		ON CONFLICT (saga_id, step_index) DO UPDATE SET
			status = EXCLUDED.status,
			request_snapshot = EXCLUDED.request_snapshot,
			response_snapshot = EXCLUDED.response_snapshot,
			attempt_count = EXCLUDED.attempt_count,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`

	row := postgresStepExecution{
		SagaID:           exec.SagaID.String(),
		StepIndex:        exec.StepIndex,
		StepName:         exec.StepName,
		Status:           string(exec.Status),
		RequestSnapshot:  exec.RequestSnapshot,
		ResponseSnapshot: exec.ResponseSnapshot,
		AttemptCount:     exec.AttemptCount,
		LastError:        exec.LastError,
		CreatedAt:        exec.Timestamps.CreatedAt,
		UpdatedAt:        exec.Timestamps.UpdatedAt,
	}
	if _, err := sqlx.NamedExecContext(ctx, t.q, query, row); err != nil {
		return errors.Wrap(err, "failed to upsert step execution")
	}
	return nil
}

func (t *postgresTx) ListStepExecutions(ctx context.Context, sagaID models.ID) ([]*domain.StepExecution, error) {
	var rows []postgresStepExecution
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT saga_id, step_index, step_name, status, request_snapshot, response_snapshot,
			attempt_count, last_error, created_at, updated_at
		FROM saga_step_executions
		WHERE saga_id = $1
		ORDER BY step_index`, sagaID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list step executions")
	}

	out := make([]*domain.StepExecution, len(rows))
	for i, r := range rows {
		out[i] = &domain.StepExecution{
			SagaID:           models.ID(r.SagaID),
			StepIndex:        r.StepIndex,
			StepName:         r.StepName,
			Status:           domain.StepStatus(r.Status),
			RequestSnapshot:  r.RequestSnapshot,
			ResponseSnapshot: r.ResponseSnapshot,
			AttemptCount:     r.AttemptCount,
			LastError:        r.LastError,
			Timestamps:       models.Timestamps{CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
		}
	}
	return out, nil
}

func (t *postgresTx) AppendStepAttempt(ctx context.Context, attempt domain.StepAttempt) error {
	query := `
		INSERT INTO saga_step_attempts (
			saga_id, step_index, kind, attempt, succeeded, error_kind, error, started_at, finished_at
		) VALUES (
			:saga_id, :step_index, :kind, :attempt, :succeeded, :error_kind, :error, :started_at, :finished_at
		)`

	row := postgresStepAttempt{
		SagaID:     attempt.SagaID.String(),
		StepIndex:  attempt.StepIndex,
		Kind:       string(attempt.Kind),
		Attempt:    attempt.Attempt,
		Succeeded:  attempt.Succeeded,
		ErrorKind:  string(attempt.ErrorKind),
		Error:      attempt.Error,
		StartedAt:  attempt.StartedAt,
		FinishedAt: attempt.FinishedAt,
	}
	if _, err := sqlx.NamedExecContext(ctx, t.q, query, row); err != nil {
		return errors.Wrap(err, "failed to append step attempt")
	}
	return nil
}

func (t *postgresTx) ListStepAttempts(ctx context.Context, sagaID models.ID) ([]domain.StepAttempt, error) {
	var rows []postgresStepAttempt
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT saga_id, step_index, kind, attempt, succeeded, error_kind, error, started_at, finished_at
		FROM saga_step_attempts
		WHERE saga_id = $1
		ORDER BY id`, sagaID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list step attempts")
	}

	out := make([]domain.StepAttempt, len(rows))
	for i, r := range rows {
		out[i] = domain.StepAttempt{
			SagaID:     models.ID(r.SagaID),
			StepIndex:  r.StepIndex,
			Kind:       domain.AttemptKind(r.Kind),
			Attempt:    r.Attempt,
			Succeeded:  r.Succeeded,
			ErrorKind:  domain.ErrorKind(r.ErrorKind),
			Error:      r.Error,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
	}
	return out, nil
}

func (t *postgresTx) UpsertCompensation(ctx context.Context, action *domain.CompensationAction) error {
	query := `
		INSERT INTO saga_compensation_actions (
			saga_id, step_index, step_name, status, payload, attempt_count, last_error, created_at, updated_at
		) VALUES (
			:saga_id, :step_index, :step_name, :status, :payload, :attempt_count, :last_error, :created_at, :updated_at
		)
		ON CONFLICT (saga_id, step_index) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`

	row := postgresCompensation{
		SagaID:       action.SagaID.String(),
		StepIndex:    action.StepIndex,
		StepName:     action.StepName,
		Status:       string(action.Status),
		Payload:      action.Payload,
		AttemptCount: action.AttemptCount,
		LastError:    action.LastError,
		CreatedAt:    action.Timestamps.CreatedAt,
		UpdatedAt:    action.Timestamps.UpdatedAt,
	}
	if _, err := sqlx.NamedExecContext(ctx, t.q, query, row); err != nil {
		return errors.Wrap(err, "failed to upsert compensation action")
	}
	return nil
}

func (t *postgresTx) ListCompensations(ctx context.Context, sagaID models.ID) ([]*domain.CompensationAction, error) {
	var rows []postgresCompensation
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT saga_id, step_index, step_name, status, payload, attempt_count, last_error, created_at, updated_at
		FROM saga_compensation_actions
		WHERE saga_id = $1
		ORDER BY step_index`, sagaID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list compensation actions")
	}

	out := make([]*domain.CompensationAction, len(rows))
	for i, r := range rows {
		out[i] = &domain.CompensationAction{
			SagaID:       models.ID(r.SagaID),
			StepIndex:    r.StepIndex,
			StepName:     r.StepName,
			Status:       domain.CompensationStatus(r.Status),
			Payload:      r.Payload,
			AttemptCount: r.AttemptCount,
			LastError:    r.LastError,
			Timestamps:   models.Timestamps{CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
		}
	}
	return out, nil
}

// toPostgresSaga converts domain saga to postgres model
func toPostgresSaga(saga *domain.SagaInstance) *postgresSaga {
	return &postgresSaga{
		ID:                saga.ID.String(),
		DefinitionName:    saga.DefinitionName,
		DefinitionVersion: saga.DefinitionVersion,
		Status:            string(saga.Status),
		CurrentStepIndex:  saga.CurrentStepIndex,
		Context:           saga.Context,
		CancelRequested:   saga.CancelRequested,
		FailureReason:     saga.FailureReason,
		CreatedAt:         saga.Timestamps.CreatedAt,
		UpdatedAt:         saga.Timestamps.UpdatedAt,
		Version:           saga.Version.Value,
	}
}

// toDomain converts postgres model to domain saga
func (r *postgresSaga) toDomain() *domain.SagaInstance {
	return &domain.SagaInstance{
		ID:                models.ID(r.ID),
		DefinitionName:    r.DefinitionName,
		DefinitionVersion: r.DefinitionVersion,
		Status:            domain.SagaStatus(r.Status),
		CurrentStepIndex:  r.CurrentStepIndex,
		Context:           r.Context,
		CancelRequested:   r.CancelRequested,
		FailureReason:     r.FailureReason,
		Timestamps:        models.Timestamps{CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
		Version:           models.Version{Value: r.Version},
	}
}

// limitOrAll maps "no limit" onto a value LIMIT accepts
func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
