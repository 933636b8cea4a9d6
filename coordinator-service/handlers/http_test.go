package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/application"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/coordinator-service/infrastructure"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubParticipant struct {
	vote domain.Vote
}

func (p stubParticipant) Prepare(context.Context, models.ID) (domain.Vote, error) {
	return p.vote, nil
}

func (p stubParticipant) Commit(context.Context, models.ID) error { return nil }
func (p stubParticipant) Abort(context.Context, models.ID) error  { return nil }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type testEnv struct {
	store        *infrastructure.MemoryStateStore
	orchestrator *application.SagaOrchestrator
	coordinator  *application.TransactionCoordinator
	router       *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := infrastructure.NewMemoryStateStore(models.SystemClock{})
	registry := application.NewRegistry()
	registry.RegisterExecutor("inventory.reserve", domain.StepExecutorFunc(
		func(ctx context.Context, step domain.StepSpec, sagaContext json.RawMessage, key string) (json.RawMessage, error) {
			return json.RawMessage(`{"reservation":"r-1"}`), nil
		}))
	registry.RegisterCompensator("inventory.release", domain.CompensatorFunc(
		func(ctx context.Context, step domain.StepSpec, payload json.RawMessage, key string) error {
			return nil
		}))
	registry.RegisterParticipant("ledger", stubParticipant{vote: domain.VoteYes})
	registry.RegisterParticipant("wallet", stubParticipant{vote: domain.VoteYes})
	registry.RegisterParticipant("fraud", stubParticipant{vote: domain.VoteNo})

	compensation := application.NewCompensationEngine(store, registry, nil, application.CompensationConfig{}, nil, testLogger())
	orchestrator := application.NewSagaOrchestrator(store, registry, compensation, nil, application.OrchestratorConfig{
		WorkerID: "test",
	}, nil, testLogger())
	coordinator := application.NewTransactionCoordinator(store, registry, nil, application.CoordinatorConfig{
		WorkerID:    "test",
		VoteTimeout: time.Second,
	}, testLogger())

	router := chi.NewRouter()
	NewCoordinatorHandlers(orchestrator, coordinator).RegisterRoutes(router)

	return &testEnv{
		store:        store,
		orchestrator: orchestrator,
		coordinator:  coordinator,
		router:       router,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func reserveDefinition(serviceRef string) domain.SagaDefinition {
	return domain.SagaDefinition{
		Name:    "reserve",
		Version: 1,
		Steps: []domain.StepSpec{
			{Name: "reserve", ServiceRef: serviceRef, CompensationRef: "inventory.release"},
		},
	}
}

func TestCoordinatorHandlers_Sagas(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sagas", StartSagaRequest{
		Definition: reserveDefinition("inventory.reserve"),
		Context:    json.RawMessage(`{"order_id":"o-1"}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started map[string]models.ID
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	id := started["id"]
	require.NotEmpty(t, id)

	require.NoError(t, env.orchestrator.Drive(context.Background(), id))

	rec = env.do(t, http.MethodGet, "/api/v1/sagas/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var saga sagaResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&saga))
	assert.Equal(t, domain.SagaStatusCompleted, saga.Status)
	assert.Equal(t, "reserve@1", saga.Definition)
	require.Len(t, saga.Steps, 1)
	assert.Equal(t, domain.StepStatusSucceeded, saga.Steps[0].Status)
	assert.JSONEq(t, `{"order_id":"o-1","reservation":"r-1"}`, string(saga.Context))

	rec = env.do(t, http.MethodPost, "/api/v1/sagas/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "completed sagas cannot be cancelled")
}

func TestCoordinatorHandlers_SagaErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
	}{
		{
			name:           "unregistered executor",
			method:         http.MethodPost,
			path:           "/api/v1/sagas",
			body:           StartSagaRequest{Definition: reserveDefinition("inventory.unknown")},
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:           "malformed definition",
			method:         http.MethodPost,
			path:           "/api/v1/sagas",
			body:           StartSagaRequest{Definition: domain.SagaDefinition{Name: "empty", Version: 1}},
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:           "invalid body",
			method:         http.MethodPost,
			path:           "/api/v1/sagas",
			body:           "not an object",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown saga",
			method:         http.MethodGet,
			path:           "/api/v1/sagas/" + models.GenerateUUID().String(),
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "invalid saga ID",
			method:         http.MethodGet,
			path:           "/api/v1/sagas/not-a-uuid",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "cancel unknown saga",
			method:         http.MethodPost,
			path:           "/api/v1/sagas/" + models.GenerateUUID().String() + "/cancel",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestCoordinatorHandlers_CancelRunningSaga(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.orchestrator.StartSaga(context.Background(), reserveDefinition("inventory.reserve"), nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/sagas/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	view, err := env.orchestrator.GetSaga(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, view.Instance.CancelRequested)
}

func TestCoordinatorHandlers_Transactions(t *testing.T) {
	tests := []struct {
		name             string
		participants     []string
		expectedStatus   domain.TransactionStatus
		expectedDecision domain.Decision
	}{
		{
			name:             "all vote yes",
			participants:     []string{"ledger", "wallet"},
			expectedStatus:   domain.TransactionStatusCommitted,
			expectedDecision: domain.DecisionCommit,
		},
		{
			name:             "one votes no",
			participants:     []string{"ledger", "fraud"},
			expectedStatus:   domain.TransactionStatusAborted,
			expectedDecision: domain.DecisionAbort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(t, http.MethodPost, "/api/v1/transactions", BeginTransactionRequest{Participants: tt.participants})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var txn transactionResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&txn))
			assert.Equal(t, tt.expectedStatus, txn.Status)
			assert.Len(t, txn.Participants, len(tt.participants))

			rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+txn.ID.String()+"/outcome", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			var outcome map[string]domain.Decision
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&outcome))
			assert.Equal(t, tt.expectedDecision, outcome["decision"])

			rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+txn.ID.String(), nil)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestCoordinatorHandlers_TransactionErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", BeginTransactionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/transactions", BeginTransactionRequest{Participants: []string{"ledger", "bank"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+models.GenerateUUID().String()+"/outcome", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
