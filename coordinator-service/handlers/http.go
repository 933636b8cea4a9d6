package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/application"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// StartSagaRequest starts a saga from an inline definition
type StartSagaRequest struct {
	Definition domain.SagaDefinition `json:"definition"`
	Context    json.RawMessage       `json:"context"`
}

// BeginTransactionRequest lists the participants of a new transaction
type BeginTransactionRequest struct {
	Participants []string `json:"participants"`
}

type sagaResponse struct {
	ID            models.ID              `json:"id"`
	Definition    string                 `json:"definition"`
	Status        domain.SagaStatus      `json:"status"`
	CurrentStep   int                    `json:"current_step"`
	Context       json.RawMessage        `json:"context"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	CancelPending bool                   `json:"cancel_requested"`
	Steps         []stepResponse         `json:"steps"`
	Compensations []compensationResponse `json:"compensations"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

type stepResponse struct {
	Index     int               `json:"index"`
	Name      string            `json:"name"`
	Status    domain.StepStatus `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
}

type compensationResponse struct {
	Index     int                       `json:"index"`
	Name      string                    `json:"name"`
	Status    domain.CompensationStatus `json:"status"`
	Attempts  int                       `json:"attempts"`
	LastError string                    `json:"last_error,omitempty"`
}

type participantResponse struct {
	ServiceRef string      `json:"service_ref"`
	Vote       domain.Vote `json:"vote"`
	Acked      bool        `json:"acked"`
	LastError  string      `json:"last_error,omitempty"`
}

type transactionResponse struct {
	ID           models.ID                `json:"id"`
	Status       domain.TransactionStatus `json:"status"`
	Decision     domain.Decision          `json:"decision"`
	Participants []participantResponse    `json:"participants"`
	VoteDeadline time.Time                `json:"vote_deadline"`
	Archived     bool                     `json:"archived"`
}

func newSagaResponse(view *domain.SagaView) sagaResponse {
	saga := view.Instance
	resp := sagaResponse{
		ID:            saga.ID,
		Definition:    saga.DefinitionRef(),
		Status:        saga.Status,
		CurrentStep:   saga.CurrentStepIndex,
		Context:       saga.Context,
		FailureReason: saga.FailureReason,
		CancelPending: saga.CancelRequested,
		Steps:         make([]stepResponse, 0, len(view.Steps)),
		Compensations: make([]compensationResponse, 0, len(view.Compensations)),
		CreatedAt:     saga.Timestamps.CreatedAt,
		UpdatedAt:     saga.Timestamps.UpdatedAt,
	}
	for _, s := range view.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			Index:     s.StepIndex,
			Name:      s.StepName,
			Status:    s.Status,
			Attempts:  s.AttemptCount,
			LastError: s.LastError,
		})
	}
	for _, c := range view.Compensations {
		resp.Compensations = append(resp.Compensations, compensationResponse{
			Index:     c.StepIndex,
			Name:      c.StepName,
			Status:    c.Status,
			Attempts:  c.AttemptCount,
			LastError: c.LastError,
		})
	}
	return resp
}

func newTransactionResponse(txn *domain.DistributedTransaction) transactionResponse {
	resp := transactionResponse{
		ID:           txn.ID,
		Status:       txn.Status,
		Decision:     txn.Decision,
		VoteDeadline: txn.VoteDeadline,
		Archived:     txn.Archived,
	}
	for _, p := range txn.Participants {
		resp.Participants = append(resp.Participants, participantResponse{
			ServiceRef: p.ServiceRef,
			Vote:       p.Vote,
			Acked:      p.AckedDecision,
			LastError:  p.LastError,
		})
	}
	return resp
}

// CoordinatorHandlers exposes sagas and transactions over HTTP
type CoordinatorHandlers struct {
	orchestrator *application.SagaOrchestrator
	coordinator  *application.TransactionCoordinator
}

// NewCoordinatorHandlers creates new coordinator HTTP handlers
func NewCoordinatorHandlers(
	orchestrator *application.SagaOrchestrator,
	coordinator *application.TransactionCoordinator,
) *CoordinatorHandlers {
	return &CoordinatorHandlers{
		orchestrator: orchestrator,
		coordinator:  coordinator,
	}
}

// StartSaga handles saga start requests
func (h *CoordinatorHandlers) StartSaga(w http.ResponseWriter, r *http.Request) {
	var req StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.orchestrator.StartSaga(r.Context(), req.Definition, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]models.ID{"id": id})
}

// GetSaga returns a saga with its steps and compensations
func (h *CoordinatorHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	view, err := h.orchestrator.GetSaga(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSagaResponse(view))
}

// CancelSaga asks a running saga to stop and compensate
func (h *CoordinatorHandlers) CancelSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := h.orchestrator.CancelSaga(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// RunTransaction begins a transaction and drives it to its decision
func (h *CoordinatorHandlers) RunTransaction(w http.ResponseWriter, r *http.Request) {
	var req BeginTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if len(req.Participants) == 0 {
		http.Error(w, "At least one participant is required", http.StatusBadRequest)
		return
	}

	id, err := h.coordinator.BeginTransaction(r.Context(), req.Participants)
	if err != nil {
		writeError(w, err)
		return
	}

	// The recovery loop may already be driving it. Either way the stored state is returned.
	if _, err := h.coordinator.Execute(r.Context(), id); err != nil && !errors.Is(err, domain.ErrLeaseHeld) {
		writeError(w, err)
		return
	}

	txn, err := h.coordinator.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(txn))
}

// GetTransaction returns a transaction with its participants
func (h *CoordinatorHandlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	txn, err := h.coordinator.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newTransactionResponse(txn))
}

// GetOutcome lets an in-doubt participant learn the decision
func (h *CoordinatorHandlers) GetOutcome(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	decision, err := h.coordinator.QueryOutcome(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]domain.Decision{"decision": decision})
}

// RegisterRoutes registers coordinator routes
func (h *CoordinatorHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sagas", h.StartSaga)
		r.Route("/sagas/{id}", func(r chi.Router) {
			r.Get("/", h.GetSaga)
			r.Post("/cancel", h.CancelSaga)
		})
		r.Post("/transactions", h.RunTransaction)
		r.Route("/transactions/{id}", func(r chi.Router) {
			r.Get("/", h.GetTransaction)
			r.Get("/outcome", h.GetOutcome)
		})
	})
}

func idParam(w http.ResponseWriter, r *http.Request) (models.ID, bool) {
	id, err := models.NewID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSagaNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrDefinitionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidDefinition),
		errors.Is(err, domain.ErrNotRegistered):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDefinitionConflict),
		errors.Is(err, domain.ErrLeaseHeld):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
