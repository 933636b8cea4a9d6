package handlers

import (
	"context"
	"encoding/json"

	"github.com/draftea/coordination-engine/coordinator-service/application"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StartSagaCommand is the payload of saga.start.requested. Either an inline
// definition or the ref of an already published one is required.
type StartSagaCommand struct {
	Definition    *domain.SagaDefinition `json:"definition,omitempty"`
	DefinitionRef string                 `json:"definition_ref,omitempty"`
	Context       json.RawMessage        `json:"context,omitempty"`
}

// CancelSagaCommand is the payload of saga.cancel.requested
type CancelSagaCommand struct {
	SagaID models.ID `json:"saga_id"`
}

// SagaCommandHandlers apply saga commands arriving through the inbox. They
// run inside the inbox transaction, so a redelivered command never starts a
// second saga.
type SagaCommandHandlers struct {
	orchestrator *application.SagaOrchestrator
	logger       *logrus.Entry
}

// NewSagaCommandHandlers creates new saga command handlers
func NewSagaCommandHandlers(orchestrator *application.SagaOrchestrator, logger *logrus.Entry) *SagaCommandHandlers {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SagaCommandHandlers{
		orchestrator: orchestrator,
		logger:       logger.WithField("component", "saga_command_handlers"),
	}
}

// Register routes the saga commands on router
func (h *SagaCommandHandlers) Register(router *application.InboxRouter) {
	router.
		Route(events.SagaStartRequestedEvent, application.InboxHandlerFunc(h.HandleStart)).
		Route(events.SagaCancelRequestedEvent, application.InboxHandlerFunc(h.HandleCancel))
}

// HandleStart starts the requested saga and returns its ID
func (h *SagaCommandHandlers) HandleStart(ctx context.Context, tx domain.Tx, msg *domain.InboxMessage) (json.RawMessage, error) {
	var cmd StartSagaCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "invalid start saga command"))
	}

	var def domain.SagaDefinition
	switch {
	case cmd.Definition != nil:
		def = *cmd.Definition
	case cmd.DefinitionRef != "":
		name, version, err := domain.ParseDefinitionRef(cmd.DefinitionRef)
		if err != nil {
			return nil, domain.Permanent(err)
		}
		stored, err := tx.GetDefinition(ctx, name, version)
		if errors.Is(err, domain.ErrDefinitionNotFound) {
			return nil, domain.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		def = *stored
	default:
		return nil, domain.Permanent(errors.New("definition or definition_ref is required"))
	}

	id, err := h.orchestrator.StartSagaTx(ctx, tx, def, cmd.Context)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidDefinition) || errors.Is(err, domain.ErrDefinitionConflict) {
			return nil, domain.Permanent(err)
		}
		return nil, err
	}

	h.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"saga_id":    id,
	}).Info("saga started from inbox command")
	return json.Marshal(map[string]models.ID{"saga_id": id})
}

// HandleCancel requests cancellation of a saga
func (h *SagaCommandHandlers) HandleCancel(ctx context.Context, tx domain.Tx, msg *domain.InboxMessage) (json.RawMessage, error) {
	var cmd CancelSagaCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "invalid cancel saga command"))
	}
	if cmd.SagaID.IsZero() {
		return nil, domain.Permanent(errors.New("saga_id is required"))
	}

	err := h.orchestrator.CancelSagaTx(ctx, tx, cmd.SagaID)
	switch {
	case errors.Is(err, domain.ErrSagaNotFound), errors.Is(err, domain.ErrInvalidTransition):
		return nil, domain.Permanent(err)
	case err != nil:
		return nil, err
	}

	return json.Marshal(map[string]models.ID{"saga_id": cmd.SagaID})
}
