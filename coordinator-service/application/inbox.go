package application

import (
	"context"
	"encoding/json"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// InboxHandler processes one inbound message inside the transaction that
// marks it processed. The returned result is stored and replayed to
// redeliveries.
type InboxHandler interface {
	HandleInbox(ctx context.Context, tx domain.Tx, msg *domain.InboxMessage) (json.RawMessage, error)
}

// InboxHandlerFunc adapts a function to InboxHandler
type InboxHandlerFunc func(ctx context.Context, tx domain.Tx, msg *domain.InboxMessage) (json.RawMessage, error)

func (f InboxHandlerFunc) HandleInbox(ctx context.Context, tx domain.Tx, msg *domain.InboxMessage) (json.RawMessage, error) {
	return f(ctx, tx, msg)
}

// InboxConfig tunes poison message handling
type InboxConfig struct {
	MaxAttempts int
	// DeadLetter is called once for every message given up on
	DeadLetter func(ctx context.Context, msg *domain.InboxMessage)
}

// InboxConsumer applies each inbound message at most once
type InboxConsumer struct {
	store   domain.StateStore
	handler InboxHandler
	clock   models.Clock
	config  InboxConfig
	logger  *logrus.Entry
}

// NewInboxConsumer creates a new InboxConsumer
func NewInboxConsumer(
	store domain.StateStore,
	handler InboxHandler,
	clock models.Clock,
	config InboxConfig,
	logger *logrus.Entry,
) *InboxConsumer {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	return &InboxConsumer{
		store:   store,
		handler: handler,
		clock:   clock,
		config:  config,
		logger:  logger.WithField("component", "inbox_consumer"),
	}
}

// Handle records the delivery and runs the handler unless the message was
// already processed, in which case the stored result is returned. Handler
// failures roll back and leave the message pending for redelivery. A message
// whose handler fails permanently or MaxAttempts times is dead-lettered and
// ErrPoisonMessage is returned. Concurrent duplicates are serialised on the
// inbox row, so only handler runs count as attempts.
func (c *InboxConsumer) Handle(ctx context.Context, msg domain.InboundMessage) (json.RawMessage, error) {
	if msg.MessageID == "" {
		return nil, errors.New("inbound message ID is required")
	}
	logger := c.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"topic":      msg.Topic,
	})

	var record *domain.InboxMessage
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		record, err = tx.RecordInboxDelivery(ctx, msg, c.clock.Now())
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record inbox delivery")
	}

	switch record.Status {
	case domain.InboxStatusProcessed:
		return c.duplicate(ctx, logger, record.Result), nil
	case domain.InboxStatusDeadLettered:
		return nil, domain.NewPoisonMessageError(record.MessageID, record.Attempts, errors.New(record.LastError))
	}

	var (
		result    json.RawMessage
		duplicate bool
	)
	err = c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		claimed, err := tx.ClaimInbox(ctx, msg.MessageID)
		if err != nil {
			return err
		}
		switch {
		case claimed.Status == domain.InboxStatusProcessed:
			result, duplicate = claimed.Result, true
			return nil
		case claimed.Status == domain.InboxStatusDeadLettered:
			return domain.NewPoisonMessageError(claimed.MessageID, claimed.Attempts, errors.New(claimed.LastError))
		case claimed.Attempts >= c.config.MaxAttempts:
			return errAttemptsExhausted
		}

		res, err := c.handler.HandleInbox(ctx, tx, claimed)
		if err != nil {
			return handlerError{err}
		}
		claimed.Attempts++
		claimed.MarkProcessed(res, c.clock.Now())
		if err := tx.UpdateInbox(ctx, claimed); err != nil {
			return err
		}
		result = res
		return nil
	})

	var herr handlerError
	switch {
	case err == nil && duplicate:
		return c.duplicate(ctx, logger, result), nil
	case err == nil:
		logger.Debug("inbox message processed")
		telemetry.RecordCounter(ctx, "inbox_messages_total", "Inbox deliveries", 1,
			attribute.String("outcome", "processed"))
		return result, nil
	case errors.Is(err, errAttemptsExhausted):
		return nil, c.deadLetter(ctx, msg.MessageID, errors.Errorf("exceeded %d attempts", c.config.MaxAttempts))
	case errors.As(err, &herr):
		cause := herr.err
		attempts := c.recordFailure(ctx, msg.MessageID, cause)
		if domain.KindOf(cause) == domain.ErrorKindPermanent || attempts >= c.config.MaxAttempts {
			return nil, c.deadLetter(ctx, msg.MessageID, cause)
		}
		logger.WithError(cause).WithField("attempts", attempts).Warn("inbox handler failed, awaiting redelivery")
		telemetry.RecordCounter(ctx, "inbox_messages_total", "Inbox deliveries", 1,
			attribute.String("outcome", "failed"))
		return nil, errors.Wrap(cause, "inbox handler failed")
	default:
		return nil, err
	}
}

func (c *InboxConsumer) duplicate(ctx context.Context, logger *logrus.Entry, result json.RawMessage) json.RawMessage {
	logger.Debug("duplicate delivery, returning stored result")
	telemetry.RecordCounter(ctx, "inbox_messages_total", "Inbox deliveries", 1,
		attribute.String("outcome", "duplicate"))
	return result
}

var errAttemptsExhausted = errors.New("inbox attempts exhausted")

type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

// recordFailure counts a failed handler run and returns the attempts so far
func (c *InboxConsumer) recordFailure(ctx context.Context, messageID string, cause error) int {
	var attempts int
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		msg, err := tx.ClaimInbox(ctx, messageID)
		if err != nil {
			return err
		}
		attempts = msg.Attempts
		if msg.Status != domain.InboxStatusPending {
			return nil
		}
		msg.MarkFailed(cause)
		attempts = msg.Attempts
		return tx.UpdateInbox(ctx, msg)
	})
	if err != nil {
		c.logger.WithError(err).WithField("message_id", messageID).Warn("failed to record inbox failure")
	}
	return attempts
}

func (c *InboxConsumer) deadLetter(ctx context.Context, messageID string, cause error) error {
	var msg *domain.InboxMessage
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		if msg, err = tx.ClaimInbox(ctx, messageID); err != nil {
			return err
		}
		if msg.Status == domain.InboxStatusProcessed {
			return nil
		}
		msg.MarkDeadLettered(cause)
		return tx.UpdateInbox(ctx, msg)
	})
	if err != nil {
		return errors.Wrap(err, "failed to dead-letter inbox message")
	}
	if msg.Status == domain.InboxStatusProcessed {
		return nil
	}

	c.logger.WithError(cause).WithFields(logrus.Fields{
		"message_id": messageID,
		"topic":      msg.Topic,
		"attempts":   msg.Attempts,
	}).Error("inbox message dead-lettered")
	telemetry.RecordCounter(ctx, "inbox_messages_total", "Inbox deliveries", 1,
		attribute.String("outcome", "dead_lettered"))
	if c.config.DeadLetter != nil {
		c.config.DeadLetter(ctx, msg)
	}
	return domain.NewPoisonMessageError(messageID, msg.Attempts, cause)
}

// HandleEvent feeds a transport event through the inbox. Poison messages
// are acknowledged since they are kept in the inbox; any other error asks
// the transport to redeliver.
func (c *InboxConsumer) HandleEvent(ctx context.Context, evt *events.Event) error {
	msg, err := domain.InboundFromEvent(evt)
	if err != nil {
		return err
	}
	_, err = c.Handle(ctx, msg)
	if errors.Is(err, domain.ErrPoisonMessage) {
		return nil
	}
	return err
}

type inboxEventHandler struct{ consumer *InboxConsumer }

func (h inboxEventHandler) Handle(ctx context.Context, evt *events.Event) error {
	return h.consumer.HandleEvent(ctx, evt)
}

// EventHandler adapts the consumer to events.Subscriber
func (c *InboxConsumer) EventHandler() events.EventHandler {
	return inboxEventHandler{consumer: c}
}

// ListDeadLettered returns messages given up on, oldest first
func (c *InboxConsumer) ListDeadLettered(ctx context.Context, limit int) ([]*domain.InboxMessage, error) {
	var msgs []*domain.InboxMessage
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		msgs, err = tx.ListInbox(ctx, domain.InboxStatusDeadLettered, limit)
		return err
	})
	return msgs, err
}

type inboxRoute struct {
	pattern events.Topic
	handler InboxHandler
}

// InboxRouter dispatches inbox messages by topic pattern. The first
// matching route wins; unrouted messages are processed with no result.
type InboxRouter struct {
	routes []inboxRoute
	logger *logrus.Entry
}

func NewInboxRouter(logger *logrus.Entry) *InboxRouter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InboxRouter{logger: logger.WithField("component", "inbox_router")}
}

// Route registers handler for topics matching pattern
func (r *InboxRouter) Route(pattern events.Topic, handler InboxHandler) *InboxRouter {
	r.routes = append(r.routes, inboxRoute{pattern: pattern, handler: handler})
	return r
}

func (r *InboxRouter) HandleInbox(ctx context.Context, tx domain.Tx, msg *domain.InboxMessage) (json.RawMessage, error) {
	for _, route := range r.routes {
		if msg.Topic.Matches(route.pattern) {
			return route.handler.HandleInbox(ctx, tx, msg)
		}
	}
	r.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"topic":      msg.Topic,
	}).Debug("no inbox route for topic, skipping")
	return nil, nil
}
