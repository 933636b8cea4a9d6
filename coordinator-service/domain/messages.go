package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
)

// OutboxStatus is the relay state of an outbox message
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxMessage is written in the same storage transaction as the change it
// announces. Sequence orders messages of one aggregate and is assigned by
// the store on insert.
type OutboxMessage struct {
	ID          models.ID
	AggregateID models.ID
	Sequence    int64
	Topic       events.Topic
	Payload     json.RawMessage
	Status      OutboxStatus
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewOutboxMessage builds a pending message; data is marshalled to JSON
func NewOutboxMessage(aggregateID models.ID, topic events.Topic, data interface{}, now time.Time) (*OutboxMessage, error) {
	if aggregateID.IsZero() {
		return nil, errors.New("aggregate ID is required")
	}
	if topic == "" {
		return nil, events.ErrInvalidTopic
	}

	var payload json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal outbox payload")
		}
		payload = b
	}
	if !json.Valid(payload) {
		return nil, events.ErrInvalidPayload
	}

	return &OutboxMessage{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		Payload:     payload,
		Status:      OutboxStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}, nil
}

func (m *OutboxMessage) MarkPublished(now time.Time) {
	m.Status = OutboxStatusPublished
	m.LastError = ""
	m.PublishedAt = &now
}

// MarkAttemptFailed counts a failed publish. Once maxRetries is reached the
// message becomes Failed and true is returned.
func (m *OutboxMessage) MarkAttemptFailed(cause error, nextRetryAt time.Time, maxRetries int) bool {
	m.RetryCount++
	if cause != nil {
		m.LastError = cause.Error()
	}
	if m.RetryCount >= maxRetries {
		m.Status = OutboxStatusFailed
		return true
	}
	m.NextRetryAt = nextRetryAt
	return false
}

// Requeue puts a failed message back in line for the relay
func (m *OutboxMessage) Requeue(now time.Time) error {
	if m.Status != OutboxStatusFailed {
		return NewInvalidTransitionError("outbox message", string(m.Status), string(OutboxStatusPending))
	}
	m.Status = OutboxStatusPending
	m.RetryCount = 0
	m.NextRetryAt = now
	return nil
}

// ToEvent converts the message into the transport envelope. The outbox ID
// doubles as the event ID and the idempotency key consumers deduplicate on.
func (m *OutboxMessage) ToEvent() *events.Event {
	evt := events.NewEvent(m.AggregateID, m.Topic, m.Payload)
	evt.ID = m.ID
	evt.Timestamp = m.CreatedAt
	evt.WithMetadata(events.MetadataAggregateSequence, strconv.FormatInt(m.Sequence, 10))
	evt.WithMetadata(events.MetadataIdempotencyKey, m.ID.String())
	return evt
}

// InboxStatus is the processing state of an inbound message
type InboxStatus string

const (
	InboxStatusPending      InboxStatus = "pending"
	InboxStatusProcessed    InboxStatus = "processed"
	InboxStatusDeadLettered InboxStatus = "dead_lettered"
)

// InboundMessage is one delivery from the transport
type InboundMessage struct {
	MessageID   string
	AggregateID string
	Topic       events.Topic
	Payload     json.RawMessage
}

// InboundFromEvent maps a transport event onto an inbound message. Producers
// that attach an idempotency key get redeliveries collapsed on that key.
func InboundFromEvent(evt *events.Event) (InboundMessage, error) {
	payload, err := evt.MarshalPayload()
	if err != nil {
		return InboundMessage{}, errors.Wrap(err, "failed to marshal event payload")
	}
	return InboundMessage{
		MessageID:   evt.IdempotencyKey(),
		AggregateID: evt.AggregateID.String(),
		Topic:       evt.Topic,
		Payload:     payload,
	}, nil
}

// InboxMessage deduplicates deliveries by MessageID
type InboxMessage struct {
	MessageID   string
	AggregateID string
	Topic       events.Topic
	Payload     json.RawMessage
	Status      InboxStatus
	Attempts    int
	Result      json.RawMessage
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

func NewInboxMessage(msg InboundMessage, now time.Time) *InboxMessage {
	return &InboxMessage{
		MessageID:   msg.MessageID,
		AggregateID: msg.AggregateID,
		Topic:       msg.Topic,
		Payload:     msg.Payload,
		Status:      InboxStatusPending,
		ReceivedAt:  now,
	}
}

func (m *InboxMessage) MarkProcessed(result json.RawMessage, now time.Time) {
	m.Status = InboxStatusProcessed
	m.Result = result
	m.LastError = ""
	m.ProcessedAt = &now
}

// MarkFailed counts a failed handler run; the message stays pending
func (m *InboxMessage) MarkFailed(cause error) {
	m.Attempts++
	if cause != nil {
		m.LastError = cause.Error()
	}
}

func (m *InboxMessage) MarkDeadLettered(cause error) {
	m.Status = InboxStatusDeadLettered
	if cause != nil {
		m.LastError = cause.Error()
	}
}
