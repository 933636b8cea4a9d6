package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/draftea/coordination-engine/shared/models"
)

var (
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Topic names an event stream. In patterns "*" stands for exactly one
// dot-separated segment, a leading "#" matches by suffix, a trailing "#"
// by prefix and "#x#" any topic containing x.
type Topic string

func (t Topic) String() string {
	return string(t)
}

// Matches reports whether t matches pattern
func (t Topic) Matches(pattern Topic) bool {
	p, topic := string(pattern), string(t)
	leading, trailing := strings.HasPrefix(p, "#"), strings.HasSuffix(p, "#")

	switch {
	case p == "#":
		return true
	case leading && trailing:
		return strings.Contains(topic, p[1:len(p)-1])
	case leading:
		return strings.HasSuffix(topic, p[1:])
	case trailing:
		return strings.HasPrefix(topic, p[:len(p)-1])
	}

	want, got := strings.Split(p, "."), strings.Split(topic, ".")
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != "*" && want[i] != got[i] {
			return false
		}
	}
	return true
}

// Metadata carries transport attributes. Write through Event.WithMetadata,
// which allocates the map when needed.
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Event is the envelope relayed from the outbox and consumed by the inbox
type Event struct {
	ID          models.ID   `json:"id"`
	AggregateID models.ID   `json:"aggregate_id"`
	Topic       Topic       `json:"topic"`
	Data        interface{} `json:"data"`
	Metadata    Metadata    `json:"metadata"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber subscribes to events
type Subscriber interface {
	Subscribe(ctx context.Context, eventType string, handler EventHandler) error
}

// EventHandler handles domain events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// NewEvent creates an event with a fresh ID
func NewEvent(aggregateID models.ID, topic Topic, data interface{}) *Event {
	return &Event{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		Data:        data,
		Metadata:    make(Metadata),
		Timestamp:   time.Now().UTC(),
	}
}

// WithMetadata sets a metadata key
func (e *Event) WithMetadata(key string, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata[key] = value
	return e
}

// IdempotencyKey is what consumers deduplicate on: the producer's key when
// one was attached, the event ID otherwise.
func (e *Event) IdempotencyKey() string {
	if key, ok := e.Metadata.Get(MetadataIdempotencyKey); ok && key != "" {
		return key
	}
	return e.ID.String()
}

// FromJSON decodes an event and rejects envelopes without ID or topic
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.ID.IsZero() || event.Topic == "" {
		return nil, ErrInvalidPayload
	}
	if event.Metadata == nil {
		event.Metadata = make(Metadata)
	}
	return &event, nil
}

// MarshalPayload returns the payload as JSON
func (e *Event) MarshalPayload() (json.RawMessage, error) {
	switch b := e.Data.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(e.Data)
}

// Clone creates a copy of the event
func (e *Event) Clone() *Event {
	clone := *e
	clone.Metadata = e.Metadata.Clone()
	return &clone
}

// Metadata keys carried by relayed outbox messages
const (
	MetadataAggregateSequence = "aggregate_sequence"
	MetadataIdempotencyKey    = "idempotency_key"
)

// Event Types Constants
const (
	// Saga lifecycle
	SagaStartedEvent            = "saga.started"
	SagaCompletedEvent          = "saga.completed"
	SagaCompensatingEvent       = "saga.compensating"
	SagaCompensatedEvent        = "saga.compensated"
	SagaCompensationFailedEvent = "saga.compensation_failed"

	// Saga commands accepted through the inbox
	SagaStartRequestedEvent  = "saga.start.requested"
	SagaCancelRequestedEvent = "saga.cancel.requested"

	// Two-phase commit decisions
	TransactionCommittedEvent = "transaction.committed"
	TransactionAbortedEvent   = "transaction.aborted"
)
