package domain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/draftea/coordination-engine/shared/events"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOutboxMessage(t *testing.T) {
	aggregate := models.GenerateUUID()

	msg, err := NewOutboxMessage(aggregate, events.SagaStartedEvent, map[string]string{"saga_id": "s-1"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusPending, msg.Status)
	assert.Equal(t, testNow, msg.NextRetryAt)
	assert.JSONEq(t, `{"saga_id":"s-1"}`, string(msg.Payload))

	raw, err := NewOutboxMessage(aggregate, "custom.topic", json.RawMessage(`[1]`), testNow)
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(raw.Payload))

	_, err = NewOutboxMessage("", events.SagaStartedEvent, nil, testNow)
	assert.Error(t, err)
	_, err = NewOutboxMessage(aggregate, "", nil, testNow)
	assert.Equal(t, events.ErrInvalidTopic, err)
	_, err = NewOutboxMessage(aggregate, "t", []byte(`{bad`), testNow)
	assert.Equal(t, events.ErrInvalidPayload, err)
}

func TestOutboxMessage_MarkAttemptFailed(t *testing.T) {
	msg, err := NewOutboxMessage(models.GenerateUUID(), "t", nil, testNow)
	require.NoError(t, err)

	next := testNow.Add(time.Second)
	assert.False(t, msg.MarkAttemptFailed(errors.New("broker down"), next, 3))
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, next, msg.NextRetryAt)
	assert.Equal(t, OutboxStatusPending, msg.Status)

	assert.False(t, msg.MarkAttemptFailed(errors.New("broker down"), next, 3))
	assert.True(t, msg.MarkAttemptFailed(errors.New("broker still down"), next, 3))
	assert.Equal(t, OutboxStatusFailed, msg.Status)
	assert.Equal(t, "broker still down", msg.LastError)

	require.NoError(t, msg.Requeue(testNow))
	assert.Equal(t, OutboxStatusPending, msg.Status)
	assert.Zero(t, msg.RetryCount)

	assert.Error(t, msg.Requeue(testNow), "only failed messages can be requeued")
}

func TestOutboxMessage_ToEvent(t *testing.T) {
	msg, err := NewOutboxMessage(models.GenerateUUID(), events.TransactionCommittedEvent, map[string]int{"n": 1}, testNow)
	require.NoError(t, err)
	msg.Sequence = 4

	evt := msg.ToEvent()
	assert.Equal(t, msg.ID, evt.ID)
	assert.Equal(t, msg.AggregateID, evt.AggregateID)
	assert.Equal(t, events.Topic(events.TransactionCommittedEvent), evt.Topic)
	assert.Equal(t, testNow, evt.Timestamp)
	seq, _ := evt.Metadata.Get(events.MetadataAggregateSequence)
	assert.Equal(t, "4", seq)
	key, ok := evt.Metadata.Get(events.MetadataIdempotencyKey)
	require.True(t, ok)
	assert.Equal(t, msg.ID.String(), key)

	payload, err := evt.MarshalPayload()
	require.NoError(t, err)
	var data map[string]int
	require.NoError(t, json.Unmarshal(payload, &data))
	assert.Equal(t, 1, data["n"])

	inbound, err := InboundFromEvent(evt)
	require.NoError(t, err)
	assert.Equal(t, msg.ID.String(), inbound.MessageID)
	assert.JSONEq(t, `{"n":1}`, string(inbound.Payload))
}

func TestInboundFromEvent_IdempotencyKey(t *testing.T) {
	evt := events.NewEvent(models.GenerateUUID(), events.SagaStartRequestedEvent, json.RawMessage(`{}`))

	inbound, err := InboundFromEvent(evt)
	require.NoError(t, err)
	assert.Equal(t, evt.ID.String(), inbound.MessageID)

	// redelivered under a new envelope ID with the producer's key
	first := evt.Clone().WithMetadata(events.MetadataIdempotencyKey, "order-42")
	second := evt.Clone().WithMetadata(events.MetadataIdempotencyKey, "order-42")
	second.ID = models.GenerateUUID()

	a, err := InboundFromEvent(first)
	require.NoError(t, err)
	b, err := InboundFromEvent(second)
	require.NoError(t, err)
	assert.Equal(t, "order-42", a.MessageID)
	assert.Equal(t, a.MessageID, b.MessageID)
}

func TestInboxMessage_Lifecycle(t *testing.T) {
	msg := NewInboxMessage(InboundMessage{MessageID: "m-1", Topic: "t"}, testNow)
	assert.Equal(t, InboxStatusPending, msg.Status)

	msg.MarkProcessed(json.RawMessage(`{"count":1}`), testNow)
	assert.Equal(t, InboxStatusProcessed, msg.Status)
	require.NotNil(t, msg.ProcessedAt)

	dead := NewInboxMessage(InboundMessage{MessageID: "m-2"}, testNow)
	dead.MarkDeadLettered(errors.New("boom"))
	assert.Equal(t, InboxStatusDeadLettered, dead.Status)
	assert.Equal(t, "boom", dead.LastError)
}

func TestKindOf(t *testing.T) {
	base := errors.New("call failed")
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"unmarked errors are transient", base, ErrorKindTransient},
		{"permanent", Permanent(base), ErrorKindPermanent},
		{"wrapped permanent", errors.Wrap(Permanent(base), "step"), ErrorKindPermanent},
		{"timeout", Timeout(base), ErrorKindTimeout},
		{"deadline exceeded", errors.Wrap(context.DeadlineExceeded, "call"), ErrorKindTimeout},
		{"transient", Transient(base), ErrorKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}

	assert.False(t, IsRetryable(Permanent(base)))
	assert.True(t, IsRetryable(Timeout(base)))
	assert.Nil(t, Permanent(nil))
}

func TestTypedErrors(t *testing.T) {
	stepErr := NewStepFailedError("s-1", 1, "charge", 3, Permanent(errors.New("card declined")))
	assert.True(t, errors.Is(stepErr, ErrStepFailed))
	assert.Equal(t, ErrorKindPermanent, stepErr.Kind)
	assert.Contains(t, stepErr.Error(), "STEP_FAILED")
	assert.Contains(t, stepErr.Error(), "card declined")

	assert.True(t, errors.Is(NewCompensationFailedError("s-1", 0, "reserve", nil), ErrCompensationFailed))
	assert.True(t, errors.Is(NewLeaseHeldError("saga:s-1"), ErrLeaseHeld))
	assert.True(t, errors.Is(NewInvalidTransitionError("saga", "a", "b"), ErrInvalidTransition))
	assert.True(t, errors.Is(NewPoisonMessageError("m-1", 5, nil), ErrPoisonMessage))

	var leaseErr *LeaseHeldError
	require.True(t, errors.As(errors.Wrap(NewLeaseHeldError("txn:t-1"), "execute"), &leaseErr))
	assert.Equal(t, "txn:t-1", leaseErr.Resource)
}
