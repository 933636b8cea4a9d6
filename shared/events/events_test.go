package events

import (
	"encoding/json"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_Matches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		{topic: "saga.started", pattern: "saga.started", want: true},
		{topic: "saga.started", pattern: "saga.completed", want: false},
		{topic: "saga.start.requested", pattern: "saga.*.requested", want: true},
		{topic: "saga.cancel.requested", pattern: "saga.*.requested", want: true},
		{topic: "saga.started", pattern: "saga.*.requested", want: false},
		{topic: "saga.started", pattern: "saga.*", want: true},
		{topic: "saga.start.requested", pattern: "saga.*", want: false},
		{topic: "transaction.committed", pattern: "transaction.#", want: true},
		{topic: "saga.compensation_failed", pattern: "#failed", want: true},
		{topic: "saga.compensation_failed", pattern: "#compensation#", want: true},
		{topic: "transaction.aborted", pattern: "#compensation#", want: false},
		{topic: "anything.at.all", pattern: "#", want: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.topic)+"~"+string(tt.pattern), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topic.Matches(tt.pattern))
		})
	}
}

func TestMetadata(t *testing.T) {
	key, value := gofakeit.Word(), gofakeit.UUID()

	evt := &Event{ID: models.GenerateUUID(), Topic: SagaStartedEvent}
	require.Nil(t, evt.Metadata)

	evt.WithMetadata(key, value)
	got, ok := evt.Metadata.Get(key)
	assert.True(t, ok, "write on a nil map must be kept")
	assert.Equal(t, value, got)

	clone := evt.Clone()
	clone.WithMetadata(key, "other")
	got, _ = evt.Metadata.Get(key)
	assert.Equal(t, value, got, "clone must not share storage")

	_, ok = Metadata(nil).Get(key)
	assert.False(t, ok)
}

func TestEvent_IdempotencyKey(t *testing.T) {
	evt := NewEvent(models.GenerateUUID(), SagaStartRequestedEvent, nil)
	assert.Equal(t, evt.ID.String(), evt.IdempotencyKey())

	evt.WithMetadata(MetadataIdempotencyKey, "")
	assert.Equal(t, evt.ID.String(), evt.IdempotencyKey())

	evt.WithMetadata(MetadataIdempotencyKey, "wallet-42")
	assert.Equal(t, "wallet-42", evt.IdempotencyKey())
}

type transferred struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

func TestEvent_Payload(t *testing.T) {
	data := transferred{Amount: int64(gofakeit.Number(1, 1_000_000)), Note: gofakeit.Sentence(4)}
	evt := NewEvent(models.GenerateUUID(), TransactionCommittedEvent, data).
		WithMetadata(MetadataAggregateSequence, "3")

	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	decoded, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, evt.AggregateID, decoded.AggregateID)
	assert.True(t, decoded.Topic.Matches("transaction.*"))
	seq, _ := decoded.Metadata.Get(MetadataAggregateSequence)
	assert.Equal(t, "3", seq)

	payload, err := decoded.MarshalPayload()
	require.NoError(t, err)
	var got transferred
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, data, got)

	rawEvt := NewEvent(models.GenerateUUID(), SagaStartedEvent, json.RawMessage(`{"amount":5}`))
	payload, err = rawEvt.MarshalPayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":5}`, string(payload))
}

func TestFromJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing id", body: `{"topic":"saga.started"}`},
		{name: "missing topic", body: `{"id":"` + models.GenerateUUID().String() + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSON([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	_, err := FromJSON([]byte("{"))
	assert.Error(t, err)

	evt, err := FromJSON([]byte(`{"id":"` + models.GenerateUUID().String() + `","topic":"saga.started"}`))
	require.NoError(t, err)
	assert.NotNil(t, evt.Metadata)
}
