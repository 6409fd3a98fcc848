package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akl7777777/imei-intel/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleResult() *model.VerificationResult {
	return &model.VerificationResult{
		Identifier:     "490154203237518",
		Mode:           model.ModeFull,
		Provider:       "imeicheck",
		CreditsCharged: 1,
		AI: model.FraudAssessment{
			FraudScore:    85,
			TrustScore:    15,
			FlagKinds:     []string{"blacklisted", "activation_lock_on"},
			OverallStatus: model.StatusFlagged,
		},
	}
}

func TestCompleted(t *testing.T) {
	at := time.Date(2026, 4, 2, 15, 4, 5, 0, time.FixedZone("CET", 3600))
	ev := Completed(sampleResult(), "shop-1", at)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TypeVerificationCompleted, ev.Type)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())
	assert.Equal(t, 85, ev.FraudScore)
	assert.Equal(t, []string{"blacklisted", "activation_lock_on"}, ev.FlagKinds)
	assert.Equal(t, "shop-1", ev.TenantID)

	other := Completed(sampleResult(), "shop-1", at)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{w: w}

	ev := Completed(sampleResult(), "", time.Now())
	require.NoError(t, k.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "490154203237518", string(msg.Key))
	assert.Equal(t, kafka.Header{Key: "event-type", Value: []byte(TypeVerificationCompleted)}, msg.Headers[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, model.StatusFlagged, decoded.OverallStatus)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublishError(t *testing.T) {
	k := &Kafka{w: &fakeWriter{err: errors.New("broker down")}}
	err := k.Publish(context.Background(), Completed(sampleResult(), "", time.Now()))
	assert.ErrorContains(t, err, "broker down")
}

func TestNewKafkaValidates(t *testing.T) {
	_, err := NewKafka(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafka([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	k, err := NewKafka([]string{"localhost:9092"}, "imei.verifications")
	require.NoError(t, err)
	assert.NoError(t, k.Close())
}

func TestMemoryAndNoop(t *testing.T) {
	var m Memory
	require.NoError(t, m.Publish(context.Background(), Event{ID: "1"}))
	require.NoError(t, m.Publish(context.Background(), Event{ID: "2"}))
	assert.Len(t, m.Events(), 2)
	assert.Equal(t, "2", m.Events()[1].ID)

	assert.NoError(t, Noop{}.Publish(context.Background(), Event{}))
}
