package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/events"
)

func syncRunMessage(t *testing.T, id int64, tenantID string) Message {
	t.Helper()
	payload, err := json.Marshal(events.SyncRunFinished{
		RunID:     "run-" + tenantID,
		TenantID:  tenantID,
		Direction: "bidirectional",
		Status:    "success",
		Finished:  time.Date(2024, time.March, 20, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	meta, err := events.Lookup(events.TypeSyncRunFinished)
	require.NoError(t, err)
	return Message{
		EventID:       id,
		TenantID:      tenantID,
		AggregateType: "sync_run",
		AggregateID:   "run-" + tenantID,
		EventType:     events.TypeSyncRunFinished,
		Topic:         meta.Topic,
		SchemaSubject: meta.SchemaSubject,
		PartitionKey:  tenantID + ":run-" + tenantID,
		Payload:       payload,
	}
}

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(258, []byte(`{}`))

	require.Len(t, frame, 7)
	require.Equal(t, byte(0), frame[0])
	require.Equal(t, uint32(258), binary.BigEndian.Uint32(frame[1:5]))
	require.Equal(t, []byte(`{}`), frame[5:])
}

func TestPartitionRejectsUnknownAndInvalidEvents(t *testing.T) {
	good := syncRunMessage(t, 1, "t1")
	unknown := good
	unknown.EventID, unknown.EventType = 2, "roster.published"
	invalid := good
	invalid.EventID, invalid.Payload = 3, json.RawMessage(`{"run_id":"r"}`)

	valid, rejected := partition([]Message{good, unknown, invalid})

	require.Len(t, valid, 1)
	require.Equal(t, int64(1), valid[0].EventID)
	require.Len(t, rejected, 2)
	require.Contains(t, rejected[0].err.Error(), "no schema metadata for event_type=roster.published")
	require.Equal(t, int64(3), rejected[1].msg.EventID)
}

func TestDeliverGroupsByTopicAndCachesSchemaIDs(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	d := NewDispatcher(nil, producer, registry, time.Millisecond, 10)

	msgs := []Message{syncRunMessage(t, 1, "t1"), syncRunMessage(t, 2, "t2")}
	require.NoError(t, d.deliver(context.Background(), msgs))
	require.NoError(t, d.deliver(context.Background(), msgs[:1]))

	require.Len(t, registry.calls, 1, "schema id should be cached after the first lookup")
	require.Len(t, producer.writes, 2)
	first := producer.writes[0]
	require.Equal(t, "reconciliation_sync_runs", first.topic)
	require.Len(t, first.messages, 2)
	require.Equal(t, []byte("t1:run-t1"), first.messages[0].Key)
	require.Equal(t, uint32(21), binary.BigEndian.Uint32(first.messages[0].Value[1:5]))
	require.Equal(t, kafka.Header{Key: "event_type", Value: []byte(events.TypeSyncRunFinished)}, first.messages[0].Headers[0])
}

func TestDeliverSurfacesRegistryAndProducerErrors(t *testing.T) {
	msgs := []Message{syncRunMessage(t, 1, "t1")}

	d := NewDispatcher(nil, &stubProducer{}, &stubRegistry{err: errors.New("registry down")}, time.Millisecond, 10)
	require.ErrorContains(t, d.deliver(context.Background(), msgs), "registry down")

	d = NewDispatcher(nil, &stubProducer{err: errors.New("broker down")}, &stubRegistry{}, time.Millisecond, 10)
	require.ErrorContains(t, d.deliver(context.Background(), msgs), "write reconciliation_sync_runs: broker down")
}

func TestBackoffDelayIsCapped(t *testing.T) {
	m := NewDLQManager(nil, 0, 0, nil)

	require.Equal(t, 5, m.maxRetries)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

func TestReplayableQuarantinesUndeliverableEntries(t *testing.T) {
	msg := syncRunMessage(t, 1, "t1")
	entry := dlqEntry{EventType: msg.EventType, Payload: msg.Payload}
	require.Empty(t, replayable(entry))

	entry.Payload = []byte(`{}`)
	require.Contains(t, replayable(entry), "invalid payload")

	entry.EventType = "roster.published"
	require.Contains(t, replayable(entry), "unknown event type")
}

func TestRecordDLQOutcomes(t *testing.T) {
	entry := dlqEntry{Topic: "reconciliation_sync_runs", EventType: events.TypeSyncRunFinished}
	before := testutil.ToFloat64(dlqOutcomes.WithLabelValues(entry.Topic, entry.EventType, "quarantined"))

	recordDLQQuarantined(entry)

	after := testutil.ToFloat64(dlqOutcomes.WithLabelValues(entry.Topic, entry.EventType, "quarantined"))
	require.InDelta(t, before+1, after, 0.0001)
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: append([]kafka.Message(nil), msgs...)})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, subject)
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}
