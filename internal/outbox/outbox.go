// Package outbox persists and delivers domain events to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/reconciliation/internal/events"
)

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// Event is a payload to be written next to the state change that produced it.
type Event struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	Type          string
	Payload       any
}

// Enqueue inserts e into the outbox using tx. The row is deduplicated on aggregate and
// event type, so re-finishing an aggregate does not publish twice.
func Enqueue(ctx context.Context, tx pgx.Tx, e Event) error {
	meta, err := events.Lookup(e.Type)
	if err != nil {
		return err
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	if err := events.Validate(e.Type, body); err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		e.TenantID,
		e.AggregateType,
		e.AggregateID,
		e.Type,
		meta.Topic,
		meta.SchemaSubject,
		e.TenantID+":"+e.AggregateID,
		body,
		fmt.Sprintf("%s:%s", e.AggregateID, e.Type),
	)
	return err
}
