package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/events"
)

// DLQManager replays dead-lettered events into the outbox and quarantines entries that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     logrus.FieldLogger
}

// NewDLQManager constructs a DLQManager. Non-positive values select 5 retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger logrus.FieldLogger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// RunOnce processes up to batchSize due entries and returns how many were requeued or quarantined.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return 0, err
	}

	var errs error
	processed := 0
	for _, entry := range entries {
		if procErr := m.handleEntry(ctx, entry); procErr != nil {
			errs = errors.Join(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, procErr))
			continue
		}
		processed++
		recordDLQProcessed(entry)
	}
	updateBacklogGauge(ctx, m.pool)
	return processed, errs
}

// handleEntry quarantines, requeues or reschedules a single entry.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) error {
	log := m.logger.WithFields(logrus.Fields{"dlq_id": entry.ID, "event_type": entry.EventType, "tenant_id": entry.TenantID})

	return inTenantTx(ctx, m.pool, entry.TenantID, func(tx pgx.Tx) error {
		if entry.RetryCount >= m.maxRetries {
			if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, "retry limit reached", entry.ID); err != nil {
				return err
			}
			recordDLQQuarantined(entry)
			log.Warn("dlq entry quarantined after retry limit")
			return nil
		}

		if reason := replayable(entry); reason != "" {
			if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, reason, entry.ID); err != nil {
				return err
			}
			recordDLQQuarantined(entry)
			log.WithField("reason", reason).Warn("dlq entry quarantined")
			return nil
		}

		// a failed insert aborts the transaction, so requeue inside a savepoint
		requeueErr := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
			return requeueOutbox(ctx, sp, entry)
		})
		if requeueErr != nil {
			delay := m.backoffDelay(entry.RetryCount + 1)
			if _, err := tx.Exec(ctx,
				`UPDATE outbox_dlq
                   SET retry_count = retry_count + 1,
                       last_attempt_at = NOW(),
                       next_retry_at = NOW() + $1::interval,
                       reason = $2
                 WHERE dlq_id = $3`,
				delay, requeueErr.Error(), entry.ID,
			); err != nil {
				return err
			}
			recordDLQRetry(entry)
			log.WithError(requeueErr).WithField("retry_in", delay).Info("dlq replay rescheduled")
			return nil
		}

		if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
			return err
		}
		recordDLQRequeued(entry)
		return nil
	})
}

// replayable returns a quarantine reason for entries that can never be delivered.
func replayable(entry dlqEntry) string {
	if _, err := events.Lookup(entry.EventType); err != nil {
		return err.Error()
	}
	if err := events.Validate(entry.EventType, entry.Payload); err != nil {
		return "invalid payload: " + err.Error()
	}
	return ""
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the payload into the outbox for replay. The dedupe key is left
// empty so the replay is not swallowed by the original row.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		entry.TenantID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	TenantID      string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var entry dlqEntry
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason,
		&entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount)
	return entry, err
}
