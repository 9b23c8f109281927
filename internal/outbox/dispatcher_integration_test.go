//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/events"
	"example.com/reconciliation/internal/testsupport/pgtest"
)

func TestDispatcherPublishesEnqueuedEvents(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	tenantID := uuid.NewString()
	enqueueRun(t, ctx, pool, tenantID, uuid.NewString())
	enqueueRun(t, ctx, pool, tenantID, uuid.NewString())

	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 2)
	require.Len(t, registry.calls, 1)
	require.InDelta(t, beforeDelivered+2, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Zero(t, pending)
}

func TestEnqueueDeduplicatesPerAggregate(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	tenantID, runID := uuid.NewString(), uuid.NewString()
	enqueueRun(t, ctx, pool, tenantID, runID)
	enqueueRun(t, ctx, pool, tenantID, runID)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, runID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestDispatcherRoutesFailuresToDLQAndManagerReplays(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	tenantID := uuid.NewString()
	enqueueRun(t, ctx, pool, tenantID, uuid.NewString())

	producer := &stubProducer{err: errors.New("broker unavailable")}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 3}, 10*time.Millisecond, 5)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("reconciliation_sync_runs"))

	require.NoError(t, dispatcher.processBatch(ctx))
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("reconciliation_sync_runs")), 0.0001)

	var dlqCount int
	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*), MAX(reason) FROM outbox_dlq WHERE tenant_id = $1`, tenantID).Scan(&dlqCount, &reason))
	require.Equal(t, 1, dlqCount)
	require.Contains(t, reason, "broker unavailable")

	manager := NewDLQManager(pool, 3, time.Second, nil)
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Zero(t, dlqCount)
	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Equal(t, 1, pending, "replayed event should be pending again")

	producer.err = nil
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	tenantID := uuid.NewString()
	msg := syncRunMessage(t, 42, tenantID)
	require.NoError(t, NewDLQWriter(pool).Write(ctx, msg, "broker unavailable"))
	_, err := pool.Exec(ctx, `UPDATE outbox_dlq SET retry_count = 3`)
	require.NoError(t, err)

	processed, err := NewDLQManager(pool, 3, time.Second, nil).RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	var quarantineReason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT quarantine_reason FROM outbox_dlq WHERE event_id = 42`).Scan(&quarantineReason))
	require.Equal(t, "retry limit reached", quarantineReason)
	require.InDelta(t, 1, testutil.ToFloat64(dlqBacklog.WithLabelValues("quarantined")), 0.0001)
}

func enqueueRun(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tenantID, runID string) {
	t.Helper()
	err := inTenantTx(ctx, pool, tenantID, func(tx pgx.Tx) error {
		return Enqueue(ctx, tx, Event{
			TenantID:      tenantID,
			AggregateType: "sync_run",
			AggregateID:   runID,
			Type:          events.TypeSyncRunFinished,
			Payload: events.SyncRunFinished{
				RunID: runID, TenantID: tenantID, Direction: "presence_to_timesheet", Status: "success",
				Finished: time.Now().UTC(),
			},
		})
	})
	require.NoError(t, err)
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}
