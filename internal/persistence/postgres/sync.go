package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/events"
	"example.com/reconciliation/internal/outbox"
)

const runColumns = `run_id, tenant_id, direction, to_char(date_from, 'YYYY-MM-DD'), to_char(date_to, 'YYYY-MM-DD'), employee_ids, status,
        processed, created, updated, skipped, errored, conflicts_found, conflicts_resolved, errors, requested_by, started_at, finished_at`

const conflictColumns = `conflict_id, run_id, tenant_id, employee_id, to_char(work_date, 'YYYY-MM-DD'), conflict_type, severity, status,
        presence_record_id, presence_minutes, presence_updated_at, entry_ids, timesheet_minutes,
        timesheet_updated_at, difference_minutes, resolution, resolved_at, detected_at`

func scanRun(row pgx.CollectableRow) (domain.SyncRun, error) {
	var r domain.SyncRun
	err := row.Scan(&r.ID, &r.TenantID, &r.Direction, &r.DateFrom, &r.DateTo, &r.EmployeeIDs, &r.Status,
		&r.Processed, &r.Created, &r.Updated, &r.Skipped, &r.Errored, &r.ConflictsFound, &r.ConflictsResolved,
		&r.Errors, &r.RequestedBy, &r.StartedAt, &r.FinishedAt)
	return r, err
}

func scanConflict(row pgx.CollectableRow) (domain.SyncConflict, error) {
	var c domain.SyncConflict
	var presenceAt, timesheetAt *time.Time
	err := row.Scan(&c.ID, &c.RunID, &c.TenantID, &c.EmployeeID, &c.Date, &c.Type, &c.Severity, &c.Status,
		&c.PresenceRecordID, &c.PresenceMinutes, &presenceAt, &c.EntryIDs, &c.TimesheetMinutes,
		&timesheetAt, &c.DifferenceMinutes, &c.Resolution, &c.ResolvedAt, &c.DetectedAt)
	if presenceAt != nil {
		c.PresenceUpdatedAt = *presenceAt
	}
	if timesheetAt != nil {
		c.TimesheetUpdatedAt = *timesheetAt
	}
	return c, err
}

// nullTime stores zero update times as NULL.
func nullTime(c domain.SyncConflict) (any, any) {
	var presence, timesheet any
	if !c.PresenceUpdatedAt.IsZero() {
		presence = c.PresenceUpdatedAt
	}
	if !c.TimesheetUpdatedAt.IsZero() {
		timesheet = c.TimesheetUpdatedAt
	}
	return presence, timesheet
}

// SaveSyncRun stores a run with its conflicts and enqueues sync_run.finished atomically.
func (s *Store) SaveSyncRun(ctx context.Context, run domain.SyncRun, conflicts []domain.SyncConflict) error {
	return s.inTenantTx(ctx, run.TenantID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO sync_runs (run_id, tenant_id, direction, date_from, date_to, employee_ids, status,
                processed, created, updated, skipped, errored, conflicts_found, conflicts_resolved, errors, requested_by, started_at, finished_at)
            VALUES ($1,$2,$3,$4::date,$5::date,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			run.ID, run.TenantID, run.Direction, run.DateFrom, run.DateTo, textArray(run.EmployeeIDs), run.Status,
			run.Processed, run.Created, run.Updated, run.Skipped, run.Errored, run.ConflictsFound, run.ConflictsResolved,
			jsonList(run.Errors), run.RequestedBy, run.StartedAt, run.FinishedAt,
		); err != nil {
			return fmt.Errorf("insert sync run: %w", err)
		}

		if len(conflicts) > 0 {
			batch := &pgx.Batch{}
			for _, c := range conflicts {
				presenceAt, timesheetAt := nullTime(c)
				batch.Queue(`INSERT INTO sync_conflicts (conflict_id, run_id, tenant_id, employee_id, work_date, conflict_type, severity, status,
                        presence_record_id, presence_minutes, presence_updated_at, entry_ids, timesheet_minutes, timesheet_updated_at,
                        difference_minutes, resolution, resolved_at, detected_at)
                    VALUES ($1,$2,$3,$4,$5::date,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
					c.ID, run.ID, run.TenantID, c.EmployeeID, c.Date, c.Type, c.Severity, c.Status,
					c.PresenceRecordID, c.PresenceMinutes, presenceAt, textArray(c.EntryIDs), c.TimesheetMinutes, timesheetAt,
					c.DifferenceMinutes, c.Resolution, c.ResolvedAt, c.DetectedAt)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert %d conflicts: %w", len(conflicts), err)
			}
		}

		return outbox.Enqueue(ctx, tx, outbox.Event{
			TenantID:      run.TenantID,
			AggregateType: "sync_run",
			AggregateID:   run.ID,
			Type:          events.TypeSyncRunFinished,
			Payload:       events.FromSyncRun(run),
		})
	})
}

// GetSyncRun returns one run.
func (s *Store) GetSyncRun(ctx context.Context, tenantID, runID string) (*domain.SyncRun, error) {
	var run domain.SyncRun
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
		if err != nil {
			return err
		}
		run, err = pgx.CollectExactlyOneRow(rows, scanRun)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// GetConflicts returns the stored conflicts in the order of conflictIDs, skipping unknown ids.
func (s *Store) GetConflicts(ctx context.Context, tenantID string, conflictIDs []string) ([]domain.SyncConflict, error) {
	var found []domain.SyncConflict
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts
            WHERE tenant_id = $1 AND conflict_id = ANY($2::text[])`, tenantID, textArray(conflictIDs))
		if err != nil {
			return err
		}
		found, err = pgx.CollectRows(rows, scanConflict)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get conflicts: %w", err)
	}

	byID := make(map[string]domain.SyncConflict, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]domain.SyncConflict, 0, len(conflictIDs))
	for _, id := range conflictIDs {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpdateConflict stores the resolution state of a conflict.
func (s *Store) UpdateConflict(ctx context.Context, c domain.SyncConflict) error {
	return s.inTenantTx(ctx, c.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE sync_conflicts SET status = $3, resolution = $4, resolved_at = $5
            WHERE tenant_id = $1 AND conflict_id = $2`, c.TenantID, c.ID, c.Status, c.Resolution, c.ResolvedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}
