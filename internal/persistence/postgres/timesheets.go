package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/reconciliation/internal/domain"
)

const timesheetColumns = `timesheet_id, tenant_id, employee_id, to_char(period_start, 'YYYY-MM-DD'), to_char(period_end, 'YYYY-MM-DD'),
        status, created_at, updated_at`

const entryColumns = `entry_id, tenant_id, employee_id, timesheet_id, to_char(work_date, 'YYYY-MM-DD'), start_at, end_at, duration_minutes,
        activity_id, project_id, description, billable, status, source, source_record_id, source_break_index, created_at, updated_at`

func scanTimesheet(row pgx.CollectableRow) (domain.Timesheet, error) {
	var t domain.Timesheet
	err := row.Scan(&t.ID, &t.TenantID, &t.EmployeeID, &t.PeriodStart, &t.PeriodEnd, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanEntry(row pgx.CollectableRow) (domain.TimesheetEntry, error) {
	var e domain.TimesheetEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.EmployeeID, &e.TimesheetID, &e.Date, &e.Start, &e.End, &e.DurationMinutes,
		&e.ActivityID, &e.ProjectID, &e.Description, &e.Billable, &e.Status, &e.Source, &e.SourceRecordID, &e.SourceBreakIndex,
		&e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// ListTimesheets returns headers whose period overlaps q.
func (s *Store) ListTimesheets(ctx context.Context, tenantID string, q domain.RangeQuery) ([]domain.Timesheet, error) {
	var out []domain.Timesheet
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+timesheetColumns+`
            FROM timesheets
            WHERE tenant_id = $1
              AND ($2::date IS NULL OR period_end >= $2::date)
              AND ($3::date IS NULL OR period_start <= $3::date)
              AND (cardinality($4::text[]) = 0 OR employee_id = ANY($4::text[]))
            ORDER BY period_start, timesheet_id`,
			tenantID, nullDate(q.DateFrom), nullDate(q.DateTo), textArray(q.EmployeeIDs))
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanTimesheet)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list timesheets: %w", err)
	}
	return out, nil
}

// EnsureTimesheet returns the header of the employee's period, creating header when none exists.
func (s *Store) EnsureTimesheet(ctx context.Context, header domain.Timesheet) (*domain.Timesheet, error) {
	var out domain.Timesheet
	err := s.inTenantTx(ctx, header.TenantID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO timesheets (timesheet_id, tenant_id, employee_id, period_start, period_end, status, created_at, updated_at)
            VALUES ($1,$2,$3,$4::date,$5::date,$6,$7,$8)
            ON CONFLICT (tenant_id, employee_id, period_start) DO NOTHING`,
			header.ID, header.TenantID, header.EmployeeID, header.PeriodStart, header.PeriodEnd, header.Status, header.CreatedAt, header.UpdatedAt,
		); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+timesheetColumns+`
            FROM timesheets WHERE tenant_id = $1 AND employee_id = $2 AND period_start = $3::date`,
			header.TenantID, header.EmployeeID, header.PeriodStart)
		if err != nil {
			return err
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanTimesheet)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure timesheet: %w", err)
	}
	return &out, nil
}

// ListEntries returns entries in q ordered by day, creation and id.
func (s *Store) ListEntries(ctx context.Context, tenantID string, q domain.EntryQuery) ([]domain.TimesheetEntry, error) {
	var out []domain.TimesheetEntry
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+entryColumns+`
            FROM timesheet_entries
            WHERE tenant_id = $1
              AND ($2::date IS NULL OR work_date >= $2::date)
              AND ($3::date IS NULL OR work_date <= $3::date)
              AND (cardinality($4::text[]) = 0 OR employee_id = ANY($4::text[]))
              AND (cardinality($5::text[]) = 0 OR source = ANY($5::text[]))
            ORDER BY work_date, created_at, entry_id`,
			tenantID, nullDate(q.DateFrom), nullDate(q.DateTo), textArray(q.EmployeeIDs), textArray(q.Sources))
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanEntry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return out, nil
}

// InsertEntries writes entries in one batch; either all rows commit or none do.
func (s *Store) InsertEntries(ctx context.Context, tenantID string, entries []domain.TimesheetEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		return insertEntries(ctx, tx, tenantID, entries)
	})
}

// ReplaceEntries deletes removeIDs and inserts add atomically.
func (s *Store) ReplaceEntries(ctx context.Context, tenantID string, removeIDs []string, add []domain.TimesheetEntry) error {
	return s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		if len(removeIDs) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM timesheet_entries WHERE tenant_id = $1 AND entry_id = ANY($2::text[])`, tenantID, removeIDs); err != nil {
				return err
			}
		}
		return insertEntries(ctx, tx, tenantID, add)
	})
}

func insertEntries(ctx context.Context, tx pgx.Tx, tenantID string, entries []domain.TimesheetEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const stmt = `INSERT INTO timesheet_entries (entry_id, tenant_id, employee_id, timesheet_id, work_date, start_at, end_at, duration_minutes,
            activity_id, project_id, description, billable, status, source, source_record_id, source_break_index, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5::date,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(stmt, e.ID, tenantID, e.EmployeeID, e.TimesheetID, e.Date, e.Start, e.End, e.DurationMinutes,
			e.ActivityID, e.ProjectID, e.Description, e.Billable, e.Status, e.Source, e.SourceRecordID, e.SourceBreakIndex,
			e.CreatedAt, e.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d entries: %w", len(entries), err)
	}
	return nil
}

// UpdateEntryStatuses sets status on every entry in entryIDs. A missing entry aborts the update.
func (s *Store) UpdateEntryStatuses(ctx context.Context, tenantID string, entryIDs []string, status domain.TimesheetStatus, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE timesheet_entries SET status = $3, updated_at = $4
            WHERE tenant_id = $1 AND entry_id = ANY($2::text[])`, tenantID, entryIDs, status, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(entryIDs)) {
			return domain.ErrNotFound
		}
		return nil
	})
}
