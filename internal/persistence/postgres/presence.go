package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/reconciliation/internal/domain"
)

const presenceColumns = `record_id, tenant_id, employee_id, to_char(work_date, 'YYYY-MM-DD'), clock_in, clock_out, breaks, status,
        presence_minutes, break_minutes, work_minutes, total_hours, adjusted_work_minutes, system_generated, source, notes,
        created_at, updated_at`

func scanPresence(row pgx.CollectableRow) (domain.PresenceRecord, error) {
	var r domain.PresenceRecord
	err := row.Scan(&r.ID, &r.TenantID, &r.EmployeeID, &r.Date, &r.ClockIn, &r.ClockOut, &r.Breaks, &r.Status,
		&r.PresenceMinutes, &r.BreakMinutes, &r.WorkMinutes, &r.TotalHours, &r.AdjustedWorkMinutes, &r.SystemGenerated,
		&r.Source, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// ListPresence pages presence records ordered by day and id.
func (s *Store) ListPresence(ctx context.Context, tenantID string, q domain.RangeQuery, cursor *domain.Cursor, limit int) ([]domain.PresenceRecord, *domain.Cursor, error) {
	limit = pageLimit(limit)
	args := []any{tenantID, nullDate(q.DateFrom), nullDate(q.DateTo), textArray(q.EmployeeIDs), limit + 1}
	query := `SELECT ` + presenceColumns + `
        FROM presence_records
        WHERE tenant_id = $1
          AND ($2::date IS NULL OR work_date >= $2::date)
          AND ($3::date IS NULL OR work_date <= $3::date)
          AND (cardinality($4::text[]) = 0 OR employee_id = ANY($4::text[]))`
	if cursor != nil {
		query += ` AND (work_date, record_id) > ($6::date, $7)`
		args = append(args, cursor.Key, cursor.ID)
	}
	query += ` ORDER BY work_date, record_id LIMIT $5`

	var records []domain.PresenceRecord
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		records, err = pgx.CollectRows(rows, scanPresence)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list presence: %w", err)
	}
	if len(records) <= limit {
		return records, nil, nil
	}
	records = records[:limit]
	last := records[limit-1]
	return records, &domain.Cursor{Key: last.Date, ID: last.ID}, nil
}

// GetPresence returns the record of employeeID on date.
func (s *Store) GetPresence(ctx context.Context, tenantID, employeeID, date string) (*domain.PresenceRecord, error) {
	var record domain.PresenceRecord
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+presenceColumns+`
            FROM presence_records WHERE tenant_id = $1 AND employee_id = $2 AND work_date = $3::date`, tenantID, employeeID, date)
		if err != nil {
			return err
		}
		record, err = pgx.CollectExactlyOneRow(rows, scanPresence)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// InsertPresence creates a record. The unique employee/day constraint turns a second insert
// into domain.ErrPresenceExists.
func (s *Store) InsertPresence(ctx context.Context, r domain.PresenceRecord) error {
	err := s.inTenantTx(ctx, r.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO presence_records (record_id, tenant_id, employee_id, work_date, clock_in, clock_out, breaks, status,
                presence_minutes, break_minutes, work_minutes, total_hours, adjusted_work_minutes, system_generated, source, notes,
                created_at, updated_at)
            VALUES ($1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			r.ID, r.TenantID, r.EmployeeID, r.Date, r.ClockIn, r.ClockOut, jsonList(r.Breaks), r.Status,
			r.PresenceMinutes, r.BreakMinutes, r.WorkMinutes, r.TotalHours, r.AdjustedWorkMinutes, r.SystemGenerated,
			r.Source, r.Notes, r.CreatedAt, r.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return domain.ErrPresenceExists
	}
	return err
}

// SetAdjustedWorkMinutes overrides the work time of a record and refreshes its hours.
func (s *Store) SetAdjustedWorkMinutes(ctx context.Context, tenantID, recordID string, minutes int, at time.Time) error {
	return s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE presence_records
            SET adjusted_work_minutes = $3, total_hours = $4, updated_at = $5
            WHERE tenant_id = $1 AND record_id = $2`,
			tenantID, recordID, minutes, domain.HoursFromMinutes(minutes), at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}
