package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/events"
	"example.com/reconciliation/internal/outbox"
)

const checkColumns = `check_id, tenant_id, kind, to_char(date_from, 'YYYY-MM-DD'), to_char(date_to, 'YYYY-MM-DD'), employee_ids, auto_fix,
        status, checked, found, auto_fixed, manual_review, failure, requested_by, started_at, finished_at`

const issueColumns = `issue_id, tenant_id, check_id, issue_type, severity, employee_id, to_char(work_date, 'YYYY-MM-DD'), description,
        snapshot, auto_fixable, status, resolved_by, resolved_at, resolution_notes, detected_at, updated_at`

func scanCheck(row pgx.CollectableRow) (domain.CoherenceCheck, error) {
	var c domain.CoherenceCheck
	err := row.Scan(&c.ID, &c.TenantID, &c.Kind, &c.DateFrom, &c.DateTo, &c.EmployeeIDs, &c.AutoFix,
		&c.Status, &c.Checked, &c.Found, &c.AutoFixed, &c.ManualReview, &c.Failure, &c.RequestedBy, &c.StartedAt, &c.FinishedAt)
	return c, err
}

func scanIssue(row pgx.CollectableRow) (domain.CoherenceIssue, error) {
	var i domain.CoherenceIssue
	err := row.Scan(&i.ID, &i.TenantID, &i.CheckID, &i.Type, &i.Severity, &i.EmployeeID, &i.Date, &i.Description,
		&i.Snapshot, &i.AutoFixable, &i.Status, &i.ResolvedBy, &i.ResolvedAt, &i.ResolutionNotes, &i.DetectedAt, &i.UpdatedAt)
	return i, err
}

// CreateCheck inserts a running check.
func (s *Store) CreateCheck(ctx context.Context, c domain.CoherenceCheck) error {
	return s.inTenantTx(ctx, c.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO coherence_checks (check_id, tenant_id, kind, date_from, date_to, employee_ids, auto_fix, status,
                checked, found, auto_fixed, manual_review, failure, requested_by, started_at, finished_at)
            VALUES ($1,$2,$3,$4::date,$5::date,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			c.ID, c.TenantID, c.Kind, c.DateFrom, c.DateTo, textArray(c.EmployeeIDs), c.AutoFix, c.Status,
			c.Checked, c.Found, c.AutoFixed, c.ManualReview, c.Failure, c.RequestedBy, c.StartedAt, c.FinishedAt)
		return err
	})
}

// FinishCheck stores the final counters and enqueues coherence_check.finished.
func (s *Store) FinishCheck(ctx context.Context, c domain.CoherenceCheck) error {
	return s.inTenantTx(ctx, c.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE coherence_checks
            SET status = $3, checked = $4, found = $5, auto_fixed = $6, manual_review = $7, failure = $8, finished_at = $9
            WHERE tenant_id = $1 AND check_id = $2`,
			c.TenantID, c.ID, c.Status, c.Checked, c.Found, c.AutoFixed, c.ManualReview, c.Failure, c.FinishedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return outbox.Enqueue(ctx, tx, outbox.Event{
			TenantID:      c.TenantID,
			AggregateType: "coherence_check",
			AggregateID:   c.ID,
			Type:          events.TypeCoherenceCheckFinished,
			Payload:       events.FromCheck(c),
		})
	})
}

// GetCheck returns one check.
func (s *Store) GetCheck(ctx context.Context, tenantID, checkID string) (*domain.CoherenceCheck, error) {
	var check domain.CoherenceCheck
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+checkColumns+` FROM coherence_checks WHERE tenant_id = $1 AND check_id = $2`, tenantID, checkID)
		if err != nil {
			return err
		}
		check, err = pgx.CollectExactlyOneRow(rows, scanCheck)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &check, nil
}

// UpsertIssue locks the stored issue, if any, and writes merge's result in the same transaction.
func (s *Store) UpsertIssue(ctx context.Context, tenantID, issueID string, merge func(existing *domain.CoherenceIssue) domain.CoherenceIssue) (*domain.CoherenceIssue, error) {
	var merged domain.CoherenceIssue
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+issueColumns+` FROM coherence_issues
            WHERE tenant_id = $1 AND issue_id = $2 FOR UPDATE`, tenantID, issueID)
		if err != nil {
			return err
		}
		found, err := pgx.CollectRows(rows, scanIssue)
		if err != nil {
			return err
		}
		var existing *domain.CoherenceIssue
		if len(found) == 1 {
			existing = &found[0]
		}
		merged = merge(existing)
		merged.ID = issueID
		merged.TenantID = tenantID
		return writeIssue(ctx, tx, merged)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert issue: %w", err)
	}
	return &merged, nil
}

func writeIssue(ctx context.Context, tx pgx.Tx, i domain.CoherenceIssue) error {
	_, err := tx.Exec(ctx, `INSERT INTO coherence_issues (issue_id, tenant_id, check_id, issue_type, severity, employee_id, work_date,
            description, snapshot, auto_fixable, status, resolved_by, resolved_at, resolution_notes, detected_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7::date,$8,$9,$10,$11,$12,$13,$14,$15,$16)
        ON CONFLICT (tenant_id, issue_id) DO UPDATE SET
            check_id = EXCLUDED.check_id, severity = EXCLUDED.severity, description = EXCLUDED.description,
            snapshot = EXCLUDED.snapshot, auto_fixable = EXCLUDED.auto_fixable, status = EXCLUDED.status,
            resolved_by = EXCLUDED.resolved_by, resolved_at = EXCLUDED.resolved_at,
            resolution_notes = EXCLUDED.resolution_notes, updated_at = EXCLUDED.updated_at`,
		i.ID, i.TenantID, i.CheckID, i.Type, i.Severity, i.EmployeeID, i.Date,
		i.Description, i.Snapshot, i.AutoFixable, i.Status, i.ResolvedBy, i.ResolvedAt, i.ResolutionNotes, i.DetectedAt, i.UpdatedAt)
	return err
}

// GetIssue returns one issue.
func (s *Store) GetIssue(ctx context.Context, tenantID, issueID string) (*domain.CoherenceIssue, error) {
	var issue domain.CoherenceIssue
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+issueColumns+` FROM coherence_issues WHERE tenant_id = $1 AND issue_id = $2`, tenantID, issueID)
		if err != nil {
			return err
		}
		issue, err = pgx.CollectExactlyOneRow(rows, scanIssue)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &issue, nil
}

// UpdateIssue stores issue if its current status is one of allowedFrom.
func (s *Store) UpdateIssue(ctx context.Context, issue domain.CoherenceIssue, allowedFrom ...domain.IssueStatus) error {
	return s.inTenantTx(ctx, issue.TenantID, func(tx pgx.Tx) error {
		var current domain.IssueStatus
		err := tx.QueryRow(ctx, `SELECT status FROM coherence_issues WHERE tenant_id = $1 AND issue_id = $2 FOR UPDATE`,
			issue.TenantID, issue.ID).Scan(&current)
		if err != nil {
			return notFound(err)
		}
		if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, current) {
			return domain.ErrTerminalState
		}
		return writeIssue(ctx, tx, issue)
	})
}

// ListIssues pages issues matching filter ordered by day and id.
func (s *Store) ListIssues(ctx context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error) {
	limit = pageLimit(limit)
	args := []any{tenantID, limit + 1, filter.CheckID, filter.Type, filter.Status, filter.EmployeeID,
		nullDate(filter.DateFrom), nullDate(filter.DateTo)}
	query := `SELECT ` + issueColumns + ` FROM coherence_issues
        WHERE tenant_id = $1
          AND ($3::text = '' OR check_id = $3)
          AND ($4::text = '' OR issue_type = $4)
          AND ($5::text = '' OR status = $5)
          AND ($6::text = '' OR employee_id = $6)
          AND ($7::date IS NULL OR work_date >= $7::date)
          AND ($8::date IS NULL OR work_date <= $8::date)`
	if cursor != nil {
		query += ` AND (work_date, issue_id) > ($9::date, $10)`
		args = append(args, cursor.Key, cursor.ID)
	}
	query += ` ORDER BY work_date, issue_id LIMIT $2`

	var issues []domain.CoherenceIssue
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		issues, err = pgx.CollectRows(rows, scanIssue)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list issues: %w", err)
	}
	if len(issues) <= limit {
		return issues, nil, nil
	}
	issues = issues[:limit]
	last := issues[limit-1]
	return issues, &domain.Cursor{Key: last.Date, ID: last.ID}, nil
}
