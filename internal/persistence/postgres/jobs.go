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

const jobColumns = `job_id, tenant_id, trigger, kind, to_char(date_from, 'YYYY-MM-DD'), to_char(date_to, 'YYYY-MM-DD'), employee_ids,
        status, progress, total_records, processed_records, imported_records, skipped_records, error_records, errors, warnings,
        requested_by, created_at, started_at, finished_at`

func scanJob(row pgx.CollectableRow) (domain.ImportJob, error) {
	var j domain.ImportJob
	err := row.Scan(&j.ID, &j.TenantID, &j.Trigger, &j.Kind, &j.DateFrom, &j.DateTo, &j.EmployeeIDs,
		&j.Status, &j.Progress, &j.TotalRecords, &j.ProcessedRecords, &j.ImportedRecords, &j.SkippedRecords, &j.ErrorRecords,
		&j.Errors, &j.Warnings, &j.RequestedBy, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	return j, err
}

func jobFinished(job domain.ImportJob) outbox.Event {
	return outbox.Event{
		TenantID:      job.TenantID,
		AggregateType: "import_job",
		AggregateID:   job.ID,
		Type:          events.TypeImportJobFinished,
		Payload:       events.FromImportJob(job),
	}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, j domain.ImportJob) error {
	return s.inTenantTx(ctx, j.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO import_jobs (job_id, tenant_id, trigger, kind, date_from, date_to, employee_ids, status, progress,
                total_records, processed_records, imported_records, skipped_records, error_records, errors, warnings, requested_by,
                created_at, started_at, finished_at)
            VALUES ($1,$2,$3,$4,$5::date,$6::date,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
			j.ID, j.TenantID, j.Trigger, j.Kind, j.DateFrom, j.DateTo, textArray(j.EmployeeIDs), j.Status, j.Progress,
			j.TotalRecords, j.ProcessedRecords, j.ImportedRecords, j.SkippedRecords, j.ErrorRecords,
			jsonList(j.Errors), jsonList(j.Warnings), j.RequestedBy, j.CreatedAt, j.StartedAt, j.FinishedAt)
		return err
	})
}

// GetJob returns one job.
func (s *Store) GetJob(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error) {
	var job domain.ImportJob
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE tenant_id = $1 AND job_id = $2`, tenantID, jobID)
		if err != nil {
			return err
		}
		job, err = pgx.CollectExactlyOneRow(rows, scanJob)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// MarkJobRunning moves a pending job to running.
func (s *Store) MarkJobRunning(ctx context.Context, tenantID, jobID string, at time.Time) (bool, error) {
	var matched bool
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE import_jobs SET status = 'running', started_at = $3
            WHERE tenant_id = $1 AND job_id = $2 AND status = 'pending'`, tenantID, jobID, at)
		matched = tag.RowsAffected() == 1
		return err
	})
	return matched, err
}

// UpdateJobProgress stores counters of a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, j domain.ImportJob) (bool, error) {
	var matched bool
	err := s.inTenantTx(ctx, j.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE import_jobs
            SET progress = $3, total_records = $4, processed_records = $5, imported_records = $6, skipped_records = $7,
                error_records = $8, errors = $9, warnings = $10
            WHERE tenant_id = $1 AND job_id = $2 AND status = 'running'`,
			j.TenantID, j.ID, j.Progress, j.TotalRecords, j.ProcessedRecords, j.ImportedRecords, j.SkippedRecords,
			j.ErrorRecords, jsonList(j.Errors), jsonList(j.Warnings))
		matched = tag.RowsAffected() == 1
		return err
	})
	return matched, err
}

// FinishJob stores the terminal state of a job that is not terminal yet and enqueues
// import_job.finished in the same transaction.
func (s *Store) FinishJob(ctx context.Context, j domain.ImportJob) (bool, error) {
	var matched bool
	err := s.inTenantTx(ctx, j.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE import_jobs
            SET status = $3, progress = $4, total_records = $5, processed_records = $6, imported_records = $7,
                skipped_records = $8, error_records = $9, errors = $10, warnings = $11, started_at = COALESCE(started_at, $12),
                finished_at = $13
            WHERE tenant_id = $1 AND job_id = $2 AND status IN ('pending', 'running')`,
			j.TenantID, j.ID, j.Status, j.Progress, j.TotalRecords, j.ProcessedRecords, j.ImportedRecords,
			j.SkippedRecords, j.ErrorRecords, jsonList(j.Errors), jsonList(j.Warnings), j.StartedAt, j.FinishedAt)
		if err != nil {
			return err
		}
		if matched = tag.RowsAffected() == 1; !matched {
			return nil
		}
		return outbox.Enqueue(ctx, tx, jobFinished(j))
	})
	return matched, err
}

// CancelJob cancels a pending or running job. It returns false when the job already finished
// and domain.ErrNotFound when it does not exist.
func (s *Store) CancelJob(ctx context.Context, tenantID, jobID string, at time.Time) (bool, error) {
	var matched bool
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `UPDATE import_jobs SET status = 'cancelled', finished_at = $3
            WHERE tenant_id = $1 AND job_id = $2 AND status IN ('pending', 'running')
            RETURNING `+jobColumns, tenantID, jobID, at)
		if err != nil {
			return err
		}
		jobs, err := pgx.CollectRows(rows, scanJob)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM import_jobs WHERE tenant_id = $1 AND job_id = $2)`, tenantID, jobID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return nil
		}
		matched = true
		return outbox.Enqueue(ctx, tx, jobFinished(jobs[0]))
	})
	return matched, err
}

// ListJobs pages jobs newest first. The cursor key is the RFC 3339 creation time of the last row.
func (s *Store) ListJobs(ctx context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.ImportJob, *domain.Cursor, error) {
	limit = pageLimit(limit)
	args := []any{tenantID, limit + 1}
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE tenant_id = $1`
	if cursor != nil {
		after, err := time.Parse(time.RFC3339Nano, cursor.Key)
		if err != nil {
			return nil, nil, domain.NewValidationError("cursor", "malformed")
		}
		query += ` AND (created_at, job_id) < ($3, $4)`
		args = append(args, after, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, job_id DESC LIMIT $2`

	var jobs []domain.ImportJob
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		jobs, err = pgx.CollectRows(rows, scanJob)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) <= limit {
		return jobs, nil, nil
	}
	jobs = jobs[:limit]
	last := jobs[limit-1]
	return jobs, &domain.Cursor{Key: last.CreatedAt.UTC().Format(time.RFC3339Nano), ID: last.ID}, nil
}

// ListActiveJobs returns pending and running jobs oldest first.
func (s *Store) ListActiveJobs(ctx context.Context, tenantID string) ([]domain.ImportJob, error) {
	var jobs []domain.ImportJob
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs
            WHERE tenant_id = $1 AND status IN ('pending', 'running') ORDER BY created_at, job_id`, tenantID)
		if err != nil {
			return err
		}
		jobs, err = pgx.CollectRows(rows, scanJob)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}
