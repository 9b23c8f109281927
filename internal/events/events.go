// Package events defines the payloads exchanged over Kafka and their JSON schemas.
package events

import (
	"time"

	"example.com/reconciliation/internal/domain"
)

// Event types written to the outbox.
const (
	TypeImportJobFinished      = "import_job.finished"
	TypeCoherenceCheckFinished = "coherence_check.finished"
	TypeSyncRunFinished        = "sync_run.finished"
	// TypePresenceRecorded is published by the presence system and consumed here.
	TypePresenceRecorded = "presence.recorded"
)

// ImportJobFinished is emitted when an import job reaches a terminal status.
type ImportJobFinished struct {
	JobID    string    `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	Kind     string    `json:"kind"`
	Trigger  string    `json:"trigger"`
	Status   string    `json:"status"`
	DateFrom string    `json:"date_from"`
	DateTo   string    `json:"date_to"`
	Total    int       `json:"total_records"`
	Imported int       `json:"imported_records"`
	Skipped  int       `json:"skipped_records"`
	Errored  int       `json:"error_records"`
	Finished time.Time `json:"finished_at"`
}

// CoherenceCheckFinished is emitted when a check completes or fails.
type CoherenceCheckFinished struct {
	CheckID      string    `json:"check_id"`
	TenantID     string    `json:"tenant_id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	DateFrom     string    `json:"date_from"`
	DateTo       string    `json:"date_to"`
	Found        int       `json:"found"`
	AutoFixed    int       `json:"auto_fixed"`
	ManualReview int       `json:"manual_review"`
	Finished     time.Time `json:"finished_at"`
}

// SyncRunFinished is emitted when a synchronization run is persisted.
type SyncRunFinished struct {
	RunID     string    `json:"run_id"`
	TenantID  string    `json:"tenant_id"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Processed int       `json:"processed"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Errored   int       `json:"errored"`
	Conflicts int       `json:"conflicts_found"`
	Finished  time.Time `json:"finished_at"`
}

// PresenceRecorded announces that a presence record was created or closed upstream.
type PresenceRecorded struct {
	TenantID   string    `json:"tenant_id"`
	EmployeeID string    `json:"employee_id"`
	RecordID   string    `json:"record_id"`
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromImportJob builds the finished payload of job.
func FromImportJob(job domain.ImportJob) ImportJobFinished {
	out := ImportJobFinished{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Kind:     string(job.Kind),
		Trigger:  string(job.Trigger),
		Status:   string(job.Status),
		DateFrom: job.DateFrom,
		DateTo:   job.DateTo,
		Total:    job.TotalRecords,
		Imported: job.ImportedRecords,
		Skipped:  job.SkippedRecords,
		Errored:  job.ErrorRecords,
	}
	if job.FinishedAt != nil {
		out.Finished = *job.FinishedAt
	}
	return out
}

// FromCheck builds the finished payload of check.
func FromCheck(check domain.CoherenceCheck) CoherenceCheckFinished {
	out := CoherenceCheckFinished{
		CheckID:      check.ID,
		TenantID:     check.TenantID,
		Kind:         string(check.Kind),
		Status:       string(check.Status),
		DateFrom:     check.DateFrom,
		DateTo:       check.DateTo,
		Found:        check.Found,
		AutoFixed:    check.AutoFixed,
		ManualReview: check.ManualReview,
	}
	if check.FinishedAt != nil {
		out.Finished = *check.FinishedAt
	}
	return out
}

// FromSyncRun builds the finished payload of run.
func FromSyncRun(run domain.SyncRun) SyncRunFinished {
	return SyncRunFinished{
		RunID:     run.ID,
		TenantID:  run.TenantID,
		Direction: string(run.Direction),
		Status:    string(run.Status),
		Processed: run.Processed,
		Created:   run.Created,
		Updated:   run.Updated,
		Errored:   run.Errored,
		Conflicts: run.ConflictsFound,
		Finished:  run.FinishedAt,
	}
}
