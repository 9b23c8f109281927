package domain

import (
	"context"
	"time"
)

// Cursor models a keyset pagination position. Key is the sort key of the last row
// (a day key for presence and issues, an RFC3339 timestamp for jobs) and ID breaks ties.
type Cursor struct {
	Key string
	ID  string
}

// RangeQuery scopes a dataset load to a date range and optional employee list.
type RangeQuery struct {
	DateFrom    string
	DateTo      string
	EmployeeIDs []string
}

// Includes reports whether employeeID/date fall inside the query.
func (q RangeQuery) Includes(employeeID, date string) bool {
	if q.DateFrom != "" && date < q.DateFrom {
		return false
	}
	if q.DateTo != "" && date > q.DateTo {
		return false
	}
	if len(q.EmployeeIDs) == 0 {
		return true
	}
	for _, id := range q.EmployeeIDs {
		if id == employeeID {
			return true
		}
	}
	return false
}

// EntryQuery extends RangeQuery with a provenance filter.
type EntryQuery struct {
	RangeQuery
	Sources []EntrySource
}

// PresenceRepository reads presence records and performs the two permitted writes:
// insert-only synthesis and the adjusted-work override.
type PresenceRepository interface {
	ListPresence(ctx context.Context, tenantID string, q RangeQuery, cursor *Cursor, limit int) ([]PresenceRecord, *Cursor, error)
	GetPresence(ctx context.Context, tenantID, employeeID, date string) (*PresenceRecord, error)
	InsertPresence(ctx context.Context, record PresenceRecord) error
	SetAdjustedWorkMinutes(ctx context.Context, tenantID, recordID string, minutes int, at time.Time) error
}

// TimesheetRepository owns timesheet headers and entries.
type TimesheetRepository interface {
	ListTimesheets(ctx context.Context, tenantID string, q RangeQuery) ([]Timesheet, error)
	EnsureTimesheet(ctx context.Context, header Timesheet) (*Timesheet, error)
	ListEntries(ctx context.Context, tenantID string, q EntryQuery) ([]TimesheetEntry, error)
	InsertEntries(ctx context.Context, tenantID string, entries []TimesheetEntry) error
	ReplaceEntries(ctx context.Context, tenantID string, removeIDs []string, add []TimesheetEntry) error
	UpdateEntryStatuses(ctx context.Context, tenantID string, entryIDs []string, status TimesheetStatus, at time.Time) error
}

// JobRepository persists import jobs. Methods returning bool report whether the
// conditional write matched a row; false means another actor moved the job first.
type JobRepository interface {
	CreateJob(ctx context.Context, job ImportJob) error
	GetJob(ctx context.Context, tenantID, jobID string) (*ImportJob, error)
	MarkJobRunning(ctx context.Context, tenantID, jobID string, at time.Time) (bool, error)
	UpdateJobProgress(ctx context.Context, job ImportJob) (bool, error)
	FinishJob(ctx context.Context, job ImportJob) (bool, error)
	CancelJob(ctx context.Context, tenantID, jobID string, at time.Time) (bool, error)
	ListJobs(ctx context.Context, tenantID string, cursor *Cursor, limit int) ([]ImportJob, *Cursor, error)
	ListActiveJobs(ctx context.Context, tenantID string) ([]ImportJob, error)
}

// CoherenceRepository persists checks and issues.
type CoherenceRepository interface {
	CreateCheck(ctx context.Context, check CoherenceCheck) error
	FinishCheck(ctx context.Context, check CoherenceCheck) error
	GetCheck(ctx context.Context, tenantID, checkID string) (*CoherenceCheck, error)
	// UpsertIssue reads the stored issue (nil when absent) and writes merge's result atomically.
	UpsertIssue(ctx context.Context, tenantID, issueID string, merge func(existing *CoherenceIssue) CoherenceIssue) (*CoherenceIssue, error)
	GetIssue(ctx context.Context, tenantID, issueID string) (*CoherenceIssue, error)
	// UpdateIssue stores issue when its current status is one of allowedFrom (any when empty).
	// A status mismatch returns ErrTerminalState.
	UpdateIssue(ctx context.Context, issue CoherenceIssue, allowedFrom ...IssueStatus) error
	ListIssues(ctx context.Context, tenantID string, filter IssueFilter, cursor *Cursor, limit int) ([]CoherenceIssue, *Cursor, error)
}

// SyncRepository persists sync runs and their conflicts.
type SyncRepository interface {
	SaveSyncRun(ctx context.Context, run SyncRun, conflicts []SyncConflict) error
	GetSyncRun(ctx context.Context, tenantID, runID string) (*SyncRun, error)
	// GetConflicts returns the known conflicts in the order of conflictIDs; unknown ids are
	// left out rather than failing the lookup.
	GetConflicts(ctx context.Context, tenantID string, conflictIDs []string) ([]SyncConflict, error)
	UpdateConflict(ctx context.Context, conflict SyncConflict) error
}

// PolicyRepository persists tenant policies.
type PolicyRepository interface {
	GetPolicy(ctx context.Context, tenantID string) (*Policy, error)
	SavePolicy(ctx context.Context, policy Policy) error
}

// Store bundles every gateway interface.
type Store interface {
	PresenceRepository
	TimesheetRepository
	JobRepository
	CoherenceRepository
	SyncRepository
	PolicyRepository
}
