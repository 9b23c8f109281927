package domain

import "time"

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobKind selects what an import job produces.
type JobKind string

const (
	JobKindPresenceToTimesheet JobKind = "presence_to_timesheet"
	JobKindPrefill             JobKind = "prefill"
	JobKindBreakConversion     JobKind = "break_conversion"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindPresenceToTimesheet, JobKindPrefill, JobKindBreakConversion:
		return true
	default:
		return false
	}
}

// EntrySource maps the job kind to the provenance stamped on created entries.
func (k JobKind) EntrySource() EntrySource {
	switch k {
	case JobKindPrefill:
		return EntrySourcePrefill
	case JobKindBreakConversion:
		return EntrySourceBreakConversion
	default:
		return EntrySourcePresenceImport
	}
}

// JobTrigger records who started a job.
type JobTrigger string

const (
	TriggerScheduled JobTrigger = "scheduled"
	TriggerManual    JobTrigger = "manual"
	TriggerTriggered JobTrigger = "triggered"
)

// Valid reports whether t is a known trigger.
func (t JobTrigger) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerManual, TriggerTriggered:
		return true
	default:
		return false
	}
}

// Severity grades issues, conflicts and job messages.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// MessageKind separates per-record messages from job-level failures.
type MessageKind string

const (
	MessageKindRecord     MessageKind = "record"
	MessageKindValidation MessageKind = "validation"
	MessageKindSystem     MessageKind = "system"
)

// Machine readable codes used in job and check messages.
const (
	CodeConversionFailed = "conversion_failed"
	CodeRecordPanic      = "record_panic"
	CodeInvalidCandidate = "invalid_candidate"
	CodeConversion       = "conversion_warning"
	CodeTimesheetLocked  = "timesheet_locked"
	CodeWriteFailed      = "write_failed"
	CodeLockUnavailable  = "lock_unavailable"
	CodeLockLost         = "lock_lost"
	CodePolicyLoad       = "policy_unavailable"
	CodeLoadFailed       = "load_failed"
	CodePersistFailed    = "persist_failed"
	CodeInternal         = "internal"
)

// JobMessage is one structured error or warning attached to a job.
type JobMessage struct {
	RecordID string      `json:"record_id,omitempty"`
	Code     string      `json:"code"`
	Kind     MessageKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	At       time.Time   `json:"at"`
}

// ImportJob tracks one presence import run.
type ImportJob struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Trigger     JobTrigger `json:"trigger"`
	Kind        JobKind    `json:"kind"`
	DateFrom    string     `json:"date_from"`
	DateTo      string     `json:"date_to"`
	EmployeeIDs []string   `json:"employee_ids,omitempty"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`

	TotalRecords     int `json:"total_records"`
	ProcessedRecords int `json:"processed_records"`
	ImportedRecords  int `json:"imported_records"`
	SkippedRecords   int `json:"skipped_records"`
	ErrorRecords     int `json:"error_records"`

	Errors   []JobMessage `json:"errors"`
	Warnings []JobMessage `json:"warnings"`

	RequestedBy string     `json:"requested_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ComputeProgress returns processed/total as a percentage in [0, 100].
func (j ImportJob) ComputeProgress() int {
	if j.TotalRecords <= 0 {
		return 100
	}
	p := j.ProcessedRecords * 100 / j.TotalRecords
	if p > 100 {
		return 100
	}
	return p
}
