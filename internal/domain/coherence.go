package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckKind selects the date range a coherence check covers.
type CheckKind string

const (
	CheckKindDaily    CheckKind = "daily"
	CheckKindWeekly   CheckKind = "weekly"
	CheckKindMonthly  CheckKind = "monthly"
	CheckKindOnDemand CheckKind = "on_demand"
)

// Valid reports whether k is a known kind.
func (k CheckKind) Valid() bool {
	switch k {
	case CheckKindDaily, CheckKindWeekly, CheckKindMonthly, CheckKindOnDemand:
		return true
	default:
		return false
	}
}

// CheckStatus is the lifecycle state of a coherence check.
type CheckStatus string

const (
	CheckStatusRunning   CheckStatus = "running"
	CheckStatusCompleted CheckStatus = "completed"
	CheckStatusFailed    CheckStatus = "failed"
)

// IssueType is the closed set of inconsistencies the detectors emit.
type IssueType string

const (
	IssueTimeMismatch      IssueType = "time_mismatch"
	IssueMissingPresence   IssueType = "missing_presence"
	IssueMissingTimesheet  IssueType = "missing_timesheet"
	IssueStatusConflict    IssueType = "status_conflict"
	IssueDataInconsistency IssueType = "data_inconsistency"
	IssueValidationError   IssueType = "validation_error"
)

// IssueTypes lists every issue type in detection order.
var IssueTypes = []IssueType{
	IssueTimeMismatch,
	IssueMissingPresence,
	IssueMissingTimesheet,
	IssueStatusConflict,
	IssueDataInconsistency,
	IssueValidationError,
}

// IssueStatus is the review state of an issue or sync conflict.
type IssueStatus string

const (
	IssueStatusOpen         IssueStatus = "open"
	IssueStatusFixed        IssueStatus = "fixed"
	IssueStatusIgnored      IssueStatus = "ignored"
	IssueStatusManualReview IssueStatus = "manual_review"
)

// Resolvable reports whether a manual resolution may start from s.
func (s IssueStatus) Resolvable() bool {
	return s == IssueStatusOpen || s == IssueStatusManualReview
}

// CoherenceCheck records one detection run.
type CoherenceCheck struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Kind        CheckKind   `json:"kind"`
	DateFrom    string      `json:"date_from"`
	DateTo      string      `json:"date_to"`
	EmployeeIDs []string    `json:"employee_ids,omitempty"`
	AutoFix     bool        `json:"auto_fix"`
	Status      CheckStatus `json:"status"`

	Checked      int `json:"checked"`
	Found        int `json:"found"`
	AutoFixed    int `json:"auto_fixed"`
	ManualReview int `json:"manual_review"`

	Failure     *JobMessage `json:"failure,omitempty"`
	RequestedBy string      `json:"requested_by,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// IssueSnapshot captures both sides of the data at detection time.
type IssueSnapshot struct {
	PresenceRecordID  string            `json:"presence_record_id,omitempty"`
	PresenceStatus    PresenceStatus    `json:"presence_status,omitempty"`
	PresenceMinutes   int               `json:"presence_minutes"`
	TimesheetMinutes  int               `json:"timesheet_minutes"`
	DifferenceMinutes int               `json:"difference_minutes"`
	PresenceHours     decimal.Decimal   `json:"presence_hours"`
	TimesheetHours    decimal.Decimal   `json:"timesheet_hours"`
	TimesheetID       string            `json:"timesheet_id,omitempty"`
	TimesheetStatus   TimesheetStatus   `json:"timesheet_status,omitempty"`
	EntryIDs          []string          `json:"entry_ids,omitempty"`
	EntryStatuses     []TimesheetStatus `json:"entry_statuses,omitempty"`
}

// CoherenceIssue is one detected inconsistency for an employee/day.
type CoherenceIssue struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	CheckID     string        `json:"check_id"`
	Type        IssueType     `json:"type"`
	Severity    Severity      `json:"severity"`
	EmployeeID  string        `json:"employee_id"`
	Date        string        `json:"date"`
	Description string        `json:"description"`
	Snapshot    IssueSnapshot `json:"snapshot"`
	AutoFixable bool          `json:"auto_fixable"`
	Status      IssueStatus   `json:"status"`

	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

var issueNamespace = uuid.MustParse("6f1d7c1e-3b7a-4f55-9d0e-2c8a1f4b9e21")

// DeriveIssueID returns the stable identity of an issue. The same inconsistency detected by
// two checks maps to the same id, so re-runs update instead of duplicating.
func DeriveIssueID(issueType IssueType, employeeID, date string) string {
	return uuid.NewSHA1(issueNamespace, []byte(string(issueType)+"|"+employeeID+"|"+date)).String()
}

// MergeDetected applies a fresh detection onto the stored issue, if any.
// Ignored issues stay ignored, fixed issues are reopened and everything else is refreshed.
func MergeDetected(existing *CoherenceIssue, detected CoherenceIssue) CoherenceIssue {
	if existing == nil {
		return detected
	}
	merged := *existing
	merged.CheckID = detected.CheckID
	merged.Severity = detected.Severity
	merged.Snapshot = detected.Snapshot
	merged.Description = detected.Description
	merged.AutoFixable = detected.AutoFixable
	merged.UpdatedAt = detected.DetectedAt

	switch existing.Status {
	case IssueStatusIgnored:
	case IssueStatusFixed:
		merged.Status = IssueStatusOpen
		merged.ResolvedBy = ""
		merged.ResolvedAt = nil
		merged.ResolutionNotes = ""
	default:
		merged.Status = detected.Status
	}
	return merged
}

// IssueFilter narrows issue listings.
type IssueFilter struct {
	CheckID    string
	Type       IssueType
	Status     IssueStatus
	EmployeeID string
	DateFrom   string
	DateTo     string
}

// Matches reports whether issue satisfies every set field of f.
func (f IssueFilter) Matches(issue CoherenceIssue) bool {
	if f.CheckID != "" && issue.CheckID != f.CheckID {
		return false
	}
	if f.Type != "" && issue.Type != f.Type {
		return false
	}
	if f.Status != "" && issue.Status != f.Status {
		return false
	}
	if f.EmployeeID != "" && issue.EmployeeID != f.EmployeeID {
		return false
	}
	if f.DateFrom != "" && issue.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && issue.Date > f.DateTo {
		return false
	}
	return true
}
