package domain

import "time"

// SyncDirection selects which side seeds the other.
type SyncDirection string

const (
	DirectionPresenceToTimesheet SyncDirection = "presence_to_timesheet"
	DirectionTimesheetToPresence SyncDirection = "timesheet_to_presence"
	DirectionBidirectional       SyncDirection = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionPresenceToTimesheet, DirectionTimesheetToPresence, DirectionBidirectional:
		return true
	default:
		return false
	}
}

// SyncRunStatus summarises the outcome of a sync run.
type SyncRunStatus string

const (
	SyncStatusSuccess SyncRunStatus = "success"
	SyncStatusPartial SyncRunStatus = "partial"
	SyncStatusFailed  SyncRunStatus = "failed"
)

// ConflictType is the closed set of pairwise sync conflicts.
type ConflictType string

const (
	ConflictTimeMismatch ConflictType = "time_mismatch"
	ConflictDateMismatch ConflictType = "date_mismatch"
)

// SyncRequest describes one synchronization call.
type SyncRequest struct {
	TenantID    string        `json:"tenant_id" validate:"required"`
	Direction   SyncDirection `json:"direction" validate:"required,oneof=presence_to_timesheet timesheet_to_presence bidirectional"`
	DateFrom    string        `json:"date_from" validate:"required,datekey"`
	DateTo      string        `json:"date_to" validate:"required,datekey"`
	EmployeeIDs []string      `json:"employee_ids,omitempty"`
	RequestedBy string        `json:"requested_by,omitempty"`
}

// SyncRun is the persisted summary of a synchronization call.
type SyncRun struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Direction   SyncDirection `json:"direction"`
	DateFrom    string        `json:"date_from"`
	DateTo      string        `json:"date_to"`
	EmployeeIDs []string      `json:"employee_ids,omitempty"`
	Status      SyncRunStatus `json:"status"`

	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`

	ConflictsFound    int `json:"conflicts_found"`
	ConflictsResolved int `json:"conflicts_resolved"`

	Errors      []JobMessage `json:"errors"`
	RequestedBy string       `json:"requested_by,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// FinalStatus derives the run status from its counters: failed when every processed record
// failed, partial when some did and success otherwise.
func (r SyncRun) FinalStatus() SyncRunStatus {
	switch {
	case r.Errored > 0 && r.Errored >= r.Processed:
		return SyncStatusFailed
	case r.Errored > 0:
		return SyncStatusPartial
	default:
		return SyncStatusSuccess
	}
}

// SyncConflict is a disagreement between one presence record and the entries of the same day.
type SyncConflict struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	TenantID   string       `json:"tenant_id"`
	EmployeeID string       `json:"employee_id"`
	Date       string       `json:"date"`
	Type       ConflictType `json:"type"`
	Severity   Severity     `json:"severity"`
	Status     IssueStatus  `json:"status"`

	PresenceRecordID  string    `json:"presence_record_id"`
	PresenceMinutes   int       `json:"presence_minutes"`
	PresenceUpdatedAt time.Time `json:"presence_updated_at"`

	EntryIDs           []string  `json:"entry_ids"`
	TimesheetMinutes   int       `json:"timesheet_minutes"`
	TimesheetUpdatedAt time.Time `json:"timesheet_updated_at"`

	DifferenceMinutes int              `json:"difference_minutes"`
	Resolution        ConflictStrategy `json:"resolution,omitempty"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
	DetectedAt        time.Time        `json:"detected_at"`
}

// ResolutionOutcome summarises a batch resolution.
type ResolutionOutcome struct {
	Resolved []string          `json:"resolved"`
	Failed   map[string]string `json:"failed"`
}

// NewResolutionOutcome returns an empty outcome.
func NewResolutionOutcome() ResolutionOutcome {
	return ResolutionOutcome{Resolved: []string{}, Failed: map[string]string{}}
}
