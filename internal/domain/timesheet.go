package domain

import "time"

// TimesheetStatus is the approval state shared by timesheet headers and entries.
type TimesheetStatus string

const (
	TimesheetStatusDraft     TimesheetStatus = "draft"
	TimesheetStatusSubmitted TimesheetStatus = "submitted"
	TimesheetStatusApproved  TimesheetStatus = "approved"
	TimesheetStatusRejected  TimesheetStatus = "rejected"
)

// Locked reports whether entries may no longer be appended to a timesheet in this status.
func (s TimesheetStatus) Locked() bool {
	return s == TimesheetStatusSubmitted || s == TimesheetStatusApproved
}

// EntrySource records how a timesheet entry came into existence.
type EntrySource string

const (
	EntrySourceManual          EntrySource = "manual"
	EntrySourcePresenceImport  EntrySource = "presence_import"
	EntrySourcePrefill         EntrySource = "prefill"
	EntrySourceBreakConversion EntrySource = "break_conversion"
	EntrySourceSync            EntrySource = "sync"
)

// Timesheet is the weekly header that owns entries of one employee.
type Timesheet struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	EmployeeID  string          `json:"employee_id"`
	PeriodStart string          `json:"period_start"`
	PeriodEnd   string          `json:"period_end"`
	Status      TimesheetStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TimesheetEntry is a unit of worked time tied to an activity.
type TimesheetEntry struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	EmployeeID       string          `json:"employee_id"`
	TimesheetID      string          `json:"timesheet_id"`
	Date             string          `json:"date"`
	Start            *time.Time      `json:"start,omitempty"`
	End              *time.Time      `json:"end,omitempty"`
	DurationMinutes  int             `json:"duration_minutes"`
	ActivityID       string          `json:"activity_id,omitempty"`
	ProjectID        string          `json:"project_id,omitempty"`
	Description      string          `json:"description,omitempty"`
	Billable         bool            `json:"billable"`
	Status           TimesheetStatus `json:"status"`
	Source           EntrySource     `json:"source"`
	SourceRecordID   string          `json:"source_record_id,omitempty"`
	SourceBreakIndex *int            `json:"source_break_index,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key returns the pairing key of the entry.
func (e TimesheetEntry) Key() DayKey {
	return DayKey{EmployeeID: e.EmployeeID, Date: e.Date}
}

// SumMinutes totals entry durations.
func SumMinutes(entries []TimesheetEntry) int {
	total := 0
	for _, e := range entries {
		total += e.DurationMinutes
	}
	return total
}

// LatestUpdate returns the newest UpdatedAt among entries.
func LatestUpdate(entries []TimesheetEntry) time.Time {
	var latest time.Time
	for _, e := range entries {
		if e.UpdatedAt.After(latest) {
			latest = e.UpdatedAt
		}
	}
	return latest
}

// GroupEntriesByDay indexes entries by employee/day keeping input order.
func GroupEntriesByDay(entries []TimesheetEntry) map[DayKey][]TimesheetEntry {
	out := make(map[DayKey][]TimesheetEntry)
	for _, e := range entries {
		out[e.Key()] = append(out[e.Key()], e)
	}
	return out
}

// IndexPresenceByDay indexes presence records by employee/day.
func IndexPresenceByDay(records []PresenceRecord) map[DayKey]PresenceRecord {
	out := make(map[DayKey]PresenceRecord, len(records))
	for _, r := range records {
		out[r.Key()] = r
	}
	return out
}
