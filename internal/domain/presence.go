package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PresenceStatus is the attendance state captured for one employee/day.
type PresenceStatus string

const (
	PresenceStatusPresent    PresenceStatus = "present"
	PresenceStatusAbsent     PresenceStatus = "absent"
	PresenceStatusPartial    PresenceStatus = "partial"
	PresenceStatusIncomplete PresenceStatus = "incomplete"
)

// Break is a pause inside a presence window. End is nil while the break is still open.
type Break struct {
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
}

// Minutes returns the closed break length, or zero when End is missing or not after Start.
func (b Break) Minutes() int {
	if b.End == nil || !b.End.After(b.Start) {
		return 0
	}
	return int(b.End.Sub(b.Start) / time.Minute)
}

// PresenceRecord is the clock capture of one employee for one calendar day.
// Date is an opaque YYYY-MM-DD key and is never converted into an instant for pairing.
type PresenceRecord struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EmployeeID string         `json:"employee_id"`
	Date       string         `json:"date"`
	ClockIn    *time.Time     `json:"clock_in,omitempty"`
	ClockOut   *time.Time     `json:"clock_out,omitempty"`
	Breaks     []Break        `json:"breaks"`
	Status     PresenceStatus `json:"status"`

	PresenceMinutes int             `json:"presence_minutes"`
	BreakMinutes    int             `json:"break_minutes"`
	WorkMinutes     int             `json:"work_minutes"`
	TotalHours      decimal.Decimal `json:"total_hours"`

	// AdjustedWorkMinutes overrides WorkMinutes after a timesheet-priority sync resolution.
	// Captured clock data is left untouched.
	AdjustedWorkMinutes *int `json:"adjusted_work_minutes,omitempty"`

	SystemGenerated bool      `json:"system_generated"`
	Source          string    `json:"source,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EffectiveWorkMinutes is the work time used for reconciliation.
func (p PresenceRecord) EffectiveWorkMinutes() int {
	if p.AdjustedWorkMinutes != nil {
		return *p.AdjustedWorkMinutes
	}
	return p.WorkMinutes
}

// Key returns the pairing key of the record.
func (p PresenceRecord) Key() DayKey {
	return DayKey{EmployeeID: p.EmployeeID, Date: p.Date}
}

// RecomputeTotals derives presence, break and work totals from the clock data.
// Records without a complete clock window keep their stored work minutes.
func (p *PresenceRecord) RecomputeTotals() {
	if p.ClockIn != nil && p.ClockOut != nil && p.ClockOut.After(*p.ClockIn) {
		p.PresenceMinutes = int(p.ClockOut.Sub(*p.ClockIn) / time.Minute)
		p.BreakMinutes = 0
		for _, b := range p.Breaks {
			p.BreakMinutes += b.Minutes()
		}
		p.WorkMinutes = p.PresenceMinutes - p.BreakMinutes
		if p.WorkMinutes < 0 {
			p.WorkMinutes = 0
		}
	}
	p.TotalHours = HoursFromMinutes(p.EffectiveWorkMinutes())
}

// DayKey pairs presence and timesheet data.
type DayKey struct {
	EmployeeID string
	Date       string
}

func (k DayKey) String() string {
	return k.EmployeeID + "@" + k.Date
}
