package syncer

import (
	"time"

	"example.com/reconciliation/internal/domain"
)

// Pairwise compares one presence record with the entries of the same day. It reports a
// time_mismatch when the totals differ by more than the tolerance and a date_mismatch when a
// clock-in or entry start falls on another calendar day in the tenant's timezone.
func Pairwise(rec domain.PresenceRecord, day []domain.TimesheetEntry, policy domain.Policy, now time.Time) []domain.SyncConflict {
	worked, booked := rec.EffectiveWorkMinutes(), domain.SumMinutes(day)
	diff := worked - booked
	if diff < 0 {
		diff = -diff
	}
	base := domain.SyncConflict{
		EmployeeID:         rec.EmployeeID,
		Date:               rec.Date,
		Status:             domain.IssueStatusOpen,
		PresenceRecordID:   rec.ID,
		PresenceMinutes:    worked,
		PresenceUpdatedAt:  rec.UpdatedAt,
		TimesheetMinutes:   booked,
		TimesheetUpdatedAt: domain.LatestUpdate(day),
		DifferenceMinutes:  diff,
		DetectedAt:         now,
	}
	for _, e := range day {
		base.EntryIDs = append(base.EntryIDs, e.ID)
	}

	var out []domain.SyncConflict
	if diff > policy.ToleranceMinutes {
		c := base
		c.Type = domain.ConflictTimeMismatch
		c.Severity = domain.SeverityMinor
		if diff > policy.AutoResolveThresholdMinutes {
			c.Severity = domain.SeverityMajor
		}
		out = append(out, c)
	}
	if offDay(rec, day, policy.Location()) {
		c := base
		c.Type = domain.ConflictDateMismatch
		c.Severity = domain.SeverityMinor
		out = append(out, c)
	}
	return out
}

func offDay(rec domain.PresenceRecord, day []domain.TimesheetEntry, loc *time.Location) bool {
	if rec.ClockIn != nil && rec.ClockIn.In(loc).Format(domain.DateLayout) != rec.Date {
		return true
	}
	for _, e := range day {
		if e.Start != nil && e.Start.In(loc).Format(domain.DateLayout) != e.Date {
			return true
		}
	}
	return false
}
