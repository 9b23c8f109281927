package coherence

import (
	"fmt"
	"sort"
	"time"

	"example.com/reconciliation/internal/domain"
)

// Snapshot is the data a check compares. All three slices cover the same range.
type Snapshot struct {
	Presence   []domain.PresenceRecord
	Entries    []domain.TimesheetEntry
	Timesheets []domain.Timesheet
}

// Detection is the pure outcome of running the detectors over a snapshot.
type Detection struct {
	Checked int
	Issues  []domain.CoherenceIssue
}

type detector struct {
	policy   domain.Policy
	checkID  string
	tenantID string
	now      time.Time

	keys     []domain.DayKey
	presence map[domain.DayKey]domain.PresenceRecord
	entries  map[domain.DayKey][]domain.TimesheetEntry
	headers  map[string]domain.Timesheet
}

// Detect runs every detector over snap. The result is deterministic for a given input.
func Detect(snap Snapshot, policy domain.Policy, tenantID, checkID string, now time.Time) Detection {
	d := detector{
		policy:   policy,
		checkID:  checkID,
		tenantID: tenantID,
		now:      now,
		presence: domain.IndexPresenceByDay(snap.Presence),
		entries:  domain.GroupEntriesByDay(snap.Entries),
		headers:  make(map[string]domain.Timesheet, len(snap.Timesheets)),
	}
	for _, h := range snap.Timesheets {
		d.headers[h.ID] = h
	}
	seen := make(map[domain.DayKey]struct{}, len(d.presence)+len(d.entries))
	for k := range d.presence {
		seen[k] = struct{}{}
	}
	for k := range d.entries {
		seen[k] = struct{}{}
	}
	for k := range seen {
		d.keys = append(d.keys, k)
	}
	sort.Slice(d.keys, func(i, j int) bool {
		if d.keys[i].Date != d.keys[j].Date {
			return d.keys[i].Date < d.keys[j].Date
		}
		return d.keys[i].EmployeeID < d.keys[j].EmployeeID
	})

	out := Detection{Checked: len(d.keys)}
	for _, t := range domain.IssueTypes {
		out.Issues = append(out.Issues, d.run(t)...)
	}
	return out
}

func (d *detector) run(t domain.IssueType) []domain.CoherenceIssue {
	switch t {
	case domain.IssueTimeMismatch:
		return d.timeMismatch()
	case domain.IssueMissingPresence:
		return d.missingPresence()
	case domain.IssueMissingTimesheet:
		return d.missingTimesheet()
	case domain.IssueStatusConflict:
		return d.statusConflict()
	case domain.IssueValidationError:
		return d.implausibleDuration()
	case domain.IssueDataInconsistency:
		// raised by callers that reconcile external data, never by a check
		return nil
	}
	return nil
}

func (d *detector) timeMismatch() []domain.CoherenceIssue {
	var out []domain.CoherenceIssue
	for _, k := range d.keys {
		rec, ok := d.presence[k]
		entries := d.entries[k]
		if !ok || len(entries) == 0 {
			continue
		}
		worked, booked := rec.EffectiveWorkMinutes(), domain.SumMinutes(entries)
		diff := abs(worked - booked)
		if diff <= d.policy.ToleranceMinutes {
			continue
		}
		severity := domain.SeverityMinor
		if diff > d.policy.AutoResolveThresholdMinutes {
			severity = domain.SeverityMajor
		}
		out = append(out, d.issue(domain.IssueTimeMismatch, k, severity, false,
			fmt.Sprintf("presence shows %d minutes, timesheet %d minutes (difference %d)", worked, booked, diff),
			d.snapshot(k)))
	}
	return out
}

func (d *detector) missingPresence() []domain.CoherenceIssue {
	if d.policy.AllowTimesheetWithoutPresence {
		return nil
	}
	var out []domain.CoherenceIssue
	for _, k := range d.keys {
		if _, ok := d.presence[k]; ok {
			continue
		}
		entries := d.entries[k]
		if domain.SumMinutes(entries) <= 0 {
			continue
		}
		out = append(out, d.issue(domain.IssueMissingPresence, k, domain.SeverityMajor, true,
			fmt.Sprintf("%d timesheet entries without a presence record", len(entries)),
			d.snapshot(k)))
	}
	return out
}

func (d *detector) missingTimesheet() []domain.CoherenceIssue {
	if d.policy.AllowPresenceWithoutTimesheet {
		return nil
	}
	var out []domain.CoherenceIssue
	for _, k := range d.keys {
		rec, ok := d.presence[k]
		if !ok || len(d.entries[k]) > 0 {
			continue
		}
		if rec.Status != domain.PresenceStatusPresent || rec.EffectiveWorkMinutes() <= 0 {
			continue
		}
		out = append(out, d.issue(domain.IssueMissingTimesheet, k, domain.SeverityMajor, false,
			fmt.Sprintf("presence with %d worked minutes has no timesheet entries", rec.EffectiveWorkMinutes()),
			d.snapshot(k)))
	}
	return out
}

func (d *detector) statusConflict() []domain.CoherenceIssue {
	var out []domain.CoherenceIssue
	for _, k := range d.keys {
		var mismatched int
		for _, e := range d.entries[k] {
			header, ok := d.headers[e.TimesheetID]
			if ok && header.Status == domain.TimesheetStatusApproved && e.Status != domain.TimesheetStatusApproved {
				mismatched++
			}
		}
		if mismatched == 0 {
			continue
		}
		out = append(out, d.issue(domain.IssueStatusConflict, k, domain.SeverityMajor, true,
			fmt.Sprintf("%d entries are not approved on an approved timesheet", mismatched),
			d.snapshot(k)))
	}
	return out
}

func (d *detector) implausibleDuration() []domain.CoherenceIssue {
	if !d.policy.DetectImplausibleDurations {
		return nil
	}
	var out []domain.CoherenceIssue
	for _, k := range d.keys {
		rec, ok := d.presence[k]
		if !ok || rec.Status != domain.PresenceStatusPresent {
			continue
		}
		worked := rec.EffectiveWorkMinutes()
		if worked >= d.policy.MinWorkMinutes && worked <= d.policy.MaxWorkMinutes {
			continue
		}
		out = append(out, d.issue(domain.IssueValidationError, k, domain.SeverityMinor, false,
			fmt.Sprintf("worked %d minutes, expected between %d and %d", worked, d.policy.MinWorkMinutes, d.policy.MaxWorkMinutes),
			d.snapshot(k)))
	}
	return out
}

func (d *detector) issue(t domain.IssueType, k domain.DayKey, severity domain.Severity, autoFixable bool, description string, snap domain.IssueSnapshot) domain.CoherenceIssue {
	return domain.CoherenceIssue{
		ID:          domain.DeriveIssueID(t, k.EmployeeID, k.Date),
		TenantID:    d.tenantID,
		CheckID:     d.checkID,
		Type:        t,
		Severity:    severity,
		EmployeeID:  k.EmployeeID,
		Date:        k.Date,
		Description: description,
		Snapshot:    snap,
		AutoFixable: autoFixable,
		Status:      domain.IssueStatusOpen,
		DetectedAt:  d.now,
		UpdatedAt:   d.now,
	}
}

func (d *detector) snapshot(k domain.DayKey) domain.IssueSnapshot {
	var snap domain.IssueSnapshot
	if rec, ok := d.presence[k]; ok {
		snap.PresenceRecordID = rec.ID
		snap.PresenceStatus = rec.Status
		snap.PresenceMinutes = rec.EffectiveWorkMinutes()
	}
	for _, e := range d.entries[k] {
		snap.EntryIDs = append(snap.EntryIDs, e.ID)
		snap.EntryStatuses = append(snap.EntryStatuses, e.Status)
		snap.TimesheetMinutes += e.DurationMinutes
		if snap.TimesheetID == "" {
			if header, ok := d.headers[e.TimesheetID]; ok {
				snap.TimesheetID = header.ID
				snap.TimesheetStatus = header.Status
			}
		}
	}
	snap.DifferenceMinutes = abs(snap.PresenceMinutes - snap.TimesheetMinutes)
	snap.PresenceHours = domain.HoursFromMinutes(snap.PresenceMinutes)
	snap.TimesheetHours = domain.HoursFromMinutes(snap.TimesheetMinutes)
	return snap
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// RangeForKind returns the day range a scheduled check of kind covers relative to now:
// yesterday, the previous ISO week or the previous calendar month.
func RangeForKind(kind domain.CheckKind, now time.Time) (string, string, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch kind {
	case domain.CheckKindDaily:
		day := today.AddDate(0, 0, -1).Format(domain.DateLayout)
		return day, day, nil
	case domain.CheckKindWeekly:
		return domain.WeekBounds(today.AddDate(0, 0, -7).Format(domain.DateLayout))
	case domain.CheckKindMonthly:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		prev := first.AddDate(0, -1, 0)
		return prev.Format(domain.DateLayout), first.AddDate(0, 0, -1).Format(domain.DateLayout), nil
	case domain.CheckKindOnDemand:
		return "", "", domain.NewValidationError("date_from", "on_demand checks need an explicit range")
	}
	return "", "", domain.NewValidationError("kind", "unknown check kind %q", kind)
}
