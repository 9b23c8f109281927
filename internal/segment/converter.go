// Package segment turns presence records into timesheet entry candidates.
package segment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/reconciliation/internal/domain"
)

// Mode selects the segmentation strategy.
type Mode string

const (
	// ModeSplit splits the clock window at breaks (presence → timesheet import).
	ModeSplit Mode = "split"
	// ModePrefill emits one segment from clock-in to clock-out.
	ModePrefill Mode = "prefill"
	// ModeBreaks emits only break segments whose category converts.
	ModeBreaks Mode = "breaks"
)

// ModeForJob maps an import job kind to its segmentation mode.
func ModeForJob(kind domain.JobKind) Mode {
	switch kind {
	case domain.JobKindPrefill:
		return ModePrefill
	case domain.JobKindBreakConversion:
		return ModeBreaks
	default:
		return ModeSplit
	}
}

// Kind distinguishes worked time from converted breaks.
type Kind string

const (
	KindWork  Kind = "work"
	KindBreak Kind = "break"
)

// Provenance links a candidate back to its presence record.
type Provenance struct {
	PresenceRecordID string
	BreakIndex       *int
}

// Validation is the outcome of candidate checks.
type Validation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Candidate is a proposed timesheet entry. It is never persisted as is.
type Candidate struct {
	Kind            Kind
	Start           time.Time
	End             time.Time
	DurationMinutes int
	ActivityID      string
	Billable        bool
	Description     string
	Provenance      Provenance
	Validation      Validation
}

// Entry materialises the candidate as a draft entry of timesheetID.
func (c Candidate) Entry(record domain.PresenceRecord, timesheetID string, source domain.EntrySource, now time.Time) domain.TimesheetEntry {
	start, end := c.Start, c.End
	return domain.TimesheetEntry{
		ID:               uuid.NewString(),
		TenantID:         record.TenantID,
		EmployeeID:       record.EmployeeID,
		TimesheetID:      timesheetID,
		Date:             record.Date,
		Start:            &start,
		End:              &end,
		DurationMinutes:  c.DurationMinutes,
		ActivityID:       c.ActivityID,
		Description:      c.Description,
		Billable:         c.Billable,
		Status:           domain.TimesheetStatusDraft,
		Source:           source,
		SourceRecordID:   c.Provenance.PresenceRecordID,
		SourceBreakIndex: c.Provenance.BreakIndex,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Result carries the candidates plus record-level warnings.
type Result struct {
	Candidates []Candidate
	Warnings   []string
}

// Valid returns only the candidates that passed validation.
func (r Result) Valid() []Candidate {
	out := make([]Candidate, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		if c.Validation.Valid {
			out = append(out, c)
		}
	}
	return out
}

// Minutes totals the valid candidate durations.
func (r Result) Minutes() int {
	total := 0
	for _, c := range r.Valid() {
		total += c.DurationMinutes
	}
	return total
}

// ErrMalformedRecord is wrapped in the RecordError returned for unusable input.
var ErrMalformedRecord = errors.New("malformed presence record")

// Converter is stateless; the zero value is ready to use.
type Converter struct{}

// NewConverter returns a Converter.
func NewConverter() *Converter {
	return &Converter{}
}

type indexedBreak struct {
	index int
	domain.Break
}

// Convert segments record according to mode and policy.
func (c *Converter) Convert(record domain.PresenceRecord, policy domain.Policy, mode Mode) (Result, error) {
	if err := checkRecord(record); err != nil {
		return Result{}, err
	}

	var res Result
	if record.ClockIn == nil || record.ClockOut == nil {
		res.Warnings = append(res.Warnings, "presence record has no complete clock window")
		return res, nil
	}
	in, out := *record.ClockIn, *record.ClockOut
	if !in.Before(out) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("clock-in %s is not before clock-out %s", in.Format(time.RFC3339), out.Format(time.RFC3339)))
		return res, nil
	}

	switch mode {
	case ModePrefill:
		res.Candidates = append(res.Candidates, c.work(record, policy, in, out, minutesBetween(in, out)))
	case ModeBreaks:
		breaks := c.usableBreaks(record, in, out, &res)
		for _, b := range breaks {
			if cand, ok := c.breakSegment(record, policy, b); ok {
				res.Candidates = append(res.Candidates, cand)
			}
		}
	case ModeSplit:
		breaks := c.usableBreaks(record, in, out, &res)
		if !policy.SplitBreaks {
			worked := minutesBetween(in, out)
			for _, b := range breaks {
				worked -= minutesBetween(b.Start, *b.End)
			}
			res.Candidates = append(res.Candidates, c.work(record, policy, in, out, worked))
			break
		}
		c.split(record, policy, in, out, breaks, &res)
	default:
		return Result{}, fmt.Errorf("unknown segmentation mode %q", mode)
	}
	return res, nil
}

func (c *Converter) split(record domain.PresenceRecord, policy domain.Policy, in, out time.Time, breaks []indexedBreak, res *Result) {
	cursor := in
	for _, b := range breaks {
		start := b.Start
		if start.Before(cursor) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("break %d overlaps the previous break", b.index))
			start = cursor
		}
		if start.After(cursor) {
			c.appendWork(record, policy, cursor, start, res)
		}
		if !b.End.After(cursor) {
			continue
		}
		if cand, ok := c.breakSegment(record, policy, indexedBreak{index: b.index, Break: domain.Break{Start: start, End: b.End, Category: b.Category, Description: b.Description}}); ok {
			res.Candidates = append(res.Candidates, cand)
		}
		cursor = *b.End
	}
	if cursor.Before(out) {
		c.appendWork(record, policy, cursor, out, res)
	}
}

func (c *Converter) appendWork(record domain.PresenceRecord, policy domain.Policy, start, end time.Time, res *Result) {
	minutes := minutesBetween(start, end)
	if minutes < policy.MinimumEntryMinutes {
		res.Warnings = append(res.Warnings, fmt.Sprintf("work segment %s-%s shorter than %d minutes dropped",
			start.Format("15:04"), end.Format("15:04"), policy.MinimumEntryMinutes))
		return
	}
	res.Candidates = append(res.Candidates, c.work(record, policy, start, end, minutes))
}

func (c *Converter) work(record domain.PresenceRecord, policy domain.Policy, start, end time.Time, minutes int) Candidate {
	cand := Candidate{
		Kind:            KindWork,
		Start:           start,
		End:             end,
		DurationMinutes: minutes,
		ActivityID:      policy.DefaultActivityID,
		Billable:        policy.DefaultBillable,
		Provenance:      Provenance{PresenceRecordID: record.ID},
	}
	cand.Validation = validate(cand, policy)
	return cand
}

func (c *Converter) breakSegment(record domain.PresenceRecord, policy domain.Policy, b indexedBreak) (Candidate, bool) {
	rule := policy.BreakRuleFor(b.Category)
	if !rule.Convert {
		return Candidate{}, false
	}
	activity := rule.ActivityID
	if activity == "" {
		activity = policy.DefaultActivityID
	}
	index := b.index
	cand := Candidate{
		Kind:            KindBreak,
		Start:           b.Start,
		End:             *b.End,
		DurationMinutes: minutesBetween(b.Start, *b.End),
		ActivityID:      activity,
		Billable:        rule.Billable,
		Description:     b.Description,
		Provenance:      Provenance{PresenceRecordID: record.ID, BreakIndex: &index},
	}
	cand.Validation = validate(cand, policy)
	return cand, true
}

// usableBreaks returns a start-sorted copy of the closed breaks that intersect the clock window.
func (c *Converter) usableBreaks(record domain.PresenceRecord, in, out time.Time, res *Result) []indexedBreak {
	breaks := make([]indexedBreak, 0, len(record.Breaks))
	for i, b := range record.Breaks {
		if b.End == nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("break %d has no end and was skipped", i))
			continue
		}
		if !b.End.After(b.Start) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("break %d ends before it starts and was skipped", i))
			continue
		}
		if !b.End.After(in) || !b.Start.Before(out) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("break %d lies outside the clock window and was skipped", i))
			continue
		}
		if b.Start.Before(in) || b.End.After(out) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("break %d exceeds the clock window and was clamped", i))
			if b.Start.Before(in) {
				b.Start = in
			}
			if b.End.After(out) {
				end := out
				b.End = &end
			}
		}
		breaks = append(breaks, indexedBreak{index: i, Break: b})
	}
	sort.SliceStable(breaks, func(i, j int) bool { return breaks[i].Start.Before(breaks[j].Start) })
	return breaks
}

func validate(c Candidate, policy domain.Policy) Validation {
	var v Validation
	if !c.Start.Before(c.End) {
		v.Errors = append(v.Errors, "start must be before end")
	}
	if c.DurationMinutes < policy.MinimumEntryMinutes {
		v.Errors = append(v.Errors, fmt.Sprintf("duration %d is below the minimum of %d minutes", c.DurationMinutes, policy.MinimumEntryMinutes))
	}
	if c.Billable && c.ActivityID == "" {
		v.Warnings = append(v.Warnings, "billable entry has no activity")
	}
	if policy.DailyMinimumHours > 0 && c.Kind == KindWork && float64(c.DurationMinutes) < policy.DailyMinimumHours*60 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("duration below the daily minimum of %.2f hours", policy.DailyMinimumHours))
	}
	v.Valid = len(v.Errors) == 0
	return v
}

func checkRecord(record domain.PresenceRecord) error {
	var problems []string
	if strings.TrimSpace(record.TenantID) == "" {
		problems = append(problems, "tenant id is empty")
	}
	if strings.TrimSpace(record.EmployeeID) == "" {
		problems = append(problems, "employee id is empty")
	}
	if !domain.ValidDate(record.Date) {
		problems = append(problems, fmt.Sprintf("date %q is not YYYY-MM-DD", record.Date))
	}
	if len(problems) == 0 {
		return nil
	}
	return &domain.RecordError{
		RecordID: record.ID,
		Code:     domain.CodeConversionFailed,
		Err:      fmt.Errorf("%w: %s", ErrMalformedRecord, strings.Join(problems, "; ")),
	}
}

func minutesBetween(start, end time.Time) int {
	return int(end.Sub(start) / time.Minute)
}
