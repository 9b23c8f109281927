package segment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/domain"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, time.March, 11, hour, minute, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func record(in, out *time.Time, breaks ...domain.Break) domain.PresenceRecord {
	return domain.PresenceRecord{
		ID:         "rec-1",
		TenantID:   "tenant-1",
		EmployeeID: "emp-1",
		Date:       "2024-03-11",
		ClockIn:    in,
		ClockOut:   out,
		Breaks:     breaks,
		Status:     domain.PresenceStatusPresent,
	}
}

type span struct {
	Kind    Kind
	Start   string
	End     string
	Minutes int
}

func spans(cands []Candidate) []span {
	out := make([]span, 0, len(cands))
	for _, c := range cands {
		out = append(out, span{Kind: c.Kind, Start: c.Start.Format("15:04"), End: c.End.Format("15:04"), Minutes: c.DurationMinutes})
	}
	return out
}

func TestConvertSplitsAroundUnconvertedLunch(t *testing.T) {
	rec := record(ptr(at(9, 0)), ptr(at(17, 0)), domain.Break{Start: at(12, 0), End: ptr(at(12, 30)), Category: "lunch"})

	res, err := NewConverter().Convert(rec, domain.DefaultPolicy("tenant-1"), ModeSplit)
	require.NoError(t, err)

	want := []span{
		{Kind: KindWork, Start: "09:00", End: "12:00", Minutes: 180},
		{Kind: KindWork, Start: "12:30", End: "17:00", Minutes: 270},
	}
	if diff := cmp.Diff(want, spans(res.Candidates)); diff != "" {
		t.Fatalf("unexpected candidates (-want +got):\n%s", diff)
	}
	for _, c := range res.Candidates {
		require.True(t, c.Validation.Valid)
		require.Equal(t, "rec-1", c.Provenance.PresenceRecordID)
		require.Nil(t, c.Provenance.BreakIndex)
	}
	require.Equal(t, 450, res.Minutes())
}

func TestConvertEmitsConvertedBreakSegment(t *testing.T) {
	policy := domain.DefaultPolicy("tenant-1")
	policy.BreakRules["training"] = domain.BreakRule{Convert: true, Billable: true, ActivityID: "act-training"}
	rec := record(ptr(at(9, 0)), ptr(at(17, 0)),
		domain.Break{Start: at(14, 0), End: ptr(at(15, 0)), Category: "training"},
		domain.Break{Start: at(12, 0), End: ptr(at(12, 30)), Category: "lunch"},
	)

	res, err := NewConverter().Convert(rec, policy, ModeSplit)
	require.NoError(t, err)

	want := []span{
		{Kind: KindWork, Start: "09:00", End: "12:00", Minutes: 180},
		{Kind: KindWork, Start: "12:30", End: "14:00", Minutes: 90},
		{Kind: KindBreak, Start: "14:00", End: "15:00", Minutes: 60},
		{Kind: KindWork, Start: "15:00", End: "17:00", Minutes: 120},
	}
	if diff := cmp.Diff(want, spans(res.Candidates)); diff != "" {
		t.Fatalf("unexpected candidates (-want +got):\n%s", diff)
	}
	brk := res.Candidates[2]
	require.NotNil(t, brk.Provenance.BreakIndex)
	require.Equal(t, 0, *brk.Provenance.BreakIndex, "provenance keeps the original break index")
	require.True(t, brk.Billable)
	require.Equal(t, "act-training", brk.ActivityID)
}

func TestConvertRejectsInvertedClockWindow(t *testing.T) {
	for name, rec := range map[string]domain.PresenceRecord{
		"inverted":  record(ptr(at(17, 0)), ptr(at(9, 0))),
		"equal":     record(ptr(at(9, 0)), ptr(at(9, 0))),
		"no clock":  record(nil, ptr(at(9, 0))),
		"no finish": record(ptr(at(9, 0)), nil),
	} {
		res, err := NewConverter().Convert(rec, domain.DefaultPolicy("tenant-1"), ModeSplit)
		require.NoError(t, err, name)
		require.Empty(t, res.Candidates, name)
		require.Len(t, res.Warnings, 1, name)
	}
}

func TestConvertValidCandidatesRespectInvariants(t *testing.T) {
	policy := domain.DefaultPolicy("tenant-1")
	policy.BreakRules["errand"] = domain.BreakRule{Convert: true}
	rec := record(ptr(at(8, 0)), ptr(at(18, 0)),
		domain.Break{Start: at(8, 5), End: ptr(at(8, 10)), Category: "errand"},
		domain.Break{Start: at(10, 0), End: ptr(at(10, 50)), Category: "coffee"},
		domain.Break{Start: at(10, 30), End: ptr(at(11, 0)), Category: "lunch"},
		domain.Break{Start: at(17, 50), End: nil, Category: "lunch"},
	)

	res, err := NewConverter().Convert(rec, policy, ModeSplit)
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	require.NotEmpty(t, res.Warnings)

	for _, c := range res.Valid() {
		require.True(t, c.Start.Before(c.End))
		require.GreaterOrEqual(t, c.DurationMinutes, policy.MinimumEntryMinutes)
		require.Equal(t, int(c.End.Sub(c.Start)/time.Minute), c.DurationMinutes)
	}

	// the 5 minute errand is converted but fails validation
	var invalid []Candidate
	for _, c := range res.Candidates {
		if !c.Validation.Valid {
			invalid = append(invalid, c)
		}
	}
	require.Len(t, invalid, 1)
	require.Equal(t, KindBreak, invalid[0].Kind)
}

func TestConvertDropsShortWorkSegments(t *testing.T) {
	rec := record(ptr(at(9, 0)), ptr(at(12, 0)), domain.Break{Start: at(9, 10), End: ptr(at(9, 30)), Category: "lunch"})

	res, err := NewConverter().Convert(rec, domain.DefaultPolicy("tenant-1"), ModeSplit)
	require.NoError(t, err)
	require.Equal(t, []span{{Kind: KindWork, Start: "09:30", End: "12:00", Minutes: 150}}, spans(res.Candidates))
	require.Contains(t, res.Warnings[0], "shorter than 15 minutes")
}

func TestConvertPrefillIgnoresBreaks(t *testing.T) {
	rec := record(ptr(at(9, 0)), ptr(at(17, 0)), domain.Break{Start: at(12, 0), End: ptr(at(12, 30)), Category: "lunch"})

	res, err := NewConverter().Convert(rec, domain.DefaultPolicy("tenant-1"), ModePrefill)
	require.NoError(t, err)
	require.Equal(t, []span{{Kind: KindWork, Start: "09:00", End: "17:00", Minutes: 480}}, spans(res.Candidates))
}

func TestConvertBreaksModeOnlyEmitsConvertedBreaks(t *testing.T) {
	policy := domain.DefaultPolicy("tenant-1")
	policy.BreakRules["training"] = domain.BreakRule{Convert: true}
	rec := record(ptr(at(9, 0)), ptr(at(17, 0)),
		domain.Break{Start: at(12, 0), End: ptr(at(12, 30)), Category: "lunch"},
		domain.Break{Start: at(14, 0), End: ptr(at(15, 0)), Category: "training"},
	)

	res, err := NewConverter().Convert(rec, policy, ModeBreaks)
	require.NoError(t, err)
	require.Equal(t, []span{{Kind: KindBreak, Start: "14:00", End: "15:00", Minutes: 60}}, spans(res.Candidates))
}

func TestConvertWithoutBreakSplittingDeductsBreaks(t *testing.T) {
	policy := domain.DefaultPolicy("tenant-1")
	policy.SplitBreaks = false
	rec := record(ptr(at(9, 0)), ptr(at(17, 0)), domain.Break{Start: at(12, 0), End: ptr(at(12, 30)), Category: "lunch"})

	res, err := NewConverter().Convert(rec, policy, ModeSplit)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	require.Equal(t, 450, res.Candidates[0].DurationMinutes)
}

func TestConvertWarnsOnBillableWithoutActivity(t *testing.T) {
	policy := domain.DefaultPolicy("tenant-1")
	policy.DefaultBillable = true
	policy.DailyMinimumHours = 4
	rec := record(ptr(at(9, 0)), ptr(at(12, 0)))

	res, err := NewConverter().Convert(rec, policy, ModeSplit)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	v := res.Candidates[0].Validation
	require.True(t, v.Valid)
	require.Len(t, v.Warnings, 2)
}

func TestConvertMalformedRecord(t *testing.T) {
	rec := record(ptr(at(9, 0)), ptr(at(17, 0)))
	rec.Date = "11.03.2024"
	rec.EmployeeID = " "

	_, err := NewConverter().Convert(rec, domain.DefaultPolicy("tenant-1"), ModeSplit)
	require.Error(t, err)
	var recErr *domain.RecordError
	require.True(t, errors.As(err, &recErr))
	require.Equal(t, "rec-1", recErr.RecordID)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestCandidateEntryCarriesProvenance(t *testing.T) {
	idx := 2
	c := Candidate{Kind: KindBreak, Start: at(14, 0), End: at(15, 0), DurationMinutes: 60, Provenance: Provenance{PresenceRecordID: "rec-1", BreakIndex: &idx}}
	now := at(20, 0)

	entry := c.Entry(record(nil, nil), "ts-1", domain.EntrySourceBreakConversion, now)

	want := domain.TimesheetEntry{
		TenantID:         "tenant-1",
		EmployeeID:       "emp-1",
		TimesheetID:      "ts-1",
		Date:             "2024-03-11",
		Start:            ptr(at(14, 0)),
		End:              ptr(at(15, 0)),
		DurationMinutes:  60,
		Status:           domain.TimesheetStatusDraft,
		Source:           domain.EntrySourceBreakConversion,
		SourceRecordID:   "rec-1",
		SourceBreakIndex: &idx,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if diff := cmp.Diff(want, entry, cmpopts.IgnoreFields(domain.TimesheetEntry{}, "ID")); diff != "" {
		t.Fatalf("unexpected entry (-want +got):\n%s", diff)
	}
	require.NotEmpty(t, entry.ID)
}
