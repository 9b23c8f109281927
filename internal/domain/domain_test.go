package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWeekBoundsUsesISOWeek(t *testing.T) {
	cases := map[string][2]string{
		"2024-03-11": {"2024-03-11", "2024-03-17"}, // Monday
		"2024-03-17": {"2024-03-11", "2024-03-17"}, // Sunday
		"2024-12-31": {"2024-12-30", "2025-01-05"},
	}
	for date, want := range cases {
		start, end, err := WeekBounds(date)
		require.NoError(t, err, date)
		require.Equal(t, want[0], start, date)
		require.Equal(t, want[1], end, date)
	}

	_, _, err := WeekBounds("11/03/2024")
	require.Error(t, err)
}

func TestDaysInRange(t *testing.T) {
	days, err := DaysInRange("2024-01-01", "2024-12-31")
	require.NoError(t, err)
	require.Equal(t, 366, days)
}

func TestHoursFromMinutesRoundsToTwoDecimals(t *testing.T) {
	require.Equal(t, "8", HoursFromMinutes(480).String())
	require.Equal(t, "7.17", HoursFromMinutes(430).String())
}

func TestDeriveIssueIDIsDeterministic(t *testing.T) {
	a := DeriveIssueID(IssueTimeMismatch, "emp-1", "2024-03-11")
	b := DeriveIssueID(IssueTimeMismatch, "emp-1", "2024-03-11")
	require.Equal(t, a, b)
	require.NotEqual(t, a, DeriveIssueID(IssueMissingPresence, "emp-1", "2024-03-11"))
	require.NotEqual(t, a, DeriveIssueID(IssueTimeMismatch, "emp-2", "2024-03-11"))
	require.NotEqual(t, a, DeriveIssueID(IssueTimeMismatch, "emp-1", "2024-03-12"))
}

func TestMergeDetected(t *testing.T) {
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	detected := CoherenceIssue{ID: "i", CheckID: "check-2", Status: IssueStatusOpen, Severity: SeverityMajor, DetectedAt: now}

	require.Equal(t, detected, MergeDetected(nil, detected))

	ignored := CoherenceIssue{ID: "i", CheckID: "check-1", Status: IssueStatusIgnored, Severity: SeverityMinor}
	merged := MergeDetected(&ignored, detected)
	require.Equal(t, IssueStatusIgnored, merged.Status)
	require.Equal(t, "check-2", merged.CheckID)
	require.Equal(t, SeverityMajor, merged.Severity)

	resolvedAt := now.Add(-time.Hour)
	fixed := CoherenceIssue{ID: "i", Status: IssueStatusFixed, ResolvedBy: "ops", ResolvedAt: &resolvedAt}
	merged = MergeDetected(&fixed, detected)
	require.Equal(t, IssueStatusOpen, merged.Status)
	require.Empty(t, merged.ResolvedBy)
	require.Nil(t, merged.ResolvedAt)
}

func TestSyncRunFinalStatus(t *testing.T) {
	require.Equal(t, SyncStatusSuccess, SyncRun{Processed: 3}.FinalStatus())
	require.Equal(t, SyncStatusPartial, SyncRun{Processed: 3, Errored: 1}.FinalStatus())
	require.Equal(t, SyncStatusFailed, SyncRun{Processed: 3, Errored: 3}.FinalStatus())
	require.Equal(t, SyncStatusSuccess, SyncRun{}.FinalStatus())
}

func TestRecomputeTotals(t *testing.T) {
	in := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	out := in.Add(8 * time.Hour)
	breakEnd := in.Add(3*time.Hour + 30*time.Minute)
	rec := PresenceRecord{
		ClockIn:  &in,
		ClockOut: &out,
		Breaks:   []Break{{Start: in.Add(3 * time.Hour), End: &breakEnd}},
	}
	rec.RecomputeTotals()
	require.Equal(t, 480, rec.PresenceMinutes)
	require.Equal(t, 30, rec.BreakMinutes)
	require.Equal(t, 450, rec.WorkMinutes)
	require.Equal(t, "7.5", rec.TotalHours.String())

	adjusted := 400
	rec.AdjustedWorkMinutes = &adjusted
	require.Equal(t, 400, rec.EffectiveWorkMinutes())
}
