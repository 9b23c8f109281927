// Package report renders coherence issues as spreadsheets for payroll review.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"example.com/reconciliation/internal/domain"
)

// ContentType is the media type of the workbooks produced by this package.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// IssuesSheet is the name of the single sheet written by WriteIssues.
const IssuesSheet = "Issues"

var issueHeaders = []string{
	"Issue ID", "Type", "Severity", "Status", "Employee", "Date",
	"Presence Hours", "Timesheet Hours", "Difference (min)", "Timesheet Status",
	"Auto-fixable", "Description", "Resolved By", "Resolved At", "Resolution Notes", "Detected At",
}

func issueRow(issue domain.CoherenceIssue) []any {
	resolvedAt := ""
	if issue.ResolvedAt != nil {
		resolvedAt = issue.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return []any{
		issue.ID,
		string(issue.Type),
		string(issue.Severity),
		string(issue.Status),
		issue.EmployeeID,
		issue.Date,
		issue.Snapshot.PresenceHours.InexactFloat64(),
		issue.Snapshot.TimesheetHours.InexactFloat64(),
		issue.Snapshot.DifferenceMinutes,
		string(issue.Snapshot.TimesheetStatus),
		issue.AutoFixable,
		issue.Description,
		issue.ResolvedBy,
		resolvedAt,
		issue.ResolutionNotes,
		issue.DetectedAt.UTC().Format(time.RFC3339),
	}
}

// WriteIssues writes one row per issue, after a header row, as an XLSX workbook to w.
func WriteIssues(w io.Writer, issues []domain.CoherenceIssue) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), IssuesSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(IssuesSheet)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}
	header := make([]any, len(issueHeaders))
	for i, h := range issueHeaders {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, issue := range issues {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, issueRow(issue)); err != nil {
			return fmt.Errorf("write issue %s: %w", issue.ID, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
