package report

import (
	"context"

	"example.com/reconciliation/internal/domain"
)

// IssueLister pages coherence issues.
type IssueLister interface {
	GetCoherenceIssues(ctx context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error)
}

// MaxExportRows bounds a single export.
const MaxExportRows = 100000

const exportPageSize = 500

// CollectIssues follows the issue cursor until every match is loaded or MaxExportRows is reached.
func CollectIssues(ctx context.Context, lister IssueLister, tenantID string, filter domain.IssueFilter) ([]domain.CoherenceIssue, error) {
	var (
		all    []domain.CoherenceIssue
		cursor *domain.Cursor
	)
	for {
		page, next, err := lister.GetCoherenceIssues(ctx, tenantID, filter, cursor, exportPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == nil || len(all) >= MaxExportRows {
			break
		}
		cursor = next
	}
	if len(all) > MaxExportRows {
		all = all[:MaxExportRows]
	}
	return all, nil
}
