package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/domain"
)

func TestListPresencePaginatesByDateAndID(t *testing.T) {
	store := New()
	for i := 0; i < 5; i++ {
		store.PutPresence(domain.PresenceRecord{ID: fmt.Sprintf("rec-%d", i), TenantID: "t1", EmployeeID: "emp-1", Date: fmt.Sprintf("2024-03-1%d", i)})
	}
	store.PutPresence(domain.PresenceRecord{ID: "other", TenantID: "t2", EmployeeID: "emp-1", Date: "2024-03-10"})

	ctx := context.Background()
	q := domain.RangeQuery{DateFrom: "2024-03-10", DateTo: "2024-03-31"}
	var seen []string
	var cursor *domain.Cursor
	for {
		page, next, err := store.ListPresence(ctx, "t1", q, cursor, 2)
		require.NoError(t, err)
		for _, r := range page {
			seen = append(seen, r.ID)
		}
		if next == nil {
			break
		}
		cursor = next
	}
	require.Equal(t, []string{"rec-0", "rec-1", "rec-2", "rec-3", "rec-4"}, seen)
}

func TestInsertPresenceIsInsertOnly(t *testing.T) {
	store := New()
	ctx := context.Background()
	rec := domain.PresenceRecord{ID: "a", TenantID: "t1", EmployeeID: "emp-1", Date: "2024-03-11"}
	require.NoError(t, store.InsertPresence(ctx, rec))

	rec.ID = "b"
	require.ErrorIs(t, store.InsertPresence(ctx, rec), domain.ErrPresenceExists)

	rec.TenantID = "t2"
	require.NoError(t, store.InsertPresence(ctx, rec))
}

func TestJobWritesAreConditional(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	job := domain.ImportJob{ID: "job-1", TenantID: "t1", Status: domain.JobStatusPending, CreatedAt: now}
	require.NoError(t, store.CreateJob(ctx, job))

	ok, err := store.UpdateJobProgress(ctx, job)
	require.NoError(t, err)
	require.False(t, ok, "pending jobs do not accept progress")

	ok, err = store.MarkJobRunning(ctx, "t1", "job-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	job.Status = domain.JobStatusRunning
	job.Progress = 50
	ok, err = store.UpdateJobProgress(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.CancelJob(ctx, "t1", "job-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	job.Progress = 100
	ok, err = store.UpdateJobProgress(ctx, job)
	require.NoError(t, err)
	require.False(t, ok)

	job.Status = domain.JobStatusCompleted
	ok, err = store.FinishJob(ctx, job)
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := store.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCancelled, stored.Status)
	require.Equal(t, 50, stored.Progress)
}

func TestListJobsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(ctx, domain.ImportJob{ID: fmt.Sprintf("job-%d", i), TenantID: "t1", Status: domain.JobStatusCompleted, CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	page, next, err := store.ListJobs(ctx, "t1", nil, 2)
	require.NoError(t, err)
	require.Equal(t, "job-2", page[0].ID)
	require.Equal(t, "job-1", page[1].ID)
	require.NotNil(t, next)

	page, next, err = store.ListJobs(ctx, "t1", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "job-0", page[0].ID)
	require.Nil(t, next)
}

func TestUpdateIssueChecksAllowedStatuses(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.UpsertIssue(ctx, "t1", "issue-1", func(existing *domain.CoherenceIssue) domain.CoherenceIssue {
		require.Nil(t, existing)
		return domain.CoherenceIssue{Status: domain.IssueStatusFixed}
	})
	require.NoError(t, err)

	err = store.UpdateIssue(ctx, domain.CoherenceIssue{ID: "issue-1", TenantID: "t1", Status: domain.IssueStatusIgnored}, domain.IssueStatusOpen, domain.IssueStatusManualReview)
	require.ErrorIs(t, err, domain.ErrTerminalState)

	err = store.UpdateIssue(ctx, domain.CoherenceIssue{ID: "missing", TenantID: "t1"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
