package reconciliation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"example.com/reconciliation/internal/coherence"
	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/importer"
	"example.com/reconciliation/internal/lock"
	"example.com/reconciliation/internal/persistence/memory"
	"example.com/reconciliation/internal/resolution"
)

const tenant = "tenant-1"

var now = time.Date(2024, time.March, 20, 8, 0, 0, 0, time.UTC)

func clocked(id, employee, date string) domain.PresenceRecord {
	day, _ := domain.ParseDate(date)
	in := day.Add(9 * time.Hour)
	out := day.Add(17 * time.Hour)
	rec := domain.PresenceRecord{ID: id, TenantID: tenant, EmployeeID: employee, Date: date, ClockIn: &in, ClockOut: &out, Status: domain.PresenceStatusPresent}
	rec.RecomputeTotals()
	return rec
}

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := New(FromStore(store), Config{Logger: logrus.New(), Clock: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc, store
}

// gatedPresence blocks the first listing until release is closed.
type gatedPresence struct {
	domain.PresenceRepository
	entered chan struct{}
	release chan struct{}
	gated   atomic.Bool
}

func (g *gatedPresence) ListPresence(ctx context.Context, tenantID string, q domain.RangeQuery, cursor *domain.Cursor, limit int) ([]domain.PresenceRecord, *domain.Cursor, error) {
	if g.gated.CompareAndSwap(false, true) {
		close(g.entered)
		<-g.release
	}
	return g.PresenceRepository.ListPresence(ctx, tenantID, q, cursor, limit)
}

func TestRunningImportExcludesOtherMutationsForTenant(t *testing.T) {
	store := memory.New()
	store.PutPresence(clocked("rec-1", "emp-1", "2024-03-13"))
	gate := &gatedPresence{PresenceRepository: store, entered: make(chan struct{}), release: make(chan struct{})}
	repos := FromStore(store)
	repos.Presence = gate
	svc, err := New(repos, Config{Logger: logrus.New(), Locker: lock.NewLocalLocker(0), Clock: func() time.Time { return now }})
	require.NoError(t, err)
	defer svc.Shutdown()
	ctx := context.Background()

	job, err := svc.StartImportJob(ctx, importer.StartRequest{TenantID: tenant, Kind: domain.JobKindPresenceToTimesheet, Trigger: domain.TriggerManual, DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	require.NoError(t, err)
	<-gate.entered

	_, err = svc.Synchronize(ctx, domain.SyncRequest{TenantID: tenant, Direction: domain.DirectionPresenceToTimesheet, DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	var sysErr *domain.SystemError
	require.ErrorAs(t, err, &sysErr)
	require.Equal(t, domain.CodeLockUnavailable, sysErr.Code)
	require.ErrorIs(t, err, domain.ErrLockNotObtained)

	_, err = svc.ResolveIssues(ctx, tenant, []string{"issue-1"})
	require.ErrorIs(t, err, domain.ErrLockNotObtained)

	_, err = svc.Synchronize(ctx, domain.SyncRequest{TenantID: "tenant-2", Direction: domain.DirectionPresenceToTimesheet, DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	require.NoError(t, err)

	close(gate.release)
	svc.Wait()
	job, err = svc.GetImportJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.ImportedRecords)

	_, err = svc.Synchronize(ctx, domain.SyncRequest{TenantID: tenant, Direction: domain.DirectionPresenceToTimesheet, DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	require.NoError(t, err)
}

func TestNewRequiresRepositories(t *testing.T) {
	_, err := New(Repositories{}, Config{})
	require.Error(t, err)
}

func TestImportThenCheckThenResolve(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, store := newService(t)
	ctx := context.Background()
	store.PutPresence(clocked("rec-1", "emp-1", "2024-03-12"))
	store.PutPresence(clocked("rec-2", "emp-1", "2024-03-13"))
	store.PutEntries(domain.TimesheetEntry{ID: "manual-1", TenantID: tenant, EmployeeID: "emp-2", TimesheetID: "ts-x", Date: "2024-03-13", DurationMinutes: 300, Status: domain.TimesheetStatusDraft})

	job, err := svc.StartImportJob(ctx, importer.StartRequest{
		TenantID: tenant,
		Kind:     domain.JobKindPresenceToTimesheet,
		Trigger:  domain.TriggerManual,
		DateFrom: "2024-03-11",
		DateTo:   "2024-03-17",
	})
	require.NoError(t, err)
	svc.Wait()

	job, err = svc.GetImportJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.ImportedRecords)

	active, err := svc.ActiveImportJobs(ctx, tenant)
	require.NoError(t, err)
	require.Empty(t, active)
	history, _, err := svc.ImportHistory(ctx, tenant, nil, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	check, err := svc.PerformCoherenceCheck(ctx, coherence.CheckRequest{
		TenantID: tenant,
		Kind:     domain.CheckKindOnDemand,
		DateFrom: "2024-03-11",
		DateTo:   "2024-03-17",
	})
	require.NoError(t, err)
	svc.Wait()

	check, err = svc.GetCoherenceCheck(ctx, tenant, check.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CheckStatusCompleted, check.Status)
	require.Equal(t, 1, check.Found)

	issues, _, err := svc.GetCoherenceIssues(ctx, tenant, domain.IssueFilter{Type: domain.IssueMissingPresence}, nil, 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)

	outcome, err := svc.ResolveIssues(ctx, tenant, []string{issues[0].ID})
	require.NoError(t, err)
	require.Equal(t, []string{issues[0].ID}, outcome.Resolved)

	_, err = svc.ResolveIssue(ctx, tenant, issues[0].ID, resolution.ManualResolution{Action: resolution.ActionIgnored, ResolvedBy: "lead"})
	require.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestSynchronizeAndReconcile(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	store.PutPresence(clocked("rec-1", "emp-1", "2024-03-13"))
	store.PutEntries(domain.TimesheetEntry{ID: "e1", TenantID: tenant, EmployeeID: "emp-1", TimesheetID: "ts-x", Date: "2024-03-13", DurationMinutes: 120, Status: domain.TimesheetStatusDraft})

	res, err := svc.Synchronize(ctx, domain.SyncRequest{TenantID: tenant, Direction: domain.DirectionBidirectional, DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	run, err := svc.GetSyncRun(ctx, tenant, res.Run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, run.Status)

	outcome, err := svc.ReconcileConflicts(ctx, tenant, []string{res.Conflicts[0].ID}, domain.StrategyTimesheetPriority)
	require.NoError(t, err)
	require.Equal(t, []string{res.Conflicts[0].ID}, outcome.Resolved)

	rec, err := store.GetPresence(ctx, tenant, "emp-1", "2024-03-13")
	require.NoError(t, err)
	require.Equal(t, 120, rec.EffectiveWorkMinutes())

	_, err = svc.ReconcileConflicts(ctx, tenant, nil, "")
	require.True(t, domain.IsValidation(err))
}

func TestPolicyRoundTripThroughService(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p, err := svc.GetPolicy(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, 15, p.ToleranceMinutes)

	p.ToleranceMinutes = 30
	_, err = svc.UpdatePolicy(ctx, p)
	require.NoError(t, err)

	p, err = svc.GetPolicy(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, 30, p.ToleranceMinutes)

	p.MaxWorkMinutes = -1
	_, err = svc.UpdatePolicy(ctx, p)
	require.True(t, domain.IsValidation(err))
}
