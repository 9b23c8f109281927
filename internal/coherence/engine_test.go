package coherence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/lock"
	"example.com/reconciliation/internal/persistence/memory"
	"example.com/reconciliation/internal/policy"
	"example.com/reconciliation/internal/resolution"
)

const tenant = "tenant-1"

var now = time.Date(2024, time.March, 20, 6, 0, 0, 0, time.UTC)

type inlineRunner struct{}

func (inlineRunner) Go(_ string, fn func(ctx context.Context) error) {
	_ = fn(context.Background())
}

type brokenPresence struct {
	*memory.Store
}

func (brokenPresence) ListPresence(context.Context, string, domain.RangeQuery, *domain.Cursor, int) ([]domain.PresenceRecord, *domain.Cursor, error) {
	return nil, nil, errors.New("connection reset")
}

type fixture struct {
	store    *memory.Store
	policies *policy.Store
	engine   *Engine
}

func newFixture(t *testing.T, presence domain.PresenceRepository) *fixture {
	t.Helper()
	store := memory.New()
	if presence == nil {
		presence = store
	}
	policies := policy.NewStore(store)
	clock := func() time.Time { return now }
	fixer := resolution.NewEngine(store, store, store, store, policies, lock.NewLocalLocker(0),
		resolution.WithLogger(logrus.New()), resolution.WithClock(clock))
	engine := NewEngine(presence, store, store, policies, fixer, lock.NewLocalLocker(0), inlineRunner{},
		WithLogger(logrus.New()), WithClock(clock), WithPageSize(2))
	return &fixture{store: store, policies: policies, engine: engine}
}

func (f *fixture) seed() {
	f.store.PutPresence(worked("emp-1", "2024-03-13", 480))
	f.store.PutEntries(booked("e1", "emp-1", "2024-03-13", 300))
	f.store.PutEntries(booked("e2", "emp-2", "2024-03-13", 240), booked("e3", "emp-2", "2024-03-13", 240))
	f.store.PutPresence(worked("emp-3", "2024-03-13", 480))
	f.store.PutEntries(booked("e4", "emp-3", "2024-03-13", 480))
}

func onDemand(autoFix bool) CheckRequest {
	return CheckRequest{
		TenantID:    tenant,
		Kind:        domain.CheckKindOnDemand,
		DateFrom:    "2024-03-11",
		DateTo:      "2024-03-17",
		AutoFix:     autoFix,
		RequestedBy: "ops@example.com",
	}
}

func TestPerformAutoFixesAndDefers(t *testing.T) {
	f := newFixture(t, nil)
	f.seed()
	before := testutil.ToFloat64(IssuesDetected(domain.IssueTimeMismatch, domain.SeverityMajor))

	check, err := f.engine.Perform(context.Background(), onDemand(true))
	require.NoError(t, err)
	require.Equal(t, domain.CheckStatusCompleted, check.Status)
	require.Equal(t, 3, check.Checked)
	require.Equal(t, 2, check.Found)
	require.Equal(t, 1, check.AutoFixed)
	require.Equal(t, 1, check.ManualReview)
	require.InDelta(t, before+1, testutil.ToFloat64(IssuesDetected(domain.IssueTimeMismatch, domain.SeverityMajor)), 0.001)

	rec, err := f.store.GetPresence(context.Background(), tenant, "emp-2", "2024-03-13")
	require.NoError(t, err)
	require.True(t, rec.SystemGenerated)
	require.Equal(t, 480, rec.WorkMinutes)

	mismatch, err := f.store.GetIssue(context.Background(), tenant, domain.DeriveIssueID(domain.IssueTimeMismatch, "emp-1", "2024-03-13"))
	require.NoError(t, err)
	require.Equal(t, domain.IssueStatusManualReview, mismatch.Status)

	stored, err := f.engine.Get(context.Background(), tenant, check.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CheckStatusCompleted, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestPerformWithoutAutoFixLeavesFixableIssuesOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.seed()

	check, err := f.engine.Perform(context.Background(), onDemand(false))
	require.NoError(t, err)
	require.Equal(t, 0, check.AutoFixed)

	issue, err := f.store.GetIssue(context.Background(), tenant, domain.DeriveIssueID(domain.IssueMissingPresence, "emp-2", "2024-03-13"))
	require.NoError(t, err)
	require.Equal(t, domain.IssueStatusOpen, issue.Status)
	require.Equal(t, check.ID, issue.CheckID)
}

func TestRedetectionKeepsIgnoredAndReopensFixed(t *testing.T) {
	f := newFixture(t, nil)
	f.seed()
	fixer := resolution.NewEngine(f.store, f.store, f.store, f.store, f.policies, lock.NewLocalLocker(0),
		resolution.WithClock(func() time.Time { return now }))

	first, err := f.engine.Perform(context.Background(), onDemand(false))
	require.NoError(t, err)

	mismatchID := domain.DeriveIssueID(domain.IssueTimeMismatch, "emp-1", "2024-03-13")
	missingID := domain.DeriveIssueID(domain.IssueMissingPresence, "emp-2", "2024-03-13")
	_, err = fixer.Resolve(context.Background(), tenant, mismatchID, resolution.ManualResolution{Action: resolution.ActionIgnored, ResolvedBy: "lead"})
	require.NoError(t, err)
	_, err = fixer.Resolve(context.Background(), tenant, missingID, resolution.ManualResolution{Action: resolution.ActionFixed, ResolvedBy: "lead", Notes: "booked elsewhere"})
	require.NoError(t, err)

	second, err := f.engine.Perform(context.Background(), onDemand(false))
	require.NoError(t, err)
	require.Equal(t, first.Found, second.Found)

	ignored, err := f.store.GetIssue(context.Background(), tenant, mismatchID)
	require.NoError(t, err)
	require.Equal(t, domain.IssueStatusIgnored, ignored.Status)
	require.Equal(t, second.ID, ignored.CheckID)

	reopened, err := f.store.GetIssue(context.Background(), tenant, missingID)
	require.NoError(t, err)
	require.Equal(t, domain.IssueStatusOpen, reopened.Status)
	require.Empty(t, reopened.ResolvedBy)
	require.Nil(t, reopened.ResolvedAt)

	issues, _, err := f.engine.Issues(context.Background(), tenant, domain.IssueFilter{}, nil, 0)
	require.NoError(t, err)
	require.Len(t, issues, 2)
}

func TestScheduledCheckDerivesRange(t *testing.T) {
	f := newFixture(t, nil)

	check, err := f.engine.Start(context.Background(), CheckRequest{TenantID: tenant, Kind: domain.CheckKindWeekly})
	require.NoError(t, err)
	require.Equal(t, "2024-03-11", check.DateFrom)
	require.Equal(t, "2024-03-17", check.DateTo)

	stored, err := f.engine.Get(context.Background(), tenant, check.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CheckStatusCompleted, stored.Status)
	require.Equal(t, "2024-03-11..2024-03-17", DescribeRange(*stored))
}

func TestCheckRequestValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Perform(context.Background(), CheckRequest{TenantID: tenant, Kind: domain.CheckKindOnDemand})
	require.True(t, domain.IsValidation(err))

	_, err = f.engine.Perform(context.Background(), CheckRequest{TenantID: tenant, Kind: "hourly"})
	require.True(t, domain.IsValidation(err))

	req := onDemand(false)
	req.DateFrom, req.DateTo = req.DateTo, req.DateFrom
	_, err = f.engine.Perform(context.Background(), req)
	require.True(t, domain.IsValidation(err))

	p := domain.DefaultPolicy(tenant)
	p.CoherenceEnabled = false
	_, err = f.policies.Update(context.Background(), p)
	require.NoError(t, err)
	_, err = f.engine.Perform(context.Background(), onDemand(false))
	require.ErrorIs(t, err, domain.ErrFeatureDisabled)
}

func TestLoadFailureMarksCheckFailed(t *testing.T) {
	store := memory.New()
	f := newFixture(t, brokenPresence{store})

	check, err := f.engine.Perform(context.Background(), onDemand(false))
	var sysErr *domain.SystemError
	require.ErrorAs(t, err, &sysErr)
	require.Equal(t, domain.CodeLoadFailed, sysErr.Code)

	stored, err := f.engine.Get(context.Background(), tenant, check.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CheckStatusFailed, stored.Status)
	require.NotNil(t, stored.Failure)
	require.Equal(t, domain.SeverityCritical, stored.Failure.Severity)
}
