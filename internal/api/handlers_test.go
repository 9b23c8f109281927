package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/persistence/memory"
	"example.com/reconciliation/internal/reconciliation"
	"example.com/reconciliation/internal/report"
	"example.com/reconciliation/internal/syncer"
)

const tenant = "tenant-1"

var now = time.Date(2024, time.March, 20, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *reconciliation.Service
	store *memory.Store
	mux   *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	store := memory.New()
	svc, err := reconciliation.New(reconciliation.FromStore(store), reconciliation.Config{
		Logger: logger,
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	mux := http.NewServeMux()
	NewHandler(svc, logger).RegisterRoutes(mux)
	return &fixture{svc: svc, store: store, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(TenantHeader, tenant)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func clocked(id, employee, date string, hours int) domain.PresenceRecord {
	day, _ := domain.ParseDate(date)
	in := day.Add(9 * time.Hour)
	out := in.Add(time.Duration(hours) * time.Hour)
	rec := domain.PresenceRecord{ID: id, TenantID: tenant, EmployeeID: employee, Date: date, ClockIn: &in, ClockOut: &out, Status: domain.PresenceStatusPresent}
	rec.RecomputeTotals()
	return rec
}

func TestRequestsWithoutTenantAreRejected(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "missing_tenant", decode[map[string]string](t, rr)["type"])
}

func TestImportJobLifecycle(t *testing.T) {
	f := newFixture(t)
	f.store.PutPresence(clocked("rec-1", "emp-1", "2024-03-12", 8))

	rr := f.do(t, http.MethodPost, "/v1/import-jobs", StartImportJobRequest{
		Kind:     string(domain.JobKindPresenceToTimesheet),
		DateFrom: "2024-03-11",
		DateTo:   "2024-03-17",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	job := decode[domain.ImportJob](t, rr)
	require.Equal(t, domain.TriggerManual, job.Trigger)
	f.svc.Wait()

	rr = f.do(t, http.MethodGet, "/v1/import-jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	job = decode[domain.ImportJob](t, rr)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.ImportedRecords)

	history := decode[ListResponse[domain.ImportJob]](t, f.do(t, http.MethodGet, "/v1/import-jobs?limit=10", nil))
	require.Len(t, history.Items, 1)
	require.Empty(t, history.NextCursor)

	active := decode[ListResponse[domain.ImportJob]](t, f.do(t, http.MethodGet, "/v1/import-jobs?active=true", nil))
	require.Empty(t, active.Items)

	rr = f.do(t, http.MethodPost, "/v1/import-jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/import-jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestImportJobValidation(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/import-jobs", StartImportJobRequest{Kind: "prefill", DateFrom: "2024-03-11"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])

	req := httptest.NewRequest(http.MethodPost, "/v1/import-jobs", strings.NewReader(`{"kind":"prefill","unknown":1}`))
	req.Header.Set(TenantHeader, tenant)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", decode[map[string]string](t, rr)["type"])

	rr = f.do(t, http.MethodGet, "/v1/import-jobs?cursor=@@@", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCoherenceCheckIssuesAndExport(t *testing.T) {
	f := newFixture(t)
	f.store.PutPresence(clocked("rec-1", "emp-1", "2024-03-12", 8))
	f.store.PutEntries(domain.TimesheetEntry{ID: "manual-1", TenantID: tenant, EmployeeID: "emp-2", TimesheetID: "ts-x", Date: "2024-03-13", DurationMinutes: 300, Status: domain.TimesheetStatusDraft})

	rr := f.do(t, http.MethodPost, "/v1/coherence-checks", CoherenceCheckRequest{DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	check := decode[domain.CoherenceCheck](t, rr)
	require.Equal(t, domain.CheckKindOnDemand, check.Kind)
	f.svc.Wait()

	check = decode[domain.CoherenceCheck](t, f.do(t, http.MethodGet, "/v1/coherence-checks/"+check.ID, nil))
	require.Equal(t, domain.CheckStatusCompleted, check.Status)
	require.Equal(t, 2, check.Found)

	issues := decode[ListResponse[domain.CoherenceIssue]](t, f.do(t, http.MethodGet, "/v1/coherence-issues?type=missing_presence", nil))
	require.Len(t, issues.Items, 1)
	issueID := issues.Items[0].ID

	outcome := decode[domain.ResolutionOutcome](t, f.do(t, http.MethodPost, "/v1/coherence-issues/auto-fix", AutoFixRequest{IssueIDs: []string{issueID}}))
	require.Equal(t, []string{issueID}, outcome.Resolved)

	rr = f.do(t, http.MethodPost, fmt.Sprintf("/v1/coherence-issues/%s/resolve", issueID), ResolveIssueRequest{Action: "ignored", ResolvedBy: "lead"})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/coherence-issues/export", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, report.ContentType, rr.Header().Get("Content-Type"))
	book, err := excelize.OpenReader(rr.Body)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(report.IssuesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestSynchronizeAndReconcile(t *testing.T) {
	f := newFixture(t)
	f.store.PutPresence(clocked("rec-1", "emp-1", "2024-03-13", 8))
	f.store.PutEntries(domain.TimesheetEntry{ID: "e1", TenantID: tenant, EmployeeID: "emp-1", TimesheetID: "ts-x", Date: "2024-03-13", DurationMinutes: 120, Status: domain.TimesheetStatusDraft})

	rr := f.do(t, http.MethodPost, "/v1/sync", domain.SyncRequest{Direction: domain.DirectionBidirectional, DateFrom: "2024-03-11", DateTo: "2024-03-17"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decode[syncer.Result](t, rr)
	require.Len(t, result.Conflicts, 1)

	run := decode[domain.SyncRun](t, f.do(t, http.MethodGet, "/v1/sync/"+result.Run.ID, nil))
	require.Equal(t, tenant, run.TenantID)

	outcome := decode[domain.ResolutionOutcome](t, f.do(t, http.MethodPost, "/v1/sync/conflicts/reconcile", ReconcileConflictsRequest{
		ConflictIDs: []string{result.Conflicts[0].ID},
		Strategy:    string(domain.StrategyTimesheetPriority),
	}))
	require.Equal(t, []string{result.Conflicts[0].ID}, outcome.Resolved)

	rr = f.do(t, http.MethodPost, "/v1/sync/conflicts/reconcile", ReconcileConflictsRequest{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPolicyEndpoints(t *testing.T) {
	f := newFixture(t)

	p := decode[domain.Policy](t, f.do(t, http.MethodGet, "/v1/policy", nil))
	require.Equal(t, tenant, p.TenantID)

	p.ToleranceMinutes = 45
	rr := f.do(t, http.MethodPut, "/v1/policy", p)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, 45, decode[domain.Policy](t, rr).ToleranceMinutes)

	p.ConflictStrategy = "coin_flip"
	rr = f.do(t, http.MethodPut, "/v1/policy", p)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServiceErrorStatusCodes(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	h := NewHandler(nil, logger)
	cases := []struct {
		err  error
		code int
	}{
		{domain.NewValidationError("date_from", "required"), http.StatusBadRequest},
		{fmt.Errorf("get job: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrTerminalState, http.StatusConflict},
		{fmt.Errorf("%w: lock:import:t1", domain.ErrLockNotObtained), http.StatusServiceUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.writeServiceError(rr, httptest.NewRequest(http.MethodGet, "/v1/policy", nil), tc.err)
		require.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
	require.Len(t, hook.AllEntries(), 1)
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}
