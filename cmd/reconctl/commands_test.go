package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func memoryConnector(t *testing.T, store *memory.Store) Connector {
	return func(context.Context) (Service, func(), error) {
		logger, _ := logtest.NewNullLogger()
		svc, err := reconciliation.New(reconciliation.FromStore(store), reconciliation.Config{
			Logger: logger,
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)
		return svc, svc.Shutdown, nil
	}
}

func run(t *testing.T, store *memory.Store, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(memoryConnector(t, store), &out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func presence(id, employee, date string) domain.PresenceRecord {
	day, _ := domain.ParseDate(date)
	in := day.Add(8 * time.Hour)
	out := in.Add(8 * time.Hour)
	rec := domain.PresenceRecord{ID: id, TenantID: tenant, EmployeeID: employee, Date: date, ClockIn: &in, ClockOut: &out, Status: domain.PresenceStatusPresent}
	rec.RecomputeTotals()
	return rec
}

func TestTenantIsRequired(t *testing.T) {
	_, err := run(t, memory.New(), "policy", "get")
	require.ErrorContains(t, err, "--tenant is required")
}

func TestImportWaitsForJob(t *testing.T) {
	store := memory.New()
	store.PutPresence(presence("rec-1", "emp-1", "2024-03-18"))

	out, err := run(t, store, "--tenant", tenant, "import", "--from", "2024-03-18")
	require.NoError(t, err)

	var job domain.ImportJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Equal(t, domain.TriggerScheduled, job.Trigger)
	require.Equal(t, "2024-03-18", job.DateTo)
	require.Equal(t, 1, job.ImportedRecords)
}

func TestDailyCheckAndExport(t *testing.T) {
	store := memory.New()
	store.PutPresence(presence("rec-1", "emp-1", "2024-03-19"))

	out, err := run(t, store, "-t", tenant, "check", "--kind", "daily")
	require.NoError(t, err)
	var check domain.CoherenceCheck
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	require.Equal(t, "2024-03-19", check.DateFrom)
	require.Equal(t, 1, check.Found)

	path := filepath.Join(t.TempDir(), "issues.xlsx")
	out, err = run(t, store, "-t", tenant, "issues", "export", "--out", path, "--type", "missing_timesheet")
	require.NoError(t, err)
	require.Contains(t, out, "exported 1 issues")

	book, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(report.IssuesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "missing_timesheet", rows[1][1])
}

func TestSyncCommand(t *testing.T) {
	store := memory.New()
	store.PutPresence(presence("rec-1", "emp-1", "2024-03-18"))

	out, err := run(t, store, "-t", tenant, "sync", "--direction", "presence_to_timesheet", "--from", "2024-03-18")
	require.NoError(t, err)
	var result syncer.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, 1, result.Run.Created)
}

func TestPolicySetMergesYAML(t *testing.T) {
	store := memory.New()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tolerance_minutes: 25\nconflict_strategy: latest_wins\n"), 0o600))

	_, err := run(t, store, "-t", tenant, "policy", "set", path)
	require.NoError(t, err)

	out, err := run(t, store, "-t", tenant, "policy", "get")
	require.NoError(t, err)
	require.Contains(t, out, "tolerance_minutes: 25")
	require.Contains(t, out, "conflict_strategy: latest_wins")
	require.Contains(t, out, "max_work_minutes: 960")
}
