// Package memory implements every gateway interface in process. It backs local runs without
// configured databases and the engine tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"example.com/reconciliation/internal/domain"
)

type tenantKey struct {
	tenant string
	id     string
}

// Store is a mutex-guarded in-memory implementation of domain.Store.
type Store struct {
	mu sync.RWMutex

	presence   map[tenantKey]domain.PresenceRecord
	timesheets map[tenantKey]domain.Timesheet
	entries    map[tenantKey]domain.TimesheetEntry
	jobs       map[tenantKey]domain.ImportJob
	checks     map[tenantKey]domain.CoherenceCheck
	issues     map[tenantKey]domain.CoherenceIssue
	runs       map[tenantKey]domain.SyncRun
	conflicts  map[tenantKey]domain.SyncConflict
	policies   map[string]domain.Policy

	// Events collects the outbox-style notifications the Postgres store would enqueue.
	events []Event
}

// Event mirrors an outbox row.
type Event struct {
	TenantID    string
	AggregateID string
	EventType   string
}

var _ domain.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		presence:   make(map[tenantKey]domain.PresenceRecord),
		timesheets: make(map[tenantKey]domain.Timesheet),
		entries:    make(map[tenantKey]domain.TimesheetEntry),
		jobs:       make(map[tenantKey]domain.ImportJob),
		checks:     make(map[tenantKey]domain.CoherenceCheck),
		issues:     make(map[tenantKey]domain.CoherenceIssue),
		runs:       make(map[tenantKey]domain.SyncRun),
		conflicts:  make(map[tenantKey]domain.SyncConflict),
		policies:   make(map[string]domain.Policy),
	}
}

// Events returns a copy of the recorded notifications.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

// ---- presence ----

// PutPresence stores or overwrites a presence record. It seeds data for tests and local runs;
// the engines only ever call InsertPresence.
func (s *Store) PutPresence(record domain.PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[tenantKey{record.TenantID, record.ID}] = clonePresence(record)
}

func (s *Store) ListPresence(_ context.Context, tenantID string, q domain.RangeQuery, cursor *domain.Cursor, limit int) ([]domain.PresenceRecord, *domain.Cursor, error) {
	s.mu.RLock()
	var all []domain.PresenceRecord
	for k, rec := range s.presence {
		if k.tenant != tenantID || !q.Includes(rec.EmployeeID, rec.Date) {
			continue
		}
		all = append(all, clonePresence(rec))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Date != all[j].Date {
			return all[i].Date < all[j].Date
		}
		return all[i].ID < all[j].ID
	})
	if cursor != nil {
		idx := sort.Search(len(all), func(i int) bool {
			return all[i].Date > cursor.Key || (all[i].Date == cursor.Key && all[i].ID > cursor.ID)
		})
		all = all[idx:]
	}
	if limit <= 0 || len(all) <= limit {
		return all, nil, nil
	}
	page := all[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{Key: last.Date, ID: last.ID}, nil
}

func (s *Store) GetPresence(_ context.Context, tenantID, employeeID, date string) (*domain.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, rec := range s.presence {
		if k.tenant == tenantID && rec.EmployeeID == employeeID && rec.Date == date {
			out := clonePresence(rec)
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) InsertPresence(_ context.Context, record domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.presence {
		if k.tenant == record.TenantID && rec.EmployeeID == record.EmployeeID && rec.Date == record.Date {
			return domain.ErrPresenceExists
		}
	}
	s.presence[tenantKey{record.TenantID, record.ID}] = clonePresence(record)
	return nil
}

func (s *Store) SetAdjustedWorkMinutes(_ context.Context, tenantID, recordID string, minutes int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, recordID}
	rec, ok := s.presence[key]
	if !ok {
		return domain.ErrNotFound
	}
	m := minutes
	rec.AdjustedWorkMinutes = &m
	rec.TotalHours = domain.HoursFromMinutes(m)
	rec.UpdatedAt = at
	s.presence[key] = rec
	return nil
}

// ---- timesheets ----

// PutTimesheet stores a header as is.
func (s *Store) PutTimesheet(ts domain.Timesheet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timesheets[tenantKey{ts.TenantID, ts.ID}] = ts
}

// PutEntries stores entries as is.
func (s *Store) PutEntries(entries ...domain.TimesheetEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[tenantKey{e.TenantID, e.ID}] = e
	}
}

func (s *Store) ListTimesheets(_ context.Context, tenantID string, q domain.RangeQuery) ([]domain.Timesheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Timesheet
	for k, ts := range s.timesheets {
		if k.tenant != tenantID {
			continue
		}
		if q.DateTo != "" && ts.PeriodStart > q.DateTo {
			continue
		}
		if q.DateFrom != "" && ts.PeriodEnd < q.DateFrom {
			continue
		}
		if !(domain.RangeQuery{EmployeeIDs: q.EmployeeIDs}).Includes(ts.EmployeeID, "") {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodStart != out[j].PeriodStart {
			return out[i].PeriodStart < out[j].PeriodStart
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) EnsureTimesheet(_ context.Context, header domain.Timesheet) (*domain.Timesheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ts := range s.timesheets {
		if k.tenant == header.TenantID && ts.EmployeeID == header.EmployeeID && ts.PeriodStart == header.PeriodStart {
			out := ts
			return &out, nil
		}
	}
	s.timesheets[tenantKey{header.TenantID, header.ID}] = header
	out := header
	return &out, nil
}

func (s *Store) ListEntries(_ context.Context, tenantID string, q domain.EntryQuery) ([]domain.TimesheetEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TimesheetEntry
	for k, e := range s.entries {
		if k.tenant != tenantID || !q.Includes(e.EmployeeID, e.Date) {
			continue
		}
		if len(q.Sources) > 0 && !slices.Contains(q.Sources, e.Source) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertEntries(_ context.Context, tenantID string, entries []domain.TimesheetEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.TenantID = tenantID
		s.entries[tenantKey{tenantID, e.ID}] = e
	}
	return nil
}

func (s *Store) ReplaceEntries(_ context.Context, tenantID string, removeIDs []string, add []domain.TimesheetEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range removeIDs {
		delete(s.entries, tenantKey{tenantID, id})
	}
	for _, e := range add {
		e.TenantID = tenantID
		s.entries[tenantKey{tenantID, e.ID}] = e
	}
	return nil
}

func (s *Store) UpdateEntryStatuses(_ context.Context, tenantID string, entryIDs []string, status domain.TimesheetStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entryIDs {
		key := tenantKey{tenantID, id}
		e, ok := s.entries[key]
		if !ok {
			return domain.ErrNotFound
		}
		e.Status = status
		e.UpdatedAt = at
		s.entries[key] = e
	}
	return nil
}

// ---- jobs ----

func (s *Store) CreateJob(_ context.Context, job domain.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[tenantKey{job.TenantID, job.ID}] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, tenantID, jobID string) (*domain.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[tenantKey{tenantID, jobID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *Store) MarkJobRunning(_ context.Context, tenantID, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, jobID}
	job, ok := s.jobs[key]
	if !ok || job.Status != domain.JobStatusPending {
		return false, nil
	}
	job.Status = domain.JobStatusRunning
	started := at
	job.StartedAt = &started
	s.jobs[key] = job
	return true, nil
}

func (s *Store) UpdateJobProgress(_ context.Context, job domain.ImportJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{job.TenantID, job.ID}
	current, ok := s.jobs[key]
	if !ok || current.Status != domain.JobStatusRunning {
		return false, nil
	}
	job.Status = domain.JobStatusRunning
	s.jobs[key] = cloneJob(job)
	return true, nil
}

func (s *Store) FinishJob(_ context.Context, job domain.ImportJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{job.TenantID, job.ID}
	current, ok := s.jobs[key]
	if !ok || current.Status.Terminal() {
		return false, nil
	}
	s.jobs[key] = cloneJob(job)
	s.events = append(s.events, Event{TenantID: job.TenantID, AggregateID: job.ID, EventType: "import_job.finished"})
	return true, nil
}

func (s *Store) CancelJob(_ context.Context, tenantID, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, jobID}
	job, ok := s.jobs[key]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = domain.JobStatusCancelled
	finished := at
	job.FinishedAt = &finished
	s.jobs[key] = job
	s.events = append(s.events, Event{TenantID: tenantID, AggregateID: jobID, EventType: "import_job.finished"})
	return true, nil
}

func (s *Store) ListJobs(_ context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.ImportJob, *domain.Cursor, error) {
	s.mu.RLock()
	var all []domain.ImportJob
	for k, job := range s.jobs {
		if k.tenant == tenantID {
			all = append(all, cloneJob(job))
		}
	}
	s.mu.RUnlock()

	key := func(j domain.ImportJob) string { return j.CreatedAt.UTC().Format(time.RFC3339Nano) }
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if cursor != nil {
		after, err := time.Parse(time.RFC3339Nano, cursor.Key)
		if err != nil {
			return nil, nil, domain.NewValidationError("cursor", "malformed")
		}
		idx := sort.Search(len(all), func(i int) bool {
			return all[i].CreatedAt.Before(after) || (all[i].CreatedAt.Equal(after) && all[i].ID < cursor.ID)
		})
		all = all[idx:]
	}
	if limit <= 0 || len(all) <= limit {
		return all, nil, nil
	}
	page := all[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{Key: key(last), ID: last.ID}, nil
}

func (s *Store) ListActiveJobs(_ context.Context, tenantID string) ([]domain.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ImportJob
	for k, job := range s.jobs {
		if k.tenant == tenantID && !job.Status.Terminal() {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- coherence ----

func (s *Store) CreateCheck(_ context.Context, check domain.CoherenceCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[tenantKey{check.TenantID, check.ID}] = check
	return nil
}

func (s *Store) FinishCheck(_ context.Context, check domain.CoherenceCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{check.TenantID, check.ID}
	if _, ok := s.checks[key]; !ok {
		return domain.ErrNotFound
	}
	s.checks[key] = check
	s.events = append(s.events, Event{TenantID: check.TenantID, AggregateID: check.ID, EventType: "coherence_check.finished"})
	return nil
}

func (s *Store) GetCheck(_ context.Context, tenantID, checkID string) (*domain.CoherenceCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	check, ok := s.checks[tenantKey{tenantID, checkID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &check, nil
}

func (s *Store) UpsertIssue(_ context.Context, tenantID, issueID string, merge func(existing *domain.CoherenceIssue) domain.CoherenceIssue) (*domain.CoherenceIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, issueID}
	var existing *domain.CoherenceIssue
	if issue, ok := s.issues[key]; ok {
		existing = &issue
	}
	merged := merge(existing)
	merged.ID = issueID
	merged.TenantID = tenantID
	s.issues[key] = merged
	return &merged, nil
}

func (s *Store) GetIssue(_ context.Context, tenantID, issueID string) (*domain.CoherenceIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[tenantKey{tenantID, issueID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &issue, nil
}

func (s *Store) UpdateIssue(_ context.Context, issue domain.CoherenceIssue, allowedFrom ...domain.IssueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{issue.TenantID, issue.ID}
	current, ok := s.issues[key]
	if !ok {
		return domain.ErrNotFound
	}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, current.Status) {
		return domain.ErrTerminalState
	}
	s.issues[key] = issue
	return nil
}

func (s *Store) ListIssues(_ context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error) {
	s.mu.RLock()
	var all []domain.CoherenceIssue
	for k, issue := range s.issues {
		if k.tenant == tenantID && filter.Matches(issue) {
			all = append(all, issue)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Date != all[j].Date {
			return all[i].Date < all[j].Date
		}
		return all[i].ID < all[j].ID
	})
	if cursor != nil {
		idx := sort.Search(len(all), func(i int) bool {
			return all[i].Date > cursor.Key || (all[i].Date == cursor.Key && all[i].ID > cursor.ID)
		})
		all = all[idx:]
	}
	if limit <= 0 || len(all) <= limit {
		return all, nil, nil
	}
	page := all[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{Key: last.Date, ID: last.ID}, nil
}

// ---- sync ----

func (s *Store) SaveSyncRun(_ context.Context, run domain.SyncRun, conflicts []domain.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[tenantKey{run.TenantID, run.ID}] = run
	for _, c := range conflicts {
		s.conflicts[tenantKey{c.TenantID, c.ID}] = c
	}
	s.events = append(s.events, Event{TenantID: run.TenantID, AggregateID: run.ID, EventType: "sync_run.finished"})
	return nil
}

func (s *Store) GetSyncRun(_ context.Context, tenantID, runID string) (*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[tenantKey{tenantID, runID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &run, nil
}

func (s *Store) GetConflicts(_ context.Context, tenantID string, conflictIDs []string) ([]domain.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncConflict, 0, len(conflictIDs))
	for _, id := range conflictIDs {
		if c, ok := s.conflicts[tenantKey{tenantID, id}]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) UpdateConflict(_ context.Context, conflict domain.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{conflict.TenantID, conflict.ID}
	if _, ok := s.conflicts[key]; !ok {
		return domain.ErrNotFound
	}
	s.conflicts[key] = conflict
	return nil
}

// ---- policy ----

func (s *Store) GetPolicy(_ context.Context, tenantID string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (s *Store) SavePolicy(_ context.Context, p domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.TenantID] = p.Clone()
	return nil
}

func clonePresence(r domain.PresenceRecord) domain.PresenceRecord {
	r.Breaks = append([]domain.Break(nil), r.Breaks...)
	if r.AdjustedWorkMinutes != nil {
		m := *r.AdjustedWorkMinutes
		r.AdjustedWorkMinutes = &m
	}
	return r
}

func cloneJob(j domain.ImportJob) domain.ImportJob {
	j.EmployeeIDs = append([]string(nil), j.EmployeeIDs...)
	j.Errors = append([]domain.JobMessage(nil), j.Errors...)
	j.Warnings = append([]domain.JobMessage(nil), j.Warnings...)
	return j
}
