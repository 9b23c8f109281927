// Package syncer orchestrates directional synchronization between presence and timesheets.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/coherence"
	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/lock"
	"example.com/reconciliation/internal/segment"
	"example.com/reconciliation/internal/validation"
)

const (
	defaultPageSize = 500
	sourceSync      = "sync"
)

// PolicySource resolves tenant policies.
type PolicySource interface {
	Get(ctx context.Context, tenantID string) (domain.Policy, error)
}

// Converter turns a presence record into entry candidates.
type Converter interface {
	Convert(record domain.PresenceRecord, policy domain.Policy, mode segment.Mode) (segment.Result, error)
}

// Resolver creates the missing side of a pair and settles conflicts.
type Resolver interface {
	ResolveConflict(ctx context.Context, conflict domain.SyncConflict, strategy domain.ConflictStrategy) (domain.SyncConflict, bool, error)
	SynthesizePresence(ctx context.Context, tenantID, employeeID, date string, entries []domain.TimesheetEntry, source string) (*domain.PresenceRecord, error)
	EnsureTimesheet(ctx context.Context, tenantID, employeeID, date string) (*domain.Timesheet, error)
}

// Result is what Synchronize returns.
type Result struct {
	Run       domain.SyncRun        `json:"run"`
	Conflicts []domain.SyncConflict `json:"conflicts"`
}

// Syncer runs synchronization requests.
type Syncer struct {
	presence   domain.PresenceRepository
	timesheets domain.TimesheetRepository
	runs       domain.SyncRepository
	policies   PolicySource
	resolver   Resolver
	locker     lock.Locker
	converter  Converter

	logger   logrus.FieldLogger
	now      func() time.Time
	pageSize int
}

// Option customises a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithConverter replaces the segment converter.
func WithConverter(c Converter) Option {
	return func(s *Syncer) { s.converter = c }
}

// New constructs a Syncer.
func New(presence domain.PresenceRepository, timesheets domain.TimesheetRepository, runs domain.SyncRepository,
	policies PolicySource, resolver Resolver, locker lock.Locker, opts ...Option) *Syncer {
	s := &Syncer{
		presence:   presence,
		timesheets: timesheets,
		runs:       runs,
		policies:   policies,
		resolver:   resolver,
		locker:     locker,
		converter:  segment.NewConverter(),
		logger:     logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run carries the state of one Synchronize call.
type run struct {
	domain.SyncRun
	policy    domain.Policy
	query     domain.RangeQuery
	compared  map[domain.DayKey]struct{}
	conflicts []domain.SyncConflict
	log       logrus.FieldLogger
}

// Synchronize runs req under the tenant sync lock and persists the run with its conflicts.
func (s *Syncer) Synchronize(ctx context.Context, req domain.SyncRequest) (*Result, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.DateFrom > req.DateTo {
		return nil, domain.NewValidationError("date_from", "must not be after date_to")
	}
	policy, err := s.policies.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if !policy.SyncEnabled {
		return nil, domain.FeatureDisabled("synchronization")
	}

	lease, err := s.locker.Acquire(ctx, req.TenantID)
	if err != nil {
		return nil, &domain.SystemError{Op: "acquire tenant lock", Code: domain.CodeLockUnavailable, Err: err}
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			s.logger.WithError(err).WithField("tenant_id", req.TenantID).Warn("release tenant lock")
		}
	}()

	r := &run{
		SyncRun: domain.SyncRun{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			Direction:   req.Direction,
			DateFrom:    req.DateFrom,
			DateTo:      req.DateTo,
			EmployeeIDs: append([]string(nil), req.EmployeeIDs...),
			Errors:      []domain.JobMessage{},
			RequestedBy: req.RequestedBy,
			StartedAt:   s.now(),
		},
		policy:   policy,
		query:    domain.RangeQuery{DateFrom: req.DateFrom, DateTo: req.DateTo, EmployeeIDs: req.EmployeeIDs},
		compared: make(map[domain.DayKey]struct{}),
	}
	r.log = s.logger.WithFields(logrus.Fields{"tenant_id": r.TenantID, "run_id": r.ID, "direction": r.Direction})

	snap, err := coherence.LoadSnapshot(ctx, s.presence, s.timesheets, r.TenantID, r.query, s.pageSize)
	if err != nil {
		return nil, &domain.SystemError{Op: "load snapshot", Code: domain.CodeLoadFailed, Err: err}
	}

	switch r.Direction {
	case domain.DirectionPresenceToTimesheet:
		s.presenceToTimesheet(ctx, r, snap)
	case domain.DirectionTimesheetToPresence:
		s.timesheetToPresence(ctx, r, snap)
	case domain.DirectionBidirectional:
		s.presenceToTimesheet(ctx, r, snap)
		entries, err := s.timesheets.ListEntries(ctx, r.TenantID, domain.EntryQuery{RangeQuery: r.query})
		if err != nil {
			return nil, &domain.SystemError{Op: "reload entries", Code: domain.CodeLoadFailed, Err: err}
		}
		presence, err := s.reloadPresence(ctx, r)
		if err != nil {
			return nil, &domain.SystemError{Op: "reload presence", Code: domain.CodeLoadFailed, Err: err}
		}
		snap.Entries = entries
		snap.Presence = presence
		s.timesheetToPresence(ctx, r, snap)
	}

	r.Status = r.FinalStatus()
	r.FinishedAt = s.now()
	if err := s.runs.SaveSyncRun(context.WithoutCancel(ctx), r.SyncRun, r.conflicts); err != nil {
		return nil, &domain.SystemError{Op: "save sync run", Code: domain.CodePersistFailed, Err: err}
	}
	recordRun(r.SyncRun)
	r.log.WithFields(logrus.Fields{
		"status":    r.Status,
		"processed": r.Processed,
		"created":   r.Created,
		"updated":   r.Updated,
		"skipped":   r.Skipped,
		"errored":   r.Errored,
		"conflicts": r.ConflictsFound,
	}).Info("sync run finished")

	conflicts := r.conflicts
	if conflicts == nil {
		conflicts = []domain.SyncConflict{}
	}
	return &Result{Run: r.SyncRun, Conflicts: conflicts}, nil
}

// Run returns a stored sync run.
func (s *Syncer) Run(ctx context.Context, tenantID, runID string) (*domain.SyncRun, error) {
	return s.runs.GetSyncRun(ctx, tenantID, runID)
}

func (s *Syncer) reloadPresence(ctx context.Context, r *run) ([]domain.PresenceRecord, error) {
	var (
		out    []domain.PresenceRecord
		cursor *domain.Cursor
	)
	for {
		page, next, err := s.presence.ListPresence(ctx, r.TenantID, r.query, cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == nil {
			return out, nil
		}
		cursor = next
	}
}

// presenceToTimesheet creates entries for unmatched presence and compares matched days.
func (s *Syncer) presenceToTimesheet(ctx context.Context, r *run, snap coherence.Snapshot) {
	entries := domain.GroupEntriesByDay(snap.Entries)
	records := append([]domain.PresenceRecord(nil), snap.Presence...)
	sort.Slice(records, func(i, j int) bool { return lessKey(records[i].Key(), records[j].Key()) })

	for _, rec := range records {
		key := rec.Key()
		r.Processed++
		day := entries[key]
		if len(day) > 0 {
			r.compared[key] = struct{}{}
			s.compare(ctx, r, rec, day)
			continue
		}
		s.createEntries(ctx, r, rec)
	}
}

// timesheetToPresence synthesizes presence for unmatched days and compares matched ones
// that the presence pass has not seen yet.
func (s *Syncer) timesheetToPresence(ctx context.Context, r *run, snap coherence.Snapshot) {
	presence := domain.IndexPresenceByDay(snap.Presence)
	entries := domain.GroupEntriesByDay(snap.Entries)
	keys := make([]domain.DayKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })

	for _, key := range keys {
		if _, done := r.compared[key]; done {
			continue
		}
		day := entries[key]
		if domain.SumMinutes(day) <= 0 {
			continue
		}
		r.Processed++
		rec, ok := presence[key]
		if ok {
			r.compared[key] = struct{}{}
			s.compare(ctx, r, rec, day)
			continue
		}
		_, err := s.resolver.SynthesizePresence(ctx, r.TenantID, key.EmployeeID, key.Date, day, sourceSync)
		switch {
		case err == nil:
			r.Created++
		case errors.Is(err, domain.ErrPresenceExists):
			r.Skipped++
		default:
			s.recordError(r, key.String(), domain.CodeWriteFailed, err)
		}
	}
}

func (s *Syncer) createEntries(ctx context.Context, r *run, rec domain.PresenceRecord) {
	res, err := s.converter.Convert(rec, r.policy, segment.ModeSplit)
	if err != nil {
		s.recordError(r, rec.ID, domain.CodeConversionFailed, err)
		return
	}
	valid := res.Valid()
	if len(valid) == 0 {
		r.Skipped++
		return
	}
	header, err := s.resolver.EnsureTimesheet(ctx, r.TenantID, rec.EmployeeID, rec.Date)
	if err != nil {
		s.recordError(r, rec.ID, domain.CodeWriteFailed, err)
		return
	}
	if header.Status.Locked() {
		r.Skipped++
		return
	}
	now := s.now()
	add := make([]domain.TimesheetEntry, 0, len(valid))
	for _, c := range valid {
		add = append(add, c.Entry(rec, header.ID, domain.EntrySourceSync, now))
	}
	if err := s.timesheets.InsertEntries(ctx, r.TenantID, add); err != nil {
		s.recordError(r, rec.ID, domain.CodeWriteFailed, err)
		return
	}
	r.Created++
}

// compare runs pairwise detection for one day and resolves what it finds.
func (s *Syncer) compare(ctx context.Context, r *run, rec domain.PresenceRecord, day []domain.TimesheetEntry) {
	found := Pairwise(rec, day, r.policy, s.now())
	if len(found) == 0 {
		r.Skipped++
		return
	}
	var (
		failed  bool
		applied *domain.SyncConflict
	)
	for _, c := range found {
		c.ID = uuid.NewString()
		c.RunID = r.ID
		c.TenantID = r.TenantID
		r.ConflictsFound++
		recordConflict(c)

		if applied != nil {
			// the first resolution already rewrote the whole day
			c.Status = applied.Status
			c.Resolution = applied.Resolution
			c.ResolvedAt = applied.ResolvedAt
			r.ConflictsResolved++
			r.conflicts = append(r.conflicts, c)
			continue
		}

		updated, resolved, err := s.resolver.ResolveConflict(ctx, c, r.policy.ConflictStrategy)
		switch {
		case err != nil:
			failed = true
			c.Status = domain.IssueStatusManualReview
			r.addError(domain.JobMessage{
				RecordID: rec.ID,
				Code:     domain.CodeWriteFailed,
				Kind:     domain.MessageKindRecord,
				Severity: c.Severity,
				Message:  fmt.Sprintf("resolve %s: %v", c.Type, err),
				At:       s.now(),
			})
		case resolved:
			c = updated
			applied = &updated
			r.ConflictsResolved++
		default:
			c.Status = domain.IssueStatusManualReview
		}
		r.conflicts = append(r.conflicts, c)
	}
	switch {
	case failed:
		r.Errored++
	case applied != nil:
		r.Updated++
	default:
		r.Skipped++
	}
}

func (s *Syncer) recordError(r *run, recordID, code string, err error) {
	r.Errored++
	r.addError(domain.JobMessage{
		RecordID: recordID,
		Code:     code,
		Kind:     domain.MessageKindRecord,
		Severity: domain.SeverityMajor,
		Message:  err.Error(),
		At:       s.now(),
	})
	r.log.WithError(err).WithField("record_id", recordID).Warn("sync record failed")
}

func (r *run) addError(msg domain.JobMessage) {
	r.Errors = append(r.Errors, msg)
}

func lessKey(a, b domain.DayKey) bool {
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	return a.EmployeeID < b.EmployeeID
}
