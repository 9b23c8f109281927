// Package importer runs presence → timesheet import jobs.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/lock"
	"example.com/reconciliation/internal/segment"
	"example.com/reconciliation/internal/validation"
)

const (
	maxRangeDays    = 366
	defaultPageSize = 500
	maxWarnings     = 1000
)

// Converter turns a presence record into entry candidates.
type Converter interface {
	Convert(record domain.PresenceRecord, policy domain.Policy, mode segment.Mode) (segment.Result, error)
}

// PolicySource resolves tenant policies.
type PolicySource interface {
	Get(ctx context.Context, tenantID string) (domain.Policy, error)
}

// Runner starts background work.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// StartRequest is the input of Start.
type StartRequest struct {
	TenantID    string            `validate:"required"`
	Kind        domain.JobKind    `validate:"required"`
	Trigger     domain.JobTrigger `validate:"required"`
	DateFrom    string            `validate:"required,datekey"`
	DateTo      string            `validate:"required,datekey"`
	EmployeeIDs []string
	RequestedBy string
}

// Engine drives import jobs through pending → running → completed|failed|cancelled.
type Engine struct {
	presence   domain.PresenceRepository
	timesheets domain.TimesheetRepository
	jobs       domain.JobRepository
	policies   PolicySource
	locker     lock.Locker
	runner     Runner
	converter  Converter

	logger   logrus.FieldLogger
	now      func() time.Time
	pageSize int
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConverter replaces the segmentation converter.
func WithConverter(c Converter) Option {
	return func(e *Engine) { e.converter = c }
}

// WithPageSize sets the presence page size used while loading a job's records.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(presence domain.PresenceRepository, timesheets domain.TimesheetRepository, jobs domain.JobRepository,
	policies PolicySource, locker lock.Locker, runner Runner, opts ...Option) *Engine {
	e := &Engine{
		presence:   presence,
		timesheets: timesheets,
		jobs:       jobs,
		policies:   policies,
		locker:     locker,
		runner:     runner,
		converter:  segment.NewConverter(),
		logger:     logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates req, persists a pending job and runs it in the background.
// The returned job is the pending snapshot; callers poll Get for progress.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*domain.ImportJob, error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}
	policy, err := e.policies.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if !policy.ImportEnabled {
		return nil, domain.FeatureDisabled("import")
	}

	job := domain.ImportJob{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Trigger:     req.Trigger,
		Kind:        req.Kind,
		DateFrom:    req.DateFrom,
		DateTo:      req.DateTo,
		EmployeeIDs: append([]string(nil), req.EmployeeIDs...),
		Status:      domain.JobStatusPending,
		Errors:      []domain.JobMessage{},
		Warnings:    []domain.JobMessage{},
		RequestedBy: req.RequestedBy,
		CreatedAt:   e.now(),
	}
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"tenant_id": job.TenantID,
		"job_id":    job.ID,
		"kind":      job.Kind,
		"trigger":   job.Trigger,
	}).Info("import job queued")

	tenantID, jobID := job.TenantID, job.ID
	e.runner.Go("import:"+jobID, func(ctx context.Context) error {
		return e.Run(ctx, tenantID, jobID)
	})
	return &job, nil
}

func validateStart(req StartRequest) error {
	if err := validation.Struct(req); err != nil {
		return err
	}
	if !req.Kind.Valid() {
		return domain.NewValidationError("kind", "unknown import kind %q", req.Kind)
	}
	if !req.Trigger.Valid() {
		return domain.NewValidationError("trigger", "unknown trigger %q", req.Trigger)
	}
	if req.DateFrom > req.DateTo {
		return domain.NewValidationError("date_from", "must not be after date_to")
	}
	days, err := domain.DaysInRange(req.DateFrom, req.DateTo)
	if err != nil {
		return domain.NewValidationError("date_from", "%v", err)
	}
	if days > maxRangeDays {
		return domain.NewValidationError("date_to", "range spans %d days, at most %d allowed", days, maxRangeDays)
	}
	return nil
}

// Run executes a persisted job. It returns a SystemError when the job failed as a whole;
// per-record problems are only recorded on the job.
func (e *Engine) Run(ctx context.Context, tenantID, jobID string) error {
	job, err := e.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("load import job: %w", err)
	}
	log := e.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "job_id": jobID})
	if job.Status.Terminal() {
		log.WithField("status", job.Status).Info("import job already finished before start")
		return nil
	}

	lease, err := e.locker.Acquire(ctx, tenantID)
	if err != nil {
		return e.fail(ctx, job, "acquire tenant lock", domain.CodeLockUnavailable, err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			log.WithError(err).Warn("release tenant lock")
		}
	}()

	started := e.now()
	ok, err := e.jobs.MarkJobRunning(ctx, tenantID, jobID, started)
	if err != nil {
		return e.fail(ctx, job, "mark job running", domain.CodePersistFailed, err)
	}
	if !ok {
		log.Info("import job cancelled before it started")
		return nil
	}
	job.Status = domain.JobStatusRunning
	job.StartedAt = &started

	policy, err := e.policies.Get(ctx, tenantID)
	if err != nil {
		return e.fail(ctx, job, "load policy", domain.CodePolicyLoad, err)
	}

	records, err := e.loadPresence(ctx, job)
	if err != nil {
		return e.fail(ctx, job, "load presence records", domain.CodeLoadFailed, err)
	}
	job.TotalRecords = len(records)
	if ok, err := e.jobs.UpdateJobProgress(ctx, *job); err != nil {
		return e.fail(ctx, job, "persist progress", domain.CodePersistFailed, err)
	} else if !ok {
		log.Info("import job cancelled")
		return nil
	}

	mode := segment.ModeForJob(job.Kind)
	for _, rec := range records {
		if lock.IsLost(lease) {
			return e.fail(ctx, job, "hold tenant lock", domain.CodeLockLost, domain.ErrLockNotObtained)
		}
		o := e.processRecord(ctx, job, rec, policy, mode)
		recordOutcome(job.Kind, o)
		switch o {
		case outcomeImported:
			job.ImportedRecords++
		case outcomeSkipped:
			job.SkippedRecords++
		case outcomeError:
			job.ErrorRecords++
		}
		job.ProcessedRecords++
		job.Progress = job.ComputeProgress()

		ok, err := e.jobs.UpdateJobProgress(ctx, *job)
		if err != nil {
			return e.fail(ctx, job, "persist progress", domain.CodePersistFailed, err)
		}
		if !ok {
			log.WithField("processed", job.ProcessedRecords).Info("import job cancelled, stopping")
			return nil
		}
	}

	finished := e.now()
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.FinishedAt = &finished
	ok, err = e.jobs.FinishJob(ctx, *job)
	if err != nil {
		return e.fail(ctx, job, "finish job", domain.CodePersistFailed, err)
	}
	if !ok {
		log.Info("import job finalized elsewhere")
		return nil
	}
	recordJobFinished(*job)
	log.WithFields(logrus.Fields{
		"total":    job.TotalRecords,
		"imported": job.ImportedRecords,
		"skipped":  job.SkippedRecords,
		"errors":   job.ErrorRecords,
	}).Info("import job completed")
	return nil
}

func (e *Engine) loadPresence(ctx context.Context, job *domain.ImportJob) ([]domain.PresenceRecord, error) {
	q := domain.RangeQuery{DateFrom: job.DateFrom, DateTo: job.DateTo, EmployeeIDs: job.EmployeeIDs}
	var (
		all    []domain.PresenceRecord
		cursor *domain.Cursor
	)
	for {
		page, next, err := e.presence.ListPresence(ctx, job.TenantID, q, cursor, e.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == nil {
			return all, nil
		}
		cursor = next
	}
}

type outcome string

const (
	outcomeImported outcome = "imported"
	outcomeSkipped  outcome = "skipped"
	outcomeError    outcome = "error"
)

func (e *Engine) processRecord(ctx context.Context, job *domain.ImportJob, rec domain.PresenceRecord, policy domain.Policy, mode segment.Mode) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.addError(job, &domain.RecordError{RecordID: rec.ID, Code: domain.CodeRecordPanic, Err: fmt.Errorf("panic: %v", r)})
			out = outcomeError
		}
	}()

	res, err := e.converter.Convert(rec, policy, mode)
	if err != nil {
		e.addError(job, asRecordError(rec.ID, domain.CodeConversionFailed, err))
		return outcomeError
	}
	for _, w := range res.Warnings {
		e.addWarning(job, rec.ID, domain.CodeConversion, w)
	}
	for _, c := range res.Candidates {
		if !c.Validation.Valid {
			e.addWarning(job, rec.ID, domain.CodeInvalidCandidate, strings.Join(c.Validation.Errors, "; "))
		}
	}
	valid := res.Valid()
	if len(valid) == 0 {
		return outcomeSkipped
	}

	q := domain.EntryQuery{RangeQuery: domain.RangeQuery{DateFrom: rec.Date, DateTo: rec.Date, EmployeeIDs: []string{rec.EmployeeID}}}
	if job.Kind == domain.JobKindBreakConversion {
		q.Sources = []domain.EntrySource{domain.EntrySourceBreakConversion}
	}
	existing, err := e.timesheets.ListEntries(ctx, job.TenantID, q)
	if err != nil {
		e.addError(job, asRecordError(rec.ID, domain.CodeWriteFailed, err))
		return outcomeError
	}
	if len(existing) > 0 {
		return outcomeSkipped
	}

	header, err := e.ensureTimesheet(ctx, rec)
	if err != nil {
		e.addError(job, asRecordError(rec.ID, domain.CodeWriteFailed, err))
		return outcomeError
	}
	if header.Status.Locked() {
		e.addWarning(job, rec.ID, domain.CodeTimesheetLocked, fmt.Sprintf("timesheet %s is %s", header.ID, header.Status))
		return outcomeSkipped
	}

	now := e.now()
	source := job.Kind.EntrySource()
	entries := make([]domain.TimesheetEntry, 0, len(valid))
	for _, c := range valid {
		entries = append(entries, c.Entry(rec, header.ID, source, now))
	}
	if err := e.timesheets.InsertEntries(ctx, job.TenantID, entries); err != nil {
		e.addError(job, asRecordError(rec.ID, domain.CodeWriteFailed, err))
		return outcomeError
	}
	return outcomeImported
}

func (e *Engine) ensureTimesheet(ctx context.Context, rec domain.PresenceRecord) (*domain.Timesheet, error) {
	start, end, err := domain.WeekBounds(rec.Date)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return e.timesheets.EnsureTimesheet(ctx, domain.Timesheet{
		ID:          uuid.NewString(),
		TenantID:    rec.TenantID,
		EmployeeID:  rec.EmployeeID,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      domain.TimesheetStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// fail marks job failed with one critical system entry and returns the SystemError.
func (e *Engine) fail(ctx context.Context, job *domain.ImportJob, op, code string, cause error) error {
	sysErr := &domain.SystemError{Op: op, Code: code, Err: cause}
	finished := e.now()
	job.Status = domain.JobStatusFailed
	job.FinishedAt = &finished
	job.Errors = append(job.Errors, domain.JobMessage{
		Code:     code,
		Kind:     domain.MessageKindSystem,
		Severity: domain.SeverityCritical,
		Message:  sysErr.Error(),
		At:       finished,
	})

	log := e.logger.WithFields(logrus.Fields{"tenant_id": job.TenantID, "job_id": job.ID, "code": code})
	log.WithError(cause).Error("import job failed")

	// FinishJob leaves an already cancelled job untouched
	ok, err := e.jobs.FinishJob(context.WithoutCancel(ctx), *job)
	if err != nil {
		log.WithError(err).Error("persist failed import job")
	}
	if ok {
		recordJobFinished(*job)
	}
	return sysErr
}

func (e *Engine) addError(job *domain.ImportJob, recErr *domain.RecordError) {
	job.Errors = append(job.Errors, domain.JobMessage{
		RecordID: recErr.RecordID,
		Code:     recErr.Code,
		Kind:     domain.MessageKindRecord,
		Severity: domain.SeverityMajor,
		Message:  recErr.Error(),
		At:       e.now(),
	})
	e.logger.WithFields(logrus.Fields{
		"tenant_id": job.TenantID,
		"job_id":    job.ID,
		"record_id": recErr.RecordID,
	}).WithError(recErr.Err).Warn("presence record failed")
}

func (e *Engine) addWarning(job *domain.ImportJob, recordID, code, msg string) {
	if len(job.Warnings) >= maxWarnings {
		return
	}
	job.Warnings = append(job.Warnings, domain.JobMessage{
		RecordID: recordID,
		Code:     code,
		Kind:     domain.MessageKindValidation,
		Severity: domain.SeverityInfo,
		Message:  msg,
		At:       e.now(),
	})
}

func asRecordError(recordID, code string, err error) *domain.RecordError {
	var recErr *domain.RecordError
	if errors.As(err, &recErr) {
		if recErr.RecordID == "" {
			recErr.RecordID = recordID
		}
		return recErr
	}
	return &domain.RecordError{RecordID: recordID, Code: code, Err: err}
}

// Get returns a job.
func (e *Engine) Get(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error) {
	return e.jobs.GetJob(ctx, tenantID, jobID)
}

// History lists jobs newest first.
func (e *Engine) History(ctx context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.ImportJob, *domain.Cursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.jobs.ListJobs(ctx, tenantID, cursor, limit)
}

// Active lists pending and running jobs.
func (e *Engine) Active(ctx context.Context, tenantID string) ([]domain.ImportJob, error) {
	return e.jobs.ListActiveJobs(ctx, tenantID)
}

// Cancel moves a pending or running job to cancelled. A running job stops at its next
// progress write.
func (e *Engine) Cancel(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error) {
	job, err := e.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrTerminalState, job.Status)
	}
	ok, err := e.jobs.CancelJob(ctx, tenantID, jobID, e.now())
	if err != nil {
		return nil, fmt.Errorf("cancel import job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job finished before cancellation", domain.ErrTerminalState)
	}
	e.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "job_id": jobID}).Info("import job cancelled")
	return e.jobs.GetJob(ctx, tenantID, jobID)
}
