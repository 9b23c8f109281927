// Package coherence detects inconsistencies between presence records and timesheets.
package coherence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/lock"
	"example.com/reconciliation/internal/validation"
)

const defaultPageSize = 500

// PolicySource resolves tenant policies.
type PolicySource interface {
	Get(ctx context.Context, tenantID string) (domain.Policy, error)
}

// Fixer applies automated repairs.
type Fixer interface {
	AutoFix(ctx context.Context, issue domain.CoherenceIssue) (*domain.CoherenceIssue, error)
	DeferToReview(ctx context.Context, issue domain.CoherenceIssue) error
}

// Runner starts background work.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// CheckRequest is the input of Start and Perform. DateFrom/DateTo are required for on_demand
// checks and derived from the kind otherwise.
type CheckRequest struct {
	TenantID    string           `validate:"required"`
	Kind        domain.CheckKind `validate:"required"`
	DateFrom    string           `validate:"omitempty,datekey"`
	DateTo      string           `validate:"omitempty,datekey"`
	EmployeeIDs []string
	AutoFix     bool
	RequestedBy string
}

// Engine runs coherence checks.
type Engine struct {
	presence   domain.PresenceRepository
	timesheets domain.TimesheetRepository
	checks     domain.CoherenceRepository
	policies   PolicySource
	fixer      Fixer
	locker     lock.Locker
	runner     Runner

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

// WithPageSize sets the presence page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(presence domain.PresenceRepository, timesheets domain.TimesheetRepository, checks domain.CoherenceRepository,
	policies PolicySource, fixer Fixer, locker lock.Locker, runner Runner, opts ...Option) *Engine {
	e := &Engine{
		presence:   presence,
		timesheets: timesheets,
		checks:     checks,
		policies:   policies,
		fixer:      fixer,
		locker:     locker,
		runner:     runner,
		logger:     logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start persists a running check and executes it in the background.
func (e *Engine) Start(ctx context.Context, req CheckRequest) (*domain.CoherenceCheck, error) {
	check, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := *check
	e.runner.Go("coherence:"+check.ID, func(ctx context.Context) error {
		c := snapshot
		return e.Run(ctx, &c)
	})
	return check, nil
}

// Perform persists and executes a check synchronously.
func (e *Engine) Perform(ctx context.Context, req CheckRequest) (*domain.CoherenceCheck, error) {
	check, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.Run(ctx, check); err != nil {
		return check, err
	}
	return check, nil
}

// Get returns a stored check.
func (e *Engine) Get(ctx context.Context, tenantID, checkID string) (*domain.CoherenceCheck, error) {
	return e.checks.GetCheck(ctx, tenantID, checkID)
}

// Issues lists issues matching filter.
func (e *Engine) Issues(ctx context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.checks.ListIssues(ctx, tenantID, filter, cursor, limit)
}

func (e *Engine) create(ctx context.Context, req CheckRequest) (*domain.CoherenceCheck, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, domain.NewValidationError("kind", "unknown check kind %q", req.Kind)
	}
	policy, err := e.policies.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if !policy.CoherenceEnabled {
		return nil, domain.FeatureDisabled("coherence checks")
	}

	from, to := req.DateFrom, req.DateTo
	if from == "" || to == "" {
		from, to, err = RangeForKind(req.Kind, e.now().In(policy.Location()))
		if err != nil {
			return nil, err
		}
	}
	if from > to {
		return nil, domain.NewValidationError("date_from", "must not be after date_to")
	}

	check := domain.CoherenceCheck{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Kind:        req.Kind,
		DateFrom:    from,
		DateTo:      to,
		EmployeeIDs: append([]string(nil), req.EmployeeIDs...),
		AutoFix:     req.AutoFix,
		Status:      domain.CheckStatusRunning,
		RequestedBy: req.RequestedBy,
		StartedAt:   e.now(),
	}
	if err := e.checks.CreateCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("create check: %w", err)
	}
	return &check, nil
}

// Run executes a persisted running check and finalizes it.
func (e *Engine) Run(ctx context.Context, check *domain.CoherenceCheck) error {
	log := e.logger.WithFields(logrus.Fields{"tenant_id": check.TenantID, "check_id": check.ID})

	if check.AutoFix {
		lease, err := e.locker.Acquire(ctx, check.TenantID)
		if err != nil {
			return e.fail(ctx, check, "acquire tenant lock", domain.CodeLockUnavailable, err)
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				log.WithError(err).Warn("release tenant lock")
			}
		}()
	}

	policy, err := e.policies.Get(ctx, check.TenantID)
	if err != nil {
		return e.fail(ctx, check, "load policy", domain.CodePolicyLoad, err)
	}
	snap, err := LoadSnapshot(ctx, e.presence, e.timesheets, check.TenantID,
		domain.RangeQuery{DateFrom: check.DateFrom, DateTo: check.DateTo, EmployeeIDs: check.EmployeeIDs}, e.pageSize)
	if err != nil {
		return e.fail(ctx, check, "load snapshot", domain.CodeLoadFailed, err)
	}

	detection := Detect(snap, policy, check.TenantID, check.ID, e.now())
	check.Checked = detection.Checked
	for _, detected := range detection.Issues {
		recordIssue(detected)
		stored, err := e.checks.UpsertIssue(ctx, check.TenantID, detected.ID, func(existing *domain.CoherenceIssue) domain.CoherenceIssue {
			return domain.MergeDetected(existing, detected)
		})
		if err != nil {
			return e.fail(ctx, check, "store issue", domain.CodePersistFailed, err)
		}
		check.Found++
		e.route(ctx, check, *stored, log)
	}

	finished := e.now()
	check.Status = domain.CheckStatusCompleted
	check.FinishedAt = &finished
	if err := e.checks.FinishCheck(ctx, *check); err != nil {
		return e.fail(ctx, check, "finish check", domain.CodePersistFailed, err)
	}
	recordCheckFinished(*check)
	log.WithFields(logrus.Fields{
		"checked":       check.Checked,
		"found":         check.Found,
		"auto_fixed":    check.AutoFixed,
		"manual_review": check.ManualReview,
	}).Info("coherence check completed")
	return nil
}

// route moves a stored issue to manual review or through the fixer.
func (e *Engine) route(ctx context.Context, check *domain.CoherenceCheck, issue domain.CoherenceIssue, log logrus.FieldLogger) {
	switch issue.Status {
	case domain.IssueStatusManualReview:
		check.ManualReview++
		return
	case domain.IssueStatusOpen:
	default:
		return
	}

	if !issue.AutoFixable {
		if err := e.fixer.DeferToReview(ctx, issue); err != nil {
			log.WithError(err).WithField("issue_id", issue.ID).Warn("defer issue to review")
			return
		}
		check.ManualReview++
		return
	}
	if !check.AutoFix {
		return
	}
	if _, err := e.fixer.AutoFix(ctx, issue); err != nil {
		recordAutoFix(issue.Type, false)
		log.WithError(err).WithFields(logrus.Fields{"issue_id": issue.ID, "type": issue.Type}).Warn("auto-fix failed, deferring to review")
		if derr := e.fixer.DeferToReview(ctx, issue); derr != nil {
			log.WithError(derr).WithField("issue_id", issue.ID).Warn("defer issue to review")
			return
		}
		check.ManualReview++
		return
	}
	recordAutoFix(issue.Type, true)
	check.AutoFixed++
}

func (e *Engine) fail(ctx context.Context, check *domain.CoherenceCheck, op, code string, cause error) error {
	sysErr := &domain.SystemError{Op: op, Code: code, Err: cause}
	finished := e.now()
	check.Status = domain.CheckStatusFailed
	check.FinishedAt = &finished
	check.Failure = &domain.JobMessage{
		Code:     code,
		Kind:     domain.MessageKindSystem,
		Severity: domain.SeverityCritical,
		Message:  sysErr.Error(),
		At:       finished,
	}
	log := e.logger.WithFields(logrus.Fields{"tenant_id": check.TenantID, "check_id": check.ID, "code": code})
	log.WithError(cause).Error("coherence check failed")
	if err := e.checks.FinishCheck(context.WithoutCancel(ctx), *check); err != nil {
		log.WithError(err).Error("persist failed check")
	}
	recordCheckFinished(*check)
	return sysErr
}

// LoadSnapshot loads presence, entries and timesheet headers for q concurrently.
func LoadSnapshot(ctx context.Context, presence domain.PresenceRepository, timesheets domain.TimesheetRepository,
	tenantID string, q domain.RangeQuery, pageSize int) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var cursor *domain.Cursor
		for {
			page, next, err := presence.ListPresence(gctx, tenantID, q, cursor, pageSize)
			if err != nil {
				return fmt.Errorf("load presence: %w", err)
			}
			snap.Presence = append(snap.Presence, page...)
			if next == nil {
				return nil
			}
			cursor = next
		}
	})
	g.Go(func() error {
		entries, err := timesheets.ListEntries(gctx, tenantID, domain.EntryQuery{RangeQuery: q})
		if err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		snap.Entries = entries
		return nil
	})
	g.Go(func() error {
		headers, err := timesheets.ListTimesheets(gctx, tenantID, q)
		if err != nil {
			return fmt.Errorf("load timesheets: %w", err)
		}
		snap.Timesheets = headers
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// DescribeRange renders a check range for logs and CLI output.
func DescribeRange(check domain.CoherenceCheck) string {
	var b strings.Builder
	b.WriteString(check.DateFrom)
	if check.DateTo != check.DateFrom {
		b.WriteString("..")
		b.WriteString(check.DateTo)
	}
	return b.String()
}
