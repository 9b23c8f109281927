// Package resolution applies automated fixes to coherence issues, records manual decisions
// and resolves sync conflicts according to the tenant's conflict strategy.
package resolution

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
)

// SystemActor is recorded as ResolvedBy for automated fixes.
const SystemActor = "system"

// Converter turns a presence record into entry candidates.
type Converter interface {
	Convert(record domain.PresenceRecord, policy domain.Policy, mode segment.Mode) (segment.Result, error)
}

// PolicySource resolves tenant policies.
type PolicySource interface {
	Get(ctx context.Context, tenantID string) (domain.Policy, error)
}

// Engine resolves issues and conflicts.
type Engine struct {
	presence   domain.PresenceRepository
	timesheets domain.TimesheetRepository
	issues     domain.CoherenceRepository
	conflicts  domain.SyncRepository
	policies   PolicySource
	locker     lock.Locker
	converter  Converter
	logger     logrus.FieldLogger
	now        func() time.Time
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

// NewEngine constructs an Engine.
func NewEngine(presence domain.PresenceRepository, timesheets domain.TimesheetRepository, issues domain.CoherenceRepository,
	conflicts domain.SyncRepository, policies PolicySource, locker lock.Locker, opts ...Option) *Engine {
	e := &Engine{
		presence:   presence,
		timesheets: timesheets,
		issues:     issues,
		conflicts:  conflicts,
		policies:   policies,
		locker:     locker,
		converter:  segment.NewConverter(),
		logger:     logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AutoFix repairs an auto-fixable issue and marks it fixed.
func (e *Engine) AutoFix(ctx context.Context, issue domain.CoherenceIssue) (*domain.CoherenceIssue, error) {
	if !issue.AutoFixable {
		return nil, domain.ErrNotAutoFixable
	}
	if !issue.Status.Resolvable() {
		return nil, fmt.Errorf("%w: issue is %s", domain.ErrTerminalState, issue.Status)
	}

	var (
		notes string
		err   error
	)
	switch issue.Type {
	case domain.IssueMissingPresence:
		notes, err = e.synthesizePresence(ctx, issue)
	case domain.IssueStatusConflict:
		notes, err = e.alignEntryStatuses(ctx, issue)
	case domain.IssueTimeMismatch, domain.IssueMissingTimesheet, domain.IssueDataInconsistency, domain.IssueValidationError:
		err = domain.ErrManualReviewRequired
	default:
		err = fmt.Errorf("%w: unknown issue type %q", domain.ErrManualReviewRequired, issue.Type)
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	issue.Status = domain.IssueStatusFixed
	issue.ResolvedBy = SystemActor
	issue.ResolvedAt = &now
	issue.ResolutionNotes = notes
	issue.UpdatedAt = now
	if err := e.issues.UpdateIssue(ctx, issue, domain.IssueStatusOpen, domain.IssueStatusManualReview); err != nil {
		return nil, fmt.Errorf("mark issue fixed: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"tenant_id": issue.TenantID,
		"issue_id":  issue.ID,
		"type":      issue.Type,
	}).Info("issue auto-fixed")
	return &issue, nil
}

// synthesizePresence inserts a system-generated presence record matching the day's entries.
// Existing records are never overwritten.
func (e *Engine) synthesizePresence(ctx context.Context, issue domain.CoherenceIssue) (string, error) {
	entries, err := e.dayEntries(ctx, issue.TenantID, issue.EmployeeID, issue.Date)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no timesheet entries for %s on %s", issue.EmployeeID, issue.Date)
	}
	rec, err := e.SynthesizePresence(ctx, issue.TenantID, issue.EmployeeID, issue.Date, entries, "coherence_fix")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("synthesized presence %s with %s hours from %d entries", rec.ID, rec.TotalHours.StringFixed(2), len(entries)), nil
}

// SynthesizePresence builds and inserts a present, system-generated record whose work time is the
// sum of entries. It returns domain.ErrPresenceExists when the day already has a record.
func (e *Engine) SynthesizePresence(ctx context.Context, tenantID, employeeID, date string, entries []domain.TimesheetEntry, source string) (*domain.PresenceRecord, error) {
	minutes := domain.SumMinutes(entries)
	now := e.now()
	rec := domain.PresenceRecord{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		EmployeeID:      employeeID,
		Date:            date,
		Breaks:          []domain.Break{},
		Status:          domain.PresenceStatusPresent,
		PresenceMinutes: minutes,
		WorkMinutes:     minutes,
		TotalHours:      domain.HoursFromMinutes(minutes),
		SystemGenerated: true,
		Source:          source,
		Notes:           fmt.Sprintf("generated from %d timesheet entries", len(entries)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.presence.InsertPresence(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// alignEntryStatuses rewrites the day's entry statuses to the status of their timesheet.
func (e *Engine) alignEntryStatuses(ctx context.Context, issue domain.CoherenceIssue) (string, error) {
	q := domain.RangeQuery{DateFrom: issue.Date, DateTo: issue.Date, EmployeeIDs: []string{issue.EmployeeID}}
	headers, err := e.timesheets.ListTimesheets(ctx, issue.TenantID, q)
	if err != nil {
		return "", fmt.Errorf("load timesheets: %w", err)
	}
	status := make(map[string]domain.TimesheetStatus, len(headers))
	for _, h := range headers {
		status[h.ID] = h.Status
	}
	entries, err := e.dayEntries(ctx, issue.TenantID, issue.EmployeeID, issue.Date)
	if err != nil {
		return "", err
	}

	byTarget := make(map[domain.TimesheetStatus][]string)
	for _, entry := range entries {
		target, ok := status[entry.TimesheetID]
		if !ok || entry.Status == target {
			continue
		}
		byTarget[target] = append(byTarget[target], entry.ID)
	}
	if len(byTarget) == 0 {
		return "entry statuses already match their timesheet", nil
	}
	now := e.now()
	updated := 0
	for target, ids := range byTarget {
		if err := e.timesheets.UpdateEntryStatuses(ctx, issue.TenantID, ids, target, now); err != nil {
			return "", fmt.Errorf("update entry statuses: %w", err)
		}
		updated += len(ids)
	}
	return fmt.Sprintf("aligned %d entry statuses with their timesheet", updated), nil
}

func (e *Engine) dayEntries(ctx context.Context, tenantID, employeeID, date string) ([]domain.TimesheetEntry, error) {
	entries, err := e.timesheets.ListEntries(ctx, tenantID, domain.EntryQuery{
		RangeQuery: domain.RangeQuery{DateFrom: date, DateTo: date, EmployeeIDs: []string{employeeID}},
	})
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return entries, nil
}

// ManualAction is the decision recorded by a reviewer.
type ManualAction string

const (
	ActionFixed   ManualAction = "fixed"
	ActionIgnored ManualAction = "ignored"
)

// ManualResolution is the input of Resolve.
type ManualResolution struct {
	Action     ManualAction
	ResolvedBy string
	Notes      string
}

// Resolve records a manual decision on an open or manual_review issue.
func (e *Engine) Resolve(ctx context.Context, tenantID, issueID string, res ManualResolution) (*domain.CoherenceIssue, error) {
	var target domain.IssueStatus
	switch res.Action {
	case ActionFixed:
		target = domain.IssueStatusFixed
	case ActionIgnored:
		target = domain.IssueStatusIgnored
	default:
		return nil, domain.NewValidationError("action", "must be fixed or ignored, got %q", res.Action)
	}
	if strings.TrimSpace(res.ResolvedBy) == "" {
		return nil, domain.NewValidationError("resolved_by", "required")
	}

	issue, err := e.issues.GetIssue(ctx, tenantID, issueID)
	if err != nil {
		return nil, err
	}
	if !issue.Status.Resolvable() {
		return nil, fmt.Errorf("%w: issue is %s", domain.ErrTerminalState, issue.Status)
	}
	now := e.now()
	issue.Status = target
	issue.ResolvedBy = res.ResolvedBy
	issue.ResolvedAt = &now
	issue.ResolutionNotes = res.Notes
	issue.UpdatedAt = now
	if err := e.issues.UpdateIssue(ctx, *issue, domain.IssueStatusOpen, domain.IssueStatusManualReview); err != nil {
		return nil, err
	}
	return issue, nil
}

// DeferToReview moves an open issue to manual_review.
func (e *Engine) DeferToReview(ctx context.Context, issue domain.CoherenceIssue) error {
	if issue.Status == domain.IssueStatusManualReview {
		return nil
	}
	issue.Status = domain.IssueStatusManualReview
	issue.UpdatedAt = e.now()
	return e.issues.UpdateIssue(ctx, issue, domain.IssueStatusOpen)
}

// ResolveBatch auto-fixes the given issues under the tenant lock. Issues that cannot be fixed
// are moved to manual_review and reported as failed.
func (e *Engine) ResolveBatch(ctx context.Context, tenantID string, issueIDs []string) (domain.ResolutionOutcome, error) {
	out := domain.NewResolutionOutcome()
	lease, err := e.locker.Acquire(ctx, tenantID)
	if err != nil {
		return out, &domain.SystemError{Op: "acquire tenant lock", Code: domain.CodeLockUnavailable, Err: err}
	}
	defer lease.Release(context.Background())

	for _, id := range issueIDs {
		issue, err := e.issues.GetIssue(ctx, tenantID, id)
		if err != nil {
			out.Failed[id] = err.Error()
			continue
		}
		if _, err := e.AutoFix(ctx, *issue); err != nil {
			out.Failed[id] = err.Error()
			if issue.Status == domain.IssueStatusOpen && !errors.Is(err, domain.ErrTerminalState) {
				if derr := e.DeferToReview(ctx, *issue); derr != nil {
					e.logger.WithError(derr).WithField("issue_id", id).Warn("defer issue to review")
				}
			}
			continue
		}
		out.Resolved = append(out.Resolved, id)
	}
	return out, nil
}

// ResolveConflict applies strategy to conflict and returns the updated conflict. The bool is
// false when the strategy leaves the conflict for a human (manual).
func (e *Engine) ResolveConflict(ctx context.Context, conflict domain.SyncConflict, strategy domain.ConflictStrategy) (domain.SyncConflict, bool, error) {
	applied := strategy
	var err error
	switch strategy {
	case domain.StrategyManual:
		return conflict, false, nil
	case domain.StrategyPresencePriority:
		err = e.applyPresence(ctx, conflict)
	case domain.StrategyTimesheetPriority:
		err = e.applyTimesheet(ctx, conflict)
	case domain.StrategyLatestWins:
		applied, err = e.applyLatest(ctx, conflict)
	default:
		return conflict, false, domain.NewValidationError("strategy", "unknown conflict strategy %q", strategy)
	}
	if err != nil {
		return conflict, false, err
	}
	now := e.now()
	conflict.Status = domain.IssueStatusFixed
	conflict.Resolution = applied
	conflict.ResolvedAt = &now
	return conflict, true, nil
}

// applyPresence replaces the day's non-approved entries with converter output.
func (e *Engine) applyPresence(ctx context.Context, conflict domain.SyncConflict) error {
	rec, err := e.presence.GetPresence(ctx, conflict.TenantID, conflict.EmployeeID, conflict.Date)
	if err != nil {
		return fmt.Errorf("load presence: %w", err)
	}
	entries, err := e.dayEntries(ctx, conflict.TenantID, conflict.EmployeeID, conflict.Date)
	if err != nil {
		return err
	}
	remove := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Status == domain.TimesheetStatusApproved {
			return fmt.Errorf("%w: entry %s is approved", domain.ErrTerminalState, entry.ID)
		}
		remove = append(remove, entry.ID)
	}

	policy, err := e.policies.Get(ctx, conflict.TenantID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	res, err := e.converter.Convert(*rec, policy, segment.ModeSplit)
	if err != nil {
		return err
	}
	header, err := e.EnsureTimesheet(ctx, conflict.TenantID, conflict.EmployeeID, conflict.Date)
	if err != nil {
		return err
	}
	if header.Status.Locked() {
		return fmt.Errorf("%w: timesheet %s is %s", domain.ErrTerminalState, header.ID, header.Status)
	}
	now := e.now()
	valid := res.Valid()
	add := make([]domain.TimesheetEntry, 0, len(valid))
	for _, c := range valid {
		add = append(add, c.Entry(*rec, header.ID, domain.EntrySourceSync, now))
	}
	if err := e.timesheets.ReplaceEntries(ctx, conflict.TenantID, remove, add); err != nil {
		return fmt.Errorf("replace entries: %w", err)
	}
	return nil
}

// applyTimesheet records the timesheet total as the presence work-time override.
func (e *Engine) applyTimesheet(ctx context.Context, conflict domain.SyncConflict) error {
	entries, err := e.dayEntries(ctx, conflict.TenantID, conflict.EmployeeID, conflict.Date)
	if err != nil {
		return err
	}
	recordID := conflict.PresenceRecordID
	if recordID == "" {
		rec, err := e.presence.GetPresence(ctx, conflict.TenantID, conflict.EmployeeID, conflict.Date)
		if err != nil {
			return fmt.Errorf("load presence: %w", err)
		}
		recordID = rec.ID
	}
	if err := e.presence.SetAdjustedWorkMinutes(ctx, conflict.TenantID, recordID, domain.SumMinutes(entries), e.now()); err != nil {
		return fmt.Errorf("adjust presence: %w", err)
	}
	return nil
}

func (e *Engine) applyLatest(ctx context.Context, conflict domain.SyncConflict) (domain.ConflictStrategy, error) {
	if conflict.PresenceUpdatedAt.After(conflict.TimesheetUpdatedAt) {
		return domain.StrategyPresencePriority, e.applyPresence(ctx, conflict)
	}
	return domain.StrategyTimesheetPriority, e.applyTimesheet(ctx, conflict)
}

// EnsureTimesheet returns the ISO-week timesheet of employee containing date, creating a draft.
func (e *Engine) EnsureTimesheet(ctx context.Context, tenantID, employeeID, date string) (*domain.Timesheet, error) {
	start, end, err := domain.WeekBounds(date)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return e.timesheets.EnsureTimesheet(ctx, domain.Timesheet{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		EmployeeID:  employeeID,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      domain.TimesheetStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// ReconcileConflicts resolves stored conflicts with strategy, or with the tenant's configured
// strategy when strategy is empty.
func (e *Engine) ReconcileConflicts(ctx context.Context, tenantID string, conflictIDs []string, strategy domain.ConflictStrategy) (domain.ResolutionOutcome, error) {
	out := domain.NewResolutionOutcome()
	if strategy == "" {
		policy, err := e.policies.Get(ctx, tenantID)
		if err != nil {
			return out, fmt.Errorf("load policy: %w", err)
		}
		strategy = policy.ConflictStrategy
	}
	conflicts, err := e.conflicts.GetConflicts(ctx, tenantID, conflictIDs)
	if err != nil {
		return out, err
	}
	found := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		found[c.ID] = true
	}
	for _, id := range conflictIDs {
		if !found[id] {
			out.Failed[id] = domain.ErrNotFound.Error()
		}
	}

	lease, err := e.locker.Acquire(ctx, tenantID)
	if err != nil {
		return out, &domain.SystemError{Op: "acquire tenant lock", Code: domain.CodeLockUnavailable, Err: err}
	}
	defer lease.Release(context.Background())

	for _, c := range conflicts {
		if !c.Status.Resolvable() {
			out.Failed[c.ID] = fmt.Sprintf("conflict is %s", c.Status)
			continue
		}
		updated, resolved, err := e.ResolveConflict(ctx, c, strategy)
		if err != nil {
			out.Failed[c.ID] = err.Error()
			continue
		}
		if !resolved {
			out.Failed[c.ID] = domain.ErrManualReviewRequired.Error()
			if c.Status == domain.IssueStatusOpen {
				c.Status = domain.IssueStatusManualReview
				if err := e.conflicts.UpdateConflict(ctx, c); err != nil {
					e.logger.WithError(err).WithField("conflict_id", c.ID).Warn("defer conflict to review")
				}
			}
			continue
		}
		if err := e.conflicts.UpdateConflict(ctx, updated); err != nil {
			out.Failed[c.ID] = err.Error()
			continue
		}
		out.Resolved = append(out.Resolved, c.ID)
	}
	return out, nil
}
