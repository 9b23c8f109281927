// Package reconciliation exposes the presence/timesheet reconciliation operations behind a
// single tenant-keyed service used by the HTTP API, the event consumer and the CLI.
package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/coherence"
	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/importer"
	"example.com/reconciliation/internal/lock"
	"example.com/reconciliation/internal/policy"
	"example.com/reconciliation/internal/resolution"
	"example.com/reconciliation/internal/syncer"
	"example.com/reconciliation/internal/tasks"
)

// Repositories groups the record store gateways. Presence may live in a different backend
// than the rest.
type Repositories struct {
	Presence   domain.PresenceRepository
	Timesheets domain.TimesheetRepository
	Jobs       domain.JobRepository
	Coherence  domain.CoherenceRepository
	Sync       domain.SyncRepository
	Policies   domain.PolicyRepository
}

// FromStore fills every repository from one store.
func FromStore(store domain.Store) Repositories {
	return Repositories{
		Presence:   store,
		Timesheets: store,
		Jobs:       store,
		Coherence:  store,
		Sync:       store,
		Policies:   store,
	}
}

func (r Repositories) validate() error {
	if r.Presence == nil || r.Timesheets == nil || r.Jobs == nil || r.Coherence == nil || r.Sync == nil || r.Policies == nil {
		return errors.New("reconciliation: every repository is required")
	}
	return nil
}

// Config carries optional collaborators. Zero values select in-process defaults.
type Config struct {
	Locker         lock.Locker
	Logger         logrus.FieldLogger
	PolicyDefaults *domain.Policy
	Clock          func() time.Time
	PageSize       int
}

// Service is the entry point for every reconciliation operation.
type Service struct {
	policies *policy.Store
	importer *importer.Engine
	checks   *coherence.Engine
	resolver *resolution.Engine
	syncer   *syncer.Syncer
	group    *tasks.Group
	logger   logrus.FieldLogger
}

// New wires the engines over repos.
func New(repos Repositories, cfg Config) (*Service, error) {
	if err := repos.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewLocalLocker(30 * time.Second)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	policyOpts := []policy.Option{policy.WithClock(clock)}
	if cfg.PolicyDefaults != nil {
		policyOpts = append(policyOpts, policy.WithDefaults(*cfg.PolicyDefaults))
	}
	policies := policy.NewStore(repos.Policies, policyOpts...)
	group := tasks.NewGroup(logger.WithField("component", "tasks"))

	resolver := resolution.NewEngine(repos.Presence, repos.Timesheets, repos.Coherence, repos.Sync, policies, locker,
		resolution.WithLogger(logger.WithField("component", "resolution")), resolution.WithClock(clock))

	importOpts := []importer.Option{importer.WithLogger(logger.WithField("component", "importer")), importer.WithClock(clock)}
	checkOpts := []coherence.Option{coherence.WithLogger(logger.WithField("component", "coherence")), coherence.WithClock(clock)}
	if cfg.PageSize > 0 {
		importOpts = append(importOpts, importer.WithPageSize(cfg.PageSize))
		checkOpts = append(checkOpts, coherence.WithPageSize(cfg.PageSize))
	}

	return &Service{
		policies: policies,
		importer: importer.NewEngine(repos.Presence, repos.Timesheets, repos.Jobs, policies, locker, group, importOpts...),
		checks:   coherence.NewEngine(repos.Presence, repos.Timesheets, repos.Coherence, policies, resolver, locker, group, checkOpts...),
		resolver: resolver,
		syncer: syncer.New(repos.Presence, repos.Timesheets, repos.Sync, policies, resolver, locker,
			syncer.WithLogger(logger.WithField("component", "syncer")), syncer.WithClock(clock)),
		group:  group,
		logger: logger,
	}, nil
}

// StartImportJob persists a pending job and starts it in the background.
func (s *Service) StartImportJob(ctx context.Context, req importer.StartRequest) (*domain.ImportJob, error) {
	return s.importer.Start(ctx, req)
}

// GetImportJob returns a job with its current progress.
func (s *Service) GetImportJob(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error) {
	return s.importer.Get(ctx, tenantID, jobID)
}

// ImportHistory lists jobs newest first.
func (s *Service) ImportHistory(ctx context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.ImportJob, *domain.Cursor, error) {
	return s.importer.History(ctx, tenantID, cursor, limit)
}

// ActiveImportJobs lists pending and running jobs.
func (s *Service) ActiveImportJobs(ctx context.Context, tenantID string) ([]domain.ImportJob, error) {
	return s.importer.Active(ctx, tenantID)
}

// CancelImportJob requests cooperative cancellation.
func (s *Service) CancelImportJob(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error) {
	return s.importer.Cancel(ctx, tenantID, jobID)
}

// PerformCoherenceCheck persists a running check and runs it in the background.
func (s *Service) PerformCoherenceCheck(ctx context.Context, req coherence.CheckRequest) (*domain.CoherenceCheck, error) {
	return s.checks.Start(ctx, req)
}

// RunCoherenceCheck runs a check to completion on the caller's goroutine.
func (s *Service) RunCoherenceCheck(ctx context.Context, req coherence.CheckRequest) (*domain.CoherenceCheck, error) {
	return s.checks.Perform(ctx, req)
}

// GetCoherenceCheck returns a check with its counters.
func (s *Service) GetCoherenceCheck(ctx context.Context, tenantID, checkID string) (*domain.CoherenceCheck, error) {
	return s.checks.Get(ctx, tenantID, checkID)
}

// GetCoherenceIssues lists issues matching filter.
func (s *Service) GetCoherenceIssues(ctx context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error) {
	return s.checks.Issues(ctx, tenantID, filter, cursor, limit)
}

// ResolveIssue records a manual decision.
func (s *Service) ResolveIssue(ctx context.Context, tenantID, issueID string, res resolution.ManualResolution) (*domain.CoherenceIssue, error) {
	return s.resolver.Resolve(ctx, tenantID, issueID, res)
}

// ResolveIssues auto-fixes the given issues.
func (s *Service) ResolveIssues(ctx context.Context, tenantID string, issueIDs []string) (domain.ResolutionOutcome, error) {
	if len(issueIDs) == 0 {
		return domain.ResolutionOutcome{}, domain.NewValidationError("issue_ids", "at least one issue id is required")
	}
	return s.resolver.ResolveBatch(ctx, tenantID, issueIDs)
}

// Synchronize runs a synchronization and returns its summary.
func (s *Service) Synchronize(ctx context.Context, req domain.SyncRequest) (*syncer.Result, error) {
	return s.syncer.Synchronize(ctx, req)
}

// GetSyncRun returns a stored sync run.
func (s *Service) GetSyncRun(ctx context.Context, tenantID, runID string) (*domain.SyncRun, error) {
	return s.syncer.Run(ctx, tenantID, runID)
}

// ReconcileConflicts resolves stored sync conflicts. An empty strategy uses the tenant's policy.
func (s *Service) ReconcileConflicts(ctx context.Context, tenantID string, conflictIDs []string, strategy domain.ConflictStrategy) (domain.ResolutionOutcome, error) {
	if len(conflictIDs) == 0 {
		return domain.ResolutionOutcome{}, domain.NewValidationError("conflict_ids", "at least one conflict id is required")
	}
	return s.resolver.ReconcileConflicts(ctx, tenantID, conflictIDs, strategy)
}

// GetPolicy returns the tenant policy, persisting defaults on first use.
func (s *Service) GetPolicy(ctx context.Context, tenantID string) (domain.Policy, error) {
	return s.policies.Get(ctx, tenantID)
}

// UpdatePolicy validates and stores p.
func (s *Service) UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	return s.policies.Update(ctx, p)
}

// Wait blocks until background jobs and checks return.
func (s *Service) Wait() {
	s.group.Wait()
}

// Shutdown cancels background work and waits for it.
func (s *Service) Shutdown() {
	s.logger.Info("stopping background reconciliation tasks")
	s.group.Shutdown()
}
