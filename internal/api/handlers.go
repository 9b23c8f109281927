// Package api exposes HTTP handlers for the reconciliation service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/coherence"
	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/importer"
	"example.com/reconciliation/internal/persistence"
	"example.com/reconciliation/internal/report"
	"example.com/reconciliation/internal/resolution"
	"example.com/reconciliation/internal/syncer"
)

// TenantHeader carries the tenant every request is scoped to.
const TenantHeader = "X-Tenant-ID"

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Service is the subset of reconciliation.Service used by the handlers.
type Service interface {
	StartImportJob(ctx context.Context, req importer.StartRequest) (*domain.ImportJob, error)
	GetImportJob(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error)
	ImportHistory(ctx context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.ImportJob, *domain.Cursor, error)
	ActiveImportJobs(ctx context.Context, tenantID string) ([]domain.ImportJob, error)
	CancelImportJob(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error)
	PerformCoherenceCheck(ctx context.Context, req coherence.CheckRequest) (*domain.CoherenceCheck, error)
	GetCoherenceCheck(ctx context.Context, tenantID, checkID string) (*domain.CoherenceCheck, error)
	GetCoherenceIssues(ctx context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error)
	ResolveIssue(ctx context.Context, tenantID, issueID string, res resolution.ManualResolution) (*domain.CoherenceIssue, error)
	ResolveIssues(ctx context.Context, tenantID string, issueIDs []string) (domain.ResolutionOutcome, error)
	Synchronize(ctx context.Context, req domain.SyncRequest) (*syncer.Result, error)
	GetSyncRun(ctx context.Context, tenantID, runID string) (*domain.SyncRun, error)
	ReconcileConflicts(ctx context.Context, tenantID string, conflictIDs []string, strategy domain.ConflictStrategy) (domain.ResolutionOutcome, error)
	GetPolicy(ctx context.Context, tenantID string) (domain.Policy, error)
	UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error)
}

// Handler coordinates HTTP requests with the reconciliation service.
type Handler struct {
	service Service
	logger  logrus.FieldLogger
}

// NewHandler builds a Handler.
func NewHandler(service Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/import-jobs", h.startImportJob)
	mux.HandleFunc("GET /v1/import-jobs", h.listImportJobs)
	mux.HandleFunc("GET /v1/import-jobs/{id}", h.getImportJob)
	mux.HandleFunc("POST /v1/import-jobs/{id}/cancel", h.cancelImportJob)

	mux.HandleFunc("POST /v1/coherence-checks", h.startCoherenceCheck)
	mux.HandleFunc("GET /v1/coherence-checks/{id}", h.getCoherenceCheck)
	mux.HandleFunc("GET /v1/coherence-issues", h.listIssues)
	mux.HandleFunc("GET /v1/coherence-issues/export", h.exportIssues)
	mux.HandleFunc("POST /v1/coherence-issues/{id}/resolve", h.resolveIssue)
	mux.HandleFunc("POST /v1/coherence-issues/auto-fix", h.autoFixIssues)

	mux.HandleFunc("POST /v1/sync", h.synchronize)
	mux.HandleFunc("GET /v1/sync/{id}", h.getSyncRun)
	mux.HandleFunc("POST /v1/sync/conflicts/reconcile", h.reconcileConflicts)

	mux.HandleFunc("GET /v1/policy", h.getPolicy)
	mux.HandleFunc("PUT /v1/policy", h.updatePolicy)

	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) startImportJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req StartImportJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trigger := domain.TriggerManual
	if req.Trigger != "" {
		trigger = domain.JobTrigger(req.Trigger)
	}

	job, err := h.service.StartImportJob(r.Context(), importer.StartRequest{
		TenantID:    tenantID,
		Kind:        domain.JobKind(req.Kind),
		Trigger:     trigger,
		DateFrom:    req.DateFrom,
		DateTo:      req.DateTo,
		EmployeeIDs: req.EmployeeIDs,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) listImportJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		jobs, err := h.service.ActiveImportJobs(r.Context(), tenantID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse[domain.ImportJob]{Items: nonNil(jobs)})
		return
	}

	cursor, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	jobs, next, err := h.service.ImportHistory(r.Context(), tenantID, cursor, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[domain.ImportJob]{Items: nonNil(jobs), NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) getImportJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	job, err := h.service.GetImportJob(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) cancelImportJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	job, err := h.service.CancelImportJob(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) startCoherenceCheck(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req CoherenceCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind := domain.CheckKindOnDemand
	if req.Kind != "" {
		kind = domain.CheckKind(req.Kind)
	}

	check, err := h.service.PerformCoherenceCheck(r.Context(), coherence.CheckRequest{
		TenantID:    tenantID,
		Kind:        kind,
		DateFrom:    req.DateFrom,
		DateTo:      req.DateTo,
		EmployeeIDs: req.EmployeeIDs,
		AutoFix:     req.AutoFix,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, check)
}

func (h *Handler) getCoherenceCheck(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	check, err := h.service.GetCoherenceCheck(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func issueFilter(r *http.Request) domain.IssueFilter {
	q := r.URL.Query()
	return domain.IssueFilter{
		CheckID:    q.Get("check_id"),
		Type:       domain.IssueType(q.Get("type")),
		Status:     domain.IssueStatus(q.Get("status")),
		EmployeeID: q.Get("employee_id"),
		DateFrom:   q.Get("date_from"),
		DateTo:     q.Get("date_to"),
	}
}

func (h *Handler) listIssues(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	cursor, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	issues, next, err := h.service.GetCoherenceIssues(r.Context(), tenantID, issueFilter(r), cursor, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[domain.CoherenceIssue]{Items: nonNil(issues), NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) exportIssues(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	issues, err := report.CollectIssues(r.Context(), h.service, tenantID, issueFilter(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteIssues(&buf, issues); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="coherence-issues.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) resolveIssue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req ResolveIssueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	issue, err := h.service.ResolveIssue(r.Context(), tenantID, r.PathValue("id"), resolution.ManualResolution{
		Action:     resolution.ManualAction(req.Action),
		ResolvedBy: req.ResolvedBy,
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *Handler) autoFixIssues(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req AutoFixRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := h.service.ResolveIssues(r.Context(), tenantID, req.IssueIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) synchronize(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req domain.SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = tenantID

	result, err := h.service.Synchronize(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getSyncRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	run, err := h.service.GetSyncRun(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) reconcileConflicts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req ReconcileConflictsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := h.service.ReconcileConflicts(r.Context(), tenantID, req.ConflictIDs, domain.ConflictStrategy(req.Strategy))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPolicy(r.Context(), tenantID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var p domain.Policy
	if !decodeBody(w, r, &p) {
		return
	}
	p.TenantID = tenantID

	saved, err := h.service.UpdatePolicy(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing_tenant", TenantHeader+" header is required")
		return "", false
	}
	return tenantID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body: "+err.Error())
		return false
	}
	return true
}

func pageParams(w http.ResponseWriter, r *http.Request) (*domain.Cursor, int, bool) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}
	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return nil, 0, false
	}
	return cursor, limit, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_failed", verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrTerminalState):
		writeError(w, http.StatusConflict, "terminal_state", err.Error())
	case errors.Is(err, domain.ErrLockNotObtained):
		writeError(w, http.StatusServiceUnavailable, "lock_unavailable", err.Error())
	default:
		h.logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
