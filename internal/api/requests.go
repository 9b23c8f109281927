package api

// StartImportJobRequest is the payload for POST /v1/import-jobs. Trigger defaults to manual.
type StartImportJobRequest struct {
	Kind        string   `json:"kind"`
	Trigger     string   `json:"trigger,omitempty"`
	DateFrom    string   `json:"date_from"`
	DateTo      string   `json:"date_to"`
	EmployeeIDs []string `json:"employee_ids,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// CoherenceCheckRequest is the payload for POST /v1/coherence-checks. Kind defaults to on_demand.
type CoherenceCheckRequest struct {
	Kind        string   `json:"kind,omitempty"`
	DateFrom    string   `json:"date_from,omitempty"`
	DateTo      string   `json:"date_to,omitempty"`
	EmployeeIDs []string `json:"employee_ids,omitempty"`
	AutoFix     bool     `json:"auto_fix"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// ResolveIssueRequest is the payload for POST /v1/coherence-issues/{id}/resolve.
type ResolveIssueRequest struct {
	Action     string `json:"action"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// AutoFixRequest is the payload for POST /v1/coherence-issues/auto-fix.
type AutoFixRequest struct {
	IssueIDs []string `json:"issue_ids"`
}

// ReconcileConflictsRequest is the payload for POST /v1/sync/conflicts/reconcile. An empty
// strategy applies the tenant policy.
type ReconcileConflictsRequest struct {
	ConflictIDs []string `json:"conflict_ids"`
	Strategy    string   `json:"strategy,omitempty"`
}

// ListResponse packages a page of results.
type ListResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}
