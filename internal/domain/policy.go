package domain

import "time"

// ConflictStrategy selects the source of truth when presence and timesheet disagree.
type ConflictStrategy string

const (
	StrategyManual            ConflictStrategy = "manual"
	StrategyPresencePriority  ConflictStrategy = "presence_priority"
	StrategyTimesheetPriority ConflictStrategy = "timesheet_priority"
	StrategyLatestWins        ConflictStrategy = "latest_wins"
)

// BreakRule controls how a break category is turned into timesheet entries.
type BreakRule struct {
	Convert    bool   `json:"convert" yaml:"convert"`
	Billable   bool   `json:"billable" yaml:"billable"`
	ActivityID string `json:"activity_id,omitempty" yaml:"activity_id"`
}

// Policy is the per-tenant reconciliation configuration.
type Policy struct {
	TenantID string `json:"tenant_id" yaml:"-"`

	ToleranceMinutes            int     `json:"tolerance_minutes" yaml:"tolerance_minutes" validate:"gte=0,lte=1440"`
	AutoResolveThresholdMinutes int     `json:"auto_resolve_threshold_minutes" yaml:"auto_resolve_threshold_minutes" validate:"gte=0,lte=1440"`
	MinWorkMinutes              int     `json:"min_work_minutes" yaml:"min_work_minutes" validate:"gte=0,lte=1440"`
	MaxWorkMinutes              int     `json:"max_work_minutes" yaml:"max_work_minutes" validate:"gtefield=MinWorkMinutes,lte=1440"`
	MinimumEntryMinutes         int     `json:"minimum_entry_minutes" yaml:"minimum_entry_minutes" validate:"gte=0,lte=1440"`
	DailyMinimumHours           float64 `json:"daily_minimum_hours" yaml:"daily_minimum_hours" validate:"gte=0,lte=24"`

	SplitBreaks       bool                 `json:"split_breaks" yaml:"split_breaks"`
	BreakRules        map[string]BreakRule `json:"break_rules" yaml:"break_rules"`
	DefaultActivityID string               `json:"default_activity_id,omitempty" yaml:"default_activity_id"`
	DefaultBillable   bool                 `json:"default_billable" yaml:"default_billable"`

	ConflictStrategy              ConflictStrategy `json:"conflict_strategy" yaml:"conflict_strategy" validate:"oneof=manual presence_priority timesheet_priority latest_wins"`
	AllowTimesheetWithoutPresence bool             `json:"allow_timesheet_without_presence" yaml:"allow_timesheet_without_presence"`
	AllowPresenceWithoutTimesheet bool             `json:"allow_presence_without_timesheet" yaml:"allow_presence_without_timesheet"`

	ImportEnabled              bool `json:"import_enabled" yaml:"import_enabled"`
	CoherenceEnabled           bool `json:"coherence_enabled" yaml:"coherence_enabled"`
	SyncEnabled                bool `json:"sync_enabled" yaml:"sync_enabled"`
	DetectImplausibleDurations bool `json:"detect_implausible_durations" yaml:"detect_implausible_durations"`

	Timezone  string    `json:"timezone" yaml:"timezone" validate:"required,timezone"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// DefaultPolicy returns the built-in defaults for tenantID.
func DefaultPolicy(tenantID string) Policy {
	return Policy{
		TenantID:                    tenantID,
		ToleranceMinutes:            15,
		AutoResolveThresholdMinutes: 120,
		MinWorkMinutes:              0,
		MaxWorkMinutes:              960,
		MinimumEntryMinutes:         15,
		SplitBreaks:                 true,
		BreakRules:                  map[string]BreakRule{},
		ConflictStrategy:            StrategyManual,
		ImportEnabled:               true,
		CoherenceEnabled:            true,
		SyncEnabled:                 true,
		Timezone:                    "UTC",
	}
}

// Clone returns a deep copy so cached policies are never mutated through callers.
func (p Policy) Clone() Policy {
	out := p
	out.BreakRules = make(map[string]BreakRule, len(p.BreakRules))
	for k, v := range p.BreakRules {
		out.BreakRules[k] = v
	}
	return out
}

// Location resolves the policy timezone, falling back to UTC.
func (p Policy) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BreakRuleFor returns the rule configured for category. Unknown categories are not converted.
func (p Policy) BreakRuleFor(category string) BreakRule {
	if rule, ok := p.BreakRules[category]; ok {
		return rule
	}
	return BreakRule{}
}
