package contracts

import "time"

// PolicySchemaVersion is the schema version written by this build.
// Stored documents with an older major version are rejected on write.
const PolicySchemaVersion = "1.0.0"

// ActionRule is a per-action-type override evaluated before the generic
// impact and confidence checks.
type ActionRule struct {
	AlwaysCheck    bool           `json:"always_check" yaml:"always_check"`
	CheckpointType CheckpointType `json:"checkpoint_type" yaml:"checkpoint_type"`
	Reason         string         `json:"reason,omitempty" yaml:"reason,omitempty"`

	// Condition is an optional CEL expression over the proposed action
	// (`action.type`, `action.impact`, `action.confidence`,
	// `action.payload`). When set, the rule applies only if the
	// expression evaluates to true.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RetentionPolicy holds the tiered retention windows, in days.
type RetentionPolicy struct {
	ShortTermDays         int `json:"short_term_days" yaml:"short_term_days"`
	LongTermDays          int `json:"long_term_days" yaml:"long_term_days"`
	CriticalDecisionsDays int `json:"critical_decisions_days" yaml:"critical_decisions_days"`
	AuditTrailDays        int `json:"audit_trail_days" yaml:"audit_trail_days"`
}

// PolicyConfig is the singleton, versioned governance ruleset. Updates are
// full-document replacements guarded by the Version token; readers may see
// a stale-but-consistent document, never a partially applied one.
type PolicyConfig struct {
	// Version is the optimistic-concurrency token, incremented on every
	// successful update.
	Version       int64  `json:"version" yaml:"version"`
	SchemaVersion string `json:"schema_version" yaml:"schema_version"`

	// IsActive is the global kill switch. When false every proposed
	// action proceeds ungoverned.
	IsActive bool `json:"is_active" yaml:"is_active"`

	ConfidenceThreshold   float64               `json:"confidence_threshold" yaml:"confidence_threshold"`
	AlwaysCheckHighImpact bool                  `json:"always_check_high_impact" yaml:"always_check_high_impact"`
	ActionRules           map[string]ActionRule `json:"action_rules,omitempty" yaml:"action_rules,omitempty"`

	// AutoEscalateThreshold is the floor level at which the first
	// escalation of an overdue checkpoint is recorded.
	AutoEscalateThreshold    Level `json:"auto_escalate_threshold" yaml:"auto_escalate_threshold"`
	EscalationTimeoutMinutes int   `json:"escalation_timeout_minutes" yaml:"escalation_timeout_minutes"`

	// NotifyUsers is the default notification chain, used when a ladder
	// level has no entry in CriticalEscalationPath.
	NotifyUsers []string `json:"notify_users,omitempty" yaml:"notify_users,omitempty"`

	// CriticalEscalationPath is ordered by ladder level: index 0 is
	// notified at LOW, index 3 at CRITICAL.
	CriticalEscalationPath []string `json:"critical_escalation_path,omitempty" yaml:"critical_escalation_path,omitempty"`

	MemoryRetention RetentionPolicy `json:"memory_retention" yaml:"memory_retention"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
}

// EscalationTimeout returns the ladder window as a duration.
func (p *PolicyConfig) EscalationTimeout() time.Duration {
	return time.Duration(p.EscalationTimeoutMinutes) * time.Minute
}

// PartiesForLevel returns who to notify for an escalation at the given
// level: the matching rung of CriticalEscalationPath, or the default
// NotifyUsers chain when the ladder has no explicit entry.
func (p *PolicyConfig) PartiesForLevel(level Level) []string {
	if r := level.Rank(); r >= 0 && r < len(p.CriticalEscalationPath) {
		return []string{p.CriticalEscalationPath[r]}
	}
	return p.NotifyUsers
}

// LadderExhausted reports whether level is above the top rung of the
// configured escalation path.
func (p *PolicyConfig) LadderExhausted(level Level) bool {
	top := len(p.CriticalEscalationPath) - 1
	if top < 0 {
		top = LevelCritical.Rank()
	}
	if top > LevelCritical.Rank() {
		top = LevelCritical.Rank()
	}
	return level.Rank() > top
}

// Clone returns a deep copy, so cached documents can be handed to callers
// without aliasing the stored maps and slices.
func (p *PolicyConfig) Clone() *PolicyConfig {
	if p == nil {
		return nil
	}
	out := *p
	if p.ActionRules != nil {
		out.ActionRules = make(map[string]ActionRule, len(p.ActionRules))
		for k, v := range p.ActionRules {
			out.ActionRules[k] = v
		}
	}
	out.NotifyUsers = append([]string(nil), p.NotifyUsers...)
	out.CriticalEscalationPath = append([]string(nil), p.CriticalEscalationPath...)
	return &out
}
