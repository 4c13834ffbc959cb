// Package contracts defines the shared domain types of the Sentient Loop
// governance engine: checkpoints, escalations, failures, recovery options,
// and the policy document that drives gate decisions. Every other package
// depends on these types; this package depends on nothing but the standard
// library and the ID generator.
package contracts

import (
	"encoding/json"
	"time"
)

// CheckpointType categorizes why a human checkpoint is required.
type CheckpointType string

const (
	DecisionRequired     CheckpointType = "DECISION_REQUIRED"
	ConfirmationRequired CheckpointType = "CONFIRMATION_REQUIRED"
	InformationRequired  CheckpointType = "INFORMATION_REQUIRED"
	ValidationRequired   CheckpointType = "VALIDATION_REQUIRED"
	EscalationRequired   CheckpointType = "ESCALATION_REQUIRED"
	AuditRequired        CheckpointType = "AUDIT_REQUIRED"
)

// Valid reports whether t is a known checkpoint type.
func (t CheckpointType) Valid() bool {
	switch t {
	case DecisionRequired, ConfirmationRequired, InformationRequired,
		ValidationRequired, EscalationRequired, AuditRequired:
		return true
	}
	return false
}

// CheckpointStatus is the lifecycle state of a checkpoint.
type CheckpointStatus string

const (
	StatusPending   CheckpointStatus = "PENDING"
	StatusApproved  CheckpointStatus = "APPROVED"
	StatusRejected  CheckpointStatus = "REJECTED"
	StatusModified  CheckpointStatus = "MODIFIED"
	StatusEscalated CheckpointStatus = "ESCALATED"
	StatusExpired   CheckpointStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
// Escalated is not terminal: the engine re-opens the checkpoint at a
// higher tier.
func (s CheckpointStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusModified, StatusExpired:
		return true
	}
	return false
}

// Level is the shared severity scale used for action impact and for
// escalation tiers. Ordering is LevelLow < LevelMedium < LevelHigh <
// LevelCritical.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

var levelRanks = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank returns the ordinal position of the level, or -1 if unknown.
func (l Level) Rank() int {
	r, ok := levelRanks[l]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.Rank() >= 0 }

// AtLeast reports whether l is at or above other on the severity scale.
func (l Level) AtLeast(other Level) bool { return l.Rank() >= other.Rank() }

// Next returns the level one step above l. Critical has no successor;
// the second return value is false when the ladder is exhausted.
func (l Level) Next() (Level, bool) {
	switch l {
	case LevelLow:
		return LevelMedium, true
	case LevelMedium:
		return LevelHigh, true
	case LevelHigh:
		return LevelCritical, true
	}
	return "", false
}

// Checkpoint is a suspension point requiring human resolution before an
// agent-proposed action executes. Once a terminal status is reached the
// record is immutable; later activity is visible only through the audit
// trail.
type Checkpoint struct {
	ID                 string           `json:"id"`
	Type               CheckpointType   `json:"type"`
	Status             CheckpointStatus `json:"status"`
	ModuleID           string           `json:"module_id"`
	AgentID            string           `json:"agent_id"`
	ActionType         string           `json:"action_type"`
	OriginalPayload    json.RawMessage  `json:"original_payload,omitempty"`
	ModifiedPayload    json.RawMessage  `json:"modified_payload,omitempty"`
	Confidence         float64          `json:"confidence"`
	Impact             Level            `json:"impact"`
	ParentCheckpointID string           `json:"parent_checkpoint_id,omitempty"`
	Resolution         string           `json:"resolution,omitempty"`
	ResolvedBy         string           `json:"resolved_by,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`

	// LastEscalatedAt is the scheduler's idempotency watermark: no new
	// escalation record may be inserted within one timeout window of it.
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
}

// ResolutionAction is a human-invocable resolution verb.
type ResolutionAction string

const (
	ActionApprove  ResolutionAction = "approve"
	ActionReject   ResolutionAction = "reject"
	ActionModify   ResolutionAction = "modify"
	ActionEscalate ResolutionAction = "escalate"
)

// EscalationRecord documents one rung of a checkpoint's escalation ladder.
// Levels are monotonically non-decreasing across a chain.
type EscalationRecord struct {
	ID              string     `json:"id"`
	CheckpointID    string     `json:"checkpoint_id"`
	Level           Level      `json:"level"`
	Reason          string     `json:"reason"`
	NotifiedParties []string   `json:"notified_parties"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// ProposedAction is an agent's request to execute something that may be
// subject to governance.
type ProposedAction struct {
	Type       string          `json:"type"`
	ModuleID   string          `json:"module_id"`
	AgentID    string          `json:"agent_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Confidence float64         `json:"confidence"`
	Impact     Level           `json:"impact"`
}

// GateOutcome is the verdict of the Checkpoint Gate.
type GateOutcome string

const (
	OutcomeProceed           GateOutcome = "PROCEED"
	OutcomeRequireCheckpoint GateOutcome = "REQUIRE_CHECKPOINT"
)

// GateDecision is the result of evaluating a proposed action against
// policy. CheckpointType is set only when Outcome is RequireCheckpoint.
type GateDecision struct {
	Outcome        GateOutcome    `json:"outcome"`
	CheckpointType CheckpointType `json:"checkpoint_type,omitempty"`
	Reason         string         `json:"reason"`
}

// Proceed reports whether the action may execute without a checkpoint.
func (d GateDecision) Proceed() bool { return d.Outcome == OutcomeProceed }
