package contracts

import "time"

// FailureType classifies an operational failure.
type FailureType string

const (
	FailureTimeout     FailureType = "TIMEOUT"
	FailureOperation   FailureType = "OPERATION_ERROR"
	FailureDecision    FailureType = "DECISION_ERROR"
	FailureIntegration FailureType = "INTEGRATION_ERROR"
	FailureMemory      FailureType = "MEMORY_ERROR"
	FailureHitl        FailureType = "HITL_ERROR"
)

// Valid reports whether t is a known failure type.
func (t FailureType) Valid() bool {
	switch t {
	case FailureTimeout, FailureOperation, FailureDecision,
		FailureIntegration, FailureMemory, FailureHitl:
		return true
	}
	return false
}

// FailureStatus is the lifecycle state of a failure record.
type FailureStatus string

const (
	FailureActive       FailureStatus = "ACTIVE"
	FailureAcknowledged FailureStatus = "ACKNOWLEDGED"
	FailureRecovered    FailureStatus = "RECOVERED"
)

// FailureRecord is one actionable operational failure. At most one
// non-Recovered record exists per (OperationName, ModuleID) pair; repeated
// failures of the same operation increment RecoveryAttempts on the
// existing record instead of creating duplicates.
type FailureRecord struct {
	ID                  string            `json:"id"`
	OperationName       string            `json:"operation_name"`
	ModuleID            string            `json:"module_id"`
	Type                FailureType       `json:"type"`
	Status              FailureStatus     `json:"status"`
	RecoveryAttempts    int               `json:"recovery_attempts"`
	LastRecoveryAttempt *time.Time        `json:"last_recovery_attempt,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// RecoveryOption is one candidate remediation for an active failure.
// Exactly one option per failure is recommended: the highest-confidence
// one.
type RecoveryOption struct {
	ID            string  `json:"id"`
	FailureID     string  `json:"failure_id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Confidence    float64 `json:"confidence"`
	IsRecommended bool    `json:"is_recommended"`
}

// RecoveryResult is the outcome of executing one recovery option.
type RecoveryResult struct {
	FailureID   string    `json:"failure_id"`
	OptionID    string    `json:"option_id"`
	OptionName  string    `json:"option_name"`
	Succeeded   bool      `json:"succeeded"`
	Message     string    `json:"message,omitempty"`
	Attempts    int       `json:"attempts"`
	AttemptedAt time.Time `json:"attempted_at"`
}
