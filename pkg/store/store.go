// Package store defines the Repository boundary of the governance engine
// and provides memory, SQLite, and Postgres implementations. Every write
// that participates in the checkpoint state machine goes through a
// conditional update so that races are decided by the storage layer, not
// by application memory.
package store

import (
	"context"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// DuplicateFailureError is returned when a create would violate the
// single-active-record invariant for an (operation, module) pair. It
// carries the id of the record that should be touched instead.
type DuplicateFailureError struct {
	ExistingID string
}

func (e *DuplicateFailureError) Error() string {
	return "active failure record already exists: " + e.ExistingID
}

// CheckpointFilter narrows ListCheckpoints.
type CheckpointFilter struct {
	Status   contracts.CheckpointStatus
	ModuleID string
	AgentID  string
	Limit    int
}

// ResolutionFields carries the mutable fields written alongside a status
// transition. Nil pointers leave the stored value untouched.
type ResolutionFields struct {
	Resolution      string
	ResolvedBy      string
	ModifiedPayload []byte
	ResolvedAt      *time.Time
}

// Repository is the transactional storage boundary. Implementations must
// provide atomic conditional-write semantics for the methods that take an
// expected state.
type Repository interface {
	// Checkpoints.
	CreateCheckpoint(ctx context.Context, cp *contracts.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*contracts.Checkpoint, error)
	ListCheckpoints(ctx context.Context, f CheckpointFilter) ([]*contracts.Checkpoint, error)

	// ConditionalUpdateCheckpointStatus performs a compare-and-swap on
	// the checkpoint's status. If the stored status differs from
	// expected it returns *contracts.TransitionConflictError (wrapping
	// ErrAlreadyResolved) carrying the actual current status.
	ConditionalUpdateCheckpointStatus(ctx context.Context, id string,
		expected, next contracts.CheckpointStatus, fields ResolutionFields) (*contracts.Checkpoint, error)

	// FindPendingOlderThan returns Pending checkpoints created at or
	// before the cutoff, for the escalation sweep.
	FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.Checkpoint, error)

	// AdvanceEscalationWatermark CAS-writes the per-checkpoint "last
	// escalated at" watermark. It fails with ErrAlreadyResolved
	// semantics (conflict) when another sweep already advanced it past
	// the expected value, which is what makes the sweep idempotent.
	AdvanceEscalationWatermark(ctx context.Context, id string, expected *time.Time, next time.Time) error

	// Escalation records.
	CreateEscalationRecord(ctx context.Context, rec *contracts.EscalationRecord) error
	ListEscalationRecords(ctx context.Context, checkpointID string) ([]*contracts.EscalationRecord, error)

	// Failures. FindActiveFailure matches Active or Acknowledged records
	// for the pair; Recovered records never match.
	CreateFailure(ctx context.Context, rec *contracts.FailureRecord) error
	GetFailure(ctx context.Context, id string) (*contracts.FailureRecord, error)
	FindActiveFailure(ctx context.Context, operationName, moduleID string) (*contracts.FailureRecord, error)
	ListFailures(ctx context.Context, statuses ...contracts.FailureStatus) ([]*contracts.FailureRecord, error)

	// TouchFailure increments RecoveryAttempts, stamps
	// LastRecoveryAttempt, and merges metadata, atomically.
	TouchFailure(ctx context.Context, id string, at time.Time, metadata map[string]string) (*contracts.FailureRecord, error)

	// ConditionalUpdateFailureStatus CAS-transitions a failure record.
	// expected lists the statuses the transition is legal from.
	ConditionalUpdateFailureStatus(ctx context.Context, id string,
		expected []contracts.FailureStatus, next contracts.FailureStatus) (*contracts.FailureRecord, error)

	// Policy. UpdatePolicy replaces the whole document iff the stored
	// version equals expectedVersion, then increments the token;
	// otherwise it returns ErrVersionConflict.
	GetPolicy(ctx context.Context) (*contracts.PolicyConfig, error)
	UpdatePolicy(ctx context.Context, p *contracts.PolicyConfig, expectedVersion int64) (*contracts.PolicyConfig, error)
}
