// Package engine assembles the governance components behind one facade.
// Callers talk to the Engine; the Engine talks to the gate, resolver,
// failure monitor, recovery advisor, and policy store, all sharing one
// repository and one audit recorder.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/checkpoint"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/failure"
	"github.com/cauldronos/sentientloop/pkg/observability"
	"github.com/cauldronos/sentientloop/pkg/policy"
	"github.com/cauldronos/sentientloop/pkg/recovery"
	"github.com/cauldronos/sentientloop/pkg/store"
)

// ProposeResult is the gate's answer to a proposed action. Checkpoint is
// set only when the action was intercepted.
type ProposeResult struct {
	Decision   contracts.GateDecision `json:"decision"`
	Checkpoint *contracts.Checkpoint  `json:"checkpoint,omitempty"`
}

// Engine is the caller-facing surface of the governance loop.
type Engine struct {
	repo     store.Repository
	policies *policy.Store
	gate     *checkpoint.Gate
	resolver *checkpoint.Resolver
	monitor  *failure.Monitor
	advisor  *recovery.Advisor
	recorder *audit.Recorder
	obs      *observability.Provider
	clock    contracts.Clock
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic tests.
func WithClock(c contracts.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithObservability attaches telemetry instruments. A nil provider
// leaves telemetry off.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// New creates an Engine from already-wired components.
func New(repo store.Repository, policies *policy.Store, gate *checkpoint.Gate,
	resolver *checkpoint.Resolver, monitor *failure.Monitor, advisor *recovery.Advisor,
	recorder *audit.Recorder, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}
	e := &Engine{
		repo:     repo,
		policies: policies,
		gate:     gate,
		resolver: resolver,
		monitor:  monitor,
		advisor:  advisor,
		recorder: recorder,
		clock:    contracts.WallClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProposeAction evaluates an agent's proposed action against the current
// policy. When the gate intercepts, a Pending checkpoint is persisted and
// returned; the caller must hold the action until that checkpoint
// resolves.
func (e *Engine) ProposeAction(ctx context.Context, action contracts.ProposedAction) (res *ProposeResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "engine.propose_action",
		attribute.String("action_type", action.Type),
		attribute.String("module_id", action.ModuleID))
	defer func() { done(err) }()

	if action.Type == "" || action.ModuleID == "" {
		return nil, fmt.Errorf("%w: action type and module id are required", contracts.ErrValidation)
	}
	if action.Confidence < 0 || action.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %.2f outside [0,1]", contracts.ErrValidation, action.Confidence)
	}
	if action.Impact != "" && !action.Impact.Valid() {
		return nil, fmt.Errorf("%w: unknown impact level %q", contracts.ErrValidation, action.Impact)
	}
	if len(action.Payload) > 0 && !json.Valid(action.Payload) {
		return nil, fmt.Errorf("%w: payload is not well-formed JSON", contracts.ErrValidation)
	}

	pol, err := e.policies.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	decision := e.gate.Evaluate(action, pol)
	e.obs.RecordGateDecision(ctx, string(decision.Outcome))
	if decision.Proceed() {
		e.logger.DebugContext(ctx, "action cleared",
			"action_type", action.Type, "module_id", action.ModuleID, "reason", decision.Reason)
		return &ProposeResult{Decision: decision}, nil
	}

	now := e.clock.Now()
	cp := &contracts.Checkpoint{
		ID:              contracts.NewCheckpointID(),
		Type:            decision.CheckpointType,
		Status:          contracts.StatusPending,
		ModuleID:        action.ModuleID,
		AgentID:         action.AgentID,
		ActionType:      action.Type,
		OriginalPayload: action.Payload,
		Confidence:      action.Confidence,
		Impact:          action.Impact,
		CreatedAt:       now,
	}
	if err := e.repo.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}

	if e.recorder != nil {
		_ = e.recorder.Record(ctx, audit.Event{
			EntityType: audit.EntityCheckpoint,
			EntityID:   cp.ID,
			ToStatus:   string(contracts.StatusPending),
			Actor:      "system",
			Timestamp:  now,
			Reason:     decision.Reason,
			Metadata: map[string]string{
				"module_id":   cp.ModuleID,
				"agent_id":    cp.AgentID,
				"action_type": cp.ActionType,
			},
		})
	}
	e.logger.InfoContext(ctx, "checkpoint created",
		"checkpoint_id", cp.ID, "type", cp.Type,
		"action_type", action.Type, "module_id", action.ModuleID)
	return &ProposeResult{Decision: decision, Checkpoint: cp}, nil
}

// GetCheckpoint returns one checkpoint.
func (e *Engine) GetCheckpoint(ctx context.Context, id string) (*contracts.Checkpoint, error) {
	return e.repo.GetCheckpoint(ctx, id)
}

// ListCheckpoints returns checkpoints matching the filter, newest first.
func (e *Engine) ListCheckpoints(ctx context.Context, f store.CheckpointFilter) ([]*contracts.Checkpoint, error) {
	if f.Status != "" {
		switch f.Status {
		case contracts.StatusPending, contracts.StatusApproved, contracts.StatusRejected,
			contracts.StatusModified, contracts.StatusEscalated, contracts.StatusExpired:
		default:
			return nil, fmt.Errorf("%w: unknown checkpoint status %q", contracts.ErrValidation, f.Status)
		}
	}
	return e.repo.ListCheckpoints(ctx, f)
}

// ResolveCheckpoint applies a human resolution to a pending checkpoint.
func (e *Engine) ResolveCheckpoint(ctx context.Context, id string, req checkpoint.ResolveRequest) (*contracts.Checkpoint, error) {
	cp, err := e.resolver.Resolve(ctx, id, req)
	if err != nil {
		return nil, err
	}
	pendingFor := e.clock.Now().Sub(cp.CreatedAt)
	if cp.ResolvedAt != nil {
		pendingFor = cp.ResolvedAt.Sub(cp.CreatedAt)
	}
	e.obs.RecordResolution(ctx, string(cp.Status), pendingFor)
	return cp, nil
}

// EscalationChain returns the escalation ladder for a checkpoint,
// oldest rung first.
func (e *Engine) EscalationChain(ctx context.Context, checkpointID string) ([]*contracts.EscalationRecord, error) {
	if _, err := e.repo.GetCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	return e.repo.ListEscalationRecords(ctx, checkpointID)
}

// AwaitResolution blocks until the checkpoint resolves or ctx is done.
func (e *Engine) AwaitResolution(ctx context.Context, id string, pollInterval time.Duration) (*contracts.Checkpoint, error) {
	return e.resolver.AwaitResolution(ctx, id, pollInterval)
}

// ReportFailure records an operational failure, deduplicating against an
// existing non-recovered record for the same operation and module.
func (e *Engine) ReportFailure(ctx context.Context, operationName, moduleID string,
	ftype contracts.FailureType, metadata map[string]string) (*contracts.FailureRecord, error) {
	rec, err := e.monitor.Report(ctx, operationName, moduleID, ftype, metadata)
	if err != nil {
		return nil, err
	}
	// A fold leaves the counter above one; only a fresh record moves
	// the gauge.
	if rec.RecoveryAttempts == 1 {
		e.obs.AddActiveFailures(ctx, 1)
	}
	return rec, nil
}

// AcknowledgeFailure marks an active failure as seen.
func (e *Engine) AcknowledgeFailure(ctx context.Context, failureID, actor string) (*contracts.FailureRecord, error) {
	return e.monitor.Acknowledge(ctx, failureID, actor)
}

// ListActiveFailures returns the actionable failure catalogue.
func (e *Engine) ListActiveFailures(ctx context.Context) ([]*contracts.FailureRecord, error) {
	return e.monitor.ListActive(ctx)
}

// GetFailure returns one failure record.
func (e *Engine) GetFailure(ctx context.Context, failureID string) (*contracts.FailureRecord, error) {
	return e.monitor.Get(ctx, failureID)
}

// RecoveryOptions returns ranked remediation options for a failure.
func (e *Engine) RecoveryOptions(ctx context.Context, failureID string) ([]*contracts.RecoveryOption, error) {
	return e.advisor.ProposeOptions(ctx, failureID)
}

// ExecuteRecovery runs one remediation option against a failure.
func (e *Engine) ExecuteRecovery(ctx context.Context, failureID, optionID, actor string) (*contracts.RecoveryResult, error) {
	result, err := e.advisor.ExecuteRecovery(ctx, failureID, optionID, actor)
	if err != nil {
		return nil, err
	}
	e.obs.RecordRecovery(ctx, result.Succeeded)
	if result.Succeeded {
		e.obs.AddActiveFailures(ctx, -1)
	}
	return result, nil
}

// GetPolicy returns the current policy document.
func (e *Engine) GetPolicy(ctx context.Context) (*contracts.PolicyConfig, error) {
	return e.policies.Get(ctx)
}

// UpdatePolicy validates and swaps the policy document, guarded by the
// version token the caller read.
func (e *Engine) UpdatePolicy(ctx context.Context, p *contracts.PolicyConfig, expectedVersion int64, actor string) (*contracts.PolicyConfig, error) {
	updated, err := e.policies.Update(ctx, p, expectedVersion, actor)
	if err != nil {
		return nil, err
	}
	if e.recorder != nil {
		_ = e.recorder.Record(ctx, audit.Event{
			EntityType: audit.EntityPolicy,
			EntityID:   "policy",
			ToStatus:   fmt.Sprintf("v%d", updated.Version),
			Actor:      actor,
			Timestamp:  e.clock.Now(),
			Reason:     "policy updated",
		})
	}
	return updated, nil
}
