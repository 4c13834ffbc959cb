// Package failure records operational failures raised by monitored
// subsystems and keeps the catalogue an operator acts on. Repeated
// failures of the same operation collapse into one record instead of
// flooding the queue.
package failure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/store"
)

// Monitor is the failure intake and catalogue.
type Monitor struct {
	repo     store.Repository
	recorder *audit.Recorder
	clock    contracts.Clock
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the clock for deterministic tests.
func WithClock(c contracts.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// NewMonitor creates a Monitor.
func NewMonitor(repo store.Repository, recorder *audit.Recorder, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default().With("component", "failure")
	}
	m := &Monitor{
		repo:     repo,
		recorder: recorder,
		clock:    contracts.WallClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report records a failure. If a non-recovered record already exists for
// (operationName, moduleID) the burst is folded into it: the attempt
// counter increments and metadata merges; otherwise a new Active record
// is created.
func (m *Monitor) Report(ctx context.Context, operationName, moduleID string,
	ftype contracts.FailureType, metadata map[string]string) (*contracts.FailureRecord, error) {
	if operationName == "" || moduleID == "" {
		return nil, fmt.Errorf("%w: operation name and module id are required", contracts.ErrValidation)
	}
	if !ftype.Valid() {
		return nil, fmt.Errorf("%w: unknown failure type %q", contracts.ErrValidation, ftype)
	}
	now := m.clock.Now()

	existing, err := m.repo.FindActiveFailure(ctx, operationName, moduleID)
	if err == nil {
		return m.repo.TouchFailure(ctx, existing.ID, now, metadata)
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return nil, err
	}

	rec := &contracts.FailureRecord{
		ID:            contracts.NewFailureID(),
		OperationName: operationName,
		ModuleID:      moduleID,
		Type:          ftype,
		Status:        contracts.FailureActive,
		// The first report is itself an attempt: N reports of the same
		// pair leave the counter at N.
		RecoveryAttempts: 1,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.repo.CreateFailure(ctx, rec); err != nil {
		// Lost the create race to a concurrent reporter: fold into the
		// record that won.
		var dup *store.DuplicateFailureError
		if errors.As(err, &dup) {
			return m.repo.TouchFailure(ctx, dup.ExistingID, now, metadata)
		}
		return nil, err
	}

	m.record(ctx, rec.ID, "", string(contracts.FailureActive), "system",
		fmt.Sprintf("%s failed in %s", operationName, moduleID))
	m.logger.WarnContext(ctx, "failure recorded",
		"failure_id", rec.ID, "operation", operationName,
		"module_id", moduleID, "type", ftype)
	return rec, nil
}

// Acknowledge marks an active failure as seen by a human. No recovery
// has happened yet; the record stays in the catalogue.
func (m *Monitor) Acknowledge(ctx context.Context, failureID, actor string) (*contracts.FailureRecord, error) {
	rec, err := m.repo.ConditionalUpdateFailureStatus(ctx, failureID,
		[]contracts.FailureStatus{contracts.FailureActive}, contracts.FailureAcknowledged)
	if err != nil {
		// A recovered or already-acknowledged record is not
		// acknowledgeable; surface that as NotFound per the API
		// contract.
		if errors.Is(err, contracts.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: failure %s is not active", contracts.ErrNotFound, failureID)
		}
		return nil, err
	}
	m.record(ctx, failureID, string(contracts.FailureActive),
		string(contracts.FailureAcknowledged), actor, "acknowledged")
	return rec, nil
}

// ListActive returns the currently actionable failures (Active and
// Acknowledged), oldest first.
func (m *Monitor) ListActive(ctx context.Context) ([]*contracts.FailureRecord, error) {
	return m.repo.ListFailures(ctx, contracts.FailureActive, contracts.FailureAcknowledged)
}

// Get returns one failure record.
func (m *Monitor) Get(ctx context.Context, failureID string) (*contracts.FailureRecord, error) {
	return m.repo.GetFailure(ctx, failureID)
}

func (m *Monitor) record(ctx context.Context, id, from, to, actor, reason string) {
	if m.recorder == nil {
		return
	}
	_ = m.recorder.Record(ctx, audit.Event{
		EntityType: audit.EntityFailure,
		EntityID:   id,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Timestamp:  m.clock.Now(),
		Reason:     reason,
	})
}
