package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// ErrWatermarkConflict is returned when a concurrent sweep already
// advanced a checkpoint's escalation watermark.
var ErrWatermarkConflict = errors.New("escalation watermark conflict")

// Memory is an in-process Repository with full conditional-write
// semantics. It backs tests and single-node deployments.
type Memory struct {
	mu          sync.RWMutex
	checkpoints map[string]*contracts.Checkpoint
	escalations map[string][]*contracts.EscalationRecord
	failures    map[string]*contracts.FailureRecord
	policy      *contracts.PolicyConfig
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]*contracts.Checkpoint),
		escalations: make(map[string][]*contracts.EscalationRecord),
		failures:    make(map[string]*contracts.FailureRecord),
	}
}

func cloneCheckpoint(cp *contracts.Checkpoint) *contracts.Checkpoint {
	out := *cp
	out.OriginalPayload = append([]byte(nil), cp.OriginalPayload...)
	out.ModifiedPayload = append([]byte(nil), cp.ModifiedPayload...)
	if cp.ResolvedAt != nil {
		t := *cp.ResolvedAt
		out.ResolvedAt = &t
	}
	if cp.LastEscalatedAt != nil {
		t := *cp.LastEscalatedAt
		out.LastEscalatedAt = &t
	}
	return &out
}

func cloneFailure(f *contracts.FailureRecord) *contracts.FailureRecord {
	out := *f
	if f.LastRecoveryAttempt != nil {
		t := *f.LastRecoveryAttempt
		out.LastRecoveryAttempt = &t
	}
	if f.Metadata != nil {
		out.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (m *Memory) CreateCheckpoint(_ context.Context, cp *contracts.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, id string) (*contracts.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

func (m *Memory) ListCheckpoints(_ context.Context, f CheckpointFilter) ([]*contracts.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Checkpoint, 0)
	for _, cp := range m.checkpoints {
		if f.Status != "" && cp.Status != f.Status {
			continue
		}
		if f.ModuleID != "" && cp.ModuleID != f.ModuleID {
			continue
		}
		if f.AgentID != "" && cp.AgentID != f.AgentID {
			continue
		}
		out = append(out, cloneCheckpoint(cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ConditionalUpdateCheckpointStatus(_ context.Context, id string,
	expected, next contracts.CheckpointStatus, fields ResolutionFields) (*contracts.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	if cp.Status != expected {
		return nil, &contracts.TransitionConflictError{CheckpointID: id, Current: cp.Status}
	}
	cp.Status = next
	if fields.Resolution != "" {
		cp.Resolution = fields.Resolution
	}
	if fields.ResolvedBy != "" {
		cp.ResolvedBy = fields.ResolvedBy
	}
	if fields.ModifiedPayload != nil {
		cp.ModifiedPayload = append([]byte(nil), fields.ModifiedPayload...)
	}
	if fields.ResolvedAt != nil {
		t := *fields.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cloneCheckpoint(cp), nil
}

func (m *Memory) FindPendingOlderThan(_ context.Context, cutoff time.Time) ([]*contracts.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Checkpoint, 0)
	for _, cp := range m.checkpoints {
		if cp.Status == contracts.StatusPending && !cp.CreatedAt.After(cutoff) {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AdvanceEscalationWatermark(_ context.Context, id string, expected *time.Time, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return contracts.ErrNotFound
	}
	switch {
	case expected == nil && cp.LastEscalatedAt == nil:
	case expected != nil && cp.LastEscalatedAt != nil && expected.Equal(*cp.LastEscalatedAt):
	default:
		return ErrWatermarkConflict
	}
	t := next
	cp.LastEscalatedAt = &t
	return nil
}

func (m *Memory) CreateEscalationRecord(_ context.Context, rec *contracts.EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.NotifiedParties = append([]string(nil), rec.NotifiedParties...)
	m.escalations[rec.CheckpointID] = append(m.escalations[rec.CheckpointID], &cp)
	return nil
}

func (m *Memory) ListEscalationRecords(_ context.Context, checkpointID string) ([]*contracts.EscalationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.escalations[checkpointID]
	out := make([]*contracts.EscalationRecord, 0, len(recs))
	for _, r := range recs {
		c := *r
		c.NotifiedParties = append([]string(nil), r.NotifiedParties...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateFailure(_ context.Context, rec *contracts.FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Enforce the single-active-record invariant even if the caller
	// skipped FindActiveFailure.
	for _, f := range m.failures {
		if f.OperationName == rec.OperationName && f.ModuleID == rec.ModuleID &&
			f.Status != contracts.FailureRecovered {
			return &DuplicateFailureError{ExistingID: f.ID}
		}
	}
	m.failures[rec.ID] = cloneFailure(rec)
	return nil
}

func (m *Memory) GetFailure(_ context.Context, id string) (*contracts.FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.failures[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return cloneFailure(f), nil
}

func (m *Memory) FindActiveFailure(_ context.Context, operationName, moduleID string) (*contracts.FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.failures {
		if f.OperationName == operationName && f.ModuleID == moduleID &&
			f.Status != contracts.FailureRecovered {
			return cloneFailure(f), nil
		}
	}
	return nil, contracts.ErrNotFound
}

func (m *Memory) ListFailures(_ context.Context, statuses ...contracts.FailureStatus) ([]*contracts.FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.FailureRecord, 0)
	for _, f := range m.failures {
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if f.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, cloneFailure(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) TouchFailure(_ context.Context, id string, at time.Time, metadata map[string]string) (*contracts.FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	f.RecoveryAttempts++
	t := at
	f.LastRecoveryAttempt = &t
	f.UpdatedAt = at
	if len(metadata) > 0 {
		if f.Metadata == nil {
			f.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			f.Metadata[k] = v
		}
	}
	return cloneFailure(f), nil
}

func (m *Memory) ConditionalUpdateFailureStatus(_ context.Context, id string,
	expected []contracts.FailureStatus, next contracts.FailureStatus) (*contracts.FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	legal := false
	for _, s := range expected {
		if f.Status == s {
			legal = true
			break
		}
	}
	if !legal {
		return nil, contracts.ErrInvalidTransition
	}
	f.Status = next
	f.UpdatedAt = time.Now().UTC()
	return cloneFailure(f), nil
}

func (m *Memory) GetPolicy(_ context.Context) (*contracts.PolicyConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return nil, contracts.ErrNotFound
	}
	return m.policy.Clone(), nil
}

func (m *Memory) UpdatePolicy(_ context.Context, p *contracts.PolicyConfig, expectedVersion int64) (*contracts.PolicyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := int64(0)
	if m.policy != nil {
		current = m.policy.Version
	}
	if current != expectedVersion {
		return nil, contracts.ErrVersionConflict
	}
	stored := p.Clone()
	stored.Version = current + 1
	m.policy = stored
	return stored.Clone(), nil
}
