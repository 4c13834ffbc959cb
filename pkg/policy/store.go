package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/store"
)

// Default returns the policy document installed on first boot: governance
// on, conservative thresholds, a four-rung escalation path.
func Default() *contracts.PolicyConfig {
	return &contracts.PolicyConfig{
		SchemaVersion:            contracts.PolicySchemaVersion,
		IsActive:                 true,
		ConfidenceThreshold:      0.7,
		AlwaysCheckHighImpact:    true,
		AutoEscalateThreshold:    contracts.LevelMedium,
		EscalationTimeoutMinutes: 60,
		NotifyUsers:              []string{"operator"},
		CriticalEscalationPath:   []string{"operator", "team-lead", "director", "cto"},
		MemoryRetention: contracts.RetentionPolicy{
			ShortTermDays:         7,
			LongTermDays:          90,
			CriticalDecisionsDays: 365,
			AuditTrailDays:        365,
		},
	}
}

// Store serves the singleton policy document. Reads come from a cached
// copy so gate evaluations do not hit the repository; the cache is
// replaced wholesale on update, so readers observe stale-but-consistent
// documents, never partial ones.
type Store struct {
	repo       store.Repository
	conditions *ConditionEvaluator
	logger     *slog.Logger

	mu     sync.RWMutex
	cached *contracts.PolicyConfig
}

// NewStore creates the policy store.
func NewStore(repo store.Repository, conditions *ConditionEvaluator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default().With("component", "policy")
	}
	return &Store{repo: repo, conditions: conditions, logger: logger}
}

// EnsureDefault installs the default document if no policy is stored yet.
func (s *Store) EnsureDefault(ctx context.Context) error {
	_, err := s.repo.GetPolicy(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return err
	}
	def := Default()
	def.UpdatedAt = time.Now().UTC()
	def.UpdatedBy = "system"
	if _, err := s.repo.UpdatePolicy(ctx, def, 0); err != nil {
		// Another instance may have seeded concurrently.
		if errors.Is(err, contracts.ErrVersionConflict) {
			return nil
		}
		return err
	}
	s.logger.InfoContext(ctx, "default policy installed")
	return nil
}

// Get returns the current policy, serving the cached copy when present.
func (s *Store) Get(ctx context.Context) (*contracts.PolicyConfig, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil {
		return cached.Clone(), nil
	}

	p, err := s.repo.GetPolicy(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cached = p.Clone()
	s.mu.Unlock()
	return p, nil
}

// Update validates and replaces the whole document iff expectedVersion
// matches the stored version token. On success the cache is refreshed
// with the stored result.
func (s *Store) Update(ctx context.Context, p *contracts.PolicyConfig, expectedVersion int64, updatedBy string) (*contracts.PolicyConfig, error) {
	if err := Validate(p, s.conditions); err != nil {
		return nil, err
	}
	doc := p.Clone()
	doc.UpdatedAt = time.Now().UTC()
	doc.UpdatedBy = updatedBy

	stored, err := s.repo.UpdatePolicy(ctx, doc, expectedVersion)
	if err != nil {
		if errors.Is(err, contracts.ErrVersionConflict) {
			return nil, fmt.Errorf("update policy (expected version %d): %w",
				expectedVersion, contracts.ErrVersionConflict)
		}
		return nil, err
	}

	s.mu.Lock()
	s.cached = stored.Clone()
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "policy updated",
		"version", stored.Version, "updated_by", updatedBy, "active", stored.IsActive)
	return stored, nil
}

// Invalidate drops the cached copy; the next Get re-reads the repository.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
