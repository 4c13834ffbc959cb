// Package recovery turns active failures into ranked remediation options
// and executes the one a human picks. Option generation is pluggable per
// failure type so new failure classes register a provider without
// touching the advisor.
package recovery

import (
	"sort"
	"sync"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// OptionSpec is a strategy's description of one candidate remediation.
type OptionSpec struct {
	Name        string
	Description string
	Confidence  float64
}

// Strategy produces candidate recovery options for one failure type.
type Strategy interface {
	Options(f *contracts.FailureRecord) []OptionSpec
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(f *contracts.FailureRecord) []OptionSpec

func (fn StrategyFunc) Options(f *contracts.FailureRecord) []OptionSpec { return fn(f) }

// Registry maps failure types to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[contracts.FailureType]Strategy
	fallback   Strategy
}

// NewRegistry creates a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[contracts.FailureType]Strategy),
		fallback: StrategyFunc(func(*contracts.FailureRecord) []OptionSpec {
			return []OptionSpec{
				{Name: "retry", Description: "Re-run the failed operation unchanged", Confidence: 0.5},
				{Name: "manual-override", Description: "Mark the operation as handled outside the system", Confidence: 0.3},
			}
		}),
	}
	for t, s := range builtinStrategies() {
		r.strategies[t] = s
	}
	return r
}

// Register installs (or replaces) the strategy for a failure type.
func (r *Registry) Register(t contracts.FailureType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t] = s
}

// For returns the strategy for a failure type, falling back to the
// generic retry strategy for unregistered types.
func (r *Registry) For(t contracts.FailureType) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[t]; ok {
		return s
	}
	return r.fallback
}

func builtinStrategies() map[contracts.FailureType]Strategy {
	static := func(specs ...OptionSpec) Strategy {
		return StrategyFunc(func(*contracts.FailureRecord) []OptionSpec { return specs })
	}
	return map[contracts.FailureType]Strategy{
		contracts.FailureTimeout: static(
			OptionSpec{Name: "retry-with-backoff", Description: "Re-run with exponential backoff", Confidence: 0.8},
			OptionSpec{Name: "reduce-scope", Description: "Re-run against a smaller batch", Confidence: 0.6},
		),
		contracts.FailureOperation: static(
			OptionSpec{Name: "retry", Description: "Re-run the failed operation unchanged", Confidence: 0.7},
			OptionSpec{Name: "rollback", Description: "Undo partial effects and re-queue", Confidence: 0.5},
		),
		contracts.FailureDecision: static(
			OptionSpec{Name: "re-evaluate", Description: "Re-run the decision with fresh inputs", Confidence: 0.7},
			OptionSpec{Name: "route-to-human", Description: "Open a checkpoint for manual decision", Confidence: 0.6},
		),
		contracts.FailureIntegration: static(
			OptionSpec{Name: "retry", Description: "Re-run the integration call", Confidence: 0.7},
			OptionSpec{Name: "fallback-provider", Description: "Switch to the configured fallback provider", Confidence: 0.6},
			OptionSpec{Name: "manual-override", Description: "Mark the integration as handled manually", Confidence: 0.4},
		),
		contracts.FailureMemory: static(
			OptionSpec{Name: "flush-cache", Description: "Drop cached state and rebuild from storage", Confidence: 0.7},
			OptionSpec{Name: "trim-retention", Description: "Apply retention tiers early to reclaim space", Confidence: 0.5},
		),
		contracts.FailureHitl: static(
			OptionSpec{Name: "reassign-reviewer", Description: "Route the checkpoint to another reviewer", Confidence: 0.7},
			OptionSpec{Name: "escalate-manually", Description: "Escalate one tier immediately", Confidence: 0.6},
		),
	}
}

// rank orders specs by confidence descending (ties by name for
// determinism) and materializes them as RecoveryOptions with the top
// option recommended. Option ids are deterministic so a later
// executeRecovery can name one without persisted state.
func rank(failureID string, specs []OptionSpec) []*contracts.RecoveryOption {
	sorted := append([]OptionSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Name < sorted[j].Name
	})
	out := make([]*contracts.RecoveryOption, 0, len(sorted))
	for i, s := range sorted {
		out = append(out, &contracts.RecoveryOption{
			ID:            s.Name,
			FailureID:     failureID,
			Name:          s.Name,
			Description:   s.Description,
			Confidence:    s.Confidence,
			IsRecommended: i == 0,
		})
	}
	return out
}
