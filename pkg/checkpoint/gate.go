// Package checkpoint implements the two halves of the human-in-the-loop
// core: the Gate, which decides whether a proposed action needs a human
// checkpoint, and the Resolver, which drives a checkpoint through its
// state machine with storage-level compare-and-swap.
package checkpoint

import (
	"fmt"
	"log/slog"

	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/policy"
)

// Gate evaluates proposed actions against policy. Evaluate is a pure
// function of its two inputs so decisions are auditable and replayable;
// persisting the resulting checkpoint is the engine's job.
type Gate struct {
	conditions *policy.ConditionEvaluator
	logger     *slog.Logger
}

// NewGate creates a Gate. conditions may be nil when no action rule uses
// CEL conditions.
func NewGate(conditions *policy.ConditionEvaluator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default().With("component", "gate")
	}
	return &Gate{conditions: conditions, logger: logger}
}

// Evaluate applies the decision ladder, in priority order:
// kill switch, per-action-type rules, high-impact rule, confidence
// threshold. A rule whose CEL condition cannot be evaluated fails closed
// and requires the checkpoint.
func (g *Gate) Evaluate(action contracts.ProposedAction, pol *contracts.PolicyConfig) contracts.GateDecision {
	if pol == nil || !pol.IsActive {
		return contracts.GateDecision{
			Outcome: contracts.OutcomeProceed,
			Reason:  "governance disabled",
		}
	}

	if rule, ok := pol.ActionRules[action.Type]; ok && rule.AlwaysCheck {
		applies := true
		if rule.Condition != "" && g.conditions != nil {
			matched, err := g.conditions.Eval(rule.Condition, action)
			if err != nil {
				// Fail closed: an unevaluable condition must not
				// let the action slip through ungoverned.
				g.logger.Warn("action rule condition failed, requiring checkpoint",
					"action_type", action.Type, "error", err)
			} else {
				applies = matched
			}
		}
		if applies {
			reason := rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("action type %q always requires review", action.Type)
			}
			return contracts.GateDecision{
				Outcome:        contracts.OutcomeRequireCheckpoint,
				CheckpointType: rule.CheckpointType,
				Reason:         reason,
			}
		}
	}

	if pol.AlwaysCheckHighImpact && action.Impact.AtLeast(contracts.LevelHigh) {
		return contracts.GateDecision{
			Outcome:        contracts.OutcomeRequireCheckpoint,
			CheckpointType: contracts.DecisionRequired,
			Reason:         fmt.Sprintf("impact %s requires a human decision", action.Impact),
		}
	}

	if action.Confidence < pol.ConfidenceThreshold {
		return contracts.GateDecision{
			Outcome:        contracts.OutcomeRequireCheckpoint,
			CheckpointType: contracts.ConfirmationRequired,
			Reason: fmt.Sprintf("confidence %.2f below threshold %.2f",
				action.Confidence, pol.ConfidenceThreshold),
		}
	}

	return contracts.GateDecision{
		Outcome: contracts.OutcomeProceed,
		Reason:  "within autonomous envelope",
	}
}
