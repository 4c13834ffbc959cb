package checkpoint

import (
	"encoding/json"
	"testing"

	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/policy"
)

func testPolicy() *contracts.PolicyConfig {
	return &contracts.PolicyConfig{
		SchemaVersion:            contracts.PolicySchemaVersion,
		IsActive:                 true,
		ConfidenceThreshold:      0.7,
		AlwaysCheckHighImpact:    true,
		AutoEscalateThreshold:    contracts.LevelMedium,
		EscalationTimeoutMinutes: 60,
	}
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	conditions, err := policy.NewConditionEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	return NewGate(conditions, nil)
}

func TestGateDisabledPolicyProceeds(t *testing.T) {
	g := newTestGate(t)
	pol := testPolicy()
	pol.IsActive = false

	d := g.Evaluate(contracts.ProposedAction{
		Type: "delete_everything", Confidence: 0.0, Impact: contracts.LevelCritical,
	}, pol)
	if !d.Proceed() {
		t.Fatalf("expected proceed when governance disabled, got %s", d.Outcome)
	}
}

func TestGateLowConfidenceRequiresConfirmation(t *testing.T) {
	g := newTestGate(t)

	d := g.Evaluate(contracts.ProposedAction{
		Type: "send_email", Confidence: 0.4, Impact: contracts.LevelLow,
	}, testPolicy())
	if d.Proceed() {
		t.Fatal("expected checkpoint for low-confidence action")
	}
	if d.CheckpointType != contracts.ConfirmationRequired {
		t.Fatalf("expected CONFIRMATION_REQUIRED, got %s", d.CheckpointType)
	}
}

func TestGateHighImpactRequiresDecision(t *testing.T) {
	g := newTestGate(t)

	d := g.Evaluate(contracts.ProposedAction{
		Type: "rotate_keys", Confidence: 0.95, Impact: contracts.LevelHigh,
	}, testPolicy())
	if d.CheckpointType != contracts.DecisionRequired {
		t.Fatalf("expected DECISION_REQUIRED, got %s", d.CheckpointType)
	}
}

func TestGateHighImpactDisabled(t *testing.T) {
	g := newTestGate(t)
	pol := testPolicy()
	pol.AlwaysCheckHighImpact = false

	d := g.Evaluate(contracts.ProposedAction{
		Type: "rotate_keys", Confidence: 0.95, Impact: contracts.LevelHigh,
	}, pol)
	if !d.Proceed() {
		t.Fatalf("expected proceed, got %s: %s", d.Outcome, d.Reason)
	}
}

func TestGateActionRuleBeatsConfidence(t *testing.T) {
	g := newTestGate(t)
	pol := testPolicy()
	pol.ActionRules = map[string]contracts.ActionRule{
		"transfer_funds": {
			AlwaysCheck:    true,
			CheckpointType: contracts.ValidationRequired,
			Reason:         "money movement always reviewed",
		},
	}

	d := g.Evaluate(contracts.ProposedAction{
		Type: "transfer_funds", Confidence: 0.99, Impact: contracts.LevelLow,
	}, pol)
	if d.CheckpointType != contracts.ValidationRequired {
		t.Fatalf("expected VALIDATION_REQUIRED, got %s", d.CheckpointType)
	}
	if d.Reason != "money movement always reviewed" {
		t.Fatalf("expected rule reason, got %q", d.Reason)
	}
}

func TestGateRuleConditionFilters(t *testing.T) {
	g := newTestGate(t)
	pol := testPolicy()
	pol.ActionRules = map[string]contracts.ActionRule{
		"transfer_funds": {
			AlwaysCheck:    true,
			CheckpointType: contracts.ValidationRequired,
			Condition:      `action.payload.amount > 1000.0`,
		},
	}

	small := contracts.ProposedAction{
		Type: "transfer_funds", Confidence: 0.9, Impact: contracts.LevelLow,
		Payload: json.RawMessage(`{"amount": 50}`),
	}
	if d := g.Evaluate(small, pol); !d.Proceed() {
		t.Fatalf("expected small transfer to proceed, got %s", d.Reason)
	}

	large := contracts.ProposedAction{
		Type: "transfer_funds", Confidence: 0.9, Impact: contracts.LevelLow,
		Payload: json.RawMessage(`{"amount": 5000}`),
	}
	if d := g.Evaluate(large, pol); d.Proceed() {
		t.Fatal("expected large transfer to require a checkpoint")
	}
}

func TestGateUnevaluableConditionFailsClosed(t *testing.T) {
	g := newTestGate(t)
	pol := testPolicy()
	pol.ActionRules = map[string]contracts.ActionRule{
		"transfer_funds": {
			AlwaysCheck:    true,
			CheckpointType: contracts.ValidationRequired,
			// References a field the action does not carry.
			Condition: `action.payload.amount > 1000.0`,
		},
	}

	d := g.Evaluate(contracts.ProposedAction{
		Type: "transfer_funds", Confidence: 0.9, Impact: contracts.LevelLow,
	}, pol)
	if d.Proceed() {
		t.Fatal("expected fail-closed checkpoint on unevaluable condition")
	}
}

func TestGateAutonomousEnvelope(t *testing.T) {
	g := newTestGate(t)

	d := g.Evaluate(contracts.ProposedAction{
		Type: "send_email", Confidence: 0.9, Impact: contracts.LevelLow,
	}, testPolicy())
	if !d.Proceed() {
		t.Fatalf("expected proceed, got %s: %s", d.Outcome, d.Reason)
	}
}
