package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/checkpoint"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/failure"
	"github.com/cauldronos/sentientloop/pkg/observability"
	"github.com/cauldronos/sentientloop/pkg/policy"
	"github.com/cauldronos/sentientloop/pkg/recovery"
	"github.com/cauldronos/sentientloop/pkg/store"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *audit.ChainStore) {
	t.Helper()
	repo := store.NewMemory()
	chain := audit.NewChainStore()
	recorder := audit.NewRecorder(chain)

	conditions, err := policy.NewConditionEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	policies := policy.NewStore(repo, conditions, nil)
	if err := policies.EnsureDefault(context.Background()); err != nil {
		t.Fatal(err)
	}

	gate := checkpoint.NewGate(conditions, nil)
	resolver := checkpoint.NewResolver(repo, recorder, nil)
	monitor := failure.NewMonitor(repo, recorder, nil)
	advisor := recovery.NewAdvisor(repo, recorder, nil)

	clock := &contracts.FixedClock{T: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(repo, policies, gate, resolver, monitor, advisor, recorder, nil, opts...), chain
}

func setPolicy(t *testing.T, e *Engine, mutate func(*contracts.PolicyConfig)) {
	t.Helper()
	ctx := context.Background()
	pol, err := e.GetPolicy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mutate(pol)
	if _, err := e.UpdatePolicy(ctx, pol, pol.Version, "test"); err != nil {
		t.Fatal(err)
	}
}

func TestProposeActionProceeds(t *testing.T) {
	e, _ := newTestEngine(t)
	setPolicy(t, e, func(p *contracts.PolicyConfig) { p.ConfidenceThreshold = 0.7 })

	res, err := e.ProposeAction(context.Background(), contracts.ProposedAction{
		Type: "send_email", ModuleID: "workflow", AgentID: "agent-1",
		Confidence: 0.95, Impact: contracts.LevelLow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Decision.Proceed() {
		t.Fatalf("expected proceed, got %s: %s", res.Decision.Outcome, res.Decision.Reason)
	}
	if res.Checkpoint != nil {
		t.Fatal("proceed must not create a checkpoint")
	}
}

func TestProposeActionIntercepts(t *testing.T) {
	e, chain := newTestEngine(t)
	setPolicy(t, e, func(p *contracts.PolicyConfig) { p.ConfidenceThreshold = 0.7 })
	ctx := context.Background()

	res, err := e.ProposeAction(ctx, contracts.ProposedAction{
		Type: "send_email", ModuleID: "workflow", AgentID: "agent-1",
		Payload:    json.RawMessage(`{"to":"ops@example.com"}`),
		Confidence: 0.3, Impact: contracts.LevelLow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Proceed() {
		t.Fatal("expected interception for low confidence")
	}
	if res.Checkpoint == nil || res.Checkpoint.Status != contracts.StatusPending {
		t.Fatalf("expected pending checkpoint, got %+v", res.Checkpoint)
	}

	stored, err := e.GetCheckpoint(ctx, res.Checkpoint.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ActionType != "send_email" || string(stored.OriginalPayload) != `{"to":"ops@example.com"}` {
		t.Fatalf("checkpoint not persisted faithfully: %+v", stored)
	}

	entries := chain.Query(audit.Filter{EntityID: res.Checkpoint.ID})
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry for the checkpoint, got %d", len(entries))
	}
}

func TestProposeActionValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []contracts.ProposedAction{
		{ModuleID: "workflow", Confidence: 0.5},
		{Type: "send_email", Confidence: 0.5},
		{Type: "send_email", ModuleID: "workflow", Confidence: 1.5},
		{Type: "send_email", ModuleID: "workflow", Confidence: -0.1},
		{Type: "send_email", ModuleID: "workflow", Confidence: 0.5, Impact: "SEVERE"},
		{Type: "send_email", ModuleID: "workflow", Confidence: 0.5,
			Payload: json.RawMessage(`{"broken":`)},
	}
	for i, action := range cases {
		if _, err := e.ProposeAction(ctx, action); !errors.Is(err, contracts.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestListCheckpointsRejectsUnknownStatus(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.ListCheckpoints(context.Background(), store.CheckpointFilter{Status: "DONE"})
	if !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEscalationChainUnknownCheckpoint(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.EscalationChain(context.Background(), "chk_missing")
	if !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestResolveThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	setPolicy(t, e, func(p *contracts.PolicyConfig) { p.ConfidenceThreshold = 0.7 })
	ctx := context.Background()

	res, err := e.ProposeAction(ctx, contracts.ProposedAction{
		Type: "send_email", ModuleID: "workflow", Confidence: 0.3, Impact: contracts.LevelLow,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.ResolveCheckpoint(ctx, res.Checkpoint.ID, checkpoint.ResolveRequest{
		Action: contracts.ActionApprove, ResolvedBy: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != contracts.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", got.Status)
	}
}

func TestFailureLifecycleThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.ReportFailure(ctx, "sync_inventory", "connector",
		contracts.FailureTimeout, map[string]string{"upstream": "erp"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != contracts.FailureActive {
		t.Fatalf("expected ACTIVE, got %s", rec.Status)
	}

	// A second report for the same pair folds into the existing record.
	again, err := e.ReportFailure(ctx, "sync_inventory", "connector",
		contracts.FailureTimeout, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != rec.ID {
		t.Fatalf("expected dedupe onto %s, got %s", rec.ID, again.ID)
	}

	options, err := e.RecoveryOptions(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(options) == 0 || !options[0].IsRecommended {
		t.Fatalf("expected ranked options with a recommendation, got %+v", options)
	}

	result, err := e.ExecuteRecovery(ctx, rec.ID, options[0].ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Succeeded {
		t.Fatalf("expected recovery to succeed: %+v", result)
	}

	active, err := e.ListActiveFailures(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active failures after recovery, got %d", len(active))
	}
}

func TestUpdatePolicyRecordsAudit(t *testing.T) {
	e, chain := newTestEngine(t)
	ctx := context.Background()

	pol, err := e.GetPolicy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pol.ConfidenceThreshold = 0.9

	updated, err := e.UpdatePolicy(ctx, pol, pol.Version, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != pol.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	entries := chain.Query(audit.Filter{EntityType: audit.EntityPolicy})
	if len(entries) != 1 || entries[0].Event.Actor != "alice" {
		t.Fatalf("expected one policy audit entry by alice, got %+v", entries)
	}
}

func sumMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestEngineRecordsDomainMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	obs, err := observability.NewWithMeter(mp.Meter("engine-test"))
	if err != nil {
		t.Fatal(err)
	}

	e, _ := newTestEngine(t, WithObservability(obs))
	setPolicy(t, e, func(p *contracts.PolicyConfig) { p.ConfidenceThreshold = 0.9 })
	ctx := context.Background()

	res, err := e.ProposeAction(ctx, contracts.ProposedAction{
		Type: "send_email", ModuleID: "workflow", AgentID: "agent-1",
		Confidence: 0.4, Impact: contracts.LevelLow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Checkpoint == nil {
		t.Fatal("expected interception")
	}
	if _, err := e.ResolveCheckpoint(ctx, res.Checkpoint.ID, checkpoint.ResolveRequest{
		Action: contracts.ActionApprove, ResolvedBy: "alice",
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := e.ReportFailure(ctx, "sync_inventory", "connector", contracts.FailureTimeout, nil)
	if err != nil {
		t.Fatal(err)
	}
	// A fold must not move the active-failure gauge a second time.
	if _, err := e.ReportFailure(ctx, "sync_inventory", "connector", contracts.FailureTimeout, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ExecuteRecovery(ctx, rec.ID, "retry-with-backoff", "alice"); err != nil {
		t.Fatal(err)
	}

	if got := sumMetric(t, reader, "sentientloop.gate.decisions"); got != 1 {
		t.Fatalf("expected 1 gate decision, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.checkpoints.resolutions"); got != 1 {
		t.Fatalf("expected 1 resolution, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.recoveries.total"); got != 1 {
		t.Fatalf("expected 1 recovery, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.failures.active"); got != 0 {
		t.Fatalf("expected the failure gauge back at 0, got %d", got)
	}
	if got := sumMetric(t, reader, "sentientloop.requests.total"); got != 1 {
		t.Fatalf("expected 1 tracked proposal, got %d", got)
	}
}
