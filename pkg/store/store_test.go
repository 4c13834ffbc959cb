package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// repos returns every Repository backend the conformance tests run
// against. Postgres is covered separately with sqlmock.
func repos(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func pendingCheckpoint(at time.Time) *contracts.Checkpoint {
	return &contracts.Checkpoint{
		ID:              contracts.NewCheckpointID(),
		Type:            contracts.ConfirmationRequired,
		Status:          contracts.StatusPending,
		ModuleID:        "workflow",
		AgentID:         "agent-1",
		ActionType:      "send_email",
		OriginalPayload: json.RawMessage(`{"to":"ops@example.com"}`),
		Confidence:      0.55,
		Impact:          contracts.LevelMedium,
		CreatedAt:       at,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := pendingCheckpoint(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
			if err := repo.CreateCheckpoint(ctx, cp); err != nil {
				t.Fatal(err)
			}

			got, err := repo.GetCheckpoint(ctx, cp.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != contracts.StatusPending || got.ModuleID != "workflow" {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if string(got.OriginalPayload) != `{"to":"ops@example.com"}` {
				t.Fatalf("payload mismatch: %s", got.OriginalPayload)
			}
			if !got.CreatedAt.Equal(cp.CreatedAt) {
				t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, cp.CreatedAt)
			}

			if _, err := repo.GetCheckpoint(ctx, "chk_missing"); !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected not-found, got %v", err)
			}
		})
	}
}

func TestListCheckpointsFilter(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				cp := pendingCheckpoint(base.Add(time.Duration(i) * time.Minute))
				if i == 2 {
					cp.ModuleID = "billing"
				}
				if err := repo.CreateCheckpoint(ctx, cp); err != nil {
					t.Fatal(err)
				}
			}

			all, err := repo.ListCheckpoints(ctx, CheckpointFilter{Status: contracts.StatusPending})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3, got %d", len(all))
			}

			billing, _ := repo.ListCheckpoints(ctx, CheckpointFilter{ModuleID: "billing"})
			if len(billing) != 1 {
				t.Fatalf("expected 1 billing checkpoint, got %d", len(billing))
			}

			limited, _ := repo.ListCheckpoints(ctx, CheckpointFilter{Limit: 2})
			if len(limited) != 2 {
				t.Fatalf("expected limit respected, got %d", len(limited))
			}
		})
	}
}

func TestConditionalUpdateCheckpointStatus(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := pendingCheckpoint(time.Now().UTC())
			if err := repo.CreateCheckpoint(ctx, cp); err != nil {
				t.Fatal(err)
			}

			now := time.Now().UTC().Truncate(time.Millisecond)
			got, err := repo.ConditionalUpdateCheckpointStatus(ctx, cp.ID,
				contracts.StatusPending, contracts.StatusApproved,
				ResolutionFields{Resolution: "ok", ResolvedBy: "alice", ResolvedAt: &now})
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != contracts.StatusApproved || got.ResolvedBy != "alice" {
				t.Fatalf("unexpected result: %+v", got)
			}
			if got.ResolvedAt == nil || !got.ResolvedAt.Equal(now) {
				t.Fatalf("resolved_at mismatch: %v", got.ResolvedAt)
			}

			// The loser of the race sees the actual current status.
			_, err = repo.ConditionalUpdateCheckpointStatus(ctx, cp.ID,
				contracts.StatusPending, contracts.StatusRejected, ResolutionFields{})
			var conflict *contracts.TransitionConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if conflict.Current != contracts.StatusApproved {
				t.Fatalf("expected conflict to carry APPROVED, got %s", conflict.Current)
			}
			if !errors.Is(err, contracts.ErrAlreadyResolved) {
				t.Fatal("conflict must unwrap to already-resolved")
			}

			_, err = repo.ConditionalUpdateCheckpointStatus(ctx, "chk_missing",
				contracts.StatusPending, contracts.StatusApproved, ResolutionFields{})
			if !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected not-found, got %v", err)
			}
		})
	}
}

func TestFindPendingOlderThan(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

			old := pendingCheckpoint(base)
			fresh := pendingCheckpoint(base.Add(2 * time.Hour))
			resolved := pendingCheckpoint(base)
			for _, cp := range []*contracts.Checkpoint{old, fresh, resolved} {
				if err := repo.CreateCheckpoint(ctx, cp); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := repo.ConditionalUpdateCheckpointStatus(ctx, resolved.ID,
				contracts.StatusPending, contracts.StatusApproved, ResolutionFields{}); err != nil {
				t.Fatal(err)
			}

			overdue, err := repo.FindPendingOlderThan(ctx, base.Add(time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(overdue) != 1 || overdue[0].ID != old.ID {
				t.Fatalf("expected only the old pending checkpoint, got %+v", overdue)
			}
		})
	}
}

func TestAdvanceEscalationWatermark(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := pendingCheckpoint(time.Now().UTC())
			if err := repo.CreateCheckpoint(ctx, cp); err != nil {
				t.Fatal(err)
			}

			first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			if err := repo.AdvanceEscalationWatermark(ctx, cp.ID, nil, first); err != nil {
				t.Fatal(err)
			}

			// A concurrent sweep still holding the old watermark loses.
			if err := repo.AdvanceEscalationWatermark(ctx, cp.ID, nil, first.Add(time.Hour)); !errors.Is(err, ErrWatermarkConflict) {
				t.Fatalf("expected watermark conflict, got %v", err)
			}

			second := first.Add(time.Hour)
			if err := repo.AdvanceEscalationWatermark(ctx, cp.ID, &first, second); err != nil {
				t.Fatal(err)
			}

			got, _ := repo.GetCheckpoint(ctx, cp.ID)
			if got.LastEscalatedAt == nil || !got.LastEscalatedAt.Equal(second) {
				t.Fatalf("watermark mismatch: %v", got.LastEscalatedAt)
			}
		})
	}
}

func TestEscalationRecordsOrdered(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp := pendingCheckpoint(time.Now().UTC())
			if err := repo.CreateCheckpoint(ctx, cp); err != nil {
				t.Fatal(err)
			}

			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			levels := []contracts.Level{contracts.LevelMedium, contracts.LevelHigh}
			for i, lvl := range levels {
				rec := &contracts.EscalationRecord{
					ID:              contracts.NewEscalationID(),
					CheckpointID:    cp.ID,
					Level:           lvl,
					Reason:          "overdue",
					NotifiedParties: []string{"operator"},
					CreatedAt:       base.Add(time.Duration(i) * time.Hour),
				}
				if err := repo.CreateEscalationRecord(ctx, rec); err != nil {
					t.Fatal(err)
				}
			}

			records, err := repo.ListEscalationRecords(ctx, cp.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(records) != 2 {
				t.Fatalf("expected 2 records, got %d", len(records))
			}
			for i, rec := range records {
				if rec.Level != levels[i] {
					t.Fatalf("order mismatch at %d: %s", i, rec.Level)
				}
				if len(rec.NotifiedParties) != 1 || rec.NotifiedParties[0] != "operator" {
					t.Fatalf("parties mismatch: %v", rec.NotifiedParties)
				}
			}
		})
	}
}

func activeFailure(op, module string) *contracts.FailureRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &contracts.FailureRecord{
		ID:            contracts.NewFailureID(),
		OperationName: op,
		ModuleID:      module,
		Type:          contracts.FailureTimeout,
		Status:        contracts.FailureActive,
		Metadata:      map[string]string{"upstream": "erp"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestFailureDedupeInvariant(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := activeFailure("sync_inventory", "connector")
			if err := repo.CreateFailure(ctx, first); err != nil {
				t.Fatal(err)
			}

			err := repo.CreateFailure(ctx, activeFailure("sync_inventory", "connector"))
			var dup *DuplicateFailureError
			if !errors.As(err, &dup) {
				t.Fatalf("expected duplicate error, got %v", err)
			}
			if dup.ExistingID != first.ID {
				t.Fatalf("expected existing id %s, got %s", first.ID, dup.ExistingID)
			}

			// Recovering the record frees the pair.
			if _, err := repo.ConditionalUpdateFailureStatus(ctx, first.ID,
				[]contracts.FailureStatus{contracts.FailureActive}, contracts.FailureRecovered); err != nil {
				t.Fatal(err)
			}
			if err := repo.CreateFailure(ctx, activeFailure("sync_inventory", "connector")); err != nil {
				t.Fatalf("expected create after recovery, got %v", err)
			}
		})
	}
}

func TestFindActiveFailureMatchesAcknowledged(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := activeFailure("sync_inventory", "connector")
			if err := repo.CreateFailure(ctx, rec); err != nil {
				t.Fatal(err)
			}
			if _, err := repo.ConditionalUpdateFailureStatus(ctx, rec.ID,
				[]contracts.FailureStatus{contracts.FailureActive}, contracts.FailureAcknowledged); err != nil {
				t.Fatal(err)
			}

			got, err := repo.FindActiveFailure(ctx, "sync_inventory", "connector")
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != rec.ID {
				t.Fatalf("expected %s, got %s", rec.ID, got.ID)
			}

			if _, err := repo.FindActiveFailure(ctx, "sync_inventory", "billing"); !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected not-found, got %v", err)
			}
		})
	}
}

func TestTouchFailureMergesMetadata(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := activeFailure("sync_inventory", "connector")
			if err := repo.CreateFailure(ctx, rec); err != nil {
				t.Fatal(err)
			}

			at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
			got, err := repo.TouchFailure(ctx, rec.ID, at, map[string]string{"last_error": "timeout"})
			if err != nil {
				t.Fatal(err)
			}
			if got.RecoveryAttempts != 1 {
				t.Fatalf("expected attempts 1, got %d", got.RecoveryAttempts)
			}
			if got.LastRecoveryAttempt == nil || !got.LastRecoveryAttempt.Equal(at) {
				t.Fatalf("last attempt mismatch: %v", got.LastRecoveryAttempt)
			}
			if got.Metadata["upstream"] != "erp" || got.Metadata["last_error"] != "timeout" {
				t.Fatalf("expected merged metadata, got %v", got.Metadata)
			}
		})
	}
}

func TestConditionalUpdateFailureStatus(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := activeFailure("sync_inventory", "connector")
			if err := repo.CreateFailure(ctx, rec); err != nil {
				t.Fatal(err)
			}

			if _, err := repo.ConditionalUpdateFailureStatus(ctx, rec.ID,
				[]contracts.FailureStatus{contracts.FailureActive, contracts.FailureAcknowledged},
				contracts.FailureRecovered); err != nil {
				t.Fatal(err)
			}

			_, err := repo.ConditionalUpdateFailureStatus(ctx, rec.ID,
				[]contracts.FailureStatus{contracts.FailureActive}, contracts.FailureAcknowledged)
			if !errors.Is(err, contracts.ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		})
	}
}

func TestListFailuresByStatus(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				rec := activeFailure(fmt.Sprintf("op_%d", i), "connector")
				if err := repo.CreateFailure(ctx, rec); err != nil {
					t.Fatal(err)
				}
				if i == 0 {
					if _, err := repo.ConditionalUpdateFailureStatus(ctx, rec.ID,
						[]contracts.FailureStatus{contracts.FailureActive}, contracts.FailureRecovered); err != nil {
						t.Fatal(err)
					}
				}
			}

			actionable, err := repo.ListFailures(ctx, contracts.FailureActive, contracts.FailureAcknowledged)
			if err != nil {
				t.Fatal(err)
			}
			if len(actionable) != 2 {
				t.Fatalf("expected 2 actionable, got %d", len(actionable))
			}
		})
	}
}

func TestPolicyVersionToken(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := repo.GetPolicy(ctx); !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected not-found on empty store, got %v", err)
			}

			doc := &contracts.PolicyConfig{
				SchemaVersion:            contracts.PolicySchemaVersion,
				IsActive:                 true,
				ConfidenceThreshold:      0.7,
				AutoEscalateThreshold:    contracts.LevelMedium,
				EscalationTimeoutMinutes: 60,
				UpdatedAt:                time.Now().UTC(),
				UpdatedBy:                "system",
			}
			stored, err := repo.UpdatePolicy(ctx, doc, 0)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Version != 1 {
				t.Fatalf("expected version 1, got %d", stored.Version)
			}

			// Stale token loses.
			if _, err := repo.UpdatePolicy(ctx, doc, 0); !errors.Is(err, contracts.ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}

			doc.ConfidenceThreshold = 0.9
			stored, err = repo.UpdatePolicy(ctx, doc, 1)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Version != 2 || stored.ConfidenceThreshold != 0.9 {
				t.Fatalf("unexpected stored policy: %+v", stored)
			}

			got, err := repo.GetPolicy(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got.Version != 2 {
				t.Fatalf("expected version 2, got %d", got.Version)
			}
		})
	}
}
