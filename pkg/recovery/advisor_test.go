package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/store"
)

func seedFailure(t *testing.T, repo store.Repository, ftype contracts.FailureType) *contracts.FailureRecord {
	t.Helper()
	rec := &contracts.FailureRecord{
		ID:            contracts.NewFailureID(),
		OperationName: "sync_inventory",
		ModuleID:      "connector",
		Type:          ftype,
		Status:        contracts.FailureActive,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateFailure(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestProposeOptionsRankedWithSingleRecommendation(t *testing.T) {
	repo := store.NewMemory()
	a := NewAdvisor(repo, nil, nil)
	rec := seedFailure(t, repo, contracts.FailureTimeout)

	options, err := a.ProposeOptions(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(options) != 2 {
		t.Fatalf("expected two timeout options, got %d", len(options))
	}
	if options[0].Name != "retry-with-backoff" {
		t.Fatalf("expected retry-with-backoff first, got %s", options[0].Name)
	}
	recommended := 0
	for i, opt := range options {
		if i > 0 && opt.Confidence > options[i-1].Confidence {
			t.Fatal("options must be sorted by confidence descending")
		}
		if opt.IsRecommended {
			recommended++
		}
	}
	if recommended != 1 || !options[0].IsRecommended {
		t.Fatalf("exactly the top option must be recommended, got %d", recommended)
	}
}

func TestRegistryFallsBackForUnregisteredType(t *testing.T) {
	r := NewRegistry()
	specs := r.For("CUSTOM_FAILURE").Options(&contracts.FailureRecord{})
	if len(specs) == 0 {
		t.Fatal("expected generic fallback options")
	}
	if specs[0].Name != "retry" {
		t.Fatalf("expected generic retry first, got %s", specs[0].Name)
	}
}

func TestRegistryRegisterOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register(contracts.FailureTimeout, StrategyFunc(func(*contracts.FailureRecord) []OptionSpec {
		return []OptionSpec{{Name: "custom", Confidence: 0.9}}
	}))
	specs := r.For(contracts.FailureTimeout).Options(&contracts.FailureRecord{})
	if len(specs) != 1 || specs[0].Name != "custom" {
		t.Fatalf("expected override strategy, got %+v", specs)
	}
}

func TestExecuteRecoverySuccess(t *testing.T) {
	repo := store.NewMemory()
	clock := &contracts.FixedClock{T: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	var executed string
	a := NewAdvisor(repo, nil, nil,
		WithClock(clock),
		WithExecutor(ExecutorFunc(func(_ context.Context, _ *contracts.FailureRecord, opt *contracts.RecoveryOption) error {
			executed = opt.Name
			return nil
		})),
	)
	rec := seedFailure(t, repo, contracts.FailureTimeout)

	result, err := a.ExecuteRecovery(context.Background(), rec.ID, "retry-with-backoff", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Succeeded {
		t.Fatalf("expected success, got %+v", result)
	}
	if executed != "retry-with-backoff" {
		t.Fatalf("expected executor invoked with the option, got %q", executed)
	}

	stored, _ := repo.GetFailure(context.Background(), rec.ID)
	if stored.Status != contracts.FailureRecovered {
		t.Fatalf("expected RECOVERED, got %s", stored.Status)
	}
}

func TestExecuteRecoveryFailureKeepsRecordActionable(t *testing.T) {
	repo := store.NewMemory()
	a := NewAdvisor(repo, nil, nil,
		WithExecutor(ExecutorFunc(func(context.Context, *contracts.FailureRecord, *contracts.RecoveryOption) error {
			return fmt.Errorf("upstream still down")
		})),
	)
	rec := seedFailure(t, repo, contracts.FailureTimeout)

	result, err := a.ExecuteRecovery(context.Background(), rec.ID, "retry-with-backoff", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if result.Succeeded {
		t.Fatal("expected failed attempt")
	}
	if result.Attempts != 1 {
		t.Fatalf("expected attempt counter 1, got %d", result.Attempts)
	}

	stored, _ := repo.GetFailure(context.Background(), rec.ID)
	if stored.Status != contracts.FailureActive {
		t.Fatalf("record must stay actionable, got %s", stored.Status)
	}
	if stored.LastRecoveryAttempt == nil {
		t.Fatal("expected last attempt stamped")
	}
}

func TestExecuteRecoveryUnknownOption(t *testing.T) {
	repo := store.NewMemory()
	a := NewAdvisor(repo, nil, nil)
	rec := seedFailure(t, repo, contracts.FailureTimeout)

	_, err := a.ExecuteRecovery(context.Background(), rec.ID, "reboot-universe", "alice")
	if !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected not-found for unknown option, got %v", err)
	}
}

func TestExecuteRecoveryConcurrentAttemptRejected(t *testing.T) {
	repo := store.NewMemory()
	lease := NewMemoryLease()
	a := NewAdvisor(repo, nil, nil, WithLease(lease))
	rec := seedFailure(t, repo, contracts.FailureTimeout)

	ok, err := lease.Acquire(context.Background(), rec.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("setup lease acquire failed: %v %v", ok, err)
	}

	_, err = a.ExecuteRecovery(context.Background(), rec.ID, "retry-with-backoff", "alice")
	if !errors.Is(err, contracts.ErrRecoveryInProgress) {
		t.Fatalf("expected recovery-in-progress, got %v", err)
	}
}

func TestProposeOptionsRecoveredFailure(t *testing.T) {
	repo := store.NewMemory()
	a := NewAdvisor(repo, nil, nil)
	rec := seedFailure(t, repo, contracts.FailureTimeout)
	if _, err := repo.ConditionalUpdateFailureStatus(context.Background(), rec.ID,
		[]contracts.FailureStatus{contracts.FailureActive}, contracts.FailureRecovered); err != nil {
		t.Fatal(err)
	}

	if _, err := a.ProposeOptions(context.Background(), rec.ID); !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected not-found for recovered failure, got %v", err)
	}
}
