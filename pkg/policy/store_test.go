package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/store"
)

func newPolicyStore(t *testing.T) (*Store, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	s := NewStore(repo, evaluator(t), nil)
	return s, repo
}

func TestEnsureDefaultSeedsOnce(t *testing.T) {
	s, repo := newPolicyStore(t)
	ctx := context.Background()

	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := repo.GetPolicy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 {
		t.Fatalf("expected seeded version 1, got %d", first.Version)
	}

	// Idempotent on restart.
	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}
	again, _ := repo.GetPolicy(ctx)
	if again.Version != 1 {
		t.Fatalf("expected version unchanged, got %d", again.Version)
	}
}

func TestUpdateBumpsVersionAndRefreshesCache(t *testing.T) {
	s, _ := newPolicyStore(t)
	ctx := context.Background()
	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}

	current, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	current.ConfidenceThreshold = 0.9

	updated, err := s.Update(ctx, current, current.Version, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != current.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}
	if updated.UpdatedBy != "alice" {
		t.Fatalf("expected updated_by recorded, got %q", updated.UpdatedBy)
	}

	cached, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cached.ConfidenceThreshold != 0.9 {
		t.Fatalf("expected cache refreshed, got %v", cached.ConfidenceThreshold)
	}
}

func TestUpdateStaleVersionRejected(t *testing.T) {
	s, _ := newPolicyStore(t)
	ctx := context.Background()
	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}

	doc, _ := s.Get(ctx)
	stale := doc.Version

	if _, err := s.Update(ctx, doc, stale, "alice"); err != nil {
		t.Fatal(err)
	}
	// Second writer still holds the old token.
	_, err := s.Update(ctx, doc, stale, "bob")
	if !errors.Is(err, contracts.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestUpdateValidatesBeforeWrite(t *testing.T) {
	s, repo := newPolicyStore(t)
	ctx := context.Background()
	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}

	doc, _ := s.Get(ctx)
	doc.ConfidenceThreshold = 7

	if _, err := s.Update(ctx, doc, doc.Version, "alice"); !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := repo.GetPolicy(ctx)
	if stored.ConfidenceThreshold == 7 {
		t.Fatal("invalid document must not be stored")
	}
}

func TestGetServesCloneNotAlias(t *testing.T) {
	s, _ := newPolicyStore(t)
	ctx := context.Background()
	if err := s.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Get(ctx)
	a.NotifyUsers = append(a.NotifyUsers, "mallory")

	b, _ := s.Get(ctx)
	for _, u := range b.NotifyUsers {
		if u == "mallory" {
			t.Fatal("caller mutation leaked into the cached document")
		}
	}
}
