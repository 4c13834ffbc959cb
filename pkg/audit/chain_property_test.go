//go:build property
// +build property

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any sequence of recorded events yields a verifiable chain,
// and pruning any prefix keeps the retained suffix verifiable.
func TestChainVerifiesForAnyEventSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("recorded chain always verifies", prop.ForAll(
		func(ids []string, actors []string) bool {
			s := NewChainStore()
			ctx := context.Background()
			for i := 0; i < len(ids); i++ {
				actor := "system"
				if i < len(actors) && actors[i] != "" {
					actor = actors[i]
				}
				ev := Event{
					EntityType: EntityCheckpoint,
					EntityID:   ids[i],
					ToStatus:   "PENDING",
					Actor:      actor,
					Timestamp:  base.Add(time.Duration(i) * time.Minute),
				}
				if err := s.Record(ctx, ev); err != nil {
					return false
				}
			}
			return s.VerifyChain() == nil
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("pruning any prefix keeps the suffix verifiable", prop.ForAll(
		func(n int, cut int) bool {
			s := NewChainStore()
			ctx := context.Background()
			for i := 0; i < n; i++ {
				ev := Event{
					EntityType: EntityCheckpoint,
					EntityID:   "chk",
					ToStatus:   "PENDING",
					Actor:      "system",
					Timestamp:  base.Add(time.Duration(i) * time.Minute),
				}
				if err := s.Record(ctx, ev); err != nil {
					return false
				}
			}
			dropped := s.PruneBefore(base.Add(time.Duration(cut) * time.Minute))
			if len(dropped)+s.Size() != n {
				return false
			}
			return s.VerifyChain() == nil
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
