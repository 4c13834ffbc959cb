package audit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

func TestRecorderRetriesTransientSinkFailure(t *testing.T) {
	var calls atomic.Int32
	sink := SinkFunc(func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("sink briefly down")
		}
		return nil
	})
	r := NewRecorder(sink, WithMaxTries(3))

	err := r.Record(context.Background(), Event{
		EntityType: EntityCheckpoint, EntityID: "chk_001", ToStatus: "PENDING", Actor: "system",
	})
	if err != nil {
		t.Fatalf("expected delivery after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRecorderSwallowsPersistentFailure(t *testing.T) {
	sink := SinkFunc(func(context.Context, Event) error {
		return fmt.Errorf("sink is gone")
	})
	r := NewRecorder(sink, WithMaxTries(2))

	err := r.Record(context.Background(), Event{
		EntityType: EntityCheckpoint, EntityID: "chk_001", ToStatus: "PENDING", Actor: "system",
	})
	if !errors.Is(err, contracts.ErrExternalDependency) {
		t.Fatalf("expected external-dependency marker, got %v", err)
	}
}

func TestRecorderStampsMissingTimestamp(t *testing.T) {
	var got Event
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})
	r := NewRecorder(sink)

	if err := r.Record(context.Background(), Event{
		EntityType: EntityPolicy, EntityID: "policy", ToStatus: "v2", Actor: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp stamped")
	}
	if time.Since(got.Timestamp) > time.Minute {
		t.Fatalf("timestamp not current: %v", got.Timestamp)
	}
}
