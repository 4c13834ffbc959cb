// Package audit provides the append-only audit trail of the governance
// engine. Every state transition emits exactly one Event through a Sink.
// Delivery is fire-and-forget with bounded retries: a failing sink is
// logged, never allowed to block or roll back the transition that
// produced the event.
package audit

import (
	"context"
	"time"
)

// EntityType identifies what kind of record an event describes.
type EntityType string

const (
	EntityCheckpoint EntityType = "checkpoint"
	EntityEscalation EntityType = "escalation"
	EntityFailure    EntityType = "failure"
	EntityRecovery   EntityType = "recovery"
	EntityPolicy     EntityType = "policy"
)

// Event is one immutable audit record of a state transition.
type Event struct {
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	FromStatus string            `json:"from_status,omitempty"`
	ToStatus   string            `json:"to_status"`
	Actor      string            `json:"actor"`
	Timestamp  time.Time         `json:"timestamp"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink receives audit events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }
