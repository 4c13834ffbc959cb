package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// Recorder wraps a Sink with the engine's delivery policy: a bounded
// number of retries with exponential backoff, then a log line. Record
// never propagates the sink's failure to the caller, so a flaky sink
// cannot abort an already-committed state transition.
type Recorder struct {
	sink     Sink
	logger   *slog.Logger
	maxTries uint
	maxWait  time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithMaxTries bounds delivery attempts per event.
func WithMaxTries(n uint) RecorderOption {
	return func(r *Recorder) { r.maxTries = n }
}

// NewRecorder creates a Recorder delivering to sink.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:     sink,
		logger:   slog.Default().With("component", "audit"),
		maxTries: 3,
		maxWait:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record delivers the event with bounded retries. The returned error is
// always nil or a wrapped ErrExternalDependency; callers that must not
// block on audit can ignore it, it has already been logged.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = r.maxWait

	operation := func() (struct{}, error) {
		return struct{}{}, r.sink.Record(ctx, ev)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.maxTries))
	if err != nil {
		r.logger.ErrorContext(ctx, "audit delivery failed",
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
			"to_status", ev.ToStatus,
			"tries", r.maxTries,
			"error", err)
		return contracts.ErrExternalDependency
	}
	return nil
}
