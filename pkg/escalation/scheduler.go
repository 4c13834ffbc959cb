// Package escalation runs the recurring sweep that raises the visibility
// of checkpoints stuck in PENDING past the policy timeout. Escalation
// never resolves a checkpoint; it walks the notification ladder one rung
// per timeout window and expires the checkpoint when the ladder runs out.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/checkpoint"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/notify"
	"github.com/cauldronos/sentientloop/pkg/observability"
	"github.com/cauldronos/sentientloop/pkg/store"
)

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Examined  int
	Escalated int
	Expired   int
	Skipped   int
}

// Scheduler owns the escalation sweep. The sweep is guarded by a
// non-reentrant flag: an overlapping tick is dropped, never queued.
type Scheduler struct {
	repo     store.Repository
	policies checkpoint.PolicySource
	resolver *checkpoint.Resolver
	recorder *audit.Recorder
	notifier notify.Notifier
	obs      *observability.Provider
	clock    contracts.Clock
	logger   *slog.Logger
	interval time.Duration

	sweeping atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock for deterministic tests.
func WithClock(c contracts.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithInterval sets how often Run sweeps. Defaults to one minute.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithObservability attaches telemetry instruments. A nil provider
// leaves telemetry off.
func WithObservability(p *observability.Provider) Option {
	return func(s *Scheduler) { s.obs = p }
}

// NewScheduler creates the sweep.
func NewScheduler(repo store.Repository, policies checkpoint.PolicySource,
	resolver *checkpoint.Resolver, recorder *audit.Recorder,
	notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default().With("component", "escalation")
	}
	s := &Scheduler{
		repo:     repo,
		policies: policies,
		resolver: resolver,
		recorder: recorder,
		notifier: notifier,
		clock:    contracts.WallClock{},
		logger:   logger,
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a ticker until ctx is cancelled. Request handling never
// waits on the sweep; a tick arriving while the previous sweep still
// runs is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			switch {
			case errors.Is(err, contracts.ErrPolicyDisabled):
				s.logger.DebugContext(ctx, "sweep skipped, governance disabled")
			case err != nil:
				s.logger.ErrorContext(ctx, "escalation sweep failed", "error", err)
			case stats.Escalated > 0 || stats.Expired > 0:
				s.logger.InfoContext(ctx, "escalation sweep finished",
					"examined", stats.Examined, "escalated", stats.Escalated,
					"expired", stats.Expired, "skipped", stats.Skipped)
			}
		}
	}
}

// SweepOnce performs a single sweep. Safe to call concurrently: the
// overlap guard makes the extra call a no-op, and the per-checkpoint
// watermark CAS keeps a genuinely concurrent sweep from double-escalating.
func (s *Scheduler) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if !s.sweeping.CompareAndSwap(false, true) {
		return stats, nil
	}
	defer s.sweeping.Store(false)

	pol, err := s.policies.Get(ctx)
	if err != nil {
		return stats, fmt.Errorf("load policy: %w", err)
	}
	if !pol.IsActive {
		return stats, contracts.ErrPolicyDisabled
	}

	now := s.clock.Now()
	timeout := pol.EscalationTimeout()
	overdue, err := s.repo.FindPendingOlderThan(ctx, now.Add(-timeout))
	if err != nil {
		return stats, fmt.Errorf("find overdue checkpoints: %w", err)
	}

	for _, cp := range overdue {
		stats.Examined++
		// Within the current window nothing more is due.
		if cp.LastEscalatedAt != nil && now.Sub(*cp.LastEscalatedAt) <= timeout {
			stats.Skipped++
			continue
		}
		outcome, err := s.escalateOne(ctx, cp, pol, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "escalation failed",
				"checkpoint_id", cp.ID, "error", err)
			continue
		}
		switch outcome {
		case outcomeEscalated:
			stats.Escalated++
		case outcomeExpired:
			stats.Expired++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeEscalated
	outcomeExpired
)

// nextLevel computes the tier for the next escalation: one step above the
// chain's highest recorded level, but never below the policy floor.
func nextLevel(records []*contracts.EscalationRecord, pol *contracts.PolicyConfig) (contracts.Level, bool) {
	floor := pol.AutoEscalateThreshold
	if len(records) == 0 {
		return floor, true
	}
	highest := records[len(records)-1].Level
	next, ok := highest.Next()
	if !ok {
		return "", false
	}
	if !next.AtLeast(floor) {
		next = floor
	}
	return next, true
}

func (s *Scheduler) escalateOne(ctx context.Context, cp *contracts.Checkpoint,
	pol *contracts.PolicyConfig, now time.Time) (sweepOutcome, error) {
	records, err := s.repo.ListEscalationRecords(ctx, cp.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	next, ok := nextLevel(records, pol)
	if !ok || pol.LadderExhausted(next) {
		// The ladder is exhausted and one further window has elapsed
		// (this checkpoint passed the watermark check).
		_, err := s.resolver.Expire(ctx, cp.ID, "escalation ladder exhausted without resolution")
		if err != nil {
			if errors.Is(err, contracts.ErrAlreadyResolved) {
				return outcomeSkipped, nil
			}
			return outcomeSkipped, err
		}
		return outcomeExpired, nil
	}

	// The watermark CAS is the idempotency barrier: a concurrent or
	// retried sweep loses here and creates no duplicate record.
	if err := s.repo.AdvanceEscalationWatermark(ctx, cp.ID, cp.LastEscalatedAt, now); err != nil {
		if errors.Is(err, store.ErrWatermarkConflict) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	parties := pol.PartiesForLevel(next)
	reason := fmt.Sprintf("unresolved after %s", pol.EscalationTimeout())
	rec := &contracts.EscalationRecord{
		ID:              contracts.NewEscalationID(),
		CheckpointID:    cp.ID,
		Level:           next,
		Reason:          reason,
		NotifiedParties: parties,
		CreatedAt:       now,
	}
	if err := s.repo.CreateEscalationRecord(ctx, rec); err != nil {
		return outcomeSkipped, err
	}
	s.obs.RecordEscalation(ctx, string(next))

	if s.recorder != nil {
		_ = s.recorder.Record(ctx, audit.Event{
			EntityType: audit.EntityEscalation,
			EntityID:   rec.ID,
			ToStatus:   string(next),
			Actor:      "system",
			Timestamp:  now,
			Reason:     reason,
			Metadata:   map[string]string{"checkpoint_id": cp.ID},
		})
	}

	if s.notifier != nil {
		n := notify.Notification{
			Parties:      parties,
			Subject:      fmt.Sprintf("checkpoint %s needs attention (%s)", cp.ID, next),
			CheckpointID: cp.ID,
			Level:        string(next),
			Context: map[string]string{
				"module_id": cp.ModuleID,
				"agent_id":  cp.AgentID,
				"reason":    reason,
			},
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.WarnContext(ctx, "escalation notification failed",
				"checkpoint_id", cp.ID, "level", next, "error", err)
		}
	}
	return outcomeEscalated, nil
}
