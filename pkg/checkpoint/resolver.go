package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/notify"
	"github.com/cauldronos/sentientloop/pkg/store"
)

// Releaser receives an approved or modified checkpoint so the original
// action can finally execute, with the modified payload substituted when
// present. Release failures are logged, never rolled back into the
// checkpoint's state.
type Releaser interface {
	Release(ctx context.Context, cp *contracts.Checkpoint) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(ctx context.Context, cp *contracts.Checkpoint) error

func (f ReleaserFunc) Release(ctx context.Context, cp *contracts.Checkpoint) error {
	return f(ctx, cp)
}

// PolicySource supplies the current policy document, typically the
// cached policy store.
type PolicySource interface {
	Get(ctx context.Context) (*contracts.PolicyConfig, error)
}

// ResolveRequest is a human resolution attempt against a pending
// checkpoint.
type ResolveRequest struct {
	Action          contracts.ResolutionAction
	Reason          string
	ModifiedPayload json.RawMessage
	Level           contracts.Level // escalate only
	ResolvedBy      string
}

// Resolver drives checkpoint transitions. All status writes go through
// the repository's conditional update, so of two racing resolutions
// exactly one commits and the loser sees the checkpoint's actual state.
type Resolver struct {
	repo     store.Repository
	recorder *audit.Recorder
	notifier notify.Notifier
	releaser Releaser
	policies PolicySource
	clock    contracts.Clock
	logger   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithReleaser sets the downstream execution hook.
func WithReleaser(r Releaser) ResolverOption {
	return func(res *Resolver) { res.releaser = r }
}

// WithNotifier sets the notifier used for manual escalations.
func WithNotifier(n notify.Notifier) ResolverOption {
	return func(res *Resolver) { res.notifier = n }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(c contracts.Clock) ResolverOption {
	return func(res *Resolver) { res.clock = c }
}

// WithPolicySource lets manual escalations resolve who to notify.
func WithPolicySource(p PolicySource) ResolverOption {
	return func(res *Resolver) { res.policies = p }
}

// NewResolver creates a Resolver.
func NewResolver(repo store.Repository, recorder *audit.Recorder, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default().With("component", "resolver")
	}
	r := &Resolver{
		repo:     repo,
		recorder: recorder,
		clock:    contracts.WallClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectivePayload returns what should execute after approval: the
// modified payload when one was recorded, otherwise the original.
func EffectivePayload(cp *contracts.Checkpoint) json.RawMessage {
	if len(cp.ModifiedPayload) > 0 {
		return cp.ModifiedPayload
	}
	return cp.OriginalPayload
}

// Resolve applies a human resolution. Legal edges from Pending are
// Approved, Rejected, Modified, and Escalated; anything else fails with
// ErrInvalidTransition or ErrValidation before any write happens.
func (r *Resolver) Resolve(ctx context.Context, id string, req ResolveRequest) (*contracts.Checkpoint, error) {
	switch req.Action {
	case contracts.ActionApprove:
		return r.transition(ctx, id, contracts.StatusApproved, req, true)
	case contracts.ActionReject:
		if req.Reason == "" {
			return nil, fmt.Errorf("%w: rejection requires a reason", contracts.ErrValidation)
		}
		return r.transition(ctx, id, contracts.StatusRejected, req, false)
	case contracts.ActionModify:
		if req.Reason == "" {
			return nil, fmt.Errorf("%w: modification requires a reason", contracts.ErrValidation)
		}
		if len(req.ModifiedPayload) == 0 || !json.Valid(req.ModifiedPayload) {
			return nil, fmt.Errorf("%w: modification requires a well-formed payload", contracts.ErrValidation)
		}
		return r.transition(ctx, id, contracts.StatusModified, req, true)
	case contracts.ActionEscalate:
		if req.Reason == "" {
			return nil, fmt.Errorf("%w: escalation requires a reason", contracts.ErrValidation)
		}
		if !req.Level.Valid() {
			return nil, fmt.Errorf("%w: escalation requires a target level", contracts.ErrValidation)
		}
		return r.escalate(ctx, id, req)
	default:
		return nil, fmt.Errorf("%w: unknown resolution action %q",
			contracts.ErrInvalidTransition, req.Action)
	}
}

func (r *Resolver) transition(ctx context.Context, id string, next contracts.CheckpointStatus,
	req ResolveRequest, release bool) (*contracts.Checkpoint, error) {
	now := r.clock.Now()
	cp, err := r.repo.ConditionalUpdateCheckpointStatus(ctx, id, contracts.StatusPending, next,
		store.ResolutionFields{
			Resolution:      req.Reason,
			ResolvedBy:      req.ResolvedBy,
			ModifiedPayload: req.ModifiedPayload,
			ResolvedAt:      &now,
		})
	if err != nil {
		return nil, err
	}

	r.record(ctx, cp, string(contracts.StatusPending), string(next), req.ResolvedBy, req.Reason)

	if release && r.releaser != nil {
		if err := r.releaser.Release(ctx, cp); err != nil {
			// The transition is committed; execution failures surface
			// through the failure monitor, not by unwinding state.
			r.logger.ErrorContext(ctx, "release after resolution failed",
				"checkpoint_id", cp.ID, "status", cp.Status, "error", err)
		}
	}
	return cp, nil
}

// escalate raises the checkpoint one resolution: Pending -> Escalated,
// record the new tier, then the engine-internal reopen Escalated ->
// Pending at the higher tier.
func (r *Resolver) escalate(ctx context.Context, id string, req ResolveRequest) (*contracts.Checkpoint, error) {
	records, err := r.repo.ListEscalationRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	if n := len(records); n > 0 {
		highest := records[n-1].Level
		if !req.Level.AtLeast(highest) {
			return nil, fmt.Errorf("%w: escalation level %s below current tier %s",
				contracts.ErrValidation, req.Level, highest)
		}
	}

	now := r.clock.Now()
	cp, err := r.repo.ConditionalUpdateCheckpointStatus(ctx, id,
		contracts.StatusPending, contracts.StatusEscalated,
		store.ResolutionFields{Resolution: req.Reason, ResolvedBy: req.ResolvedBy})
	if err != nil {
		return nil, err
	}
	r.record(ctx, cp, string(contracts.StatusPending), string(contracts.StatusEscalated),
		req.ResolvedBy, req.Reason)

	parties := []string{}
	if r.policies != nil {
		if pol, perr := r.policies.Get(ctx); perr == nil {
			parties = pol.PartiesForLevel(req.Level)
		}
	}
	rec := &contracts.EscalationRecord{
		ID:              contracts.NewEscalationID(),
		CheckpointID:    id,
		Level:           req.Level,
		Reason:          req.Reason,
		NotifiedParties: parties,
		CreatedAt:       now,
	}
	if err := r.repo.CreateEscalationRecord(ctx, rec); err != nil {
		return nil, err
	}
	if werr := r.repo.AdvanceEscalationWatermark(ctx, id, cp.LastEscalatedAt, now); werr != nil &&
		!errors.Is(werr, store.ErrWatermarkConflict) {
		return nil, werr
	}

	if r.notifier != nil {
		n := notify.Notification{
			Parties:      parties,
			Subject:      fmt.Sprintf("checkpoint %s escalated to %s", id, req.Level),
			CheckpointID: id,
			Level:        string(req.Level),
			Context:      map[string]string{"reason": req.Reason},
		}
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.logger.WarnContext(ctx, "escalation notification failed",
				"checkpoint_id", id, "level", req.Level, "error", err)
		}
	}

	// Engine-internal reopen at the higher tier; not human-invocable.
	cp, err = r.repo.ConditionalUpdateCheckpointStatus(ctx, id,
		contracts.StatusEscalated, contracts.StatusPending, store.ResolutionFields{})
	if err != nil {
		return nil, err
	}
	r.record(ctx, cp, string(contracts.StatusEscalated), string(contracts.StatusPending),
		"system", "reopened at tier "+string(req.Level))
	return cp, nil
}

// Expire force-terminates a checkpoint whose escalation ladder ran out.
// Engine-internal: only the escalation scheduler calls this.
func (r *Resolver) Expire(ctx context.Context, id, reason string) (*contracts.Checkpoint, error) {
	now := r.clock.Now()
	cp, err := r.repo.ConditionalUpdateCheckpointStatus(ctx, id,
		contracts.StatusPending, contracts.StatusExpired,
		store.ResolutionFields{Resolution: reason, ResolvedBy: "system", ResolvedAt: &now})
	if err != nil {
		return nil, err
	}
	r.record(ctx, cp, string(contracts.StatusPending), string(contracts.StatusExpired), "system", reason)
	return cp, nil
}

// AwaitResolution polls until the checkpoint reaches a terminal status or
// ctx is done. Abandoning the wait leaves the checkpoint's lifecycle
// untouched; the caller can re-poll later.
func (r *Resolver) AwaitResolution(ctx context.Context, id string, interval time.Duration) (*contracts.Checkpoint, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cp, err := r.repo.GetCheckpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		if cp.Status.Terminal() {
			return cp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Resolver) record(ctx context.Context, cp *contracts.Checkpoint, from, to, actor, reason string) {
	if r.recorder == nil {
		return
	}
	_ = r.recorder.Record(ctx, audit.Event{
		EntityType: audit.EntityCheckpoint,
		EntityID:   cp.ID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Timestamp:  r.clock.Now(),
		Reason:     reason,
		Metadata: map[string]string{
			"module_id": cp.ModuleID,
			"agent_id":  cp.AgentID,
		},
	})
}
