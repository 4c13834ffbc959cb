package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/store"
)

// Executor performs the actual remediation named by an option. The
// advisor holds no in-process lock while it runs; concurrency control is
// the per-failure lease.
type Executor interface {
	Execute(ctx context.Context, f *contracts.FailureRecord, opt *contracts.RecoveryOption) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, f *contracts.FailureRecord, opt *contracts.RecoveryOption) error

func (fn ExecutorFunc) Execute(ctx context.Context, f *contracts.FailureRecord, opt *contracts.RecoveryOption) error {
	return fn(ctx, f, opt)
}

// LogExecutor records the remediation intent and succeeds. It stands in
// until a deployment wires real remediations per option name.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) Execute(ctx context.Context, f *contracts.FailureRecord, opt *contracts.RecoveryOption) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "executing recovery option",
		"failure_id", f.ID, "option", opt.Name, "operation", f.OperationName)
	return nil
}

// Advisor proposes ranked recovery options for failures and executes the
// one a human selects.
type Advisor struct {
	repo       store.Repository
	registry   *Registry
	executor   Executor
	lease      Lease
	recorder   *audit.Recorder
	clock      contracts.Clock
	logger     *slog.Logger
	leaseTTL   time.Duration
	execBudget time.Duration
}

// AdvisorOption configures an Advisor.
type AdvisorOption func(*Advisor)

// WithExecutor sets the remediation executor.
func WithExecutor(e Executor) AdvisorOption {
	return func(a *Advisor) { a.executor = e }
}

// WithLease sets the per-failure lease. Defaults to an in-process lease.
func WithLease(l Lease) AdvisorOption {
	return func(a *Advisor) { a.lease = l }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(c contracts.Clock) AdvisorOption {
	return func(a *Advisor) { a.clock = c }
}

// WithLeaseTTL sets how long a recovery attempt may hold its lease.
func WithLeaseTTL(d time.Duration) AdvisorOption {
	return func(a *Advisor) { a.leaseTTL = d }
}

// WithExecutionBudget caps how long one remediation may run.
func WithExecutionBudget(d time.Duration) AdvisorOption {
	return func(a *Advisor) { a.execBudget = d }
}

// NewAdvisor creates an Advisor with the built-in strategy registry.
func NewAdvisor(repo store.Repository, recorder *audit.Recorder, logger *slog.Logger, opts ...AdvisorOption) *Advisor {
	if logger == nil {
		logger = slog.Default().With("component", "recovery")
	}
	a := &Advisor{
		repo:       repo,
		registry:   NewRegistry(),
		executor:   LogExecutor{Logger: logger},
		lease:      NewMemoryLease(),
		recorder:   recorder,
		clock:      contracts.WallClock{},
		logger:     logger,
		leaseTTL:   2 * time.Minute,
		execBudget: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry exposes the strategy registry so deployments can add or
// replace strategies.
func (a *Advisor) Registry() *Registry { return a.registry }

// ProposeOptions returns the ranked remediation options for a failure,
// highest confidence first, with exactly the top option recommended.
func (a *Advisor) ProposeOptions(ctx context.Context, failureID string) ([]*contracts.RecoveryOption, error) {
	f, err := a.repo.GetFailure(ctx, failureID)
	if err != nil {
		return nil, err
	}
	if f.Status == contracts.FailureRecovered {
		return nil, fmt.Errorf("%w: failure %s is already recovered", contracts.ErrNotFound, failureID)
	}
	return rank(f.ID, a.registry.For(f.Type).Options(f)), nil
}

// ExecuteRecovery runs the named option against the failure. Exactly one
// attempt runs at a time per failure: a concurrent call fails fast with
// ErrRecoveryInProgress. Success transitions the record to Recovered;
// a failed remediation increments the attempt counter and leaves the
// record actionable.
func (a *Advisor) ExecuteRecovery(ctx context.Context, failureID, optionID, actor string) (*contracts.RecoveryResult, error) {
	options, err := a.ProposeOptions(ctx, failureID)
	if err != nil {
		return nil, err
	}
	var selected *contracts.RecoveryOption
	for _, opt := range options {
		if opt.ID == optionID {
			selected = opt
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("%w: recovery option %q for failure %s",
			contracts.ErrNotFound, optionID, failureID)
	}

	ok, err := a.lease.Acquire(ctx, failureID, a.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire recovery lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: failure %s", contracts.ErrRecoveryInProgress, failureID)
	}
	defer func() {
		if rerr := a.lease.Release(context.WithoutCancel(ctx), failureID); rerr != nil {
			a.logger.WarnContext(ctx, "recovery lease release failed",
				"failure_id", failureID, "error", rerr)
		}
	}()

	f, err := a.repo.GetFailure(ctx, failureID)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, a.execBudget)
	execErr := a.executor.Execute(execCtx, f, selected)
	cancel()

	now := a.clock.Now()
	if execErr != nil {
		touched, terr := a.repo.TouchFailure(ctx, failureID, now,
			map[string]string{"last_failed_option": selected.Name})
		if terr != nil {
			return nil, terr
		}
		a.record(ctx, f, string(f.Status), actor,
			fmt.Sprintf("recovery option %s failed: %v", selected.Name, execErr))
		a.logger.WarnContext(ctx, "recovery attempt failed",
			"failure_id", failureID, "option", selected.Name, "error", execErr)
		return &contracts.RecoveryResult{
			FailureID:   failureID,
			OptionID:    selected.ID,
			OptionName:  selected.Name,
			Succeeded:   false,
			Message:     execErr.Error(),
			Attempts:    touched.RecoveryAttempts,
			AttemptedAt: now,
		}, nil
	}

	recovered, err := a.repo.ConditionalUpdateFailureStatus(ctx, failureID,
		[]contracts.FailureStatus{contracts.FailureActive, contracts.FailureAcknowledged},
		contracts.FailureRecovered)
	if err != nil {
		if errors.Is(err, contracts.ErrInvalidTransition) {
			// Someone else closed the record while we remediated.
			return nil, fmt.Errorf("%w: failure %s", contracts.ErrAlreadyResolved, failureID)
		}
		return nil, err
	}

	a.record(ctx, recovered, string(contracts.FailureRecovered), actor,
		fmt.Sprintf("recovered via %s", selected.Name))
	a.logger.InfoContext(ctx, "failure recovered",
		"failure_id", failureID, "option", selected.Name, "actor", actor)
	return &contracts.RecoveryResult{
		FailureID:   failureID,
		OptionID:    selected.ID,
		OptionName:  selected.Name,
		Succeeded:   true,
		Message:     "recovered via " + selected.Name,
		Attempts:    recovered.RecoveryAttempts,
		AttemptedAt: now,
	}, nil
}

func (a *Advisor) record(ctx context.Context, f *contracts.FailureRecord, toStatus, actor, reason string) {
	if a.recorder == nil {
		return
	}
	_ = a.recorder.Record(ctx, audit.Event{
		EntityType: audit.EntityRecovery,
		EntityID:   f.ID,
		FromStatus: string(f.Status),
		ToStatus:   toStatus,
		Actor:      actor,
		Timestamp:  a.clock.Now(),
		Reason:     reason,
		Metadata: map[string]string{
			"operation": f.OperationName,
			"module_id": f.ModuleID,
		},
	})
}
