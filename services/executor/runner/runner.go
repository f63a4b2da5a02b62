// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner drives phases through bounded, escalating attempt sequences.
//
// # Attempt Ordering
//
// Every attempt follows the same strictly ordered steps:
//
//  1. acquire the workspace lease (contention yields the phase, no attempt
//     is consumed)
//  2. start the watchdog timer
//  3. pre-call budget check, escalating the budget until it fits or the
//     hard ceiling is reached
//  4. the collaborator call, sampled by the watchdog every poll interval
//  5. post-call budget check
//  6. timeout check
//  7. clear the timer and release the lease, on every exit path
//
// Failures are routed through the stuck policy, which decides whether to
// retry, replan, escalate the model, reduce scope, stop, or hand the phase
// to a human.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hshk99/Autopack-sub025/services/executor/budget"
	"github.com/hshk99/Autopack-sub025/services/executor/collaborator"
	"github.com/hshk99/Autopack-sub025/services/executor/events"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/stuck"
	"github.com/hshk99/Autopack-sub025/services/executor/telemetry"
	"github.com/hshk99/Autopack-sub025/services/executor/watchdog"
)

// errCallAbandoned reports a collaborator that ignored cancellation.
var errCallAbandoned = errors.New("collaborator ignored cancellation; call abandoned")

// Resolver selects the collaborator for a model and the model name to send
// it. *collaborator.Resolver implements it.
type Resolver interface {
	Resolve(model string) (collaborator.Collaborator, string, error)
}

// Replanner revises a phase after a REPLAN decision.
//
// The returned phase's Description, Deliverables, AllowedScope, Category and
// BuilderMode replace the current ones. Counters are owned by the runner.
type Replanner interface {
	Replan(ctx context.Context, p *phase.Phase, reason string) (*phase.Phase, error)
}

// ReplannerFunc adapts a function to Replanner.
type ReplannerFunc func(ctx context.Context, p *phase.Phase, reason string) (*phase.Phase, error)

// Replan implements Replanner.
func (f ReplannerFunc) Replan(ctx context.Context, p *phase.Phase, reason string) (*phase.Phase, error) {
	return f(ctx, p, reason)
}

// Outcome summarises one ExecutePhase call.
type Outcome struct {
	RunID       string           `json:"run_id"`
	PhaseID     string           `json:"phase_id"`
	State       phase.State      `json:"state"`
	Attempts    int              `json:"attempts"`
	TokensUsed  int              `json:"tokens_used"`
	TokenBudget int              `json:"token_budget"`
	Model       string           `json:"model,omitempty"`
	Resolution  stuck.Resolution `json:"resolution,omitempty"`
	Reason      string           `json:"reason,omitempty"`

	// Busy is set when the workspace lease was held elsewhere. The phase is
	// left QUEUED.
	Busy bool `json:"busy,omitempty"`

	// RunTimeout is set when the run-level ceiling ended the call.
	RunTimeout bool `json:"run_timeout,omitempty"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore sets the phase store (default: a MemoryStore).
func WithStore(store Store) Option {
	return func(r *Runner) { r.store = store }
}

// WithEmitter sets the event emitter.
func WithEmitter(emitter *events.Emitter) Option {
	return func(r *Runner) { r.emitter = emitter }
}

// WithPolicy sets the stuck policy.
func WithPolicy(policy *stuck.Policy) Option {
	return func(r *Runner) { r.policy = policy }
}

// WithBudgetConfig sets the per-phase budget enforcer configuration.
func WithBudgetConfig(cfg budget.Config) Option {
	return func(r *Runner) { r.budgetConfig = cfg }
}

// WithLeaseConfig sets where lease files are kept.
func WithLeaseConfig(cfg lease.Config) Option {
	return func(r *Runner) { r.leaseConfig = cfg }
}

// WithLeaseOptions passes options to every lease the runner creates.
func WithLeaseOptions(opts ...lease.Option) Option {
	return func(r *Runner) { r.leaseOpts = append(r.leaseOpts, opts...) }
}

// WithReplanner sets the REPLAN hook.
func WithReplanner(replanner Replanner) Option {
	return func(r *Runner) { r.replanner = replanner }
}

// WithMetrics sets the OTel instruments. Nil disables metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithModelTiers sets the ESCALATE_MODEL ladder, weakest first.
func WithModelTiers(tiers ...string) Option {
	return func(r *Runner) { r.modelTiers = append([]string(nil), tiers...) }
}

// WithPollInterval sets the watchdog sampling cadence during a call.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithCancelGrace bounds how long an aborted call may take to return.
func WithCancelGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.cancelGrace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// Runner executes phases one attempt sequence at a time.
//
// # Thread Safety
//
// A Runner may execute different phases concurrently. A single phase must
// not be handed to two ExecutePhase calls at once; the workspace lease
// serialises phases that share a workspace.
type Runner struct {
	watchdog     *watchdog.Watchdog
	resolver     Resolver
	store        Store
	emitter      *events.Emitter
	policy       *stuck.Policy
	budgetConfig budget.Config
	leaseConfig  lease.Config
	leaseOpts    []lease.Option
	replanner    Replanner
	metrics      *telemetry.Metrics
	modelTiers   []string
	pollInterval time.Duration
	cancelGrace  time.Duration
	states       *phase.StateMachine
	logger       *slog.Logger
}

// New creates a runner.
//
// # Inputs
//
//   - wd: Watchdog bounding the run and every attempt. Required.
//   - resolver: Collaborator resolver. Required.
//   - opts: Optional collaborators and tuning.
//
// # Outputs
//
//   - *Runner: Ready to execute phases.
//   - error: ErrWatchdogRequired or ErrResolverRequired.
func New(wd *watchdog.Watchdog, resolver Resolver, opts ...Option) (*Runner, error) {
	if wd == nil {
		return nil, ErrWatchdogRequired
	}
	if resolver == nil {
		return nil, ErrResolverRequired
	}
	r := &Runner{
		watchdog:     wd,
		resolver:     resolver,
		store:        NewMemoryStore(),
		emitter:      events.NewEmitter(),
		policy:       stuck.NewPolicy(stuck.DefaultConfig()),
		budgetConfig: budget.DefaultConfig(),
		leaseConfig:  lease.DefaultConfig(),
		pollInterval: time.Second,
		cancelGrace:  5 * time.Second,
		states:       phase.DefaultStateMachine,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Watchdog returns the runner's watchdog.
func (r *Runner) Watchdog() *watchdog.Watchdog { return r.watchdog }

// Store returns the phase store.
func (r *Runner) Store() Store { return r.store }

// Emitter returns the event emitter.
func (r *Runner) Emitter() *events.Emitter { return r.emitter }

// withWatchdog returns a copy bound to another run clock.
func (r *Runner) withWatchdog(wd *watchdog.Watchdog) *Runner {
	c := *r
	c.watchdog = wd
	return &c
}

// ExecutePhase drives a QUEUED phase until it reaches a terminal state, the
// workspace is busy, the run times out, or ctx is cancelled.
//
// # Description
//
// p is mutated in place and persisted after every state change. One budget
// enforcer is created per call, so its overflow counter spans the whole
// attempt sequence.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the in-flight call and returns the phase to
//     QUEUED.
//   - p: Phase in state QUEUED.
//
// # Outputs
//
//   - Outcome: Final phase summary.
//   - error: ctx.Err() on cancellation, or a *PhaseError for a phase that is
//     not runnable, a bad workspace, or a store failure. Policy outcomes are
//     never errors.
func (r *Runner) ExecutePhase(ctx context.Context, p *phase.Phase) (Outcome, error) {
	if p.State != phase.StateQueued {
		return outcomeOf(p), &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "execute",
			Err: fmt.Errorf("%w: state %s", ErrPhaseNotRunnable, p.State)}
	}

	ctx, span := telemetry.StartSpan(ctx, "Runner.ExecutePhase", trace.WithAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("phase_id", p.ID),
	))
	defer span.End()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialTokenBudget <= 0 {
		p.InitialTokenBudget = p.TokenBudget
	}
	enforcer := budget.NewEnforcer(r.budgetConfig, r.logger)
	logger := r.logger.With(slog.String("run_id", p.RunID), slog.String("phase_id", p.ID))

	for {
		if err := ctx.Err(); err != nil {
			return r.yield(ctx, p, logger, err)
		}

		if r.watchdog.CheckRunTimeout().Exceeded {
			if p.State == phase.StateQueued {
				out := outcomeOf(p)
				out.RunTimeout = true
				return out, nil
			}
			p.LastFailureReason = "run duration exceeded"
			out, err := r.finish(ctx, p, phase.StateFailed, stuck.Decision{
				Resolution: stuck.ResolutionStop,
				Rationale:  "run duration exceeded",
			}, logger)
			out.RunTimeout = true
			return out, err
		}

		if p.AttemptsRemaining() == 0 {
			d := r.decide(ctx, p, stuck.ReasonIterationsExceeded, logger)
			if done, out, err := r.apply(ctx, p, d, logger); done {
				return out, err
			}
			continue
		}

		res, err := r.attempt(ctx, p, enforcer, logger)
		if err != nil {
			return outcomeOf(p), err
		}

		switch res.kind {
		case attemptBusy:
			out, err := r.yield(ctx, p, logger, nil)
			out.Busy = true
			return out, err

		case attemptCanceled:
			return r.yield(ctx, p, logger, res.err)

		case attemptSucceeded:
			p.ConsecutiveFailures = 0
			p.LastFailureReason = ""
			return r.finish(ctx, p, phase.StateComplete, stuck.Decision{}, logger)

		case attemptBudgetCeiling:
			p.LastFailureReason = res.reason
			d := r.decide(ctx, p, stuck.ReasonBudgetExceeded, logger)
			if done, out, err := r.apply(ctx, p, d, logger); done {
				return out, err
			}

		case attemptFailed:
			p.ConsecutiveFailures++
			p.LastFailureReason = res.reason
			logger.Warn("phase attempt failed",
				slog.Int("attempt", p.Attempts),
				slog.Int("consecutive_failures", p.ConsecutiveFailures),
				slog.String("reason", res.reason))

			atCeiling := enforcer.AtCeiling(p.TokenBudget)
			if res.postCall.ShouldEscalate && !atCeiling {
				r.escalateBudget(ctx, p, enforcer, res.postCall, "post_call", logger)
			}

			d, consult := r.failureDecision(ctx, p, enforcer, res, atCeiling, logger)
			if !consult {
				if err := r.save(ctx, p); err != nil {
					return outcomeOf(p), err
				}
				continue
			}
			if done, out, err := r.apply(ctx, p, d, logger); done {
				return out, err
			}
		}
	}
}

// failureDecision picks the stuck reason for a failed attempt, if any.
// Returns consult=false when the phase should simply be retried.
func (r *Runner) failureDecision(ctx context.Context, p *phase.Phase, enforcer *budget.Enforcer,
	res attemptResult, atCeiling bool, logger *slog.Logger) (stuck.Decision, bool) {

	if res.stuckReason != "" {
		return r.decide(ctx, p, res.stuckReason, logger), true
	}
	if enforcer.ShouldCircuitBreak(0) {
		d := stuck.Decision{
			Resolution: stuck.ResolutionNeedsHuman,
			Reason:     stuck.ReasonBudgetExceeded,
			Rationale: fmt.Sprintf("output truncated %d times; token overflow breaker tripped",
				enforcer.Overflows()),
		}
		r.metrics.Resolution(ctx, string(d.Reason), string(d.Resolution))
		return d, true
	}
	if res.postCall.Status == budget.StatusExceeded && atCeiling {
		return r.decide(ctx, p, stuck.ReasonBudgetExceeded, logger), true
	}
	if p.AttemptsRemaining() == 0 {
		return r.decide(ctx, p, stuck.ReasonIterationsExceeded, logger), true
	}
	if p.ConsecutiveFailures >= r.policy.Config().RepeatedFailureThreshold {
		return r.decide(ctx, p, stuck.ReasonRepeatedFailures, logger), true
	}
	return stuck.Decision{}, false
}

// decide consults the stuck policy with the phase's counters.
func (r *Runner) decide(ctx context.Context, p *phase.Phase, reason stuck.Reason, logger *slog.Logger) stuck.Decision {
	d := r.policy.Decide(stuck.Input{
		Reason:                  reason,
		IterationsUsed:          p.Attempts,
		BudgetRemainingFraction: p.BudgetRemainingFraction(),
		EscalationsUsed:         p.EscalationLevel,
		ConsecutiveFailures:     p.ConsecutiveFailures,
		ReplanAttempted:         p.ReplanAttempted,
	})
	r.metrics.Resolution(ctx, string(reason), string(d.Resolution))
	logger.Info("stuck policy decision",
		slog.String("reason", string(reason)),
		slog.String("resolution", string(d.Resolution)),
		slog.String("rationale", d.Rationale))
	return d
}

// apply acts on a policy decision. done is true when the phase reached a
// terminal state.
func (r *Runner) apply(ctx context.Context, p *phase.Phase, d stuck.Decision, logger *slog.Logger) (done bool, out Outcome, err error) {
	switch d.Resolution {
	case stuck.ResolutionNeedsHuman:
		r.emitter.Emit(events.TypePhaseStuck, p.RunID, p.ID, events.EscalationData{
			PhaseID:    p.ID,
			Reason:     string(d.Reason),
			Resolution: string(d.Resolution),
			Rationale:  d.Rationale,
		})
		out, err = r.finish(ctx, p, phase.StateStuck, d, logger)
		return true, out, err

	case stuck.ResolutionReplan:
		r.replan(ctx, p, d, logger)

	case stuck.ResolutionEscalateModel:
		next, ok := r.nextTier(p.Model)
		if !ok {
			return r.stop(ctx, p, d, fmt.Sprintf("no model tier above %q", p.Model), logger)
		}
		from := p.Model
		p.Model = next
		p.EscalationLevel++
		p.ConsecutiveFailures = 0
		r.emitter.Emit(events.TypeModelEscalated, p.RunID, p.ID, events.ResolutionData{
			Resolution: string(d.Resolution), Rationale: d.Rationale, From: from, To: next,
		})
		logger.Info("model escalated", slog.String("from", from), slog.String("to", next),
			slog.Int("escalation_level", p.EscalationLevel))

	case stuck.ResolutionReduceScope:
		n := len(p.Deliverables)
		if n <= 1 {
			return r.stop(ctx, p, d, "scope cannot be reduced below one deliverable", logger)
		}
		keep := n / 2
		if p.EstimatedTokens > 0 {
			p.EstimatedTokens = p.EstimatedTokens * keep / n
		}
		p.Deliverables = p.Deliverables[:keep:keep]
		p.ScopeReduced = true
		p.ConsecutiveFailures = 0
		r.emitter.Emit(events.TypePhaseScopeReduced, p.RunID, p.ID, events.ResolutionData{
			Resolution: string(d.Resolution), Rationale: d.Rationale,
			From: fmt.Sprintf("%d deliverables", n), To: fmt.Sprintf("%d deliverables", keep),
		})
		logger.Info("scope reduced", slog.Int("from", n), slog.Int("to", keep))

	default:
		return r.stop(ctx, p, d, "", logger)
	}

	if err := r.save(ctx, p); err != nil {
		return true, outcomeOf(p), err
	}
	return false, Outcome{}, nil
}

func (r *Runner) stop(ctx context.Context, p *phase.Phase, d stuck.Decision, why string, logger *slog.Logger) (bool, Outcome, error) {
	d.Resolution = stuck.ResolutionStop
	if why != "" {
		d.Rationale = why
	}
	out, err := r.finish(ctx, p, phase.StateFailed, d, logger)
	return true, out, err
}

// replan applies a REPLAN decision, calling the Replanner when present.
func (r *Runner) replan(ctx context.Context, p *phase.Phase, d stuck.Decision, logger *slog.Logger) {
	if r.replanner != nil {
		revised, err := r.replanner.Replan(ctx, p.Clone(), p.LastFailureReason)
		switch {
		case err != nil:
			logger.Warn("replanner failed; retrying unchanged plan", slog.String("error", err.Error()))
		case revised != nil:
			p.Description = revised.Description
			p.Deliverables = append([]string(nil), revised.Deliverables...)
			p.AllowedScope = append([]string(nil), revised.AllowedScope...)
			p.Category = revised.Category
			p.BuilderMode = revised.BuilderMode
		}
	}
	p.ReplanAttempted = true
	p.ConsecutiveFailures = 0
	r.emitter.Emit(events.TypePhaseReplanned, p.RunID, p.ID, events.ResolutionData{
		Resolution: string(d.Resolution), Rationale: d.Rationale,
	})
	logger.Info("phase replanned", slog.Bool("replanner", r.replanner != nil))
}

// nextTier returns the model after current on the ladder. A model not on
// the ladder escalates to the first tier.
func (r *Runner) nextTier(current string) (string, bool) {
	for i, m := range r.modelTiers {
		if m == current {
			if i+1 < len(r.modelTiers) {
				return r.modelTiers[i+1], true
			}
			return "", false
		}
	}
	if len(r.modelTiers) > 0 && r.modelTiers[0] != current {
		return r.modelTiers[0], true
	}
	return "", false
}

func (r *Runner) escalateBudget(ctx context.Context, p *phase.Phase, enforcer *budget.Enforcer,
	v budget.Validation, stage string, logger *slog.Logger) {

	from := p.TokenBudget
	p.TokenBudget = enforcer.EscalatedBudget(from, p.Complexity)
	r.emitter.Emit(events.TypeBudgetEscalated, p.RunID, p.ID, events.BudgetEscalationData{
		From: from, To: p.TokenBudget, Status: string(v.Status), Stage: stage,
	})
	r.metrics.BudgetEscalation(ctx, stage)
	logger.Info("token budget escalated",
		slog.String("stage", stage),
		slog.String("status", string(v.Status)),
		slog.Int("from", from),
		slog.Int("budget_tokens", p.TokenBudget))
}

// finish moves p to a terminal state and persists it.
func (r *Runner) finish(ctx context.Context, p *phase.Phase, state phase.State, d stuck.Decision, logger *slog.Logger) (Outcome, error) {
	if p.State == phase.StateQueued {
		if err := r.states.Transition(p, phase.StateExecuting); err != nil {
			return outcomeOf(p), &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "transition", Err: err}
		}
	}
	if err := r.states.Transition(p, state); err != nil {
		return outcomeOf(p), &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "transition", Err: err}
	}

	data := events.AttemptData{
		Attempt:     p.Attempts,
		MaxAttempts: p.MaxAttempts,
		Model:       p.Model,
		TokenBudget: p.TokenBudget,
		TokensUsed:  p.TokensUsed,
		Reason:      p.LastFailureReason,
	}
	switch state {
	case phase.StateComplete:
		r.emitter.Emit(events.TypePhaseCompleted, p.RunID, p.ID, data)
		logger.Info("phase complete", slog.Int("attempts", p.Attempts), slog.Int("tokens_used", p.TokensUsed))
	case phase.StateFailed:
		r.emitter.Emit(events.TypePhaseFailed, p.RunID, p.ID, data)
		logger.Warn("phase failed", slog.Int("attempts", p.Attempts), slog.String("rationale", d.Rationale))
	case phase.StateStuck:
		logger.Warn("phase stuck; human decision required",
			slog.String("reason", string(d.Reason)), slog.String("rationale", d.Rationale))
	}
	r.metrics.PhaseOutcome(ctx, string(state))

	out := outcomeOf(p)
	out.Resolution = d.Resolution
	if d.Rationale != "" {
		out.Reason = d.Rationale
	}
	if err := r.save(ctx, p); err != nil {
		return out, err
	}
	return out, nil
}

// yield returns an EXECUTING phase to QUEUED so it can be resumed.
func (r *Runner) yield(ctx context.Context, p *phase.Phase, logger *slog.Logger, cause error) (Outcome, error) {
	if p.State == phase.StateExecuting {
		if err := r.states.Transition(p, phase.StateQueued); err != nil {
			return outcomeOf(p), &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "transition", Err: err}
		}
		if err := r.save(ctx, p); err != nil {
			return outcomeOf(p), err
		}
	}
	if cause != nil {
		logger.Info("phase yielded", slog.String("cause", cause.Error()))
	} else {
		logger.Info("workspace busy; phase yielded", slog.String("workspace", p.Workspace))
	}
	return outcomeOf(p), cause
}

// save persists p even when ctx is already cancelled.
func (r *Runner) save(ctx context.Context, p *phase.Phase) error {
	if err := r.store.SavePhase(context.WithoutCancel(ctx), p); err != nil {
		return &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "save", Err: err}
	}
	return nil
}

// Requeue moves a FAILED or STUCK phase back to QUEUED after a human
// decision and persists it.
func (r *Runner) Requeue(ctx context.Context, runID, phaseID string) (*phase.Phase, error) {
	p, err := r.store.LoadPhase(ctx, runID, phaseID)
	if err != nil {
		return nil, err
	}
	if err := r.states.Requeue(p); err != nil {
		return nil, &PhaseError{RunID: runID, PhaseID: phaseID, Op: "requeue", Err: err}
	}
	if err := r.save(ctx, p); err != nil {
		return nil, err
	}
	r.logger.Info("phase requeued", slog.String("run_id", runID), slog.String("phase_id", phaseID))
	return p, nil
}

func outcomeOf(p *phase.Phase) Outcome {
	return Outcome{
		RunID:       p.RunID,
		PhaseID:     p.ID,
		State:       p.State,
		Attempts:    p.Attempts,
		TokensUsed:  p.TokensUsed,
		TokenBudget: p.TokenBudget,
		Model:       p.Model,
		Reason:      p.LastFailureReason,
	}
}
