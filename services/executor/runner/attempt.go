// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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
)

type attemptKind int

const (
	attemptSucceeded attemptKind = iota
	attemptFailed
	attemptBusy
	attemptCanceled
	attemptBudgetCeiling
)

func (k attemptKind) String() string {
	switch k {
	case attemptSucceeded:
		return "success"
	case attemptFailed:
		return "failure"
	case attemptBusy:
		return "busy"
	case attemptCanceled:
		return "canceled"
	case attemptBudgetCeiling:
		return "budget_ceiling"
	default:
		return "unknown"
	}
}

// attemptResult is what one attempt produced.
type attemptResult struct {
	kind        attemptKind
	reason      string
	stuckReason stuck.Reason
	tokens      int
	postCall    budget.Validation
	err         error
}

// callResult is what the collaborator call produced.
type callResult struct {
	result    *collaborator.Result
	err       error
	timedOut  bool
	leaseLost bool
	canceled  bool
}

// attempt runs one lease-scoped, watchdog-bounded attempt.
//
// The lease and timer are released before it returns, on every path.
func (r *Runner) attempt(ctx context.Context, p *phase.Phase, enforcer *budget.Enforcer, logger *slog.Logger) (res attemptResult, err error) {
	l, err := lease.New(p.Workspace, r.leaseConfig, r.leaseOpts...)
	if err != nil {
		return attemptResult{}, &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "lease", Err: err}
	}
	if !l.Acquire() {
		return attemptResult{kind: attemptBusy}, nil
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			logger.Warn("lease release failed", slog.String("error", rerr.Error()))
		}
	}()

	timerKey := p.Key()
	r.watchdog.TrackPhaseStart(timerKey)
	defer r.watchdog.ClearPhase(timerKey)

	if p.State == phase.StateQueued {
		if err := r.states.Transition(p, phase.StateExecuting); err != nil {
			return attemptResult{}, &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "transition", Err: err}
		}
	}

	estimate := p.EstimatedTokens
	if estimate <= 0 {
		estimate = budget.EstimateFor(p)
	}
	for {
		v := enforcer.ValidatePreCall(estimate, p.TokenBudget, p.Complexity)
		if !v.ShouldEscalate {
			break
		}
		if enforcer.AtCeiling(p.TokenBudget) {
			return attemptResult{
				kind:   attemptBudgetCeiling,
				reason: fmt.Sprintf("estimated %d tokens exceeds the %d token ceiling", estimate, p.TokenBudget),
			}, nil
		}
		r.escalateBudget(ctx, p, enforcer, v, "pre_call", logger)
	}

	p.Attempts++
	if err := r.save(ctx, p); err != nil {
		return attemptResult{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "Runner.attempt", trace.WithAttributes(
		attribute.String("phase_id", p.ID),
		attribute.Int("attempt", p.Attempts),
		attribute.String("model", p.Model),
		attribute.Int("budget_tokens", p.TokenBudget),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", res.kind.String()))
		if res.kind == attemptFailed {
			telemetry.RecordError(span, errors.New(res.reason))
		}
		span.End()
	}()

	col, model, err := r.resolver.Resolve(p.Model)
	if err != nil {
		return attemptResult{
			kind:   attemptFailed,
			reason: fmt.Sprintf("no collaborator for model %q: %v", p.Model, err),
		}, nil
	}

	r.emitter.Emit(events.TypePhaseStarted, p.RunID, p.ID, events.AttemptData{
		Attempt:      p.Attempts,
		MaxAttempts:  p.MaxAttempts,
		Model:        model,
		Collaborator: col.Name(),
		TokenBudget:  p.TokenBudget,
	})
	logger.Info("phase attempt started",
		slog.Int("attempt", p.Attempts),
		slog.Int("max_attempts", p.MaxAttempts),
		slog.String("model", model),
		slog.String("collaborator", col.Name()),
		slog.Int("budget_tokens", p.TokenBudget))

	limit := r.watchdog.Config().MaxPhaseDuration
	if rc := r.watchdog.CheckRunTimeout(); rc.Tracked && rc.Remaining() < limit {
		limit = rc.Remaining()
	}

	start := time.Now()
	r.metrics.AttemptStarted(ctx)
	call := r.call(ctx, p, col, model, l, limit, logger)
	res = r.classify(ctx, p, enforcer, call, limit, logger)
	r.metrics.AttemptFinished(ctx, col.Name(), res.kind.String(), res.tokens, time.Since(start))
	return res, nil
}

// call runs the collaborator while sampling the watchdog and the lease.
//
// A watchdog stop cancels the call with ErrAttemptTimeout as the cause so
// the provider's breaker records it; lease loss and parent cancellation do
// not.
func (r *Runner) call(ctx context.Context, p *phase.Phase, col collaborator.Collaborator, model string,
	l *lease.Lease, limit time.Duration, logger *slog.Logger) callResult {

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	callCtx, cancelTimeout := context.WithTimeoutCause(callCtx, limit, ErrAttemptTimeout)
	defer cancelTimeout()

	var lost <-chan struct{}
	if ch, err := l.Monitor(callCtx); err != nil {
		logger.Warn("lease monitor unavailable", slog.String("error", err.Error()))
	} else {
		lost = ch
	}

	req := collaborator.RequestFromPhase(p)
	req.Model = model
	done := make(chan callResult, 1)
	go func() {
		result, err := col.Execute(callCtx, req)
		done <- callResult{result: result, err: err}
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	warned := false

	for {
		select {
		case cr := <-done:
			return cr

		case <-ticker.C:
			chk := r.watchdog.CheckPhaseTimeout(p.Key(), limit)
			if chk.Exceeded {
				logger.Warn("phase attempt timed out; cancelling collaborator call",
					slog.Duration("elapsed", chk.Elapsed), slog.Duration("limit", chk.Limit))
				cr := r.abort(cancel, ErrAttemptTimeout, col, p.Key(), done, logger)
				cr.timedOut = true
				return cr
			}
			if chk.SoftWarning && !warned {
				warned = true
				r.emitter.Emit(events.TypePhaseSoftTimeout, p.RunID, p.ID, events.SoftTimeoutData{
					Attempt:   p.Attempts,
					Elapsed:   chk.Elapsed,
					Limit:     chk.Limit,
					Remaining: chk.Remaining(),
				})
				logger.Warn("phase attempt past soft time limit",
					slog.Duration("elapsed", chk.Elapsed), slog.Duration("remaining", chk.Remaining()))
			}

		case <-lost:
			logger.Error("workspace lease lost during attempt; cancelling collaborator call",
				slog.String("workspace", p.Workspace))
			cr := r.abort(cancel, nil, col, p.Key(), done, logger)
			cr.leaseLost = true
			return cr

		case <-ctx.Done():
			cr := r.abort(cancel, nil, col, p.Key(), done, logger)
			cr.canceled = true
			return cr
		}
	}
}

// abort cancels the call context with cause, asks the collaborator to stop
// the call for key, and waits at most cancelGrace for it to return.
func (r *Runner) abort(cancel context.CancelCauseFunc, cause error, col collaborator.Collaborator, key string,
	done <-chan callResult, logger *slog.Logger) callResult {

	cancel(cause)
	cctx, ccancel := context.WithTimeout(context.Background(), r.cancelGrace)
	defer ccancel()
	if err := col.Cancel(cctx, key); err != nil {
		logger.Warn("collaborator cancel failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(r.cancelGrace)
	defer timer.Stop()
	select {
	case cr := <-done:
		return cr
	case <-timer.C:
		logger.Error(errCallAbandoned.Error(), slog.String("collaborator", col.Name()))
		return callResult{err: errCallAbandoned}
	}
}

// classify applies the post-call budget check and the timeout check, in
// that order, and turns the call into an attempt result.
func (r *Runner) classify(ctx context.Context, p *phase.Phase, enforcer *budget.Enforcer,
	call callResult, limit time.Duration, logger *slog.Logger) attemptResult {

	if call.canceled || ctx.Err() != nil {
		return attemptResult{kind: attemptCanceled, err: ctx.Err()}
	}

	var res attemptResult
	if call.result != nil {
		res.tokens = call.result.TokensUsed
		p.TokensUsed += res.tokens
		res.postCall = enforcer.ValidatePostCall(res.tokens, p.TokenBudget, call.result.StopReason)
	}

	chk := r.watchdog.CheckPhaseTimeout(p.Key(), limit)
	timedOut := call.timedOut || chk.Exceeded || errors.Is(call.err, context.DeadlineExceeded) ||
		errors.Is(call.err, ErrAttemptTimeout)

	res.kind = attemptFailed
	switch {
	case call.leaseLost:
		res.reason = "workspace lease lost during attempt"
	case call.err != nil && timedOut:
		res.reason = fmt.Sprintf("phase attempt timed out after %s", limit)
	case call.err != nil:
		res.reason = fmt.Sprintf("collaborator error: %v", call.err)
	case call.result == nil:
		res.reason = collaborator.ErrMalformedResponse.Error()
	case call.result.StuckReason != "":
		reason := stuck.Reason(call.result.StuckReason)
		res.reason = "collaborator declared phase stuck: " + call.result.StuckReason
		if reason.Valid() {
			res.stuckReason = reason
		}
	case !call.result.Success && timedOut:
		res.reason = fmt.Sprintf("phase attempt timed out after %s", limit)
	case !call.result.Success:
		res.reason = call.result.Error
		if res.reason == "" {
			res.reason = "collaborator reported failure"
		}
	case res.postCall.Status == budget.StatusExceeded:
		res.reason = fmt.Sprintf("output truncated at %d token budget", p.TokenBudget)
	default:
		res.kind = attemptSucceeded
		if chk.Exceeded {
			logger.Warn("phase attempt succeeded past its time limit", slog.Duration("elapsed", chk.Elapsed))
		}
	}
	return res
}
