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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/budget"
	"github.com/hshk99/Autopack-sub025/services/executor/collaborator"
	"github.com/hshk99/Autopack-sub025/services/executor/events"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/stuck"
	"github.com/hshk99/Autopack-sub025/services/executor/watchdog"
)

// =============================================================================
// Test doubles
// =============================================================================

type blockMode int

const (
	noBlock blockMode = iota
	blockUntilCtx
	blockUntilCancel
	blockUntilCleanup
)

type step struct {
	result *collaborator.Result
	err    error
	block  blockMode
}

func ok(tokens int) step {
	return step{result: &collaborator.Result{Success: true, TokensUsed: tokens}}
}

func fail(msg string, tokens int) step {
	return step{result: &collaborator.Result{Success: false, Error: msg, TokensUsed: tokens}}
}

func stuckStep(reason stuck.Reason, tokens int) step {
	return step{result: &collaborator.Result{StuckReason: string(reason), TokensUsed: tokens}}
}

// scripted replays steps in order; the last step repeats.
type scripted struct {
	mu        sync.Mutex
	steps     []step
	byModel   map[string]step
	byPhase   map[string]step
	requests  []collaborator.Request
	cancels   int
	cancelKey []string
	cancelCh  chan struct{}
	cancelled bool
	released  chan struct{}
	onCall    func(req collaborator.Request)
}

func newScripted(t *testing.T, steps ...step) *scripted {
	s := &scripted{steps: steps, cancelCh: make(chan struct{}), released: make(chan struct{})}
	t.Cleanup(func() { close(s.released) })
	return s
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Execute(ctx context.Context, req collaborator.Request) (*collaborator.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	st := step{result: &collaborator.Result{Success: true, TokensUsed: 100}}
	if ph, found := s.byPhase[req.PhaseID]; found {
		st = ph
	} else if m, found := s.byModel[req.Model]; found {
		st = m
	} else if len(s.steps) > 0 {
		st = s.steps[0]
		if len(s.steps) > 1 {
			s.steps = s.steps[1:]
		}
	}
	onCall := s.onCall
	s.mu.Unlock()

	if onCall != nil {
		onCall(req)
	}
	switch st.block {
	case blockUntilCtx:
		<-ctx.Done()
		return nil, ctx.Err()
	case blockUntilCancel:
		<-s.cancelCh
		return nil, context.Canceled
	case blockUntilCleanup:
		<-s.released
		return nil, context.Canceled
	}
	return st.result, st.err
}

func (s *scripted) Cancel(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	s.cancelKey = append(s.cancelKey, key)
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
	}
	return nil
}

func (s *scripted) calls() []collaborator.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collaborator.Request(nil), s.requests...)
}

func (s *scripted) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *scripted) cancelKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelKey...)
}

// modelResolver sends every model to col as sendModel.
type modelResolver struct {
	col       collaborator.Collaborator
	sendModel string
}

func (r modelResolver) Resolve(string) (collaborator.Collaborator, string, error) {
	return r.col, r.sendModel, nil
}

type staticResolver struct {
	col collaborator.Collaborator
	err error
}

func (r staticResolver) Resolve(model string) (collaborator.Collaborator, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	return r.col, model, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	runner    *Runner
	store     *MemoryStore
	leaseCfg  lease.Config
	workspace string
}

func newFixture(t *testing.T, resolver Resolver, wdCfg watchdog.Config, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithWatchdog(t, resolver, watchdog.New(wdCfg), opts...)
}

func newFixtureWithWatchdog(t *testing.T, resolver Resolver, wd *watchdog.Watchdog, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		leaseCfg:  lease.Config{Dir: t.TempDir()},
		workspace: t.TempDir(),
	}
	base := []Option{
		WithStore(f.store),
		WithLeaseConfig(f.leaseCfg),
		WithPollInterval(2 * time.Millisecond),
		WithCancelGrace(50 * time.Millisecond),
		WithModelTiers("m1", "m2"),
	}
	r, err := New(wd, resolver, append(base, opts...)...)
	require.NoError(t, err)
	f.runner = r
	return f
}

func defaultWatchdog() watchdog.Config {
	return watchdog.Config{MaxRunDuration: time.Minute, MaxPhaseDuration: 5 * time.Second}
}

func (f *fixture) phase(id string) *phase.Phase {
	return &phase.Phase{
		ID:                 id,
		RunID:              "r1",
		State:              phase.StateQueued,
		Description:        "do the thing",
		MaxAttempts:        3,
		TokenBudget:        4000,
		InitialTokenBudget: 4000,
		EstimatedTokens:    1000,
		Complexity:         phase.ComplexityMedium,
		Workspace:          f.workspace,
		Model:              "m1",
	}
}

func (f *fixture) events(typ events.Type) []events.Event {
	return f.runner.Emitter().BufferByType(typ)
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresWatchdog(t *testing.T) {
	_, err := New(nil, staticResolver{})
	assert.ErrorIs(t, err, ErrWatchdogRequired)

	_, err = New(watchdog.New(watchdog.DefaultConfig()), nil)
	assert.ErrorIs(t, err, ErrResolverRequired)
}

func TestExecutePhase_NotRunnable(t *testing.T) {
	f := newFixture(t, staticResolver{col: newScripted(t)}, defaultWatchdog())
	p := f.phase("p1")
	p.State = phase.StateComplete

	_, err := f.runner.ExecutePhase(context.Background(), p)
	assert.ErrorIs(t, err, ErrPhaseNotRunnable)
	var pe *PhaseError
	assert.True(t, errors.As(err, &pe))
}

// =============================================================================
// Success and retry
// =============================================================================

func TestExecutePhase_SuccessFirstAttempt(t *testing.T) {
	col := newScripted(t, ok(250))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	var lockedDuringCall bool
	col.onCall = func(collaborator.Request) {
		probe, err := lease.New(f.workspace, f.leaseCfg)
		if assert.NoError(t, err) {
			lockedDuringCall = probe.Status().Locked
		}
	}

	p := f.phase("p1")
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, phase.StateComplete, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 250, out.TokensUsed)
	assert.True(t, lockedDuringCall, "lease must be held during the call")

	probe, err := lease.New(f.workspace, f.leaseCfg)
	require.NoError(t, err)
	assert.False(t, probe.Status().Locked, "lease must be released after the attempt")
	assert.Empty(t, f.runner.Watchdog().ActivePhases(), "timer must be cleared")

	stored, err := f.store.LoadPhase(context.Background(), "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, phase.StateComplete, stored.State)

	assert.Len(t, f.events(events.TypePhaseStarted), 1)
	assert.Len(t, f.events(events.TypePhaseCompleted), 1)

	req := col.calls()[0]
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, 4000, req.BudgetTokens)
}

func TestExecutePhase_RetryThenSuccess(t *testing.T) {
	col := newScripted(t, fail("compile error", 100), ok(100))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	out, err := f.runner.ExecutePhase(context.Background(), f.phase("p1"))
	require.NoError(t, err)
	assert.Equal(t, phase.StateComplete, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "compile error", col.calls()[1].LastFailureReason)
	assert.Empty(t, f.events(events.TypePhaseReplanned))
}

func TestExecutePhase_IterationsExceeded(t *testing.T) {
	col := newScripted(t, fail("nope", 10))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())
	p := f.phase("p1")
	p.MaxAttempts = 1

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, stuck.ResolutionStop, out.Resolution)
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, f.events(events.TypePhaseFailed), 1)
}

func TestExecutePhase_ResolverFailureCountsAsFailedAttempt(t *testing.T) {
	f := newFixture(t, staticResolver{err: collaborator.ErrAllUnavailable}, defaultWatchdog())
	p := f.phase("p1")
	p.MaxAttempts = 2

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, p.LastFailureReason, "no collaborator")
}

// =============================================================================
// Stuck resolutions
// =============================================================================

func TestExecutePhase_ReplanAfterRepeatedFailures(t *testing.T) {
	col := newScripted(t, fail("a", 100), fail("b", 100), ok(100))
	var replanReason string
	replanner := ReplannerFunc(func(ctx context.Context, p *phase.Phase, reason string) (*phase.Phase, error) {
		replanReason = reason
		p.Description = "revised approach"
		return p, nil
	})
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog(), WithReplanner(replanner))

	p := f.phase("p1")
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, phase.StateComplete, out.State)
	assert.True(t, p.ReplanAttempted)
	assert.Equal(t, "b", replanReason)
	assert.Equal(t, "revised approach", col.calls()[2].Description)
	assert.Len(t, f.events(events.TypePhaseReplanned), 1)
}

func TestExecutePhase_EscalateModelAfterReplan(t *testing.T) {
	col := newScripted(t)
	col.byModel = map[string]step{"m1": fail("weak model", 100), "m2": ok(100)}
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.MaxAttempts = 6
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, phase.StateComplete, out.State)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, "m2", p.Model)
	assert.Equal(t, 1, p.EscalationLevel)

	evs := f.events(events.TypeModelEscalated)
	require.Len(t, evs, 1)
	data := evs[0].Data.(events.ResolutionData)
	assert.Equal(t, "m1", data.From)
	assert.Equal(t, "m2", data.To)
}

func TestExecutePhase_EscalationGatedByBudget(t *testing.T) {
	col := newScripted(t, fail("expensive failure", 1200))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.MaxAttempts = 6
	p.TokenBudget = 1000
	p.InitialTokenBudget = 1000
	p.EstimatedTokens = 500

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, stuck.ResolutionStop, out.Resolution)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, "m1", p.Model, "model must not be escalated with 20% budget left")
	assert.Empty(t, f.events(events.TypeModelEscalated))
}

func TestExecutePhase_NeedsHumanEmitsEscalation(t *testing.T) {
	col := newScripted(t, stuckStep(stuck.ReasonRequiresApproval, 50))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	out, err := f.runner.ExecutePhase(context.Background(), f.phase("p1"))
	require.NoError(t, err)
	assert.Equal(t, phase.StateStuck, out.State)
	assert.Equal(t, stuck.ResolutionNeedsHuman, out.Resolution)
	assert.Len(t, col.calls(), 1, "policy-terminal reasons are never retried")

	evs := f.events(events.TypePhaseStuck)
	require.Len(t, evs, 1)
	data := evs[0].Data.(events.EscalationData)
	assert.Equal(t, "p1", data.PhaseID)
	assert.Equal(t, string(stuck.ReasonRequiresApproval), data.Reason)
	assert.NotEmpty(t, data.Rationale)
}

func TestExecutePhase_GoalDriftReplans(t *testing.T) {
	col := newScripted(t, stuckStep(stuck.ReasonGoalDriftWarning, 50), ok(50))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateComplete, out.State)
	assert.True(t, p.ReplanAttempted)
}

func TestExecutePhase_ReduceScope(t *testing.T) {
	col := newScripted(t, stuckStep(stuck.ReasonBudgetExceeded, 1900), ok(100))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.MaxAttempts = 2
	p.TokenBudget = 1000
	p.InitialTokenBudget = 1000
	p.EstimatedTokens = 400
	p.Deliverables = []string{"a.go", "b.go", "c.go", "d.go"}

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateComplete, out.State)
	assert.Equal(t, []string{"a.go", "b.go"}, p.Deliverables)
	assert.True(t, p.ScopeReduced)
	assert.Equal(t, 200, p.EstimatedTokens)
	assert.Equal(t, []string{"a.go", "b.go"}, col.calls()[1].Deliverables)
	assert.Len(t, f.events(events.TypePhaseScopeReduced), 1)
}

func TestExecutePhase_ReduceScopeSingleDeliverableStops(t *testing.T) {
	col := newScripted(t, stuckStep(stuck.ReasonBudgetExceeded, 1900))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.MaxAttempts = 2
	p.TokenBudget = 1000
	p.InitialTokenBudget = 1000
	p.EstimatedTokens = 400
	p.Deliverables = []string{"only.go"}

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, stuck.ResolutionStop, out.Resolution)
}

// =============================================================================
// Budget
// =============================================================================

func TestExecutePhase_PreCallBudgetEscalation(t *testing.T) {
	col := newScripted(t, ok(100))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.TokenBudget = 1000
	p.InitialTokenBudget = 1000
	p.EstimatedTokens = 0
	p.Complexity = phase.ComplexityLow
	p.Deliverables = []string{"a.go", "b.go"}

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateComplete, out.State)
	assert.Equal(t, 1, out.Attempts, "pre-call escalation does not consume attempts")

	estimate := budget.EstimateTokens(phase.ComplexityLow, 2)
	assert.Greater(t, float64(p.TokenBudget), float64(estimate)*0.99)
	assert.Equal(t, p.TokenBudget, col.calls()[0].BudgetTokens)

	evs := f.events(events.TypeBudgetEscalated)
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		data := ev.Data.(events.BudgetEscalationData)
		assert.Equal(t, "pre_call", data.Stage)
		assert.Greater(t, data.To, data.From)
	}
}

func TestExecutePhase_PreCallCeilingStopsWithoutCalling(t *testing.T) {
	col := newScripted(t, ok(100))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.EstimatedTokens = 100000

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, 64000, p.TokenBudget)
	assert.Empty(t, col.calls())
}

func TestExecutePhase_OverflowCircuitBreakerNeedsHuman(t *testing.T) {
	truncated := step{result: &collaborator.Result{Success: true, TokensUsed: 4000, StopReason: "max_tokens"}}
	col := newScripted(t, truncated)
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	p.MaxAttempts = 5

	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateStuck, out.State)
	assert.Equal(t, 3, out.Attempts)

	evs := f.events(events.TypePhaseStuck)
	require.Len(t, evs, 1)
	assert.Equal(t, string(stuck.ReasonBudgetExceeded), evs[0].Data.(events.EscalationData).Reason)

	post := 0
	for _, ev := range f.events(events.TypeBudgetEscalated) {
		if ev.Data.(events.BudgetEscalationData).Stage == "post_call" {
			post++
		}
	}
	assert.Equal(t, 3, post)
}

// =============================================================================
// Time
// =============================================================================

func TestExecutePhase_HardTimeoutCancelsCall(t *testing.T) {
	col := newScripted(t, step{block: blockUntilCancel})
	f := newFixture(t, staticResolver{col: col},
		watchdog.Config{MaxRunDuration: time.Minute, MaxPhaseDuration: 40 * time.Millisecond})

	p := f.phase("p1")
	p.MaxAttempts = 1
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, phase.StateFailed, out.State)
	assert.Contains(t, p.LastFailureReason, "timed out")
	assert.Equal(t, 1, col.cancelCount())
	assert.Equal(t, []string{"r1/p1"}, col.cancelKeys())
	assert.Len(t, f.events(events.TypePhaseSoftTimeout), 1)
	assert.Empty(t, f.runner.Watchdog().ActivePhases())
}

func TestExecutePhase_HardTimeoutsOpenBreaker(t *testing.T) {
	col := newScripted(t, step{block: blockUntilCtx})
	b := breaker.New("scripted", breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	guarded := collaborator.NewGuarded(col, b, nil)
	f := newFixture(t, staticResolver{col: guarded},
		watchdog.Config{MaxRunDuration: time.Minute, MaxPhaseDuration: 30 * time.Millisecond})

	p := f.phase("p1")
	p.MaxAttempts = 2
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, p.LastFailureReason, "timed out")
	assert.Equal(t, int64(2), b.Metrics().FailedCalls)
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestExecutePhase_SendsResolvedModel(t *testing.T) {
	col := newScripted(t, ok(10))
	f := newFixture(t, modelResolver{col: col, sendModel: "fallback-default"}, defaultWatchdog())

	p := f.phase("p1")
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, phase.StateComplete, out.State)
	assert.Equal(t, "fallback-default", col.calls()[0].Model)
	assert.Equal(t, "m1", p.Model)
}

func TestExecutePhase_UncooperativeCollaboratorIsAbandoned(t *testing.T) {
	col := newScripted(t, step{block: blockUntilCleanup})
	f := newFixture(t, staticResolver{col: col},
		watchdog.Config{MaxRunDuration: time.Minute, MaxPhaseDuration: 30 * time.Millisecond},
		WithCancelGrace(20*time.Millisecond))

	p := f.phase("p1")
	p.MaxAttempts = 1
	done := make(chan struct{})
	go func() {
		defer close(done)
		out, err := f.runner.ExecutePhase(context.Background(), p)
		assert.NoError(t, err)
		assert.Equal(t, phase.StateFailed, out.State)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecutePhase hung on a collaborator that ignores cancellation")
	}
}

func TestExecutePhase_RunTimeoutBeforeStart(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	wd := watchdog.New(watchdog.Config{MaxRunDuration: time.Minute}, watchdog.WithClock(clock.Now))
	wd.Start()
	clock.Advance(2 * time.Minute)

	col := newScripted(t, ok(1))
	f := newFixtureWithWatchdog(t, staticResolver{col: col}, wd)

	out, err := f.runner.ExecutePhase(context.Background(), f.phase("p1"))
	require.NoError(t, err)
	assert.True(t, out.RunTimeout)
	assert.Equal(t, phase.StateQueued, out.State)
	assert.Empty(t, col.calls())
}

func TestExecutePhase_RunTimeoutMidSequenceFails(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	wd := watchdog.New(watchdog.Config{MaxRunDuration: time.Hour, MaxPhaseDuration: time.Minute}, watchdog.WithClock(clock.Now))
	wd.Start()

	col := newScripted(t, fail("slow", 10))
	col.onCall = func(collaborator.Request) { clock.Advance(2 * time.Hour) }
	f := newFixtureWithWatchdog(t, staticResolver{col: col}, wd)

	out, err := f.runner.ExecutePhase(context.Background(), f.phase("p1"))
	require.NoError(t, err)
	assert.True(t, out.RunTimeout)
	assert.Equal(t, phase.StateFailed, out.State)
	assert.Equal(t, 1, out.Attempts)
}

// =============================================================================
// Contention and cancellation
// =============================================================================

func TestExecutePhase_BusyWorkspaceYields(t *testing.T) {
	col := newScripted(t, ok(1))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	holder, err := lease.New(f.workspace, f.leaseCfg)
	require.NoError(t, err)
	require.True(t, holder.Acquire())
	defer holder.Release()

	p := f.phase("p1")
	out, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, out.Busy)
	assert.Equal(t, phase.StateQueued, p.State)
	assert.Zero(t, p.Attempts)
	assert.Empty(t, col.calls())
}

func TestExecutePhase_ContextCancelYieldsPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := newScripted(t, step{block: blockUntilCtx})
	col.onCall = func(collaborator.Request) { go cancel() }
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	_, err := f.runner.ExecutePhase(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, phase.StateQueued, p.State)
	assert.Equal(t, 1, p.Attempts)

	stored, err := f.store.LoadPhase(context.Background(), "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, phase.StateQueued, stored.State)

	probe, err := lease.New(f.workspace, f.leaseCfg)
	require.NoError(t, err)
	assert.False(t, probe.Status().Locked)
}

func TestExecutePhase_CancelRacingCallReturnIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := newScripted(t, step{err: context.Canceled})
	col.onCall = func(collaborator.Request) { cancel() }
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	_, err := f.runner.ExecutePhase(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, phase.StateQueued, p.State)
	assert.Zero(t, p.ConsecutiveFailures)
	assert.Empty(t, p.LastFailureReason)
	assert.Empty(t, f.events(events.TypePhaseFailed))
}

func TestRequeue(t *testing.T) {
	col := newScripted(t, stuckStep(stuck.ReasonIrreducibleAmbiguity, 1))
	f := newFixture(t, staticResolver{col: col}, defaultWatchdog())

	p := f.phase("p1")
	_, err := f.runner.ExecutePhase(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, phase.StateStuck, p.State)

	requeued, err := f.runner.Requeue(context.Background(), "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, phase.StateQueued, requeued.State)
	assert.Zero(t, requeued.Attempts)

	_, err = f.runner.Requeue(context.Background(), "r1", "p1")
	assert.ErrorIs(t, err, phase.ErrInvalidTransition)

	_, err = f.runner.Requeue(context.Background(), "r1", "missing")
	assert.ErrorIs(t, err, ErrPhaseNotFound)
}
