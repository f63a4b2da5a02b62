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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/telemetry"
	"github.com/hshk99/Autopack-sub025/services/executor/watchdog"
)

// StopReason explains why a run stopped.
type StopReason string

const (
	StopAllPhasesTerminal StopReason = "all_phases_terminal"
	StopRunTimeout        StopReason = "run_timeout"
	StopContextCanceled   StopReason = "context_canceled"
	StopWorkspaceBusy     StopReason = "workspace_busy"
	StopPhaseStuck        StopReason = "phase_stuck"
	StopPhaseFailed       StopReason = "phase_failed"
)

// RunReport summarises one run.
type RunReport struct {
	RunID      string     `json:"run_id"`
	StopReason StopReason `json:"stop_reason"`
	Phases     []Outcome  `json:"phases"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Count returns how many phases ended in state.
func (r *RunReport) Count(state phase.State) int {
	n := 0
	for _, o := range r.Phases {
		if o.State == state {
			n++
		}
	}
	return n
}

// Succeeded reports whether every phase completed.
func (r *RunReport) Succeeded() bool {
	return r.StopReason == StopAllPhasesTerminal && r.Count(phase.StateComplete) == len(r.Phases)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithParallelism bounds concurrent runs in RunMany. Zero means unbounded.
func WithParallelism(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.parallelism = n }
}

// Orchestrator executes the phases of a run in plan order.
//
// Phases of a run depend on their predecessors, so a run stops at the first
// phase that does not complete. Independent runs may proceed in parallel
// through RunMany; the workspace lease keeps runs that share a workspace
// from overlapping.
type Orchestrator struct {
	runner      *Runner
	parallelism int
	logger      *slog.Logger
}

// NewOrchestrator creates an orchestrator over r.
func NewOrchestrator(r *Runner, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{runner: r, logger: r.logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Runner returns the underlying runner.
func (o *Orchestrator) Runner() *Runner {
	return o.runner
}

// Run starts the run clock and executes the run's non-terminal phases.
//
// # Outputs
//
//   - *RunReport: Always non-nil, with an explicit StopReason once phases
//     were loaded.
//   - error: ErrRunNotFound, a store failure, or a *PhaseError. Policy
//     outcomes, contention, timeouts and cancellation are stop reasons, not
//     errors.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*RunReport, error) {
	o.runner.watchdog.Start()
	return o.run(ctx, o.runner, runID)
}

// RunMany executes independent runs concurrently, each with its own run
// clock. Reports are returned in runIDs order; the error is the first run
// error, if any.
func (o *Orchestrator) RunMany(ctx context.Context, runIDs []string) ([]*RunReport, error) {
	reports := make([]*RunReport, len(runIDs))

	var g errgroup.Group
	if o.parallelism > 0 {
		g.SetLimit(o.parallelism)
	}
	for i, runID := range runIDs {
		g.Go(func() error {
			wd := watchdog.New(o.runner.watchdog.Config(), watchdog.WithLogger(o.logger))
			wd.Start()
			report, err := o.run(ctx, o.runner.withWatchdog(wd), runID)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}

func (o *Orchestrator) run(ctx context.Context, r *Runner, runID string) (*RunReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "Orchestrator.Run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	logger := o.logger.With(slog.String("run_id", runID))
	report := &RunReport{RunID: runID, StartedAt: time.Now().UTC()}
	defer func() { report.FinishedAt = time.Now().UTC() }()

	phases, err := r.store.ListPhases(ctx, runID)
	if err != nil {
		return report, fmt.Errorf("list phases for run %s: %w", runID, err)
	}
	if len(phases) == 0 {
		return report, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	stop, err := o.execute(ctx, r, phases, report, logger)
	report.StopReason = stop
	span.SetAttributes(attribute.String("stop_reason", string(stop)))
	if err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	logger.Info("run stopped",
		slog.String("stop_reason", string(stop)),
		slog.Int("complete", report.Count(phase.StateComplete)),
		slog.Int("failed", report.Count(phase.StateFailed)),
		slog.Int("stuck", report.Count(phase.StateStuck)),
		slog.Int("phases", len(phases)))
	return report, nil
}

// execute walks phases in order until one does not complete.
func (o *Orchestrator) execute(ctx context.Context, r *Runner, phases []*phase.Phase,
	report *RunReport, logger *slog.Logger) (StopReason, error) {

	for _, p := range phases {
		switch p.State {
		case phase.StateComplete:
			report.Phases = append(report.Phases, outcomeOf(p))
			continue
		case phase.StateStuck:
			report.Phases = append(report.Phases, outcomeOf(p))
			return StopPhaseStuck, nil
		case phase.StateFailed:
			report.Phases = append(report.Phases, outcomeOf(p))
			return StopPhaseFailed, nil
		case phase.StateExecuting:
			// Left over from a process that died mid-attempt.
			logger.Warn("recovering phase left EXECUTING", slog.String("phase_id", p.ID))
			if err := r.states.Transition(p, phase.StateQueued); err != nil {
				return "", &PhaseError{RunID: p.RunID, PhaseID: p.ID, Op: "recover", Err: err}
			}
			if err := r.save(ctx, p); err != nil {
				return "", err
			}
		}

		if ctx.Err() != nil {
			return StopContextCanceled, nil
		}
		if r.watchdog.CheckRunTimeout().Exceeded {
			return StopRunTimeout, nil
		}

		out, err := r.ExecutePhase(ctx, p)
		report.Phases = append(report.Phases, out)
		if err != nil {
			if ctx.Err() != nil {
				return StopContextCanceled, nil
			}
			return "", err
		}

		switch {
		case out.Busy:
			return StopWorkspaceBusy, nil
		case out.RunTimeout:
			return StopRunTimeout, nil
		case out.State == phase.StateStuck:
			return StopPhaseStuck, nil
		case out.State == phase.StateFailed:
			return StopPhaseFailed, nil
		}
	}
	return StopAllPhasesTerminal, nil
}
