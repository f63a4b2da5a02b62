// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hshk99/Autopack-sub025/pkg/ux"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/runner"
)

type runOptions struct {
	planPath string
	runID    string
	serve    bool
	addr     string
}

func (c *cli) newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan, or resume a stored run",
		Long: `Executes the phases of a run in plan order until every phase completes or
one stops the run. With --plan the plan's phases are stored first; an
already stored run ID resumes from its stored state instead.

Exit status is 0 when every phase completed, 2 when a phase ended FAILED
or STUCK or the run hit its time limit, 3 when the workspace lease was
held elsewhere and 130 on interrupt.`,
		Example: `  autopack run --plan plan.yaml
  autopack run --run-id 2f6c0a1e --serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.planPath, "plan", "p", "", "plan file (YAML)")
	f.StringVar(&opts.runID, "run-id", "", "run to resume, or the ID assigned to --plan")
	f.BoolVar(&opts.serve, "serve", false, "serve the ops API while the run executes")
	f.StringVar(&opts.addr, "addr", "", "ops API listen address (default api.addr)")
	return cmd
}

func (c *cli) run(cmd *cobra.Command, opts *runOptions) error {
	if opts.planPath == "" && opts.runID == "" {
		return errors.New("one of --plan or --run-id is required")
	}
	logger := c.logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}()
	if err := a.enableProviders(); err != nil {
		return err
	}

	runID := opts.runID
	if opts.planPath != "" {
		if runID, err = a.seedPlan(ctx, opts.planPath, opts.runID); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if opts.serve {
		srv := a.server()
		addr := cmp.Or(opts.addr, c.cfg.API.Addr)
		g.Go(func() error {
			return srv.ListenAndServe(runCtx, addr)
		})
	}

	var report *runner.RunReport
	g.Go(func() error {
		defer cancelRun()
		var err error
		report, err = runner.NewOrchestrator(a.runner).Run(runCtx, runID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printReport(printer(cmd), report)
	return reportExit(report)
}

func printReport(p *ux.Printer, report *runner.RunReport) {
	p.Title("Run " + report.RunID)
	p.KeyValues(
		[2]string{"run_id", report.RunID},
		[2]string{"stop_reason", string(report.StopReason)},
		[2]string{"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String()},
		[2]string{"complete", fmt.Sprintf("%d/%d", report.Count(phase.StateComplete), len(report.Phases))},
	)

	rows := make([][]string, 0, len(report.Phases))
	for _, o := range report.Phases {
		rows = append(rows, []string{
			o.PhaseID,
			p.Badge(string(o.State)),
			strconv.Itoa(o.Attempts),
			fmt.Sprintf("%d/%d", o.TokensUsed, o.TokenBudget),
			o.Model,
			string(o.Resolution),
			truncate(o.Reason, 60),
		})
	}
	p.Table([]string{"PHASE", "STATE", "ATTEMPTS", "TOKENS", "MODEL", "RESOLUTION", "REASON"}, rows)

	switch {
	case report.Succeeded():
		p.Success("all phases complete")
	case report.Count(phase.StateStuck) > 0:
		p.Warning("a phase is STUCK and needs a human decision: inspect it, then `autopack phases requeue`")
	default:
		p.Warning("run stopped: " + string(report.StopReason))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
