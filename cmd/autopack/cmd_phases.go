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
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hshk99/Autopack-sub025/pkg/validation"
	"github.com/hshk99/Autopack-sub025/services/executor/audit"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

func (c *cli) newPhasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Inspect and re-queue stored phases",
	}
	cmd.AddCommand(c.newPhasesListCmd(), c.newPhasesShowCmd(), c.newPhasesRequeueCmd())
	return cmd
}

func (c *cli) newPhasesListCmd() *cobra.Command {
	var runID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases in plan order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want phase.State
			if state != "" {
				want = phase.State(strings.ToUpper(state))
				if !want.Valid() {
					return fmt.Errorf("unknown state %q", state)
				}
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				phases, err := a.phases.ListPhases(ctx, runID)
				if err != nil {
					return err
				}
				p := printer(cmd)
				rows := make([][]string, 0, len(phases))
				for _, ph := range phases {
					if want != "" && ph.State != want {
						continue
					}
					rows = append(rows, []string{
						ph.RunID,
						ph.ID,
						p.Badge(string(ph.State)),
						fmt.Sprintf("%d/%d", ph.Attempts, ph.MaxAttempts),
						ph.Model,
						fmt.Sprintf("%d/%d", ph.TokensUsed, ph.TokenBudget),
						truncate(ph.LastFailureReason, 50),
					})
				}
				p.Table([]string{"RUN", "PHASE", "STATE", "ATTEMPTS", "MODEL", "TOKENS", "LAST FAILURE"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "only phases of this run")
	cmd.Flags().StringVar(&state, "state", "", "only phases in this state")
	return cmd
}

func (c *cli) newPhasesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID PHASE_ID",
		Short: "Show one phase record",
		Args:  phaseKeyArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ph, err := a.phases.LoadPhase(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				p := printer(cmd)
				p.Title("Phase " + ph.Key())
				p.KeyValues(
					[2]string{"state", p.Badge(string(ph.State))},
					[2]string{"description", ph.Description},
					[2]string{"workspace", ph.Workspace},
					[2]string{"model", ph.Model},
					[2]string{"complexity", string(ph.Complexity)},
					[2]string{"attempts", fmt.Sprintf("%d/%d", ph.Attempts, ph.MaxAttempts)},
					[2]string{"escalation_level", strconv.Itoa(ph.EscalationLevel)},
					[2]string{"token_budget", strconv.Itoa(ph.TokenBudget)},
					[2]string{"tokens_used", strconv.Itoa(ph.TokensUsed)},
					[2]string{"consecutive_failures", strconv.Itoa(ph.ConsecutiveFailures)},
					[2]string{"replan_attempted", strconv.FormatBool(ph.ReplanAttempted)},
					[2]string{"scope_reduced", strconv.FormatBool(ph.ScopeReduced)},
					[2]string{"deliverables", strings.Join(ph.Deliverables, ",")},
					[2]string{"last_failure", ph.LastFailureReason},
					[2]string{"updated_at", ph.UpdatedAt.Format(time.RFC3339)},
				)
				return nil
			})
		},
	}
}

func (c *cli) newPhasesRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue RUN_ID PHASE_ID",
		Short: "Return a FAILED or STUCK phase to QUEUED with fresh attempts",
		Args:  phaseKeyArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ph, err := a.runner.Requeue(ctx, args[0], args[1])
				if auditErr := a.audit.Record(ctx, audit.Event{
					Type:       audit.TypePhaseRequeued,
					Actor:      audit.LocalActor(),
					ResourceID: args[0] + "/" + args[1],
					Outcome:    audit.Outcome(err),
					Detail:     audit.Detail(err),
				}); auditErr != nil {
					a.logger.Warn("audit record failed", slog.String("error", auditErr.Error()))
				}
				if err != nil {
					return err
				}
				printer(cmd).Success(fmt.Sprintf("%s is %s", ph.Key(), ph.State))
				return nil
			})
		},
	}
}

// phaseKeyArgs requires a valid RUN_ID PHASE_ID pair.
func phaseKeyArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(2)(cmd, args); err != nil {
		return err
	}
	return validation.ValidatePhaseKey(args[0], args[1])
}

// withApp opens the engine without providers for the duration of fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	logger := c.logger.Slog()
	a, err := newApp(ctx, c.cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, a)
}
