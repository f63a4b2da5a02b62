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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hshk99/Autopack-sub025/services/executor/audit"
)

func (c *cli) newBreakersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "Inspect and reset provider circuit breakers",
		Long: `Reads and writes the persisted breaker state file (breaker.state_path).
A running engine rewrites that file on exit; reset breakers of a live
process through the ops API instead.`,
	}
	cmd.AddCommand(c.newBreakersListCmd(), c.newBreakersResetCmd())
	return cmd
}

func (c *cli) newBreakersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List breakers and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := openBreakers(c.cfg, c.logger.Slog(), nil)
			p := printer(cmd)
			var rows [][]string
			for _, s := range registry.Snapshots() {
				changed := "-"
				if s.LastStateChange > 0 {
					changed = time.UnixMilli(s.LastStateChange).UTC().Format(time.RFC3339)
				}
				rows = append(rows, []string{
					s.Name,
					p.Badge(s.State),
					strconv.Itoa(s.FailureCount),
					strconv.FormatInt(s.Metrics.TotalCalls, 10),
					strconv.FormatInt(s.Metrics.RejectedCalls, 10),
					changed,
				})
			}
			p.Table([]string{"NAME", "STATE", "FAILURES", "CALLS", "REJECTED", "CHANGED"}, rows)
			return nil
		},
	}
}

func (c *cli) newBreakersResetCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [NAME...]",
		Short: "Force breakers back to CLOSED",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name a breaker or pass --all")
			}
			if c.cfg.Breaker.StatePath == "" {
				return errors.New("breaker.state_path is not configured")
			}
			registry := openBreakers(c.cfg, c.logger.Slog(), nil)
			if all {
				registry.ResetAll()
				args = registry.Names()
			} else {
				for _, name := range args {
					if !registry.Reset(name) {
						return fmt.Errorf("breaker %q not found", name)
					}
				}
			}
			err := registry.PersistAll(c.cfg.Breaker.StatePath)

			auditLog := audit.NewSlogLogger(c.logger.Slog())
			for _, name := range args {
				_ = auditLog.Record(cmd.Context(), audit.Event{
					Type:       audit.TypeBreakerReset,
					Actor:      audit.LocalActor(),
					ResourceID: name,
					Outcome:    audit.Outcome(err),
					Detail:     audit.Detail(err),
				})
			}
			if err != nil {
				return err
			}
			p := printer(cmd)
			for _, name := range args {
				p.Success(name + " reset to CLOSED")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every breaker")
	return cmd
}
