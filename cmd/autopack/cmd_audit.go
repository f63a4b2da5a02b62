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
	"time"

	"github.com/spf13/cobra"

	"github.com/hshk99/Autopack-sub025/services/executor/audit"
)

func (c *cli) newAuditCmd() *cobra.Command {
	var filter audit.Filter
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded operator actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				evs, err := a.audit.Query(ctx, filter)
				if err != nil {
					return err
				}
				p := printer(cmd)
				rows := make([][]string, 0, len(evs))
				for _, e := range evs {
					rows = append(rows, []string{
						e.Timestamp.Format(time.RFC3339),
						e.Type,
						e.Actor,
						e.ResourceID,
						e.Outcome,
						truncate(e.Detail, 50),
					})
				}
				p.Table([]string{"TIME", "TYPE", "ACTOR", "RESOURCE", "OUTCOME", "DETAIL"}, rows)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Type, "type", "", "only this event type")
	f.StringVar(&filter.Actor, "actor", "", "only this actor")
	f.StringVar(&filter.ResourceID, "resource", "", "only this phase key, breaker or workspace")
	f.DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	f.IntVar(&filter.Limit, "limit", 50, "maximum events")
	return cmd
}
