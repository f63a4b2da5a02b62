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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (c *cli) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ops API over stored runs",
		Long: `Serves health, phase, breaker, lease and metrics endpoints over the
phase store. The store admits one process at a time; use run --serve to
observe a run while it executes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				return a.server().ListenAndServe(ctx, cmp.Or(addr, c.cfg.API.Addr))
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default api.addr)")
	return cmd
}
