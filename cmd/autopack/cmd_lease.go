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
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hshk99/Autopack-sub025/services/executor/audit"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
)

func (c *cli) newLeaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect workspace leases",
	}
	cmd.AddCommand(c.newLeaseStatusCmd(), c.newLeaseForceUnlockCmd())
	return cmd
}

func (c *cli) openLease(workspace string) (*lease.Lease, error) {
	return lease.New(workspace, c.cfg.LeaseConfig(), lease.WithLogger(c.logger.Slog()))
}

func (c *cli) newLeaseStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status WORKSPACE",
		Short: "Show who holds a workspace lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := c.openLease(args[0])
			if err != nil {
				return err
			}
			s := l.Status()
			p := printer(cmd)
			pairs := [][2]string{
				{"workspace", s.Workspace},
				{"lock_file", s.LockFile},
				{"exists", strconv.FormatBool(s.Exists)},
				{"locked", strconv.FormatBool(s.Locked)},
				{"stale", strconv.FormatBool(s.Stale())},
			}
			if s.Holder != nil {
				pairs = append(pairs,
					[2]string{"holder_pid", strconv.Itoa(s.Holder.PID)},
					[2]string{"holder_host", s.Holder.Hostname},
					[2]string{"acquired_at", s.Holder.AcquiredAt.Format(time.RFC3339)},
				)
			}
			p.KeyValues(pairs...)
			return nil
		},
	}
}

func (c *cli) newLeaseForceUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-unlock WORKSPACE",
		Short: "Remove a lease file left behind by a dead process",
		Long: `Removes the lease file only when no live process holds the lock. A lease
held by a running engine is never broken.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := c.openLease(args[0])
			if err != nil {
				return err
			}
			removed := l.ForceUnlock()
			var result error
			if !removed {
				if l.Status().Locked {
					result = fmt.Errorf("lease for %s is held by a live process", l.Workspace())
				} else {
					result = fmt.Errorf("no lease file for %s", l.Workspace())
				}
			}
			_ = audit.NewSlogLogger(c.logger.Slog()).Record(cmd.Context(), audit.Event{
				Type:       audit.TypeLeaseBroken,
				Actor:      audit.LocalActor(),
				ResourceID: l.Workspace(),
				Outcome:    audit.Outcome(result),
				Detail:     audit.Detail(result),
			})
			if result != nil {
				return result
			}
			printer(cmd).Success("stale lease removed for " + l.Workspace())
			return nil
		},
	}
}
