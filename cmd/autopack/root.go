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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hshk99/Autopack-sub025/pkg/logging"
	"github.com/hshk99/Autopack-sub025/pkg/ux"
	"github.com/hshk99/Autopack-sub025/services/executor/config"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "autopack.yaml"

// cli holds state shared by every subcommand of one invocation.
type cli struct {
	configPath string
	logLevel   string
	logJSON    bool

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "autopack",
		Short: "Autonomous phase execution engine",
		Long: `autopack executes planned phases against a generation service without a
human in the loop. Each phase is retried under wall-clock, token and
attempt limits; a phase that cannot make progress is marked STUCK and
waits for an operator.`,
		Version:            version,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "config file (default ./"+defaultConfigFile+" when present)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&c.logJSON, "log-json", false, "write JSON logs to stderr")

	root.AddCommand(
		c.newRunCmd(),
		c.newPhasesCmd(),
		c.newBreakersCmd(),
		c.newLeaseCmd(),
		c.newServeCmd(),
		c.newAuditCmd(),
	)
	return root
}

// setup loads configuration and installs the process logger.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	path := c.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logJSON {
		cfg.Logging.JSON = true
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format := logging.FormatAuto
	if cfg.Logging.JSON {
		format = logging.FormatJSON
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "autopack",
		Format:  format,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Slog())

	c.cfg = cfg
	c.logger = logger
	return nil
}

func (c *cli) teardown(_ *cobra.Command, _ []string) error {
	if c.logger == nil {
		return nil
	}
	return c.logger.Close()
}

// printer picks rich output only when stdout is a terminal.
func printer(cmd *cobra.Command) *ux.Printer {
	out := cmd.OutOrStdout()
	mode := ux.ModeMachine
	if f, ok := out.(*os.File); ok {
		mode = ux.DetectMode(f)
	}
	return ux.NewPrinter(out, mode)
}
