// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/hyperwheel/fwexport/internal/config"
)

func RunConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration file operations",
	}

	cmd.AddCommand(runConfigPathCommand(), runConfigLogCommand())
	return cmd
}

func runConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file and database locations, creating the config on first run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath(cmd))
			if err != nil {
				return err
			}
			defer cfg.Close()

			cmd.Printf("Config:   %s\n", cfg.ConfigPath())
			cmd.Printf("Database: %s\n", cfg.GetDatabasePath())
			return nil
		},
	}
}

func runConfigLogCommand() *cobra.Command {
	var (
		level      string
		path       string
		maxSize    int
		maxBackups int
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Update the log settings in the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath(cmd))
			if err != nil {
				return err
			}
			defer cfg.Close()

			c := cfg.Config
			if !cmd.Flags().Changed("level") {
				level = c.LogLevel
			}
			if !cmd.Flags().Changed("path") {
				path = c.LogPath
			}
			if !cmd.Flags().Changed("max-size") {
				maxSize = c.LogMaxSize
			}
			if !cmd.Flags().Changed("max-backups") {
				maxBackups = c.LogMaxBackups
			}

			if err := cfg.UpdateLogSettings(level, path, maxSize, maxBackups); err != nil {
				return err
			}
			cmd.Printf("Log settings written to %s\n", cfg.ConfigPath())
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "Log level (ERROR, WARN, INFO, DEBUG, TRACE)")
	cmd.Flags().StringVar(&path, "path", "", "Log file path, empty for stderr only")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "Maximum log file size in megabytes")
	cmd.Flags().IntVar(&maxBackups, "max-backups", 0, "Rotated log files to keep")
	return cmd
}
