// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperwheel/fwexport/internal/config"
	"github.com/hyperwheel/fwexport/internal/staging"
	"github.com/hyperwheel/fwexport/internal/tags"
)

// RunLabelCommand prints where an instance would be staged without fetching
// or writing anything.
func RunLabelCommand() *cobra.Command {
	var (
		tagsFile   string
		exportRoot string
	)

	cmd := &cobra.Command{
		Use:   "label",
		Short: "Print the staging path for an instance tag set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tagsFile == "" {
				return errors.New("--tags is required")
			}

			if exportRoot == "" {
				cfg, err := config.New(configPath(cmd))
				if err != nil {
					return err
				}
				defer cfg.Close()
				exportRoot = cfg.Config.ExportRoot
			}

			f, err := os.Open(tagsFile)
			if err != nil {
				return err
			}
			defer f.Close()

			ts, err := tags.Decode(f)
			if err != nil {
				return err
			}

			target, err := staging.BuildTarget(exportRoot, ts)
			if err != nil {
				return err
			}

			name, free := target.FileName()
			if name == "" {
				return errors.New("both CALIPR slots are already taken in " + target.Dir)
			}

			cmd.Printf("Routing key: %s\n", target.RoutingKey)
			cmd.Printf("Subject:     %s\n", target.SubjectID)
			cmd.Printf("Session:     %s\n", target.SessionLabel)
			cmd.Printf("Acquisition: %s\n", target.AcquisitionLabel)
			cmd.Println(filepath.Clean(name))
			if !free {
				cmd.Println("(already staged, the instance would be skipped)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tagsFile, "tags", "", "JSON file with the simplified tag set of an instance")
	cmd.Flags().StringVar(&exportRoot, "export-root", "", "Export root (default: from config)")
	return cmd
}
