// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyperwheel/fwexport/internal/archive"
	"github.com/hyperwheel/fwexport/internal/config"
	"github.com/hyperwheel/fwexport/internal/routing"
	"github.com/hyperwheel/fwexport/internal/verify"
)

// RunVerifyCommand checks a staging tree against the archive by hand. It
// never touches the host.
func RunVerifyCommand() *cobra.Command {
	var (
		stagingRoot string
		destination string
		key         string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a staging tree against the archive and remove confirmed files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stagingRoot == "" {
				return errors.New("--staging is required")
			}
			if key == "" {
				return errors.New("--key is required to select the archive credential")
			}

			cfg, err := config.New(configPath(cmd))
			if err != nil {
				return err
			}
			defer cfg.Close()

			table, err := routing.Load(cfg.Config.RoutingFile, cfg.Config.CredentialFile)
			if err != nil {
				return err
			}
			route, err := table.Resolve(key)
			if err != nil {
				return err
			}
			if destination == "" {
				destination = route.Destination
			}

			client := newArchiveClient(cfg.Config, nil)
			return runVerify(cmd, client, route.Credential, stagingRoot, destination, dryRun)
		},
	}

	cmd.Flags().StringVar(&stagingRoot, "staging", "", "Staging tree to verify")
	cmd.Flags().StringVar(&key, "key", "", "Routing key whose credential is used")
	cmd.Flags().StringVar(&destination, "destination", "", "Archive destination (default: the routed destination of --key)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Check the archive without deleting anything")
	return cmd
}

func runVerify(cmd *cobra.Command, client archive.Client, credential, stagingRoot, destination string, dryRun bool) error {
	ctx := cmd.Context()

	if err := client.Login(ctx, credential); err != nil {
		return err
	}
	defer func() {
		if err := client.Logout(ctx); err != nil {
			log.Debug().Err(err).Msg("archive logout failed")
		}
	}()

	report, err := verify.NewCoordinator(client).VerifyAndCleanup(ctx, stagingRoot, destination, verify.Options{DryRun: dryRun})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))

	if !report.AllVerified() {
		return fmt.Errorf("%d of %d files verified", report.Verified, report.Files)
	}
	return nil
}
