// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperwheel/fwexport/internal/config"
	"github.com/hyperwheel/fwexport/internal/routing"
)

func RunRoutesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Routing table operations",
	}

	cmd.AddCommand(runRoutesCheckCommand())
	return cmd
}

func runRoutesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load the routing and credential files and report keys without a credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath(cmd))
			if err != nil {
				return err
			}
			defer cfg.Close()

			table, err := routing.Load(cfg.Config.RoutingFile, cfg.Config.CredentialFile)
			if err != nil {
				return err
			}

			keys := table.Keys()
			cmd.Printf("Routes: %d\n", len(keys))
			for _, key := range keys {
				route, err := table.Resolve(key)
				if err != nil {
					cmd.Printf("  - %s: %v\n", key, err)
					continue
				}
				cmd.Printf("  - %s -> %s\n", key, route.Destination)
			}

			missing := table.MissingCredentials()
			if len(missing) > 0 {
				return fmt.Errorf("%d routing keys have no credential: %v", len(missing), missing)
			}
			cmd.Println("All routed keys have a credential.")
			return nil
		},
	}
}
