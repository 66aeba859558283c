// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hyperwheel/fwexport/internal/api"
	"github.com/hyperwheel/fwexport/internal/api/handlers"
	"github.com/hyperwheel/fwexport/internal/archive"
	"github.com/hyperwheel/fwexport/internal/buildinfo"
	"github.com/hyperwheel/fwexport/internal/config"
	"github.com/hyperwheel/fwexport/internal/database"
	"github.com/hyperwheel/fwexport/internal/domain"
	"github.com/hyperwheel/fwexport/internal/externalprograms"
	"github.com/hyperwheel/fwexport/internal/host"
	"github.com/hyperwheel/fwexport/internal/metrics"
	"github.com/hyperwheel/fwexport/internal/models"
	"github.com/hyperwheel/fwexport/internal/pipeline"
	"github.com/hyperwheel/fwexport/internal/rawsync"
	"github.com/hyperwheel/fwexport/internal/routing"
	"github.com/hyperwheel/fwexport/internal/staging"
	"github.com/hyperwheel/fwexport/internal/watcher"
)

func RunServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the export pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath(cmd))
			if err != nil {
				return err
			}
			defer cfg.Close()
			cfg.Config.Version = buildinfo.Version

			if err := cfg.Config.Validate(); err != nil {
				return fmt.Errorf("invalid configuration in %s: %w", cfg.ConfigPath(), err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.AppConfig) error {
	c := cfg.Config

	log.Info().
		Str("version", c.Version).
		Str("config", cfg.ConfigPath()).
		Str("exportRoot", c.ExportRoot).
		Msg("Starting fwexport")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	contexts := models.NewStudyContextStore(db)
	runs := models.NewStudyRunStore(db)
	cursors := models.NewChangeCursorStore(db)

	registry := pipeline.NewRegistry(contexts)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load study contexts: %w", err)
	}

	var (
		metricsManager *metrics.Manager
		promRegistry   *prometheus.Registry
	)
	if c.MetricsEnabled {
		metricsManager = metrics.NewManager(contexts)
		promRegistry = metricsManager.GetRegistry()
	}

	hostClient := host.NewClient(host.Config{
		URL:      c.HostURL,
		Username: c.HostUsername,
		Password: c.HostPassword,
		Timeout:  domain.Seconds(c.HostTimeout),
	})

	archiveClient := newArchiveClient(c, metricsManager)

	syncer, err := newSyncer(c)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Config{
		ExportRoot: c.ExportRoot,
		Exporter:   staging.NewExporter(c.ExportRoot, hostClient),
		Host:       hostClient,
		Archive:    archiveClient,
		Syncer:     syncer,
		Routes: func() (*routing.Table, error) {
			return routing.Load(c.RoutingFile, c.CredentialFile)
		},
		Registry: registry,
		Runs:     runs,
		Metrics:  metricsManager,
	})
	dispatcher := pipeline.NewDispatcher(p, domain.Seconds(c.StableAge))

	server := api.NewServer(&api.Dependencies{
		Host:        c.Host,
		Port:        c.Port,
		BaseURL:     c.BaseURL,
		Dispatcher:  dispatcher,
		Runs:        runs,
		Studies:     registry,
		Registry:    promRegistry,
		HookBacklog: c.HookBacklog,
		Readiness: []handlers.ReadinessCheck{
			{Name: "database", Check: func(ctx context.Context) error { return db.Conn().PingContext(ctx) }},
			{Name: "dispatcher", Check: dispatcher.Ready},
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx) })
	if c.WatchRoutes {
		routeWatcher := watcher.NewRouteWatcher(c.RoutingFile, c.CredentialFile, func(t *routing.Table, err error) {
			if err != nil {
				metricsManager.ObserveRoutes(0, 0, err)
				return
			}
			metricsManager.ObserveRoutes(len(t.Keys()), len(t.MissingCredentials()), nil)
		})
		g.Go(func() error {
			if err := routeWatcher.Run(gctx); err != nil {
				log.Warn().Err(err).Msg("Routing file watcher disabled")
			}
			return nil
		})
	}
	if c.PollEnabled {
		poller := watcher.NewPoller(watcher.Config{
			Interval: domain.Seconds(c.PollInterval),
		}, hostClient, dispatcher, cursors)
		g.Go(func() error { return poller.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("fwexport stopped")
	return nil
}

func newArchiveClient(c *domain.Config, m *metrics.Manager) *archive.CLI {
	runner := externalprograms.NewExecutor(externalprograms.ExecuteOptions{
		AllowList: c.ExternalProgramAllowList,
		Timeout:   domain.Seconds(c.ArchiveCommandTimeout),
	})
	return archive.NewCLI(archive.Config{
		Binary:         c.ArchiveBinary,
		LoginArgs:      c.ArchiveLoginArgs,
		ImportArgs:     c.ArchiveImportArgs,
		ListArgs:       c.ArchiveListArgs,
		LogoutArgs:     c.ArchiveLogoutArgs,
		LoggedInMarker: c.ArchiveLoggedInMarker,
	}, runner, m.ObserveCommand)
}

func newSyncer(c *domain.Config) (rawsync.Syncer, error) {
	switch c.SyncMode {
	case "", domain.SyncModeOff:
		return rawsync.Noop{}, nil
	case domain.SyncModeCommand:
		path, args, _ := strings.Cut(strings.TrimSpace(c.SyncCommand), " ")
		runner := externalprograms.NewExecutor(externalprograms.ExecuteOptions{
			AllowList: c.ExternalProgramAllowList,
			Timeout:   domain.Seconds(c.SyncTimeout),
		})
		return rawsync.NewCommand(path, strings.TrimSpace(args), runner), nil
	case domain.SyncModeSSH:
		return rawsync.NewSSH(rawsync.SSHConfig{
			NetworkConfigPath: c.ScannerConfigPath,
			User:              c.ScannerUser,
			Password:          c.ScannerPassword,
			Port:              c.ScannerPort,
			KnownHostsPath:    c.ScannerKnownHosts,
			DownloadDir:       c.RawDownloadDir,
			Timeout:           domain.Seconds(c.SyncTimeout),
		}), nil
	default:
		return nil, fmt.Errorf("unknown sync mode %q", c.SyncMode)
	}
}
