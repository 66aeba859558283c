// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/routing"
	"github.com/hyperwheel/fwexport/pkg/debounce"
)

const defaultReloadDelay = 500 * time.Millisecond

// RouteReport receives the result of every reload.
type RouteReport func(table *routing.Table, err error)

// RouteWatcher reloads the routing and credential files after they change
// so a broken edit is reported before the next study needs it. Runs still
// load the files themselves; the watcher only reports.
type RouteWatcher struct {
	routingFile    string
	credentialFile string
	delay          time.Duration
	report         RouteReport
}

func NewRouteWatcher(routingFile, credentialFile string, report RouteReport) *RouteWatcher {
	return &RouteWatcher{
		routingFile:    filepath.Clean(routingFile),
		credentialFile: filepath.Clean(credentialFile),
		delay:          defaultReloadDelay,
		report:         report,
	}
}

// Run loads both files once, then watches their directories until ctx is
// canceled. Directories are watched instead of the files so editors that
// replace a file by rename are still seen.
func (w *RouteWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create routing file watcher: %w", err)
	}
	defer fw.Close()

	dirs := map[string]struct{}{
		filepath.Dir(w.routingFile):    {},
		filepath.Dir(w.credentialFile): {},
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.reload()

	reloads := debounce.New(w.delay)
	defer reloads.Cancel()

	log.Info().
		Str("routingFile", w.routingFile).
		Str("credentialFile", w.credentialFile).
		Msg("Watching routing files")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Routing file changed")
			reloads.Do(w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Routing file watcher error")
		}
	}
}

func (w *RouteWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == w.routingFile || name == w.credentialFile
}

func (w *RouteWatcher) reload() {
	table, err := routing.Load(w.routingFile, w.credentialFile)
	if err != nil {
		log.Error().Err(err).Msg("Routing files do not load; uploads will halt until they are fixed")
	} else if missing := table.MissingCredentials(); len(missing) > 0 {
		log.Warn().Strs("keys", missing).Int("routes", len(table.Keys())).Msg("Routing keys without a credential")
	} else {
		log.Info().Int("routes", len(table.Keys())).Msg("Routing files loaded")
	}

	if w.report != nil {
		w.report(table, err)
	}
}
