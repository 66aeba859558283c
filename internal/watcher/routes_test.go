// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/routing"
)

type reportLog struct {
	mu      sync.Mutex
	reports []error
	routes  []int
}

func (r *reportLog) record(table *routing.Table, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, err)
	if table != nil {
		r.routes = append(r.routes, len(table.Keys()))
	} else {
		r.routes = append(r.routes, -1)
	}
}

// last returns the route count and error of the newest report and the
// number of reports so far.
func (r *reportLog) last() (routes, count int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count = len(r.reports)
	if count == 0 {
		return 0, 0, nil
	}
	return r.routes[count-1], count, r.reports[count-1]
}

func TestRouteWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	routingFile := filepath.Join(dir, "routing.json")
	credentialFile := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(routingFile, []byte(`{"studyA":"labA/projA"}`), 0o644))
	require.NoError(t, os.WriteFile(credentialFile, []byte(`{"studyA":"key-a"}`), 0o644))

	reports := &reportLog{}
	w := NewRouteWatcher(routingFile, credentialFile, reports.record)
	w.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		routes, n, err := reports.last()
		return n == 1 && err == nil && routes == 1
	}, 2*time.Second, 10*time.Millisecond, "initial load")

	require.NoError(t, os.WriteFile(routingFile, []byte(`{"studyA":"labA/projA","studyB":"labB/projB"}`), 0o644))
	require.Eventually(t, func() bool {
		routes, _, err := reports.last()
		return err == nil && routes == 2
	}, 2*time.Second, 10*time.Millisecond, "reload after edit")

	require.NoError(t, os.WriteFile(credentialFile, []byte(`{broken`), 0o644))
	require.Eventually(t, func() bool {
		_, _, err := reports.last()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "broken credentials reported")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRouteWatcherMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	w := NewRouteWatcher(filepath.Join(missing, "routing.json"), filepath.Join(missing, "credentials.json"), nil)

	err := w.Run(context.Background())
	require.Error(t, err)
}

func TestRouteWatcherRelevant(t *testing.T) {
	w := NewRouteWatcher("/etc/fw/routing.json", "/etc/fw/credentials.json", nil)

	assert.True(t, w.relevant(fsnotify.Event{Name: "/etc/fw/routing.json", Op: fsnotify.Write}))
	assert.True(t, w.relevant(fsnotify.Event{Name: "/etc/fw/credentials.json", Op: fsnotify.Rename}))
	assert.False(t, w.relevant(fsnotify.Event{Name: "/etc/fw/routing.json", Op: fsnotify.Chmod}))
	assert.False(t, w.relevant(fsnotify.Event{Name: "/etc/fw/config.toml", Op: fsnotify.Write}))
}
