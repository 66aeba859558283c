// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package debounce

import (
	"sync"
	"time"
)

// Group keeps one Debouncer per key. A key's debouncer is discarded after
// its function fires, so the next submission starts a fresh quiet period.
type Group struct {
	mu      sync.Mutex
	delay   time.Duration
	items   map[string]*Debouncer
	stopped bool
}

func NewGroup(delay time.Duration) *Group {
	return &Group{
		delay: delay,
		items: make(map[string]*Debouncer),
	}
}

// Do (re)arms the quiet period for key. fn runs once key has been quiet for
// the group delay. Submissions after Stop are ignored.
func (g *Group) Do(key string, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}

	d, ok := g.items[key]
	if !ok {
		d = New(g.delay)
		g.items[key] = d
	}

	d.Do(func() {
		g.mu.Lock()
		if g.items[key] == d {
			delete(g.items, key)
		}
		g.mu.Unlock()

		// Stop waits for this goroutine, so it cannot run inline.
		go d.Stop()

		fn()
	})
}

// Pending reports whether key has an armed quiet period.
func (g *Group) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.items[key]
	return ok
}

// Len returns the number of keys with an armed quiet period.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// Forget discards the pending function for key without running it.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	d, ok := g.items[key]
	delete(g.items, key)
	g.mu.Unlock()

	if ok {
		d.Cancel()
	}
}

// Stop discards every pending function. The group accepts no further
// submissions.
func (g *Group) Stop() {
	g.mu.Lock()
	g.stopped = true
	items := g.items
	g.items = make(map[string]*Debouncer)
	g.mu.Unlock()

	for _, d := range items {
		d.Cancel()
	}
}
