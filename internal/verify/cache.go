// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package verify

import (
	"context"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Lister fetches the raw listing text of a remote location.
type Lister interface {
	List(ctx context.Context, location string) (string, error)
}

// Cache maps a local directory to the file names confirmed present at its
// remote counterpart. Each directory is listed at most once. A Cache belongs
// to a single verification run and must not be shared between studies.
type Cache struct {
	lister      Lister
	root        string
	destination string
	entries     map[string]map[string]struct{}
	calls       int
	onList      func()
}

// NewCache returns an empty cache for files under root uploaded to
// destination.
func NewCache(lister Lister, root, destination string) *Cache {
	return &Cache{
		lister:      lister,
		root:        filepath.Clean(root),
		destination: destination,
		entries:     make(map[string]map[string]struct{}),
	}
}

// RemoteLocation maps a local directory under root to its remote location.
func (c *Cache) RemoteLocation(dir string) string {
	rel, err := filepath.Rel(c.root, dir)
	if err != nil || rel == "." {
		return c.destination
	}
	return path.Join(c.destination, filepath.ToSlash(rel))
}

// Contains reports whether name is listed remotely for dir, listing dir on
// first use. A failed listing is cached as an empty set: a location that does
// not exist and a command that errored look the same.
func (c *Cache) Contains(ctx context.Context, dir, name string) bool {
	dir = filepath.Clean(dir)
	names, ok := c.entries[dir]
	if !ok {
		names = c.fetch(ctx, dir)
		c.entries[dir] = names
	}
	_, found := names[name]
	return found
}

func (c *Cache) fetch(ctx context.Context, dir string) map[string]struct{} {
	location := c.RemoteLocation(dir)
	c.calls++
	if c.onList != nil {
		c.onList()
	}

	output, err := c.lister.List(ctx, location)
	if err != nil {
		log.Warn().
			Err(err).
			Str("dir", dir).
			Str("location", location).
			Msg("verify: remote listing failed, treating directory as unverified")
		return map[string]struct{}{}
	}

	names := ParseListing(output)
	log.Debug().
		Str("location", location).
		Int("entries", len(names)).
		Msg("verify: remote listing cached")
	return names
}

// Calls returns how many listings were issued.
func (c *Cache) Calls() int {
	return c.calls
}
