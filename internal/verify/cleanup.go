// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package verify reconciles a local staging tree against the remote archive
// and removes only what the archive has confirmed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/pkg/fsutil"
)

// ErrStagingRootMissing is returned when the tree to verify does not exist.
var ErrStagingRootMissing = errors.New("staging root does not exist")

// Report summarizes one verification run.
type Report struct {
	Root        string   `json:"root"`
	Destination string   `json:"destination"`
	Files       int      `json:"files"`
	Verified    int      `json:"verified"`
	Unverified  []string `json:"unverified,omitempty"`
	// DeleteFailed lists confirmed files that could not be removed. They
	// count as unverified.
	DeleteFailed []string `json:"deleteFailed,omitempty"`
	DirsRemoved  int      `json:"dirsRemoved"`
	ListingCalls int      `json:"listingCalls"`
	DryRun       bool     `json:"dryRun,omitempty"`
}

// AllVerified reports whether every file was confirmed and removed. Only this
// outcome permits deleting the study on the host.
func (r Report) AllVerified() bool {
	return len(r.Unverified) == 0 && len(r.DeleteFailed) == 0
}

// Options tunes a run.
type Options struct {
	// DryRun checks the remote without removing anything.
	DryRun bool
	// OnListing is called before each remote listing.
	OnListing func()
}

// Coordinator verifies staged files and cleans up confirmed ones.
type Coordinator struct {
	lister Lister
}

// NewCoordinator returns a coordinator querying lister.
func NewCoordinator(lister Lister) *Coordinator {
	return &Coordinator{lister: lister}
}

// VerifyAndCleanup walks root, removes each file the remote listing for its
// directory confirms, then prunes empty directories including root itself.
// Unconfirmed files stay in place.
func (c *Coordinator) VerifyAndCleanup(ctx context.Context, root, destination string, opts Options) (Report, error) {
	report := Report{Root: filepath.Clean(root), Destination: destination, DryRun: opts.DryRun}

	root, err := filepath.Abs(root)
	if err != nil {
		return report, fmt.Errorf("resolve staging root: %w", err)
	}
	report.Root = root

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, fmt.Errorf("%w: %s", ErrStagingRootMissing, root)
		}
		return report, fmt.Errorf("stat staging root: %w", err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("staging root is not a directory: %s", root)
	}

	files, err := collectFiles(root)
	if err != nil {
		return report, err
	}
	report.Files = len(files)

	cache := NewCache(c.lister, root, destination)
	cache.onList = opts.OnListing

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			report.ListingCalls = cache.Calls()
			return report, err
		}

		dir, name := filepath.Split(file)
		if !cache.Contains(ctx, dir, name) {
			report.Unverified = append(report.Unverified, file)
			continue
		}

		if opts.DryRun {
			report.Verified++
			continue
		}

		if err := safeDeleteFile(root, file); err != nil {
			log.Warn().Err(err).Str("path", file).Msg("verify: failed to remove confirmed file")
			report.DeleteFailed = append(report.DeleteFailed, file)
			continue
		}
		report.Verified++
	}
	report.ListingCalls = cache.Calls()

	if !opts.DryRun {
		report.DirsRemoved = pruneEmptyDirs(root)
	}

	log.Info().
		Str("root", root).
		Str("destination", destination).
		Int("files", report.Files).
		Int("verified", report.Verified).
		Int("unverified", len(report.Unverified)).
		Int("deleteFailed", len(report.DeleteFailed)).
		Int("listingCalls", report.ListingCalls).
		Int("dirsRemoved", report.DirsRemoved).
		Bool("dryRun", opts.DryRun).
		Msg("verify: run complete")

	return report, nil
}

// collectFiles returns every regular file under root in lexical order.
// Symlinks and in-flight temp files are not staged content.
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if fsutil.IsTempFile(p) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk staging root: %w", err)
	}
	return files, nil
}

// safeDeleteFile removes a single regular file inside root. Never removes
// directories.
func safeDeleteFile(root, target string) error {
	if err := validateTarget(root, target); err != nil {
		return err
	}

	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("refusing to delete non-regular file: %s", target)
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func validateTarget(root, target string) error {
	if !filepath.IsAbs(target) {
		return fmt.Errorf("refusing non-absolute path: %s", target)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes staging root: %s", target)
	}
	return nil
}

// pruneEmptyDirs removes empty directories under root deepest first, then
// root itself if it ended up empty. Returns the number removed.
func pruneEmptyDirs(root string) int {
	var dirs []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})

	sort.Slice(dirs, func(i, j int) bool {
		return len(dirs[i]) > len(dirs[j])
	})
	dirs = append(dirs, root)

	removed := 0
	for _, dir := range dirs {
		// os.Remove on a directory only succeeds if it's empty
		if err := os.Remove(dir); err == nil {
			removed++
		}
	}
	return removed
}
