// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrDestinationExists is returned by MoveFile when dst is already present.
var ErrDestinationExists = errors.New("destination already exists")

// MoveFile renames src to dst, falling back to copy-and-remove when the two
// paths are on different filesystems. An existing dst is never replaced.
func MoveFile(src, dst string) error {
	if Exists(dst) {
		return fmt.Errorf("move %s: %w: %s", src, ErrDestinationExists, dst)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename %s to %s: %w", src, dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if err := WriteFileAtomic(dst, in, info.Mode().Perm()); err != nil {
		return err
	}
	_ = in.Close()

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}
