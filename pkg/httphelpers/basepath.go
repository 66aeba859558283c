// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httphelpers

import "strings"

// NormalizeBasePath returns basePath with one leading slash and no trailing
// slash. The root path normalizes to "".
func NormalizeBasePath(basePath string) string {
	trimmed := strings.Trim(strings.TrimSpace(basePath), "/")
	if trimmed == "" {
		return ""
	}
	return "/" + trimmed
}

// JoinBasePath appends suffix to a normalized basePath.
func JoinBasePath(basePath, suffix string) string {
	base := NormalizeBasePath(basePath)
	suffix = strings.TrimLeft(suffix, "/")
	if suffix == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + "/" + suffix
}
