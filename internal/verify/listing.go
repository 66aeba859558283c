// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package verify

import (
	"regexp"
	"strings"
)

// Each relevant line is "<date> <time> <name>", possibly after size or
// type columns.
var listingLineRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s+(\d{1,2}:\d{2}(?::\d{2})?)\s+(\S.*)$`)

// ParseListing extracts the set of file names from listing output. Lines that
// do not carry a date and time are ignored.
func ParseListing(output string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" {
			continue
		}
		m := listingLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[3])
		if name != "" {
			names[name] = struct{}{}
		}
	}
	return names
}
