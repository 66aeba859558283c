// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo holds version information set at link time.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/hyperwheel/fwexport/internal/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent on outgoing HTTP requests.
var UserAgent string

func init() {
	UserAgent = fmt.Sprintf("fwexport/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a human readable summary.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\n", Version, Commit, Date)
}

// JSON returns the build info as a JSON object.
func JSON() ([]byte, error) {
	return json.Marshal(struct {
		Version string `json:"version"`
		Commit  string `json:"commit"`
		Date    string `json:"date"`
	}{Version, Commit, Date})
}
