// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBuild(t *testing.T, version, commit, date string) {
	t.Helper()
	prevVersion, prevCommit, prevDate := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() { Version, Commit, Date = prevVersion, prevCommit, prevDate })
}

func TestReleaseBuild(t *testing.T) {
	setBuild(t, "1.4.0", "9f3c2ab", "2026-03-01T10:00:00Z")

	assert.Equal(t, "Version: 1.4.0\nCommit: 9f3c2ab\nBuild date: 2026-03-01T10:00:00Z\n", String())

	data, err := JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.4.0","commit":"9f3c2ab","date":"2026-03-01T10:00:00Z"}`, string(data))
}

func TestDevBuild(t *testing.T) {
	setBuild(t, "dev", "", "")

	data, err := JSON()
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "dev", info["version"])
	assert.Empty(t, info["commit"])
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "fwexport/dev ("+runtime.GOOS+" "+runtime.GOARCH+")", UserAgent)
}
