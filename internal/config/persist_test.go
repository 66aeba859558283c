// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateLogSettingsInTemplate(t *testing.T) {
	t.Parallel()

	updated := updateLogSettingsInTOML(configTemplate, "DEBUG", "/config/logs/fwexport.log", 20, 5)

	assert.NotContains(t, updated, "# Log settings", "template keys are replaced in place")
	assert.Contains(t, updated, `logLevel = "DEBUG"`)
	assert.Contains(t, updated, `logPath = "/config/logs/fwexport.log"`)
	assert.Contains(t, updated, "logMaxSize = 20")
	assert.Contains(t, updated, "logMaxBackups = 5")
	assert.NotContains(t, updated, `#logPath`)

	// pipeline settings are left alone
	assert.Contains(t, updated, `exportRoot = "export"`)
	assert.Contains(t, updated, `routingFile = "routing.json"`)
	assert.Contains(t, updated, "#syncMode = \"off\"")
	assert.Contains(t, updated, "#hookBacklog = 256")
	assert.Equal(t, strings.Count(configTemplate, "\n"), strings.Count(updated, "\n"))
}

func TestUpdateLogSettingsIsStable(t *testing.T) {
	t.Parallel()

	once := updateLogSettingsInTOML(configTemplate, "WARN", "", 50, 3)
	twice := updateLogSettingsInTOML(once, "WARN", "", 50, 3)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, `logLevel = "WARN"`))
}

func TestUpdateLogSettingsIgnoresKeysInTables(t *testing.T) {
	t.Parallel()

	content := "exportRoot = \"/srv/export\"\n\n[scanner]\nlogLevel = \"TRACE\"\n"
	updated := updateLogSettingsInTOML(content, "ERROR", "", 10, 1)

	top, table, found := strings.Cut(updated, "[scanner]")
	assert.True(t, found)
	assert.Contains(t, top, `logLevel = "ERROR"`)
	assert.Contains(t, table, `logLevel = "TRACE"`)
}
