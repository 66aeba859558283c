// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"regexp"
	"strings"
)

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP the API listens on
# Default: "localhost"
host = "localhost"

# Port
# Default: 7480
port = 7480

# Base URL for serving behind a reverse proxy
# Default: "/"
#baseUrl = "/"

# Directory for the database. Defaults to the config directory.
#dataDir = ""

# Database file. Defaults to fwexport.db in dataDir.
#databasePath = ""

# Log file path
# If not defined, logs to stderr only
# Optional
#logPath = "log/fwexport.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Staging tree for exported instances
exportRoot = "export"

# JSON map of routing key -> "group/project"
routingFile = "routing.json"

# JSON map of routing key -> archive credential
credentialFile = "credentials.json"

# Re-check both files whenever they change on disk
#watchRoutes = true

# Imaging host REST API
hostUrl = "http://localhost:8042"
#hostUsername = ""
#hostPassword = ""
# Request timeout in seconds
#hostTimeout = 30

# Follow the host change feed instead of (or in addition to) webhooks
#pollEnabled = false
# Seconds between polls
#pollInterval = 10

# Seconds without a new instance before a study is treated as stable.
# 0 relies on the host's own stable-study event.
#stableAge = 0

# Archive CLI
#archiveBinary = "fw"
#archiveLoginArgs = "login {credential}"
#archiveImportArgs = "import folder --yes --group {group} --project {project} {source}"
#archiveListArgs = "ls {location}"
#archiveLogoutArgs = "logout"
#archiveLoggedInMarker = "You are now logged in"
# Seconds per archive command, 0 for no limit
#archiveCommandTimeout = 3600

# Raw data sync before upload
# Options: "off", "command", "ssh"
#syncMode = "off"
# Used when syncMode = "command". Placeholders: {study} {routing_key} {staging_root} {export_root}
#syncCommand = ""
#syncTimeout = 600
# Used when syncMode = "ssh"
#scannerConfigPath = ""
#scannerUser = "rrdf"
#scannerPassword = ""
#scannerPort = 25125
#scannerKnownHosts = ""
#rawDownloadDir = ""

# Expose Prometheus metrics on /metrics
#metricsEnabled = true

# Hook requests allowed to wait while one is being handled; more get 429
#hookBacklog = 256

# Restrict external programs to these paths (empty allows all)
#externalProgramAllowList = []
`

var tableHeaderRe = regexp.MustCompile(`^\s*\[[^\]]+\]\s*$`)

// updateLogSettingsInTOML sets the log keys in content. Existing lines,
// commented out or not, are replaced in place; missing keys are added
// before the first table so they stay top-level.
func updateLogSettingsInTOML(content, level, path string, maxSize, maxBackups int) string {
	settings := []struct {
		key   string
		value string
	}{
		{"logLevel", fmt.Sprintf("%q", level)},
		{"logPath", fmt.Sprintf("%q", path)},
		{"logMaxSize", fmt.Sprintf("%d", maxSize)},
		{"logMaxBackups", fmt.Sprintf("%d", maxBackups)},
	}

	lines := strings.Split(content, "\n")
	var missing []string

	for _, s := range settings {
		re := regexp.MustCompile(`^\s*#?\s*` + regexp.QuoteMeta(s.key) + `\s*=`)
		found := false
		for i, line := range lines {
			if tableHeaderRe.MatchString(line) {
				break
			}
			if re.MatchString(line) {
				lines[i] = s.key + " = " + s.value
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, s.key+" = "+s.value)
		}
	}

	if len(missing) == 0 {
		return strings.Join(lines, "\n")
	}

	insertAt := len(lines)
	for i, line := range lines {
		if tableHeaderRe.MatchString(line) {
			insertAt = i
			break
		}
	}

	block := append([]string{"# Log settings"}, missing...)
	block = append(block, "")

	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:insertAt]...)
	out = append(out, block...)
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, "\n")
}
