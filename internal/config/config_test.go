// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/domain"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDatabasePathConfiguration(t *testing.T) {
	tests := []struct {
		name           string
		content        func(dir string) string
		envVars        map[string]string
		expectedDBPath func(dir string) string
	}{
		{
			name:           "default_next_to_config",
			content:        func(string) string { return "logLevel = \"INFO\"\n" },
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "fwexport.db") },
		},
		{
			name: "explicit_path_in_config",
			content: func(dir string) string {
				return "databasePath = \"" + filepath.Join(dir, "database", "custom.db") + "\"\n"
			},
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "database", "custom.db") },
		},
		{
			name:           "relative_path_anchored_at_config_dir",
			content:        func(string) string { return "databasePath = \"db/fwexport.db\"\n" },
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "db", "fwexport.db") },
		},
		{
			name: "data_dir",
			content: func(dir string) string {
				return "dataDir = \"" + filepath.Join(dir, "data") + "\"\n"
			},
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "data", "fwexport.db") },
		},
		{
			name:           "env_var_overrides_config",
			content:        func(string) string { return "databasePath = \"/original/path.db\"\n" },
			envVars:        map[string]string{"FWEXPORT__DATABASE_PATH": "/override/path.db"},
			expectedDBPath: func(string) string { return "/override/path.db" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.content(dir))

			cfg, err := New(path)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedDBPath(dir), cfg.GetDatabasePath())
		})
	}
}

func TestNewWritesTemplateOnFirstRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "config.toml"), cfg.ConfigPath())
	assert.FileExists(t, cfg.ConfigPath())

	c := cfg.Config
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 7480, c.Port)
	assert.Equal(t, "INFO", c.LogLevel)
	assert.Equal(t, filepath.Join(dir, "export"), c.ExportRoot)
	assert.Equal(t, filepath.Join(dir, "routing.json"), c.RoutingFile)
	assert.Equal(t, filepath.Join(dir, "credentials.json"), c.CredentialFile)
	assert.Equal(t, "http://localhost:8042", c.HostURL)
	assert.Equal(t, "fw", c.ArchiveBinary)
	assert.Equal(t, "You are now logged in", c.ArchiveLoggedInMarker)
	assert.Equal(t, domain.SyncModeOff, c.SyncMode)
	assert.Equal(t, 25125, c.ScannerPort)
	assert.True(t, c.MetricsEnabled)
	assert.True(t, c.WatchRoutes)
	assert.Equal(t, 256, c.HookBacklog)
	assert.NoError(t, c.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("FWEXPORT__HOST_URL", "http://orthanc:8042")
	t.Setenv("FWEXPORT__STABLE_AGE", "90")
	t.Setenv("FWEXPORT__POLL_ENABLED", "true")
	t.Setenv("FWEXPORT__EXTERNAL_PROGRAM_ALLOW_LIST", "/usr/bin,/opt/fw")

	dir := t.TempDir()
	path := writeConfig(t, dir, "hostUrl = \"http://localhost:8042\"\nstableAge = 0\n")

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, "http://orthanc:8042", cfg.Config.HostURL)
	assert.Equal(t, 90, cfg.Config.StableAge)
	assert.True(t, cfg.Config.PollEnabled)
	assert.Equal(t, []string{"/usr/bin", "/opt/fw"}, cfg.Config.ExternalProgramAllowList)
}

func TestEnvKey(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"databasepath":             "FWEXPORT__DATABASE_PATH",
		"hostUrl":                  "FWEXPORT__HOST_URL",
		"externalprogramallowlist": "FWEXPORT__EXTERNAL_PROGRAM_ALLOW_LIST",
		"port":                     "FWEXPORT__PORT",
	}
	for key, want := range tests {
		assert.Equal(t, want, envKey(key), key)
	}
}

func TestDockerEnvironmentCompatibility(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/config")
	assert.Equal(t, "/config", getDefaultConfigDir())
}

func TestUpdateLogSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, configTemplate)

	cfg, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.Close() })

	logPath := filepath.Join(dir, "logs", "fwexport.log")
	require.NoError(t, cfg.UpdateLogSettings("debug", logPath, 10, 2))

	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, logPath, cfg.Config.LogPath)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `logLevel = "DEBUG"`)
	assert.Contains(t, content, `logPath = "`+logPath+`"`)
	assert.Contains(t, content, "logMaxSize = 10")
	assert.Equal(t, 1, strings.Count(content, "logMaxBackups = 2"))

	reloaded, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloaded.Close() })
	assert.Equal(t, "DEBUG", reloaded.Config.LogLevel)
	assert.Equal(t, 10, reloaded.Config.LogMaxSize)

	assert.Error(t, cfg.UpdateLogSettings("loud", "", 1, 1))
}

func TestUpdateLogSettingsAppendsMissingKeys(t *testing.T) {
	t.Parallel()

	content := "host = \"localhost\"\n\n[extra]\nkey = 1\n"
	updated := updateLogSettingsInTOML(content, "WARN", "", 5, 1)

	assert.Contains(t, updated, "# Log settings")
	assert.Less(t, strings.Index(updated, `logLevel = "WARN"`), strings.Index(updated, "[extra]"))
}
