// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sync modes for the raw-data synchronization step.
const (
	SyncModeOff     = "off"
	SyncModeCommand = "command"
	SyncModeSSH     = "ssh"
)

// Config represents the application configuration
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	DatabasePath  string `toml:"databasePath" mapstructure:"databasePath"`

	ExportRoot     string `toml:"exportRoot" mapstructure:"exportRoot"`
	RoutingFile    string `toml:"routingFile" mapstructure:"routingFile"`
	CredentialFile string `toml:"credentialFile" mapstructure:"credentialFile"`
	// WatchRoutes reloads and checks the routing files whenever they change.
	WatchRoutes bool `toml:"watchRoutes" mapstructure:"watchRoutes"`

	// Host imaging server REST endpoint.
	HostURL      string `toml:"hostUrl" mapstructure:"hostUrl"`
	HostUsername string `toml:"hostUsername" mapstructure:"hostUsername"`
	HostPassword string `toml:"hostPassword" mapstructure:"hostPassword"`
	HostTimeout  int    `toml:"hostTimeout" mapstructure:"hostTimeout"`

	PollEnabled  bool `toml:"pollEnabled" mapstructure:"pollEnabled"`
	PollInterval int  `toml:"pollInterval" mapstructure:"pollInterval"`
	// StableAge is the local quiescence window in seconds. Zero trusts the
	// host's own stable-study signal.
	StableAge int `toml:"stableAge" mapstructure:"stableAge"`

	ArchiveBinary         string `toml:"archiveBinary" mapstructure:"archiveBinary"`
	ArchiveLoginArgs      string `toml:"archiveLoginArgs" mapstructure:"archiveLoginArgs"`
	ArchiveImportArgs     string `toml:"archiveImportArgs" mapstructure:"archiveImportArgs"`
	ArchiveListArgs       string `toml:"archiveListArgs" mapstructure:"archiveListArgs"`
	ArchiveLogoutArgs     string `toml:"archiveLogoutArgs" mapstructure:"archiveLogoutArgs"`
	ArchiveLoggedInMarker string `toml:"archiveLoggedInMarker" mapstructure:"archiveLoggedInMarker"`
	ArchiveCommandTimeout int    `toml:"archiveCommandTimeout" mapstructure:"archiveCommandTimeout"`

	SyncMode          string `toml:"syncMode" mapstructure:"syncMode"`
	SyncCommand       string `toml:"syncCommand" mapstructure:"syncCommand"`
	SyncTimeout       int    `toml:"syncTimeout" mapstructure:"syncTimeout"`
	ScannerConfigPath string `toml:"scannerConfigPath" mapstructure:"scannerConfigPath"`
	ScannerUser       string `toml:"scannerUser" mapstructure:"scannerUser"`
	ScannerPassword   string `toml:"scannerPassword" mapstructure:"scannerPassword"`
	ScannerPort       int    `toml:"scannerPort" mapstructure:"scannerPort"`
	ScannerKnownHosts string `toml:"scannerKnownHosts" mapstructure:"scannerKnownHosts"`
	RawDownloadDir    string `toml:"rawDownloadDir" mapstructure:"rawDownloadDir"`

	MetricsEnabled bool `toml:"metricsEnabled" mapstructure:"metricsEnabled"`

	// HookBacklog is how many hook requests may wait while one is handled.
	// Requests beyond it are rejected with 429.
	HookBacklog int `toml:"hookBacklog" mapstructure:"hookBacklog"`

	ExternalProgramAllowList []string `toml:"externalProgramAllowList" mapstructure:"externalProgramAllowList"`
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ExportRoot) == "" {
		errs = append(errs, errors.New("exportRoot is required"))
	}
	if strings.TrimSpace(c.RoutingFile) == "" {
		errs = append(errs, errors.New("routingFile is required"))
	}
	if strings.TrimSpace(c.CredentialFile) == "" {
		errs = append(errs, errors.New("credentialFile is required"))
	}
	if strings.TrimSpace(c.ArchiveBinary) == "" {
		errs = append(errs, errors.New("archiveBinary is required"))
	}

	if c.HookBacklog < 0 {
		errs = append(errs, errors.New("hookBacklog must not be negative"))
	}

	switch c.SyncMode {
	case "", SyncModeOff:
	case SyncModeCommand:
		if strings.TrimSpace(c.SyncCommand) == "" {
			errs = append(errs, errors.New("syncCommand is required when syncMode is command"))
		}
	case SyncModeSSH:
		if strings.TrimSpace(c.ScannerConfigPath) == "" {
			errs = append(errs, errors.New("scannerConfigPath is required when syncMode is ssh"))
		}
		if strings.TrimSpace(c.RawDownloadDir) == "" {
			errs = append(errs, errors.New("rawDownloadDir is required when syncMode is ssh"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid syncMode %q (want %s, %s or %s)", c.SyncMode, SyncModeOff, SyncModeCommand, SyncModeSSH))
	}

	if c.StableAge < 0 {
		errs = append(errs, errors.New("stableAge must not be negative"))
	}
	if c.PollEnabled && c.PollInterval <= 0 {
		errs = append(errs, errors.New("pollInterval must be positive when polling is enabled"))
	}

	return errors.Join(errs...)
}

// Seconds converts an integer setting to a duration. Non-positive values
// mean no limit and yield zero.
func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
