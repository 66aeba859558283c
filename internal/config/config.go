// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperwheel/fwexport/internal/archive"
	"github.com/hyperwheel/fwexport/internal/domain"
	"github.com/hyperwheel/fwexport/internal/rawsync"
	"github.com/hyperwheel/fwexport/pkg/fsutil"
)

const (
	appName        = "fwexport"
	envPrefix      = "FWEXPORT__"
	configFileName = "config.toml"
	databaseName   = "fwexport.db"
)

// AppConfig is the loaded configuration plus the resources derived from it.
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string
	logFile    *lumberjack.Logger
}

// New loads configPath, which may be a file, a directory or empty for the
// default location. A commented template is written on first run.
// Environment variables named FWEXPORT__<SNAKE_CASE_KEY> override the file.
func New(configPath string) (*AppConfig, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	if !fsutil.Exists(path) {
		if err := writeDefaultConfig(path); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("Created default config file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", path)
	}
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "could not decode config")
	}

	c := &AppConfig{Config: cfg, viper: v, configPath: path}
	c.resolvePaths()

	if err := c.applyLogConfig(); err != nil {
		return nil, err
	}

	return c, nil
}

// ConfigPath returns the file the configuration was read from.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// ConfigDir returns the directory holding the config file.
func (c *AppConfig) ConfigDir() string {
	return filepath.Dir(c.configPath)
}

// GetDatabasePath returns the sqlite path. Unless configured it lives in the
// data directory, which defaults to the config directory.
func (c *AppConfig) GetDatabasePath() string {
	if c.Config.DatabasePath != "" {
		return c.Config.DatabasePath
	}
	return filepath.Join(c.Config.DataDir, databaseName)
}

// Close releases the log file.
func (c *AppConfig) Close() error {
	if c.logFile != nil {
		return c.logFile.Close()
	}
	return nil
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath == "" {
		configPath = getDefaultConfigDir()
	}

	configPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve config path %s", configPath)
	}

	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		return filepath.Join(configPath, configFileName), nil
	}
	if filepath.Ext(configPath) == "" {
		return filepath.Join(configPath, configFileName), nil
	}
	return configPath, nil
}

// getDefaultConfigDir returns the OS config directory for the app. Containers
// set XDG_CONFIG_HOME=/config and get that directory itself.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg == "/config" {
		return xdg
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, appName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 7480)
	v.SetDefault("baseUrl", "/")
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("dataDir", "")
	v.SetDefault("databasePath", "")

	v.SetDefault("exportRoot", "")
	v.SetDefault("routingFile", "")
	v.SetDefault("credentialFile", "")

	v.SetDefault("hostUrl", "http://localhost:8042")
	v.SetDefault("hostUsername", "")
	v.SetDefault("hostPassword", "")
	v.SetDefault("hostTimeout", 30)
	v.SetDefault("watchRoutes", true)
	v.SetDefault("pollEnabled", false)
	v.SetDefault("pollInterval", 10)
	v.SetDefault("stableAge", 0)

	v.SetDefault("archiveBinary", archive.DefaultBinary)
	v.SetDefault("archiveLoginArgs", archive.DefaultLoginArgs)
	v.SetDefault("archiveImportArgs", archive.DefaultImportArgs)
	v.SetDefault("archiveListArgs", archive.DefaultListArgs)
	v.SetDefault("archiveLogoutArgs", archive.DefaultLogoutArgs)
	v.SetDefault("archiveLoggedInMarker", archive.DefaultLoggedInMarker)
	v.SetDefault("archiveCommandTimeout", 3600)

	v.SetDefault("syncMode", domain.SyncModeOff)
	v.SetDefault("syncCommand", "")
	v.SetDefault("syncTimeout", 600)
	v.SetDefault("scannerConfigPath", "")
	v.SetDefault("scannerUser", rawsync.DefaultScannerUser)
	v.SetDefault("scannerPassword", "")
	v.SetDefault("scannerPort", rawsync.DefaultScannerPort)
	v.SetDefault("scannerKnownHosts", "")
	v.SetDefault("rawDownloadDir", "")

	v.SetDefault("metricsEnabled", true)
	v.SetDefault("hookBacklog", 256)
	v.SetDefault("externalProgramAllowList", []string{})
}

// bindEnv maps every known key to its FWEXPORT__ variable.
func bindEnv(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key, envKey(key)); err != nil {
			return errors.Wrapf(err, "could not bind env for %s", key)
		}
	}
	return nil
}

// envKey turns a camelCase config key into its environment variable name,
// e.g. databasePath -> FWEXPORT__DATABASE_PATH. Viper lowercases keys, so
// the camel humps are recovered from the known key list.
func envKey(key string) string {
	if camel, ok := camelKeys[strings.ToLower(key)]; ok {
		key = camel
	}
	var b strings.Builder
	b.WriteString(envPrefix)
	for i, r := range key {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

var camelKeys = func() map[string]string {
	keys := []string{
		"host", "port", "baseUrl", "logLevel", "logPath", "logMaxSize", "logMaxBackups",
		"dataDir", "databasePath", "exportRoot", "routingFile", "credentialFile",
		"watchRoutes",
		"hostUrl", "hostUsername", "hostPassword", "hostTimeout", "pollEnabled",
		"pollInterval", "stableAge", "archiveBinary", "archiveLoginArgs",
		"archiveImportArgs", "archiveListArgs", "archiveLogoutArgs",
		"archiveLoggedInMarker", "archiveCommandTimeout", "syncMode", "syncCommand",
		"syncTimeout", "scannerConfigPath", "scannerUser", "scannerPassword",
		"scannerPort", "scannerKnownHosts", "rawDownloadDir", "metricsEnabled", "hookBacklog",
		"externalProgramAllowList",
	}
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[strings.ToLower(k)] = k
	}
	return m
}()

// resolvePaths anchors relative paths at the config directory.
func (c *AppConfig) resolvePaths() {
	dir := c.ConfigDir()
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	cfg := c.Config
	if cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	cfg.DataDir = abs(cfg.DataDir)
	cfg.DatabasePath = abs(cfg.DatabasePath)
	cfg.LogPath = abs(cfg.LogPath)
	cfg.ExportRoot = abs(cfg.ExportRoot)
	cfg.RoutingFile = abs(cfg.RoutingFile)
	cfg.CredentialFile = abs(cfg.CredentialFile)
	cfg.ScannerConfigPath = abs(cfg.ScannerConfigPath)
	cfg.ScannerKnownHosts = abs(cfg.ScannerKnownHosts)
	cfg.RawDownloadDir = abs(cfg.RawDownloadDir)
}

// applyLogConfig configures the global zerolog logger. Output always goes to
// stderr; a rotating file is added when logPath is set.
func (c *AppConfig) applyLogConfig() error {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02T15:04:05Z07:00"})

	if c.logFile != nil {
		_ = c.logFile.Close()
		c.logFile = nil
	}
	if c.Config.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.Config.LogPath), 0o755); err != nil {
			return errors.Wrapf(err, "could not create log directory for %s", c.Config.LogPath)
		}
		c.logFile = &lumberjack.Logger{
			Filename:   c.Config.LogPath,
			MaxSize:    c.Config.LogMaxSize,
			MaxBackups: c.Config.LogMaxBackups,
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: c.logFile, NoColor: true, TimeFormat: "2006-01-02T15:04:05Z07:00"})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// UpdateLogSettings rewrites the log keys of the config file in place and
// applies them to the running logger.
func (c *AppConfig) UpdateLogSettings(level, path string, maxSize, maxBackups int) error {
	if _, err := zerolog.ParseLevel(strings.ToLower(level)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}

	content, err := os.ReadFile(c.configPath)
	if err != nil {
		return errors.Wrapf(err, "could not read config file %s", c.configPath)
	}

	updated := updateLogSettingsInTOML(string(content), strings.ToUpper(level), path, maxSize, maxBackups)
	if err := fsutil.WriteFileAtomic(c.configPath, bytes.NewReader([]byte(updated)), 0o600); err != nil {
		return errors.Wrapf(err, "could not write config file %s", c.configPath)
	}

	c.Config.LogLevel = strings.ToUpper(level)
	c.Config.LogPath = path
	c.Config.LogMaxSize = maxSize
	c.Config.LogMaxBackups = maxBackups
	c.resolvePaths()
	return c.applyLogConfig()
}

func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "could not create config directory %s", filepath.Dir(path))
	}
	if err := fsutil.WriteFileAtomic(path, strings.NewReader(configTemplate), 0o600); err != nil {
		return errors.Wrapf(err, "could not write default config %s", path)
	}
	return nil
}
