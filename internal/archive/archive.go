// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package archive drives the remote archive's command-line client. Only the
// login marker is interpreted; everything else is passed through as text.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/externalprograms"
	"github.com/hyperwheel/fwexport/internal/routing"
)

// Defaults matching the Flywheel CLI.
const (
	DefaultBinary         = "fw"
	DefaultLoginArgs      = "login {credential}"
	DefaultImportArgs     = "import folder --yes --group {group} --project {project} {source}"
	DefaultListArgs       = "ls {location}"
	DefaultLogoutArgs     = "logout"
	DefaultLoggedInMarker = "You are now logged in"
)

// ErrAuthentication is returned when login output lacks the success marker.
var ErrAuthentication = errors.New("archive authentication failed")

// Client is the capability the export pipeline needs from the archive.
type Client interface {
	Login(ctx context.Context, credential string) error
	// Import uploads source to destination. Its outcome is informational;
	// verification decides whether the upload landed.
	Import(ctx context.Context, destination, source string) error
	// List returns the raw listing text for a remote location.
	List(ctx context.Context, location string) (string, error)
	Logout(ctx context.Context) error
}

// Config holds the command templates for the CLI client.
type Config struct {
	Binary         string
	LoginArgs      string
	ImportArgs     string
	ListArgs       string
	LogoutArgs     string
	LoggedInMarker string
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.LoginArgs == "" {
		c.LoginArgs = DefaultLoginArgs
	}
	if c.ImportArgs == "" {
		c.ImportArgs = DefaultImportArgs
	}
	if c.ListArgs == "" {
		c.ListArgs = DefaultListArgs
	}
	if c.LogoutArgs == "" {
		c.LogoutArgs = DefaultLogoutArgs
	}
	if c.LoggedInMarker == "" {
		c.LoggedInMarker = DefaultLoggedInMarker
	}
	return c
}

// Observer receives the duration of every client command.
type Observer func(command string, d time.Duration)

// CLI is a Client backed by an external program.
type CLI struct {
	cfg     Config
	runner  externalprograms.Runner
	observe Observer

	login, imp, list, logout *externalprograms.Program
}

// NewCLI builds a CLI client. A nil observer is allowed.
func NewCLI(cfg Config, runner externalprograms.Runner, observe Observer) *CLI {
	cfg = cfg.withDefaults()
	program := func(name, args string, sensitive ...string) *externalprograms.Program {
		return &externalprograms.Program{Name: name, Path: cfg.Binary, ArgsTemplate: args, Sensitive: sensitive}
	}
	return &CLI{
		cfg:     cfg,
		runner:  runner,
		observe: observe,
		login:   program("login", cfg.LoginArgs, "credential"),
		imp:     program("import", cfg.ImportArgs),
		list:    program("ls", cfg.ListArgs),
		logout:  program("logout", cfg.LogoutArgs),
	}
}

func (c *CLI) run(ctx context.Context, program *externalprograms.Program, vars map[string]string) externalprograms.ExecutionResult {
	res := c.runner.Run(ctx, program, vars)
	if c.observe != nil && res.Started {
		c.observe(program.Name, res.Duration)
	}
	return res
}

// Login authenticates with credential. The output must contain the
// configured success marker.
func (c *CLI) Login(ctx context.Context, credential string) error {
	res := c.run(ctx, c.login, map[string]string{"credential": credential})

	if !strings.Contains(res.Output, c.cfg.LoggedInMarker) {
		log.Error().
			Err(res.Error).
			Int("exitCode", res.ExitCode).
			Str("output", strings.TrimSpace(res.Output)).
			Msg("archive: login failed")
		if res.Error != nil {
			return fmt.Errorf("%w: %w", ErrAuthentication, res.Error)
		}
		return ErrAuthentication
	}

	log.Info().Msg("archive: logged in")
	return nil
}

// Import uploads source into destination ("group/project").
func (c *CLI) Import(ctx context.Context, destination, source string) error {
	group, project := routing.SplitDestination(destination)
	res := c.run(ctx, c.imp, map[string]string{
		"destination": destination,
		"group":       group,
		"project":     project,
		"source":      source,
	})

	log.Info().
		Str("destination", destination).
		Str("source", source).
		Int("exitCode", res.ExitCode).
		Dur("duration", res.Duration).
		Str("output", strings.TrimSpace(res.Output)).
		Msg("archive: import finished")

	if res.Error != nil {
		return fmt.Errorf("import %s: %w", source, res.Error)
	}
	return nil
}

// List returns the listing output for location. A failed command is an
// error; callers decide what an unreadable location means.
func (c *CLI) List(ctx context.Context, location string) (string, error) {
	res := c.run(ctx, c.list, map[string]string{"location": location})
	if res.Error != nil {
		log.Debug().
			Err(res.Error).
			Str("location", location).
			Str("output", strings.TrimSpace(res.Output)).
			Msg("archive: listing failed")
		return res.Output, fmt.Errorf("list %s: %w", location, res.Error)
	}
	return res.Output, nil
}

// Logout ends the session. Failures are logged only.
func (c *CLI) Logout(ctx context.Context) error {
	res := c.run(ctx, c.logout, nil)
	if res.Error != nil {
		log.Debug().Err(res.Error).Msg("archive: logout failed")
	}
	return nil
}
