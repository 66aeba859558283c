// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package externalprograms runs the external command-line tools the export
// pipeline delegates to and captures their textual output.
package externalprograms

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/Hellseher/go-shellquote"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/domain"
)

// ErrPathNotAllowed is returned when the program is outside the allow list.
var ErrPathNotAllowed = errors.New("program path is not allowed")

// Program describes one external command. ArgsTemplate is split like a shell
// command line and may reference {placeholders} filled from the vars passed
// to Execute.
type Program struct {
	Name         string
	Path         string
	ArgsTemplate string
	// Sensitive lists vars whose values are masked in logs and output.
	Sensitive []string
}

// ExecutionResult contains the outcome of an external program execution.
type ExecutionResult struct {
	// Started indicates whether the command was successfully started.
	Started bool

	// Completed indicates whether the command ran to exit.
	Completed bool

	// ExitCode is the process exit code.
	// -1 indicates the exit code is unknown or the process didn't complete.
	ExitCode int

	// Output is stdout and stderr interleaved as the program wrote them,
	// with sensitive values masked.
	Output string

	// Error contains any error that occurred during execution.
	// This could be a start error, context cancellation, or wait error.
	Error error

	// Duration is how long the command ran (only meaningful if Started is true).
	Duration time.Duration
}

// Succeeded reports a clean zero exit.
func (r ExecutionResult) Succeeded() bool {
	return r.Completed && r.Error == nil && r.ExitCode == 0
}

// ExecuteOptions configures how an external program is executed.
type ExecuteOptions struct {
	// AllowList is a list of allowed program paths/directories.
	// If empty, all paths are allowed. If non-empty, the program path
	// must be in or under one of the allowed paths.
	AllowList []string

	// Timeout bounds the run. Zero means the context alone decides.
	Timeout time.Duration
}

// Runner executes programs. It exists so callers can be tested without
// spawning processes.
type Runner interface {
	Run(ctx context.Context, program *Program, vars map[string]string) ExecutionResult
}

// Executor is the process-spawning Runner.
type Executor struct {
	opts ExecuteOptions
}

// NewExecutor returns a Runner applying opts to every run.
func NewExecutor(opts ExecuteOptions) *Executor {
	return &Executor{opts: opts}
}

// Run implements Runner.
func (e *Executor) Run(ctx context.Context, program *Program, vars map[string]string) ExecutionResult {
	return Execute(ctx, program, vars, e.opts)
}

// Execute runs program to completion, blocking until it exits, the timeout
// elapses or ctx is cancelled. A cancelled or timed-out process is killed.
func Execute(ctx context.Context, program *Program, vars map[string]string, opts ExecuteOptions) ExecutionResult {
	if program == nil || strings.TrimSpace(program.Path) == "" {
		log.Warn().Any("program", program).Msg("Skipping external program execution - invalid params")
		return ExecutionResult{
			ExitCode: -1,
			Error:    errors.New("invalid parameters: program path must be set"),
		}
	}

	path := resolvePath(program.Path)

	// Check path allowlist
	if len(opts.AllowList) > 0 && !IsPathAllowed(path, opts.AllowList) {
		log.Warn().
			Str("path", path).
			Strs("allowList", opts.AllowList).
			Msg("External program path blocked by allow list")
		return ExecutionResult{
			ExitCode: -1,
			Error:    ErrPathNotAllowed,
		}
	}

	args := buildArguments(program.ArgsTemplate, vars)
	secrets := sensitiveValues(program, vars)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec

	log.Debug().
		Str("programName", program.Name).
		Str("path", path).
		Str("command", domain.RedactSecrets(shellquote.Join(cmd.Args...), secrets...)).
		Dur("timeout", opts.Timeout).
		Msg("Executing external program")

	return executeSync(ctx, cmd, program, secrets)
}

// executeSync runs the command synchronously and waits for completion.
func executeSync(ctx context.Context, cmd *exec.Cmd, program *Program, secrets []string) ExecutionResult {
	startTime := time.Now()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	// Start the process
	if err := cmd.Start(); err != nil {
		log.Error().
			Err(err).
			Str("programName", program.Name).
			Str("path", cmd.Path).
			Msg("Failed to start external program")
		return ExecutionResult{
			Started:  false,
			ExitCode: -1,
			Error:    err,
			Duration: time.Since(startTime),
		}
	}

	// Wait for completion
	waitErr := cmd.Wait()
	duration := time.Since(startTime)

	result := ExecutionResult{
		Started:   true,
		Completed: true,
		Duration:  duration,
		ExitCode:  -1,
		Output:    domain.RedactSecrets(output.String(), secrets...),
	}

	// Extract exit code
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		// Check if it was a context cancellation
		if ctx.Err() != nil {
			result.Error = ctx.Err()
			result.Completed = false
			log.Warn().
				Err(ctx.Err()).
				Str("programName", program.Name).
				Dur("duration", duration).
				Msg("External program execution cancelled or timed out")
		} else {
			result.Error = waitErr
			log.Debug().
				Err(waitErr).
				Int("exitCode", result.ExitCode).
				Str("programName", program.Name).
				Dur("duration", duration).
				Msg("External program exited with non-zero status")
		}
	} else {
		log.Debug().
			Str("programName", program.Name).
			Dur("duration", duration).
			Msg("External program completed successfully")
	}

	return result
}

func sensitiveValues(program *Program, vars map[string]string) []string {
	if len(program.Sensitive) == 0 {
		return nil
	}
	out := make([]string, 0, len(program.Sensitive))
	for _, name := range program.Sensitive {
		if v := vars[name]; v != "" {
			out = append(out, v)
		}
	}
	return out
}
