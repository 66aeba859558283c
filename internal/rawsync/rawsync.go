// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rawsync pulls raw scanner data for a study before upload. Every
// implementation is best-effort: the caller logs a failure and carries on.
package rawsync

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/externalprograms"
	"github.com/hyperwheel/fwexport/internal/rawdata"
)

// Request describes the study being synchronized.
type Request struct {
	StudyUID    string
	RoutingKey  string
	StagingRoot string
	ExportRoot  string
	// Acquisitions maps staged acquisition directories to their
	// AcquisitionDateTime values.
	Acquisitions map[string]string
	// ContentTimes maps staged files to their ContentTime values.
	ContentTimes map[string]string
}

// AcquisitionTimes parses the recorded acquisition timestamps, dropping
// unparsable entries.
func (r Request) AcquisitionTimes() map[string]time.Time {
	out := make(map[string]time.Time, len(r.Acquisitions))
	dirs := make([]string, 0, len(r.Acquisitions))
	for dir := range r.Acquisitions {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if t, ok := rawdata.ParseAcquisitionDateTime(r.Acquisitions[dir]); ok {
			out[dir] = t
		} else {
			log.Debug().Str("dir", dir).Str("value", r.Acquisitions[dir]).Msg("rawsync: unparsable acquisition time")
		}
	}
	return out
}

// Syncer runs the raw-data synchronization step.
type Syncer interface {
	Sync(ctx context.Context, req Request) error
}

// Noop is a Syncer that does nothing.
type Noop struct{}

// Sync implements Syncer.
func (Noop) Sync(context.Context, Request) error { return nil }

// Command runs an external helper. The template may use {study}, {routing_key},
// {staging_root} and {export_root}.
type Command struct {
	program *externalprograms.Program
	runner  externalprograms.Runner
}

// NewCommand returns a Syncer running path with argsTemplate.
func NewCommand(path, argsTemplate string, runner externalprograms.Runner) *Command {
	return &Command{
		program: &externalprograms.Program{Name: "rawsync", Path: path, ArgsTemplate: argsTemplate},
		runner:  runner,
	}
}

// Sync implements Syncer.
func (c *Command) Sync(ctx context.Context, req Request) error {
	res := c.runner.Run(ctx, c.program, map[string]string{
		"study":        req.StudyUID,
		"routing_key":  req.RoutingKey,
		"staging_root": req.StagingRoot,
		"export_root":  req.ExportRoot,
	})

	log.Info().
		Str("study", req.StudyUID).
		Int("exitCode", res.ExitCode).
		Dur("duration", res.Duration).
		Str("output", res.Output).
		Msg("rawsync: helper finished")

	return res.Error
}
