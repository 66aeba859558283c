// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package watcher follows the host change feed, turning new-instance and
// stable-study entries into pipeline events, and reports routing file edits.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/host"
	"github.com/hyperwheel/fwexport/internal/pipeline"
	"github.com/hyperwheel/fwexport/internal/tags"
)

// CursorName is the key under which the feed position is stored.
const CursorName = "host-changes"

// Feed is the part of the host API the poller reads.
type Feed interface {
	Changes(ctx context.Context, since int64, limit int) (*host.ChangePage, error)
	LastChange(ctx context.Context) (int64, error)
	InstanceTags(ctx context.Context, instanceID string) (tags.TagSet, error)
	InstanceStudy(ctx context.Context, instanceID string) (*host.Study, error)
	Study(ctx context.Context, studyID string) (*host.Study, error)
}

// Sink receives events. *pipeline.Dispatcher implements it.
type Sink interface {
	DispatchInstance(ctx context.Context, ev pipeline.InstanceEvent) pipeline.Result
	DispatchStudy(ctx context.Context, ev pipeline.StudyEvent) pipeline.Result
}

// CursorStore persists the feed position.
type CursorStore interface {
	Get(ctx context.Context, name string) (int64, bool, error)
	Set(ctx context.Context, name string, position int64) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		BatchSize: 100,
	}
}

// Poller reads the change feed on an interval. Events are dispatched one at
// a time and the cursor advances past each entry once it is handled, so a
// restart resumes where the previous process stopped.
type Poller struct {
	cfg     Config
	feed    Feed
	sink    Sink
	cursors CursorStore

	position int64
}

func NewPoller(cfg Config, feed Feed, sink Sink, cursors CursorStore) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Poller{cfg: cfg, feed: feed, sink: sink, cursors: cursors}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.init(ctx); err != nil {
		return err
	}

	log.Info().
		Int64("since", p.position).
		Dur("interval", p.cfg.Interval).
		Msg("watcher: following host change feed")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("watcher: poll failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("watcher: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// init loads the stored cursor. Without one the poller starts at the end of
// the feed instead of replaying the host's history.
func (p *Poller) init(ctx context.Context) error {
	pos, ok, err := p.cursors.Get(ctx, CursorName)
	if err != nil {
		return err
	}
	if ok {
		p.position = pos
		return nil
	}

	last, err := p.feed.LastChange(ctx)
	if err != nil {
		return err
	}
	p.position = last
	return p.cursors.Set(ctx, CursorName, last)
}

// Poll drains every page currently available.
func (p *Poller) Poll(ctx context.Context) error {
	for {
		page, err := p.feed.Changes(ctx, p.position, p.cfg.BatchSize)
		if err != nil {
			return err
		}

		for _, change := range page.Changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.handle(ctx, change)
			p.position = change.Seq
			if err := p.cursors.Set(ctx, CursorName, p.position); err != nil {
				return err
			}
		}

		if page.Last > p.position {
			p.position = page.Last
			if err := p.cursors.Set(ctx, CursorName, p.position); err != nil {
				return err
			}
		}
		if page.Done || len(page.Changes) == 0 {
			return nil
		}
	}
}

func (p *Poller) handle(ctx context.Context, change host.Change) {
	logger := log.With().Int64("seq", change.Seq).Str("type", change.ChangeType).Str("id", change.ID).Logger()

	switch change.ChangeType {
	case host.ChangeNewInstance:
		ts, err := p.feed.InstanceTags(ctx, change.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("watcher: failed to read instance tags, skipping")
			return
		}
		ev := pipeline.InstanceEvent{InstanceID: change.ID, Tags: ts}
		if study, err := p.feed.InstanceStudy(ctx, change.ID); err == nil {
			ev.HostStudyID = study.ID
		} else {
			logger.Debug().Err(err).Msg("watcher: parent study unknown")
		}
		if res := p.sink.DispatchInstance(ctx, ev); res.Err != nil {
			logger.Warn().Err(res.Err).Msg("watcher: instance event failed")
		}

	case host.ChangeStableStudy:
		ev := pipeline.StudyEvent{HostStudyID: change.ID}
		if study, err := p.feed.Study(ctx, change.ID); err == nil {
			ev.Tags = studyTags(study)
		} else {
			logger.Debug().Err(err).Msg("watcher: failed to read study, dispatching without tags")
		}
		res := p.sink.DispatchStudy(ctx, ev)
		if res.Err != nil {
			logger.Warn().Err(res.Err).Msg("watcher: stable study event failed")
		}

	default:
		logger.Trace().Msg("watcher: change ignored")
	}
}

func studyTags(study *host.Study) tags.TagSet {
	ts := make(tags.TagSet, len(study.MainDicomTags))
	for k, v := range study.MainDicomTags {
		ts[k] = v
	}
	return ts
}

// Position returns the last handled sequence number.
func (p *Poller) Position() int64 {
	return p.position
}
