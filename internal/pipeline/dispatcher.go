// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/staging"
	"github.com/hyperwheel/fwexport/pkg/debounce"
)

// ErrDispatcherStopped is returned for events submitted after shutdown.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// ErrDispatcherNotRunning is reported by Ready before Run has started.
var ErrDispatcherNotRunning = errors.New("dispatcher not running")

// Handler processes host events. *Pipeline implements it.
type Handler interface {
	OnInstanceStored(ctx context.Context, ev InstanceEvent) (staging.Result, error)
	OnStudyStable(ctx context.Context, ev StudyEvent) (Outcome, error)
}

// Result carries the outcome of one dispatched event. Exactly one of
// Instance or Study is set, matching the event kind.
type Result struct {
	Instance *staging.Result
	Study    *Outcome
	Err      error
}

type job struct {
	instance *InstanceEvent
	study    *StudyEvent
	done     chan Result
}

// Dispatcher feeds events to a Handler one at a time, whatever their
// source. When a stable age is configured it also raises a study-stable
// event for any study that has received no instance for that long.
type Dispatcher struct {
	handler Handler
	queue   chan job
	stopped chan struct{}

	stableAge time.Duration
	quiet     *debounce.Group
	running   atomic.Bool
}

// NewDispatcher returns a dispatcher. A stableAge of zero disables local
// quiescence detection.
func NewDispatcher(handler Handler, stableAge time.Duration) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		queue:     make(chan job, 64),
		stopped:   make(chan struct{}),
		stableAge: stableAge,
	}
	if stableAge > 0 {
		d.quiet = debounce.NewGroup(stableAge)
	}
	return d
}

// Run processes events until ctx is canceled. Handlers receive ctx, so
// cancellation also aborts in-flight external commands.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	defer close(d.stopped)
	defer d.running.Store(false)
	if d.quiet != nil {
		defer d.quiet.Stop()
	}

	log.Info().Dur("stableAge", d.stableAge).Msg("pipeline: dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("pipeline: dispatcher stopping")
			return nil
		case j := <-d.queue:
			j.done <- d.process(ctx, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) Result {
	switch {
	case j.instance != nil:
		res, err := d.handler.OnInstanceStored(ctx, *j.instance)
		if err == nil && d.quiet != nil {
			if key := studyKey(j.instance.Tags, j.instance.HostStudyID); key != "" {
				d.armQuiet(ctx, key)
			}
		}
		return Result{Instance: &res, Err: err}
	case j.study != nil:
		if d.quiet != nil {
			if key := j.study.StudyUID; key != "" {
				d.quiet.Forget(key)
			} else if key := studyKey(j.study.Tags, j.study.HostStudyID); key != "" {
				d.quiet.Forget(key)
			}
		}
		out, err := d.handler.OnStudyStable(ctx, *j.study)
		return Result{Study: &out, Err: err}
	default:
		return Result{Err: errors.New("empty event")}
	}
}

// armQuiet (re)starts the quiet period for a study.
func (d *Dispatcher) armQuiet(ctx context.Context, studyUID string) {
	d.quiet.Do(studyUID, func() {
		log.Debug().Str("study", studyUID).Msg("pipeline: study quiet, raising stable event")
		// The debouncer goroutine must not block on the queue.
		go func() {
			res := d.DispatchStudy(ctx, StudyEvent{StudyUID: studyUID})
			if res.Err != nil && !errors.Is(res.Err, ErrDispatcherStopped) && !errors.Is(res.Err, context.Canceled) {
				log.Error().Err(res.Err).Str("study", studyUID).Msg("pipeline: local stable event failed")
			}
		}()
	})
}

// Ready reports an error unless Run is processing events.
func (d *Dispatcher) Ready(context.Context) error {
	select {
	case <-d.stopped:
		return ErrDispatcherStopped
	default:
	}
	if !d.running.Load() {
		return ErrDispatcherNotRunning
	}
	return nil
}

// DispatchInstance queues an instance event and waits for it to be handled.
func (d *Dispatcher) DispatchInstance(ctx context.Context, ev InstanceEvent) Result {
	return d.dispatch(ctx, job{instance: &ev, done: make(chan Result, 1)})
}

// DispatchStudy queues a study-stable event and waits for the whole
// quiescence run to finish.
func (d *Dispatcher) DispatchStudy(ctx context.Context, ev StudyEvent) Result {
	return d.dispatch(ctx, job{study: &ev, done: make(chan Result, 1)})
}

func (d *Dispatcher) dispatch(ctx context.Context, j job) Result {
	select {
	case <-d.stopped:
		return Result{Err: ErrDispatcherStopped}
	default:
	}

	select {
	case d.queue <- j:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-d.stopped:
		return Result{Err: ErrDispatcherStopped}
	}

	select {
	case res := <-j.done:
		return res
	case <-ctx.Done():
		// The event still runs to completion; only the caller stops waiting.
		return Result{Err: ctx.Err()}
	case <-d.stopped:
		select {
		case res := <-j.done:
			return res
		default:
			return Result{Err: ErrDispatcherStopped}
		}
	}
}

// Pending reports whether a local quiet period is armed for studyUID.
func (d *Dispatcher) Pending(studyUID string) bool {
	return d.quiet != nil && d.quiet.Pending(studyUID)
}
