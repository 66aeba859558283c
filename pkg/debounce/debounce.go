// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package debounce

import (
	"sync"
	"sync/atomic"
	"time"
)

// Debouncer runs the most recently submitted function once no submission
// has arrived for the configured delay. Every submission restarts the
// quiet period.
type Debouncer struct {
	submissions chan func()
	timer       <-chan time.Time
	latest      func()
	mu          sync.RWMutex
	delay       time.Duration
	stopped     atomic.Bool
	canceled    atomic.Bool
	done        chan struct{}
}

// New creates a new Debouncer with the specified delay.
func New(delay time.Duration) *Debouncer {
	d := &Debouncer{
		submissions: make(chan func(), 100), // buffered channel to prevent blocking
		delay:       delay,
		done:        make(chan struct{}),
	}

	go d.run()

	return d
}

// run is the main goroutine that processes submissions
func (d *Debouncer) run() {
	defer close(d.done)

	runFunc := func() {
		d.mu.Lock()

		select {
		case <-d.timer:
		default:
		}

		d.timer = nil

		fn := d.latest
		d.latest = nil
		d.mu.Unlock()
		if fn != nil && !d.canceled.Load() {
			fn()
		}
	}

	for {
		select {
		case <-d.timer:
			runFunc()
		case fn, ok := <-d.submissions:
			if !ok {
				// Channel closed, execute final function and exit
				runFunc()
				return
			}
			d.mu.Lock()
			d.latest = fn
			d.timer = time.After(d.delay)
			d.mu.Unlock()
		}
	}
}

// Do schedules fn to run after the delay, replacing any pending function
// and restarting the quiet period.
func (d *Debouncer) Do(fn func()) {
	if d.stopped.Load() {
		// Execute immediately if stopped
		fn()
		return
	}

	select {
	case d.submissions <- fn:
	default:
		if d.stopped.Load() {
			fn()
		}
		// Otherwise, drop the submission (buffer is full)
	}
}

func (d *Debouncer) Queued() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timer != nil
}

// Stop shuts down the debouncer goroutine, running any pending function
// immediately.
func (d *Debouncer) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	close(d.submissions)
	<-d.done
}

// Cancel shuts down the debouncer goroutine and discards any pending
// function.
func (d *Debouncer) Cancel() {
	d.canceled.Store(true)
	d.Stop()
}
