// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/domain"
	"github.com/hyperwheel/fwexport/internal/staging"
	"github.com/hyperwheel/fwexport/internal/tags"
)

type recordingHandler struct {
	mu       sync.Mutex
	active   atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	stable   []StudyEvent
	stableCh chan StudyEvent
	instErr  error
}

func (h *recordingHandler) enter() func() {
	if h.active.Add(1) > 1 {
		h.overlap.Store(true)
	}
	return func() { h.active.Add(-1) }
}

func (h *recordingHandler) OnInstanceStored(context.Context, InstanceEvent) (staging.Result, error) {
	defer h.enter()()
	time.Sleep(h.delay)
	return staging.Result{Status: staging.StatusWritten}, h.instErr
}

func (h *recordingHandler) OnStudyStable(_ context.Context, ev StudyEvent) (Outcome, error) {
	defer h.enter()()
	time.Sleep(h.delay)
	h.mu.Lock()
	h.stable = append(h.stable, ev)
	h.mu.Unlock()
	if h.stableCh != nil {
		h.stableCh <- ev
	}
	return Outcome{StudyUID: ev.StudyUID, State: domain.StudyStatePurged}, nil
}

func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestDispatcherSerializesEvents(t *testing.T) {
	h := &recordingHandler{delay: 5 * time.Millisecond}
	d := NewDispatcher(h, 0)
	startDispatcher(t, d)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res Result
			if i%2 == 0 {
				res = d.DispatchInstance(context.Background(), InstanceEvent{InstanceID: "i"})
				assert.NotNil(t, res.Instance)
			} else {
				res = d.DispatchStudy(context.Background(), StudyEvent{HostStudyID: "s"})
				assert.NotNil(t, res.Study)
			}
			assert.NoError(t, res.Err)
		}(i)
	}
	wg.Wait()

	assert.False(t, h.overlap.Load(), "handlers must never run concurrently")
	assert.Len(t, h.stable, 10)
}

func TestDispatcherReturnsHandlerError(t *testing.T) {
	h := &recordingHandler{instErr: staging.ErrMissingRequiredTag}
	d := NewDispatcher(h, 0)
	startDispatcher(t, d)

	res := d.DispatchInstance(context.Background(), InstanceEvent{InstanceID: "i"})
	assert.ErrorIs(t, res.Err, staging.ErrMissingRequiredTag)
}

func TestDispatcherStopped(t *testing.T) {
	d := NewDispatcher(&recordingHandler{}, 0)
	cancel := startDispatcher(t, d)
	cancel()

	require.Eventually(t, func() bool {
		res := d.DispatchStudy(context.Background(), StudyEvent{HostStudyID: "s"})
		return errors.Is(res.Err, ErrDispatcherStopped)
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherLocalQuiescence(t *testing.T) {
	h := &recordingHandler{stableCh: make(chan StudyEvent, 1)}
	d := NewDispatcher(h, 50*time.Millisecond)
	startDispatcher(t, d)

	ts := tags.TagSet{tags.StudyInstanceUID: "1.2.3"}
	for range 3 {
		res := d.DispatchInstance(context.Background(), InstanceEvent{InstanceID: "i", Tags: ts})
		require.NoError(t, res.Err)
		assert.True(t, d.Pending("1.2.3"))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case ev := <-h.stableCh:
		assert.Equal(t, "1.2.3", ev.StudyUID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a local stable event")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.stable, 1)
}

func TestDispatcherHostStableCancelsLocalQuiescence(t *testing.T) {
	h := &recordingHandler{stableCh: make(chan StudyEvent, 4)}
	d := NewDispatcher(h, 100*time.Millisecond)
	startDispatcher(t, d)

	ts := tags.TagSet{tags.StudyInstanceUID: "1.2.3"}
	require.NoError(t, d.DispatchInstance(context.Background(), InstanceEvent{InstanceID: "i", Tags: ts}).Err)
	require.True(t, d.Pending("1.2.3"))

	res := d.DispatchStudy(context.Background(), StudyEvent{HostStudyID: "h", Tags: ts})
	require.NoError(t, res.Err)
	assert.False(t, d.Pending("1.2.3"))

	<-h.stableCh
	select {
	case ev := <-h.stableCh:
		t.Fatalf("unexpected second stable event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNoLocalQuiescenceWhenDisabled(t *testing.T) {
	d := NewDispatcher(&recordingHandler{}, 0)
	startDispatcher(t, d)

	ts := tags.TagSet{tags.StudyInstanceUID: "1.2.3"}
	require.NoError(t, d.DispatchInstance(context.Background(), InstanceEvent{InstanceID: "i", Tags: ts}).Err)
	assert.False(t, d.Pending("1.2.3"))
}
