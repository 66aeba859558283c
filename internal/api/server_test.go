// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/api/handlers"
	"github.com/hyperwheel/fwexport/internal/domain"
	"github.com/hyperwheel/fwexport/internal/metrics"
	"github.com/hyperwheel/fwexport/internal/pipeline"
	"github.com/hyperwheel/fwexport/internal/staging"
)

type stubDispatcher struct{}

func (stubDispatcher) DispatchInstance(context.Context, pipeline.InstanceEvent) pipeline.Result {
	return pipeline.Result{Instance: &staging.Result{Status: staging.StatusSkipped}}
}

func (stubDispatcher) DispatchStudy(_ context.Context, ev pipeline.StudyEvent) pipeline.Result {
	return pipeline.Result{Study: &pipeline.Outcome{HostStudyID: ev.HostStudyID, State: domain.StudyStateRetained}}
}

type stubRuns struct{}

func (stubRuns) List(context.Context, string, int) ([]*domain.StudyRun, error) {
	return []*domain.StudyRun{{ID: 1, StudyUID: "1.2.3", State: domain.StudyStatePurged}}, nil
}

type stubStudies struct{}

func (stubStudies) List() []*domain.StudyContext { return nil }

func newTestServer(t *testing.T, baseURL string, registry *prometheus.Registry) *httptest.Server {
	t.Helper()
	s := NewServer(&Dependencies{
		BaseURL:    baseURL,
		Dispatcher: stubDispatcher{},
		Runs:       stubRuns{},
		Studies:    stubStudies{},
		Registry:   registry,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	m := metrics.NewManager(nil)
	m.ObserveListing()
	ts := newTestServer(t, "", m.GetRegistry())

	code, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body = get(t, ts.URL+"/api/runs")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"studyUid":"1.2.3"`)

	code, body = get(t, ts.URL+"/api/studies")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	code, body = get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "fwexport_listing_calls_total 1")

	resp, err := http.Post(ts.URL+"/api/hooks/study-stable", "application/json", strings.NewReader(`{"studyId":"abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body2, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body2), `"state":"retained"`)
}

func TestServerWithoutMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "", nil)
	code, _ := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServerBaseURL(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "/fwexport/", nil)

	code, body := get(t, ts.URL+"/fwexport/health/readiness")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	code, _ = get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Post(ts.URL+"/fwexport/api/hooks/instance-stored", "application/json", strings.NewReader(`{"instanceId":"i1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := NewServer(&Dependencies{
		Host:       "127.0.0.1",
		Port:       0,
		Dispatcher: stubDispatcher{},
		Runs:       stubRuns{},
		Studies:    stubStudies{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()

	assert.NoError(t, <-done)
}

type blockingDispatcher struct {
	stubDispatcher
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) DispatchStudy(ctx context.Context, ev pipeline.StudyEvent) pipeline.Result {
	b.entered <- struct{}{}
	<-b.release
	return b.stubDispatcher.DispatchStudy(ctx, ev)
}

func TestHooksRejectedBeyondBacklog(t *testing.T) {
	t.Parallel()

	d := &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewServer(&Dependencies{
		Dispatcher:  d,
		Runs:        stubRuns{},
		Studies:     stubStudies{},
		HookBacklog: 0,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/api/hooks/study-stable", "application/json", strings.NewReader(`{"studyId":"busy"}`))
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	<-d.entered

	resp, err := http.Post(ts.URL+"/api/hooks/instance-stored", "application/json", strings.NewReader(`{"instanceId":"i1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// status routes are not throttled
	code, _ := get(t, ts.URL+"/api/runs")
	assert.Equal(t, http.StatusOK, code)

	close(d.release)
	assert.Equal(t, http.StatusOK, <-first)

	resp, err = http.Post(ts.URL+"/api/hooks/instance-stored", "application/json", strings.NewReader(`{"instanceId":"i2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessChecksAreMounted(t *testing.T) {
	t.Parallel()

	s := NewServer(&Dependencies{
		Dispatcher: stubDispatcher{},
		Runs:       stubRuns{},
		Studies:    stubStudies{},
		Readiness: []handlers.ReadinessCheck{
			{Name: "dispatcher", Check: func(context.Context) error { return pipeline.ErrDispatcherStopped }},
		},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	code, body := get(t, ts.URL+"/health/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"status":"not ready","checks":{"dispatcher":"dispatcher stopped"}}`, body)
}
