// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/database"
	"github.com/hyperwheel/fwexport/internal/pipeline"
	"github.com/hyperwheel/fwexport/internal/staging"
)

type idleHandler struct{}

func (idleHandler) OnInstanceStored(context.Context, pipeline.InstanceEvent) (staging.Result, error) {
	return staging.Result{Status: staging.StatusSkipped}, nil
}

func (idleHandler) OnStudyStable(context.Context, pipeline.StudyEvent) (pipeline.Outcome, error) {
	return pipeline.Outcome{}, nil
}

func readiness(t *testing.T, r http.Handler) (int, readinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))

	var resp readinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func healthRouter(checks ...ReadinessCheck) http.Handler {
	r := chi.NewRouter()
	r.Route("/health", NewHealthHandler(checks...).Routes)
	return r
}

func TestHealthAndLiveness(t *testing.T) {
	t.Parallel()

	r := healthRouter()
	for path, want := range map[string]string{"/health": "ok", "/health/liveness": "alive"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, `{"status":"`+want+`"}`, rec.Body.String(), path)
	}
}

func TestReadinessFollowsDispatcher(t *testing.T) {
	t.Parallel()

	d := pipeline.NewDispatcher(idleHandler{}, 0)
	r := healthRouter(ReadinessCheck{Name: "dispatcher", Check: d.Ready})

	code, resp := readiness(t, r)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, pipeline.ErrDispatcherNotRunning.Error(), resp.Checks["dispatcher"])

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return d.Ready(ctx) == nil
	}, 2*time.Second, 10*time.Millisecond)

	code, resp = readiness(t, r)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"dispatcher": "ok"}, resp.Checks)

	cancel()
	<-done

	code, resp = readiness(t, r)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, pipeline.ErrDispatcherStopped.Error(), resp.Checks["dispatcher"])
}

func TestReadinessReportsClosedDatabase(t *testing.T) {
	t.Parallel()

	db, err := database.New(filepath.Join(t.TempDir(), "fwexport.db"))
	require.NoError(t, err)

	r := healthRouter(ReadinessCheck{
		Name:  "database",
		Check: func(ctx context.Context) error { return db.Conn().PingContext(ctx) },
	})

	code, resp := readiness(t, r)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp.Checks["database"])

	require.NoError(t, db.Close())

	code, resp = readiness(t, r)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEqual(t, "ok", resp.Checks["database"])
}

func TestReadinessWithoutChecks(t *testing.T) {
	t.Parallel()

	code, resp := readiness(t, healthRouter())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", resp.Status)
	assert.Empty(t, resp.Checks)
}
