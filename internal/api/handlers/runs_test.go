// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/domain"
)

type fakeRuns struct {
	runs     []*domain.StudyRun
	err      error
	gotLimit int
	gotStudy string
}

func (f *fakeRuns) List(_ context.Context, studyUID string, limit int) ([]*domain.StudyRun, error) {
	f.gotStudy = studyUID
	f.gotLimit = limit
	return f.runs, f.err
}

type fakeStudies []*domain.StudyContext

func (f fakeStudies) List() []*domain.StudyContext { return f }

func statusRouter(runs *fakeRuns, studies fakeStudies) chi.Router {
	r := chi.NewRouter()
	NewStatusHandler(runs, studies).Routes(r)
	return r
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{runs: []*domain.StudyRun{{ID: 2, StudyUID: "1.2.3", State: domain.StudyStatePurged}}}
	r := statusRouter(runs, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.StudyRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, 5, runs.gotLimit)
	assert.Empty(t, runs.gotStudy)
}

func TestListRunsEmptyIsArray(t *testing.T) {
	t.Parallel()

	r := statusRouter(&fakeRuns{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListRunsFailure(t *testing.T) {
	t.Parallel()

	r := statusRouter(&fakeRuns{err: errors.New("db closed")}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListStudyRuns(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	r := statusRouter(runs, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/studies/1.2.3/runs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", runs.gotStudy)
	assert.Equal(t, defaultRunsLimit, runs.gotLimit)
}

func TestListStudies(t *testing.T) {
	t.Parallel()

	studies := fakeStudies{{StudyUID: "1.2.3", RoutingKey: "studyA", State: domain.StudyStateHalted}}
	r := statusRouter(&fakeRuns{}, studies)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/studies", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.StudyContext
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, domain.StudyStateHalted, got[0].State)
}
