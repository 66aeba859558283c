// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/domain"
)

const (
	defaultRunsLimit = 100
	maxRunsLimit     = 1000
)

// RunLister is satisfied by *models.StudyRunStore.
type RunLister interface {
	List(ctx context.Context, studyUID string, limit int) ([]*domain.StudyRun, error)
}

// StudyLister is satisfied by *pipeline.Registry.
type StudyLister interface {
	List() []*domain.StudyContext
}

type StatusHandler struct {
	runs    RunLister
	studies StudyLister
}

func NewStatusHandler(runs RunLister, studies StudyLister) *StatusHandler {
	return &StatusHandler{runs: runs, studies: studies}
}

func (h *StatusHandler) Routes(r chi.Router) {
	r.Get("/runs", h.ListRuns)
	r.Get("/studies", h.ListStudies)
	r.Get("/studies/{studyUID}/runs", h.ListStudyRuns)
}

// ListRuns handles GET /api/runs?limit=N, newest first.
func (h *StatusHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.listRuns(w, r, "")
}

// ListStudyRuns handles GET /api/studies/{studyUID}/runs.
func (h *StatusHandler) ListStudyRuns(w http.ResponseWriter, r *http.Request) {
	studyUID, ok := ParseStringParam(w, r, "studyUID", "study UID")
	if !ok {
		return
	}
	h.listRuns(w, r, studyUID)
}

func (h *StatusHandler) listRuns(w http.ResponseWriter, r *http.Request, studyUID string) {
	limit := ParseLimit(r, defaultRunsLimit, maxRunsLimit)
	runs, err := h.runs.List(r.Context(), studyUID, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list study runs")
		RespondError(w, http.StatusInternalServerError, "Failed to list study runs")
		return
	}
	if runs == nil {
		runs = []*domain.StudyRun{}
	}
	RespondJSON(w, http.StatusOK, runs)
}

// ListStudies handles GET /api/studies: the contexts currently tracked.
func (h *StatusHandler) ListStudies(w http.ResponseWriter, _ *http.Request) {
	studies := h.studies.List()
	if studies == nil {
		studies = []*domain.StudyContext{}
	}
	RespondJSON(w, http.StatusOK, studies)
}
