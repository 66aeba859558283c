// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/pipeline"
	"github.com/hyperwheel/fwexport/internal/staging"
)

// EventDispatcher is satisfied by *pipeline.Dispatcher.
type EventDispatcher interface {
	DispatchInstance(ctx context.Context, ev pipeline.InstanceEvent) pipeline.Result
	DispatchStudy(ctx context.Context, ev pipeline.StudyEvent) pipeline.Result
}

// HooksHandler receives the host plugin's event callbacks.
type HooksHandler struct {
	dispatcher EventDispatcher
}

func NewHooksHandler(dispatcher EventDispatcher) *HooksHandler {
	return &HooksHandler{dispatcher: dispatcher}
}

func (h *HooksHandler) Routes(r chi.Router) {
	r.Post("/instance-stored", h.InstanceStored)
	r.Post("/study-stable", h.StudyStable)
}

type instanceStoredResponse struct {
	Status staging.Status `json:"status"`
	Path   string         `json:"path,omitempty"`
}

// InstanceStored handles POST /api/hooks/instance-stored.
func (h *HooksHandler) InstanceStored(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.InstanceEvent
	if !DecodeJSON(w, r, &ev) {
		return
	}
	ev.InstanceID = strings.TrimSpace(ev.InstanceID)
	if ev.InstanceID == "" {
		RespondError(w, http.StatusBadRequest, "instanceId is required")
		return
	}

	res := h.dispatcher.DispatchInstance(r.Context(), ev)
	if res.Err != nil {
		status := statusForError(res.Err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(res.Err).Str("instanceID", ev.InstanceID).Msg("hooks: instance export failed")
		}
		RespondError(w, status, res.Err.Error())
		return
	}

	resp := instanceStoredResponse{}
	if res.Instance != nil {
		resp.Status = res.Instance.Status
		resp.Path = res.Instance.Path
	}
	RespondJSON(w, http.StatusOK, resp)
}

// StudyStable handles POST /api/hooks/study-stable. The request waits for
// the whole run unless wait=false is given, in which case the event is
// queued and 202 is returned at once.
func (h *HooksHandler) StudyStable(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.StudyEvent
	if !DecodeJSON(w, r, &ev) {
		return
	}
	ev.HostStudyID = strings.TrimSpace(ev.HostStudyID)
	if ev.HostStudyID == "" && ev.StudyUID == "" {
		RespondError(w, http.StatusBadRequest, "studyId is required")
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		ctx := context.WithoutCancel(r.Context())
		go func() {
			res := h.dispatcher.DispatchStudy(ctx, ev)
			if res.Err != nil && !errors.Is(res.Err, pipeline.ErrDispatcherStopped) {
				log.Error().Err(res.Err).Str("hostStudyID", ev.HostStudyID).Msg("hooks: queued stable event failed")
			}
		}()
		RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	res := h.dispatcher.DispatchStudy(r.Context(), ev)
	if res.Err != nil {
		status := statusForError(res.Err)
		log.Error().Err(res.Err).Str("hostStudyID", ev.HostStudyID).Msg("hooks: stable study run failed")
		if res.Study != nil {
			RespondJSON(w, status, res.Study)
			return
		}
		RespondError(w, status, res.Err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, res.Study)
}
