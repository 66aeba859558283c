// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/models"
	"github.com/hyperwheel/fwexport/internal/pipeline"
	"github.com/hyperwheel/fwexport/internal/routing"
	"github.com/hyperwheel/fwexport/internal/staging"
)

// maxBodyBytes caps hook payloads. Instance tag sets are small; a full
// functional-group dump stays well under this.
const maxBodyBytes = 8 << 20

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ParseStringParam extracts and validates a string URL parameter.
// Returns the trimmed value and true on success, or empty string and false if missing (error already sent).
func ParseStringParam(w http.ResponseWriter, r *http.Request, paramName, displayName string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, paramName))
	if value == "" {
		RespondError(w, http.StatusBadRequest, displayName+" is required")
		return "", false
	}
	return value, true
}

// ParseLimit reads the limit query parameter, falling back to defaultLimit
// and capping at maxLimit. Invalid values are ignored.
func ParseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}
	return limit
}

// statusForError maps pipeline errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, staging.ErrMissingRequiredTag):
		return http.StatusUnprocessableEntity
	case errors.Is(err, routing.ErrUnroutable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrStudyRunNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
