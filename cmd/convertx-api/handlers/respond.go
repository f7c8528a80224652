// Package handlers provides HTTP handlers for the convertx API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/observability"
)

// ErrorDTO is the body of every error response.
type ErrorDTO struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes what went wrong.
type ErrorDetail struct {
	Code        string              `json:"code"`
	Message     string              `json:"message"`
	Suggestions []domain.Suggestion `json:"suggestions,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorDTO{Error: ErrorDetail{Code: code, Message: message}})
}

// writeError maps err onto a status code. Errors that are not domain errors
// are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	var de *domain.DomainError
	if !errors.As(err, &de) {
		logger.WithContext(r.Context()).Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeErrorMessage(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	status := de.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, ErrorDTO{Error: ErrorDetail{
		Code:        de.Code(),
		Message:     de.Message,
		Suggestions: de.Suggestions,
	}})
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}
