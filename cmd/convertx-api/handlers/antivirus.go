package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/spherical-ai/convertx/internal/antivirus"
	"github.com/spherical-ai/convertx/internal/observability"
)

// AntivirusHandler exposes the upload scanning toggle.
type AntivirusHandler struct {
	logger  *observability.Logger
	scanner *antivirus.Scanner
}

// NewAntivirusHandler creates a new antivirus handler.
func NewAntivirusHandler(logger *observability.Logger, scanner *antivirus.Scanner) *AntivirusHandler {
	return &AntivirusHandler{logger: logger, scanner: scanner}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// Status handles GET /antivirus.
func (h *AntivirusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scanner.Status())
}

// Toggle handles POST /antivirus with a body of {"enabled": bool}.
func (h *AntivirusHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Enabled == nil {
		writeErrorMessage(w, http.StatusBadRequest, "BAD_REQUEST", `expected {"enabled": true|false}`)
		return
	}
	if *req.Enabled && !h.scanner.Available() {
		writeErrorMessage(w, http.StatusConflict, "CONFLICT", "antivirus scanning is not configured")
		return
	}

	status := h.scanner.SetEnabled(*req.Enabled)
	h.logger.WithContext(r.Context()).Info().Bool("enabled", status.Enabled).Msg("Antivirus scanning toggled")
	writeJSON(w, http.StatusOK, status)
}
