package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/observability"
)

// EngineHandler serves the engine catalogue.
type EngineHandler struct {
	logger   *observability.Logger
	registry *engine.Registry
}

// NewEngineHandler creates a new engine handler.
func NewEngineHandler(logger *observability.Logger, registry *engine.Registry) *EngineHandler {
	return &EngineHandler{logger: logger, registry: registry}
}

// EngineListDTO is the response of GET /engines.
type EngineListDTO struct {
	Engines []engine.Info `json:"engines"`
}

// List handles GET /engines. An optional ?from= limits the list to engines
// accepting that format.
func (h *EngineHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.Info()
	if from := r.URL.Query().Get("from"); from != "" {
		from = formats.Normalize(from)
		infos = lo.Filter(infos, func(info engine.Info, _ int) bool {
			_, ok := info.Conversions[from]
			return ok
		})
	}
	writeJSON(w, http.StatusOK, EngineListDTO{Engines: infos})
}

// Get handles GET /engines/{engineId}.
func (h *EngineHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.registry.Get(chi.URLParam(r, "engineId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Describe(e))
}

// ConversionsDTO lists what one engine converts.
type ConversionsDTO struct {
	Engine      string              `json:"engine"`
	Inputs      []string            `json:"inputs"`
	Outputs     []string            `json:"outputs"`
	Conversions map[string][]string `json:"conversions"`
}

// Conversions handles GET /engines/{engineId}/conversions.
func (h *EngineHandler) Conversions(w http.ResponseWriter, r *http.Request) {
	e, err := h.registry.Get(chi.URLParam(r, "engineId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversionsDTO{
		Engine:      e.ID,
		Inputs:      e.Inputs(),
		Outputs:     e.Outputs(),
		Conversions: e.Conversions,
	})
}

// TargetsDTO lists the formats an input can be converted to.
type TargetsDTO struct {
	From    string              `json:"from"`
	Targets []string            `json:"targets"`
	Engines map[string][]string `json:"engines"`
}

// Targets handles GET /formats/{format}/targets.
func (h *EngineHandler) Targets(w http.ResponseWriter, r *http.Request) {
	from := formats.Normalize(chi.URLParam(r, "format"))
	if !h.registry.HasInput(from) {
		writeErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "no engine accepts "+from)
		return
	}

	byEngine := make(map[string][]string)
	for _, e := range h.registry.EnginesFor(from) {
		byEngine[e.ID] = e.Targets(from)
	}
	writeJSON(w, http.StatusOK, TargetsDTO{
		From:    from,
		Targets: h.registry.PossibleTargets(from),
		Engines: byEngine,
	})
}
