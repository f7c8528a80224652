package engine

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
)

const maxSuggestions = 10

// Registry holds the known engines in registration order. Registration order
// is also the auto-selection priority.
type Registry struct {
	mu       sync.RWMutex
	engines  map[string]*Engine
	order    []string
	avail    map[string]bool
	lookPath func(file string) (string, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]*Engine),
		avail:    make(map[string]bool),
		lookPath: exec.LookPath,
	}
}

// Register adds an engine. IDs are case-insensitive and must be unique.
func (r *Registry) Register(e *Engine) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("engine id is required")
	}
	if e.Converter == nil {
		return fmt.Errorf("engine %s has no converter", e.ID)
	}
	e.ID = strings.ToLower(e.ID)
	e.normalize()

	if e.OptionsSchema != "" {
		compiler := jsonschema.NewCompiler()
		url := "file:///convertx/engines/" + e.ID + ".schema.json"
		if err := compiler.AddResource(url, strings.NewReader(e.OptionsSchema)); err != nil {
			return fmt.Errorf("add options schema for %s: %w", e.ID, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compile options schema for %s: %w", e.ID, err)
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[e.ID]; exists {
		return fmt.Errorf("engine %s already registered", e.ID)
	}
	r.engines[e.ID] = e
	r.order = append(r.order, e.ID)
	return nil
}

// MustRegister is Register that panics on error. Used for built-in tables.
func (r *Registry) MustRegister(engines ...*Engine) {
	for _, e := range engines {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Unregister removes an engine, e.g. one disabled in configuration.
func (r *Registry) Unregister(id string) {
	id = strings.ToLower(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, id)
	delete(r.avail, id)
	r.order = lo.Without(r.order, id)
}

// Get returns the engine with the given ID.
func (r *Registry) Get(id string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[strings.ToLower(id)]
	if !ok {
		return nil, domain.EngineNotFoundError(id)
	}
	return e, nil
}

// List returns all engines in registration order.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id string, _ int) *Engine { return r.engines[id] })
}

// Available reports whether the engine's binary can be found. Results are
// cached until Refresh is called.
func (r *Registry) Available(e *Engine) bool {
	if e.Native() {
		return true
	}

	r.mu.RLock()
	ok, cached := r.avail[e.ID]
	r.mu.RUnlock()
	if cached {
		return ok
	}

	_, err := r.lookPath(e.Binary)
	ok = err == nil

	r.mu.Lock()
	r.avail[e.ID] = ok
	r.mu.Unlock()
	return ok
}

// Refresh drops cached availability results.
func (r *Registry) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avail = make(map[string]bool)
}

// Describe returns the public description of one engine.
func (r *Registry) Describe(e *Engine) Info {
	info := Info{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Native:      e.Native(),
		Available:   r.Available(e),
		Inputs:      e.Inputs(),
		Outputs:     e.Outputs(),
		Conversions: e.Conversions,
	}
	if e.OptionsSchema != "" {
		info.OptionsSchema = json.RawMessage(e.OptionsSchema)
	}
	return info
}

// Info returns descriptions of all engines sorted by ID.
func (r *Registry) Info() []Info {
	infos := lo.Map(r.List(), func(e *Engine, _ int) Info { return r.Describe(e) })
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Supports reports whether engine id converts from into to.
func (r *Registry) Supports(id, from, to string) bool {
	e, err := r.Get(id)
	return err == nil && e.Supports(from, to)
}

// HasInput reports whether any engine accepts the format.
func (r *Registry) HasInput(from string) bool {
	from = formats.Normalize(from)
	return lo.SomeBy(r.List(), func(e *Engine) bool {
		_, ok := e.Conversions[from]
		return ok
	})
}

// EnginesFor returns engines that accept the input format, in priority order.
func (r *Registry) EnginesFor(from string) []*Engine {
	from = formats.Normalize(from)
	return lo.Filter(r.List(), func(e *Engine, _ int) bool {
		_, ok := e.Conversions[from]
		return ok
	})
}

// PossibleTargets returns every format the input can be converted to by any
// engine.
func (r *Registry) PossibleTargets(from string) []string {
	targets := lo.Uniq(lo.FlatMap(r.EnginesFor(from), func(e *Engine, _ int) []string {
		return e.Targets(from)
	}))
	sort.Strings(targets)
	return targets
}

// AllTargets returns, per engine ID, every output format it produces.
func (r *Registry) AllTargets() map[string][]string {
	out := make(map[string][]string)
	for _, e := range r.List() {
		out[e.ID] = e.Outputs()
	}
	return out
}

// AllInputs returns the input formats engine id accepts.
func (r *Registry) AllInputs(id string) ([]string, error) {
	e, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return e.Inputs(), nil
}

// Resolve picks the engine for a conversion. An empty engineID selects the
// first available engine that supports the pair.
func (r *Registry) Resolve(engineID, from, to string) (*Engine, error) {
	from, to = formats.Normalize(from), formats.Normalize(to)

	if engineID == "" {
		for _, e := range r.List() {
			if e.Supports(from, to) && r.Available(e) {
				return e, nil
			}
		}
		return nil, domain.UnsupportedConversionError("", from, to, r.Suggest(from, to))
	}

	e, err := r.Get(engineID)
	if err != nil {
		return nil, err
	}
	if !e.Supports(from, to) {
		return nil, domain.UnsupportedConversionError(e.ID, from, to, r.Suggest(from, to))
	}
	return e, nil
}

// Suggest lists alternatives for a conversion: engines supporting the exact
// pair first, otherwise every target reachable from the input format.
func (r *Registry) Suggest(from, to string) []domain.Suggestion {
	from, to = formats.Normalize(from), formats.Normalize(to)
	engines := r.List()

	var suggestions []domain.Suggestion
	for _, e := range engines {
		if e.Supports(from, to) {
			suggestions = append(suggestions, domain.Suggestion{Engine: e.ID, From: from, To: to})
		}
	}

	if len(suggestions) == 0 {
		for _, e := range engines {
			for _, target := range e.Conversions[from] {
				suggestions = append(suggestions, domain.Suggestion{Engine: e.ID, From: from, To: target})
			}
		}
	}

	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions
}

// ValidateOptions checks per-job options against the engine's schema.
func (r *Registry) ValidateOptions(e *Engine, options map[string]any) error {
	if len(options) == 0 {
		return nil
	}
	if e.schema == nil {
		return domain.ValidationError(fmt.Sprintf("engine %s does not accept options", e.ID), nil)
	}

	// the validator expects decoded JSON values
	raw, err := json.Marshal(options)
	if err != nil {
		return domain.ValidationError("options must be JSON encodable", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ValidationError("options must be JSON encodable", err)
	}

	if err := e.schema.Validate(doc); err != nil {
		return domain.ValidationError(fmt.Sprintf("invalid options for %s", e.ID), err)
	}
	return nil
}
