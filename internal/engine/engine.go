// Package engine holds the converter capability tables and dispatches a
// conversion to the engine that can perform it.
package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spherical-ai/convertx/internal/formats"
)

// Request is a single file conversion.
type Request struct {
	InputPath  string
	OutputPath string
	From       string
	To         string
	Options    map[string]any
}

// Converter performs a conversion described by a Request. Implementations
// must write exactly one file at Request.OutputPath.
type Converter interface {
	Convert(ctx context.Context, req Request) error
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(ctx context.Context, req Request) error

// Convert calls f(ctx, req).
func (f ConverterFunc) Convert(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Engine describes one conversion backend.
type Engine struct {
	ID          string
	Name        string
	Description string
	// Binary is the executable the engine needs on PATH. Empty for engines
	// implemented in-process.
	Binary string
	// Conversions maps an input format to the formats it can be converted to.
	Conversions map[string][]string
	// OptionsSchema is an optional JSON schema for per-job options.
	OptionsSchema string
	Converter     Converter
	// OutputExt maps a normalised target to the extension of the file the
	// converter writes. Nil uses formats.NormalizeOutput.
	OutputExt func(to string) string

	schema *jsonschema.Schema
}

// Native reports whether the engine runs in-process.
func (e *Engine) Native() bool {
	return e.Binary == ""
}

// Supports reports whether the engine converts from into to.
func (e *Engine) Supports(from, to string) bool {
	return lo.Contains(e.Conversions[formats.Normalize(from)], formats.Normalize(to))
}

// Inputs returns the sorted input formats.
func (e *Engine) Inputs() []string {
	keys := lo.Keys(e.Conversions)
	sort.Strings(keys)
	return keys
}

// Outputs returns the sorted, de-duplicated output formats.
func (e *Engine) Outputs() []string {
	outs := lo.Uniq(lo.Flatten(lo.Values(e.Conversions)))
	sort.Strings(outs)
	return outs
}

// OutputName derives the converted file name of input for target to.
func (e *Engine) OutputName(input, to string) string {
	if e.OutputExt == nil {
		return formats.OutputName(input, to)
	}
	return formats.Stem(input) + "." + e.OutputExt(formats.Normalize(to))
}

// Targets returns the output formats available for one input format.
func (e *Engine) Targets(from string) []string {
	return append([]string(nil), e.Conversions[formats.Normalize(from)]...)
}

// normalize canonicalises the capability table in place.
func (e *Engine) normalize() {
	table := make(map[string][]string, len(e.Conversions))
	for from, tos := range e.Conversions {
		key := formats.Normalize(from)
		targets := lo.Map(tos, func(to string, _ int) string { return formats.Normalize(to) })
		table[key] = lo.Uniq(append(table[key], targets...))
	}
	e.Conversions = table
}

// Info is the public description of an engine.
type Info struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Description   string              `json:"description"`
	Native        bool                `json:"native"`
	Available     bool                `json:"available"`
	Inputs        []string            `json:"supportedInputFormats"`
	Outputs       []string            `json:"supportedOutputFormats"`
	Conversions   map[string][]string `json:"conversions,omitempty"`
	OptionsSchema json.RawMessage     `json:"optionsSchema,omitempty"`
}
