package engine

import (
	"github.com/spherical-ai/convertx/internal/runner"
)

// NativeEngines returns the in-process engines. They take priority over
// command engines during auto-selection.
func NativeEngines() []*Engine {
	return []*Engine{
		MuPDFEngine(),
		PDFTextEngine(),
		XLSXEngine(),
		HTMLToMarkdownEngine(),
		DataEngine(),
		VCardEngine(),
	}
}

// DefaultRegistry registers every built-in engine, skipping the disabled IDs.
// translator names the backend of the PDF translation engines.
func DefaultRegistry(r *runner.Runner, translator string, disabled ...string) (*Registry, error) {
	reg := NewRegistry()
	engines := append(NativeEngines(), CommandEngines(r)...)
	engines = append(engines, DocumentEngines(r, translator)...)
	for _, e := range engines {
		if err := reg.Register(e); err != nil {
			return nil, err
		}
	}
	for _, id := range disabled {
		reg.Unregister(id)
	}
	return reg, nil
}
