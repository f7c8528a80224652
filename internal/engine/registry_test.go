package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/convertx/internal/domain"
)

func nopConverter() Converter {
	return ConverterFunc(func(ctx context.Context, req Request) error { return nil })
}

func newTestRegistry(t *testing.T, installed ...string) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.lookPath = func(file string) (string, error) {
		for _, name := range installed {
			if name == file {
				return "/usr/bin/" + file, nil
			}
		}
		return "", errors.New("not found")
	}

	reg.MustRegister(
		&Engine{
			ID:          "native",
			Conversions: map[string][]string{"json": {"yaml"}},
			Converter:   nopConverter(),
		},
		&Engine{
			ID:          "magick",
			Binary:      "magick",
			Conversions: map[string][]string{"png": {"jpg", "webp"}, "jpg": {"png"}},
			OptionsSchema: `{
				"type": "object",
				"additionalProperties": false,
				"properties": {"quality": {"type": "integer", "minimum": 1, "maximum": 100}}
			}`,
			Converter: nopConverter(),
		},
		&Engine{
			ID:          "vips",
			Binary:      "vips",
			Conversions: map[string][]string{"png": {"jpeg", "avif"}},
			Converter:   nopConverter(),
		},
	)
	return reg
}

func TestRegister_Validation(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&Engine{ID: "x"}), "converter is required")
	require.NoError(t, reg.Register(&Engine{ID: "X", Converter: nopConverter()}))
	assert.Error(t, reg.Register(&Engine{ID: "x", Converter: nopConverter()}), "duplicate IDs are case-insensitive")

	err := reg.Register(&Engine{ID: "bad", OptionsSchema: `{"type": `, Converter: nopConverter()})
	assert.Error(t, err)
}

func TestRegister_NormalizesConversions(t *testing.T) {
	reg := newTestRegistry(t)
	e, err := reg.Get("MAGICK")
	require.NoError(t, err)

	// jpg and jpeg are the same format
	assert.Equal(t, []string{"jpeg", "webp"}, e.Targets("png"))
	assert.True(t, e.Supports("JPG", "png"))
	assert.True(t, e.Supports("jpeg", "png"))
	assert.Equal(t, []string{"jpeg", "png"}, e.Inputs())
}

func TestGet_NotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("nope")
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeEngine))
}

func TestList_KeepsRegistrationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ids := []string{}
	for _, e := range reg.List() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"native", "magick", "vips"}, ids)

	reg.Unregister("magick")
	assert.Len(t, reg.List(), 2)
	_, err := reg.Get("magick")
	assert.Error(t, err)
}

func TestInfo_SortedByID(t *testing.T) {
	reg := newTestRegistry(t, "vips")
	infos := reg.Info()
	require.Len(t, infos, 3)
	assert.Equal(t, "magick", infos[0].ID)
	assert.Equal(t, "native", infos[1].ID)
	assert.Equal(t, "vips", infos[2].ID)

	assert.False(t, infos[0].Available)
	assert.NotEmpty(t, infos[0].OptionsSchema)
	assert.True(t, infos[1].Native)
	assert.True(t, infos[1].Available)
	assert.True(t, infos[2].Available)
	assert.Equal(t, []string{"avif", "jpeg"}, infos[2].Outputs)
}

func TestAvailable_CachesLookups(t *testing.T) {
	reg := newTestRegistry(t)
	calls := 0
	reg.lookPath = func(file string) (string, error) {
		calls++
		return "/bin/" + file, nil
	}
	e, _ := reg.Get("vips")

	assert.True(t, reg.Available(e))
	assert.True(t, reg.Available(e))
	assert.Equal(t, 1, calls)

	reg.Refresh()
	reg.Available(e)
	assert.Equal(t, 2, calls)
}

func TestPossibleTargets(t *testing.T) {
	reg := newTestRegistry(t)
	assert.Equal(t, []string{"avif", "jpeg", "webp"}, reg.PossibleTargets("PNG"))
	assert.Empty(t, reg.PossibleTargets("docx"))
	assert.True(t, reg.HasInput(".json"))
	assert.False(t, reg.HasInput("docx"))

	all := reg.AllTargets()
	assert.Equal(t, []string{"yaml"}, all["native"])
	assert.Equal(t, []string{"jpeg", "png", "webp"}, all["magick"])

	inputs, err := reg.AllInputs("magick")
	require.NoError(t, err)
	assert.Equal(t, []string{"jpeg", "png"}, inputs)
	_, err = reg.AllInputs("nope")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		installed []string
		engine    string
		from, to  string
		want      string
		errType   domain.ErrorType
	}{
		{name: "auto picks first available", installed: []string{"magick", "vips"}, from: "png", to: "jpg", want: "magick"},
		{name: "auto skips missing binaries", installed: []string{"vips"}, from: "png", to: "jpeg", want: "vips"},
		{name: "native always available", from: "json", to: "yaml", want: "native"},
		{name: "explicit engine", engine: "vips", from: "png", to: "avif", want: "vips"},
		{name: "explicit engine ignores availability", engine: "magick", from: "png", to: "webp", want: "magick"},
		{name: "unknown engine", engine: "ghost", from: "png", to: "jpg", errType: domain.ErrorTypeEngine},
		{name: "engine lacks pair", engine: "vips", from: "png", to: "webp", errType: domain.ErrorTypeUnsupported},
		{name: "no engine at all", from: "png", to: "docx", errType: domain.ErrorTypeUnsupported},
		{name: "nothing installed", from: "png", to: "webp", errType: domain.ErrorTypeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t, tt.installed...)
			e, err := reg.Resolve(tt.engine, tt.from, tt.to)
			if tt.errType != "" {
				require.Error(t, err)
				assert.True(t, domain.IsType(err, tt.errType), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.ID)
		})
	}
}

func TestResolve_Suggestions(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Resolve("vips", "png", "webp")
	de := domain.AsDomainError(err)
	require.Len(t, de.Suggestions, 1)
	assert.Equal(t, domain.Suggestion{Engine: "magick", From: "png", To: "webp"}, de.Suggestions[0])

	// no engine supports the pair, so every target of the input is offered
	_, err = reg.Resolve("", "png", "docx")
	de = domain.AsDomainError(err)
	assert.Len(t, de.Suggestions, 4)
	assert.Equal(t, "magick", de.Suggestions[0].Engine)
}

func TestSuggest_Capped(t *testing.T) {
	reg := NewRegistry()
	targets := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	reg.MustRegister(&Engine{ID: "wide", Conversions: map[string][]string{"src": targets}, Converter: nopConverter()})

	assert.Len(t, reg.Suggest("src", "zzz"), maxSuggestions)
}

func TestValidateOptions(t *testing.T) {
	reg := newTestRegistry(t)
	magick, _ := reg.Get("magick")
	vips, _ := reg.Get("vips")

	assert.NoError(t, reg.ValidateOptions(magick, nil))
	assert.NoError(t, reg.ValidateOptions(magick, map[string]any{"quality": 80}))
	assert.NoError(t, reg.ValidateOptions(vips, map[string]any{}))

	err := reg.ValidateOptions(magick, map[string]any{"quality": 0})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	err = reg.ValidateOptions(magick, map[string]any{"unknown": true})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	err = reg.ValidateOptions(vips, map[string]any{"quality": 80})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestDefaultRegistry(t *testing.T) {
	reg, err := DefaultRegistry(nil, "google", "vtracer", "ASSIMP")
	require.NoError(t, err)

	list := reg.List()
	require.NotEmpty(t, list)
	assert.Equal(t, "mupdf", list[0].ID)

	_, err = reg.Get("vtracer")
	assert.Error(t, err)
	_, err = reg.Get("assimp")
	assert.Error(t, err)

	for _, id := range []string{"ffmpeg", "imagemagick", "libreoffice", "pandoc", "xlsx", "vcf", "data", "html2md", "pdftext", "poppler", "ocrmypdf", "pdfpackager", "mineru"} {
		_, err := reg.Get(id)
		assert.NoError(t, err, id)
	}

	// native engines need no binary
	e, err := reg.Resolve("", "vcf", "csv")
	require.NoError(t, err)
	assert.Equal(t, "vcf", e.ID)
}
