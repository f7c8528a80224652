package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"gopkg.in/yaml.v3"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
)

// HTMLToMarkdownEngine converts HTML pages to Markdown in-process.
func HTMLToMarkdownEngine() *Engine {
	return &Engine{
		ID:          "html2md",
		Name:        "HTML to Markdown",
		Description: "In-process HTML to Markdown conversion",
		Conversions: map[string][]string{
			"html": {"markdown"},
		},
		Converter: ConverterFunc(convertHTMLToMarkdown),
	}
}

func convertHTMLToMarkdown(ctx context.Context, req Request) error {
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return domain.IOError("failed to read input", err)
	}

	converter := md.NewConverter("", true, nil)
	text, err := converter.ConvertBytes(data)
	if err != nil {
		return domain.ConversionError("failed to convert html", err)
	}

	if err := os.WriteFile(req.OutputPath, text, 0o644); err != nil {
		return domain.IOError("failed to write output", err)
	}
	return nil
}

// DataEngine converts between JSON and YAML in-process. "yml" is a format
// of its own so that outputs keep the extension the user asked for.
func DataEngine() *Engine {
	return &Engine{
		ID:          "data",
		Name:        "Data",
		Description: "JSON and YAML conversion",
		Conversions: map[string][]string{
			"json": {"yaml", "yml"},
			"yaml": {"json"},
			"yml":  {"json"},
		},
		Converter: ConverterFunc(convertData),
	}
}

func convertData(ctx context.Context, req Request) error {
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return domain.IOError("failed to read input", err)
	}

	var out []byte
	switch formats.Normalize(req.To) {
	case "yaml", "yml":
		out, err = jsonToYAML(data)
	case "json":
		out, err = yamlToJSON(data)
	default:
		return domain.UnsupportedConversionError("data", req.From, req.To, nil)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(req.OutputPath, out, 0o644); err != nil {
		return domain.IOError("failed to write output", err)
	}
	return nil
}

// jsonToYAML keeps key order by round-tripping through a yaml.Node.
func jsonToYAML(data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, domain.ValidationError("input is not valid JSON", nil)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, domain.ConversionError("failed to parse JSON", err)
	}
	blockStyle(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, domain.ConversionError("failed to encode YAML", err)
	}
	if err := enc.Close(); err != nil {
		return nil, domain.ConversionError("failed to encode YAML", err)
	}
	return buf.Bytes(), nil
}

// blockStyle clears the flow and quoting styles inherited from JSON syntax.
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		n.Style = 0
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var docs []any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var v any
		err := dec.Decode(&v)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, domain.ConversionError("failed to parse YAML", err)
		}
		jv, err := jsonCompatible(v)
		if err != nil {
			return nil, err
		}
		docs = append(docs, jv)
	}

	var payload any
	switch len(docs) {
	case 0:
		payload = nil
	case 1:
		payload = docs[0]
	default:
		payload = docs
	}

	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, domain.ConversionError("failed to encode JSON", err)
	}
	return append(out, '\n'), nil
}

// jsonCompatible converts YAML maps with non-string keys into string-keyed maps.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(k)] = c
		}
		return m, nil
	case []any:
		for i, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	default:
		return v, nil
	}
}
