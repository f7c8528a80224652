package engine

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/rsc/pdf"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
)

const mupdfOptionsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"page": {"type": "integer", "minimum": 1},
		"dpi": {"type": "integer", "minimum": 36, "maximum": 600},
		"quality": {"type": "integer", "minimum": 1, "maximum": 100}
	}
}`

const (
	defaultDPI     = 150
	defaultQuality = 90
)

// MuPDFEngine renders documents in-process with MuPDF. Raster targets render
// a single page, selected with the "page" option.
func MuPDFEngine() *Engine {
	return &Engine{
		ID:          "mupdf",
		Name:        "MuPDF",
		Description: "In-process document rendering with MuPDF",
		Conversions: map[string][]string{
			"pdf":  {"png", "jpeg", "txt", "html", "svg"},
			"epub": {"png", "jpeg", "txt", "html"},
			"xps":  {"png", "jpeg", "txt"},
			"cbz":  {"png", "jpeg"},
			"fb2":  {"png", "jpeg", "txt"},
		},
		OptionsSchema: mupdfOptionsSchema,
		Converter:     ConverterFunc(convertMuPDF),
	}
}

func convertMuPDF(ctx context.Context, req Request) error {
	doc, err := fitz.New(req.InputPath)
	if err != nil {
		return domain.ConversionError("failed to open document", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return domain.ValidationError("document has no pages", nil)
	}

	to := formats.Normalize(req.To)
	switch to {
	case "png", "jpeg":
		page := 1
		if p, ok := optInt(req.Options, "page"); ok {
			page = p
		}
		if page > pageCount {
			return domain.ValidationError(fmt.Sprintf("page %d out of range, document has %d pages", page, pageCount), nil)
		}
		dpi := defaultDPI
		if d, ok := optInt(req.Options, "dpi"); ok {
			dpi = d
		}
		img, err := doc.ImageDPI(page-1, float64(dpi))
		if err != nil {
			return domain.ConversionError(fmt.Sprintf("failed to render page %d", page), err)
		}
		quality := defaultQuality
		if q, ok := optInt(req.Options, "quality"); ok {
			quality = q
		}
		return writeImage(req.OutputPath, img, to, quality)
	}

	if to == "svg" {
		// SVG holds a single page
		svg, err := doc.SVG(0)
		if err != nil {
			return domain.ConversionError("failed to render page 1", err)
		}
		if err := os.WriteFile(req.OutputPath, []byte(svg), 0o644); err != nil {
			return domain.IOError("failed to write output", err)
		}
		return nil
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return domain.IOError("failed to create output file", err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	for n := 0; n < pageCount; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var text string
		switch to {
		case "txt":
			text, err = doc.Text(n)
		case "html":
			text, err = doc.HTML(n, n == 0)
		default:
			return domain.UnsupportedConversionError("mupdf", req.From, req.To, nil)
		}
		if err != nil {
			return domain.ConversionError(fmt.Sprintf("failed to extract page %d", n+1), err)
		}
		if _, err := w.WriteString(text); err != nil {
			return domain.IOError("failed to write output", err)
		}
	}

	if err := w.Flush(); err != nil {
		return domain.IOError("failed to write output", err)
	}
	return out.Close()
}

func writeImage(path string, img image.Image, format string, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return domain.IOError("failed to create output file", err)
	}

	switch format {
	case "jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		f.Close()
		return domain.ConversionError(fmt.Sprintf("failed to encode %s", format), err)
	}
	return f.Close()
}

// PDFTextEngine extracts plain text from PDFs with a pure Go reader. It needs
// no native library and serves as the fallback for pdf to txt.
func PDFTextEngine() *Engine {
	return &Engine{
		ID:          "pdftext",
		Name:        "PDF Text",
		Description: "Plain text extraction from PDF documents",
		Conversions: map[string][]string{
			"pdf": {"txt"},
		},
		Converter: ConverterFunc(convertPDFText),
	}
}

type textRun struct {
	x, y, w float64
	s       string
}

func convertPDFText(ctx context.Context, req Request) error {
	f, err := os.Open(req.InputPath)
	if err != nil {
		return domain.IOError("failed to open PDF", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.IOError("failed to stat PDF", err)
	}

	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return domain.ConversionError("failed to read PDF", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return domain.ValidationError("PDF contains no pages", nil)
	}

	var sb strings.Builder
	for n := 1; n <= numPages; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}

		var runs []textRun
		for _, t := range page.Content().Text {
			runs = append(runs, textRun{x: t.X, y: t.Y, w: t.W, s: t.S})
		}
		sb.WriteString(layoutText(runs))
		if n < numPages {
			sb.WriteString("\f\n")
		}
	}

	if err := os.WriteFile(req.OutputPath, []byte(sb.String()), 0o644); err != nil {
		return domain.IOError("failed to write output", err)
	}
	return nil
}

// layoutText groups glyph runs into lines by baseline, top to bottom, and
// inserts a space where runs are visibly apart.
func layoutText(runs []textRun) string {
	if len(runs) == 0 {
		return ""
	}

	lines := make(map[float64][]textRun)
	for _, r := range runs {
		y := math.Round(r.y)
		lines[y] = append(lines[y], r)
	}

	ys := make([]float64, 0, len(lines))
	for y := range lines {
		ys = append(ys, y)
	}
	// PDF origin is bottom-left
	sort.Sort(sort.Reverse(sort.Float64Slice(ys)))

	var sb strings.Builder
	for _, y := range ys {
		line := lines[y]
		sort.SliceStable(line, func(i, j int) bool { return line[i].x < line[j].x })

		end := line[0].x
		for i, r := range line {
			if i > 0 && r.x-end > 1.5 {
				sb.WriteByte(' ')
			}
			sb.WriteString(r.s)
			end = r.x + r.w
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
