package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/runner"
)

var packagerDPIs = []int{150, 300, 600}

var (
	allChip   = regexp.MustCompile(`^all-(150|300|600)$`)
	imageChip = regexp.MustCompile(`^(png|jpg|jpeg)-(150|300|600)$`)
	pdfChip   = regexp.MustCompile(`^pdf-(150|300|600)(?:-(p|np))?$`)
	pdfaChip  = regexp.MustCompile(`^pdfa(1b|2b)-(i|o)-(150|300|600)(?:-(p|np))?$`)
)

type chipKind int

const (
	chipImages chipKind = iota
	chipPDF
	chipPDFA
	chipAll
)

// packChip is a parsed PDF packaging target such as "pdfa2b-o-300-np".
type packChip struct {
	kind  chipKind
	dpi   int
	image string // png, jpg or jpeg
	level string // 1b or 2b
	// fromImages rasterises the pages before building a PDF/A.
	fromImages bool
	// protect is "p" (printing allowed), "np" (no printing) or empty.
	protect string
}

func parseChip(s string) (packChip, bool) {
	if m := allChip.FindStringSubmatch(s); m != nil {
		return packChip{kind: chipAll, dpi: atoi(m[1])}, true
	}
	if m := imageChip.FindStringSubmatch(s); m != nil {
		return packChip{kind: chipImages, image: m[1], dpi: atoi(m[2])}, true
	}
	if m := pdfChip.FindStringSubmatch(s); m != nil {
		return packChip{kind: chipPDF, dpi: atoi(m[1]), protect: m[2]}, true
	}
	if m := pdfaChip.FindStringSubmatch(s); m != nil {
		return packChip{kind: chipPDFA, level: m[1], fromImages: m[2] == "i", dpi: atoi(m[3]), protect: m[4]}, true
	}
	return packChip{}, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// archived reports whether the chip produces a tar rather than a PDF.
func (c packChip) archived() bool {
	return c.kind == chipImages || c.kind == chipAll
}

// packagerTargets lists every packaging chip.
func packagerTargets() []string {
	var out []string
	for _, dpi := range packagerDPIs {
		d := strconv.Itoa(dpi)
		for _, img := range []string{"png", "jpg", "jpeg"} {
			out = append(out, img+"-"+d)
		}
		for _, p := range []string{"", "-p", "-np"} {
			out = append(out, "pdf-"+d+p)
			for _, level := range []string{"1b", "2b"} {
				for _, src := range []string{"i", "o"} {
					out = append(out, "pdfa"+level+"-"+src+"-"+d+p)
				}
			}
		}
		out = append(out, "all-"+d)
	}
	return out
}

// allSubChips are the chips bundled by all-<dpi>.
func allSubChips(dpi int) []string {
	d := strconv.Itoa(dpi)
	return []string{
		"png-" + d, "jpg-" + d, "jpeg-" + d,
		"pdf-" + d, "pdf-" + d + "-p", "pdf-" + d + "-np",
		"pdfa1b-i-" + d, "pdfa1b-o-" + d, "pdfa2b-i-" + d, "pdfa2b-o-" + d,
	}
}

// PDFPackager turns a PDF into page images, an image-only PDF or a PDF/A,
// optionally with permission protection. It chains pdftoppm, img2pdf,
// Ghostscript and qpdf.
type PDFPackager struct {
	runner *runner.Runner
}

// PDFPackagerEngine returns the PDF packaging engine.
func PDFPackagerEngine(r *runner.Runner) *Engine {
	if r == nil {
		r = runner.New(runner.Options{})
	}
	return &Engine{
		ID:          "pdfpackager",
		Name:        "PDF Packager",
		Description: "Packages PDFs as page images, image PDFs or PDF/A with optional print protection",
		Binary:      "pdftoppm",
		Conversions: map[string][]string{"pdf": packagerTargets()},
		OutputExt: func(to string) string {
			if c, ok := parseChip(to); ok && c.archived() {
				return "tar"
			}
			return "pdf"
		},
		Converter: &PDFPackager{runner: r},
	}
}

// Convert builds the chip named by req.To.
func (p *PDFPackager) Convert(ctx context.Context, req Request) error {
	c, ok := parseChip(formats.Normalize(req.To))
	if !ok {
		return domain.ConversionError(fmt.Sprintf("unknown packaging target %q", req.To), nil)
	}
	work, err := os.MkdirTemp(filepath.Dir(req.OutputPath), ".pdfpack-*")
	if err != nil {
		return domain.IOError("failed to create scratch directory", err)
	}
	defer os.RemoveAll(work)

	if c.kind == chipAll {
		err = p.all(ctx, req.InputPath, req.OutputPath, work, c.dpi)
	} else {
		err = p.build(ctx, req.InputPath, req.OutputPath, work, c)
	}
	if err != nil {
		return err
	}
	return verifyOutput(req.OutputPath)
}

// all bundles every sub-chip that succeeds. It fails only when none do.
func (p *PDFPackager) all(ctx context.Context, input, output, work string, dpi int) error {
	bundle := filepath.Join(work, "all")
	if err := os.Mkdir(bundle, 0o755); err != nil {
		return domain.IOError("failed to create scratch directory", err)
	}

	stem := formats.Stem(input)
	var lastErr error
	built := 0
	for _, name := range allSubChips(dpi) {
		c, _ := parseChip(name)
		ext := "pdf"
		if c.archived() {
			ext = "tar"
		}
		out := filepath.Join(bundle, stem+"-"+name+"."+ext)
		if err := p.build(ctx, input, out, work, c); err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}
		built++
	}
	if built == 0 {
		return lastErr
	}
	return packDir(bundle, output)
}

func (p *PDFPackager) build(ctx context.Context, input, output, work string, c packChip) error {
	step, err := os.MkdirTemp(work, "step-*")
	if err != nil {
		return domain.IOError("failed to create scratch directory", err)
	}
	defer os.RemoveAll(step)

	if c.kind == chipImages {
		format := "png"
		if c.image != "png" {
			format = "jpeg"
		}
		images, err := p.rasterise(ctx, input, step, c.dpi, format)
		if err != nil {
			return err
		}
		return packDir(filepath.Dir(images[0]), output)
	}

	current := input
	if c.kind == chipPDF || c.fromImages {
		images, err := p.rasterise(ctx, input, step, c.dpi, "png")
		if err != nil {
			return err
		}
		current = filepath.Join(step, "image.pdf")
		args := append(images, "-o", current)
		if err := run(ctx, p.runner, runner.Command{Program: "img2pdf", Args: args, Dir: step}); err != nil {
			return err
		}
	}

	if c.kind == chipPDFA {
		pdfa := filepath.Join(step, "pdfa.pdf")
		if err := run(ctx, p.runner, ghostscriptPDFA(current, pdfa, c.level)); err != nil {
			return err
		}
		current = pdfa
	}

	if c.protect != "" {
		protected := filepath.Join(step, "protected.pdf")
		if err := run(ctx, p.runner, qpdfProtect(current, protected, c.protect == "p")); err != nil {
			return err
		}
		current = protected
	}

	if current == input {
		return domain.ConversionError("packaging target produced nothing", nil)
	}
	if err := os.Rename(current, output); err != nil {
		return domain.IOError("failed to move packaged file", err)
	}
	return nil
}

// rasterise renders every page into dir/pages and returns the images in
// page order.
func (p *PDFPackager) rasterise(ctx context.Context, input, dir string, dpi int, format string) ([]string, error) {
	pages := filepath.Join(dir, "pages")
	if err := os.Mkdir(pages, 0o755); err != nil {
		return nil, domain.IOError("failed to create scratch directory", err)
	}
	cmd := runner.Command{
		Program: "pdftoppm",
		Args:    []string{"-r", strconv.Itoa(dpi), "-" + format, input, filepath.Join(pages, "page")},
		Dir:     dir,
	}
	if err := run(ctx, p.runner, cmd); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(pages)
	if err != nil {
		return nil, domain.IOError("failed to list rendered pages", err)
	}
	images := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			images = append(images, filepath.Join(pages, e.Name()))
		}
	}
	if len(images) == 0 {
		return nil, domain.ConversionError("pdftoppm rendered no pages", nil)
	}
	return images, nil
}

func ghostscriptPDFA(input, output, level string) runner.Command {
	profile := "1"
	if level == "2b" {
		profile = "2"
	}
	return runner.Command{Program: "gs", Args: []string{
		"-dPDFA=" + profile,
		"-dBATCH",
		"-dNOPAUSE",
		"-dQUIET",
		"-sColorConversionStrategy=UseDeviceIndependentColor",
		"-sDEVICE=pdfwrite",
		"-dPDFACompatibilityPolicy=1",
		"-sOutputFile=" + output,
		input,
	}}
}

func qpdfProtect(input, output string, allowPrint bool) runner.Command {
	args := []string{"--encrypt", "", "", "256", "--modify=none"}
	if !allowPrint {
		args = append(args, "--print=none")
	}
	return runner.Command{Program: "qpdf", Args: append(args, "--", input, output)}
}
