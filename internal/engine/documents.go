package engine

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/runner"
)

// translateLanguages are the target languages of the PDF translation
// engines, in their normalised (lowercase) form.
var translateLanguages = []string{"en", "zh", "zh-tw", "ja", "ko", "de", "fr", "es", "it", "pt", "ru", "ar", "hi", "vi", "th"}

// ocrLanguages maps an ocrmypdf target suffix to tesseract language packs.
var ocrLanguages = map[string]string{
	"ocr":   "eng+chi_tra+chi_sim+jpn+kor+deu+fra",
	"en":    "eng",
	"zh-tw": "chi_tra",
	"zh":    "chi_sim",
	"ja":    "jpn",
	"ko":    "kor",
	"de":    "deu",
	"fr":    "fra",
}

var dearkInputs = []string{
	"zip", "lha", "lzh", "arc", "arj", "zoo", "gz", "bz2", "xz", "cab", "sit", "hqx", "macbin", "cpio", "rpm", "deb", "ar",
	"ico", "cur", "ani", "icns", "pcx", "dcx", "pict", "wmf", "emf", "psd", "exe", "dll", "ttf", "otf",
}

// DocumentEngines returns the PDF and document tooling engines. translator is
// the backend passed to the translation tools.
func DocumentEngines(r *runner.Runner, translator string) []*Engine {
	if translator == "" {
		translator = "google"
	}
	return []*Engine{
		popplerEngine(r),
		dearkEngine(r),
		ocrmypdfEngine(r),
		babeldocEngine(r, translator),
		pdfMathTranslateEngine(r, translator),
		PDFPackagerEngine(r),
		mineruEngine(r),
	}
}

func popplerEngine(r *runner.Runner) *Engine {
	return &Engine{
		ID:          "poppler",
		Name:        "Poppler",
		Description: "PDF rendering and extraction with the poppler utilities",
		Binary:      "pdftocairo",
		Conversions: map[string][]string{
			"pdf": {"jpeg", "png", "tiff", "eps", "ps", "svg", "pdf", "html", "txt"},
		},
		// pdftocairo names single-page TIFF output .tif
		OutputExt: func(to string) string {
			if to == "tiff" {
				return "tif"
			}
			return formats.NormalizeOutput(to)
		},
		Converter: NewCommandConverter(r, popplerCommand),
	}
}

func popplerCommand(req Request) runner.Command {
	to := formats.Normalize(req.To)
	switch to {
	case "txt":
		return runner.Command{Program: "pdftotext", Args: []string{"-layout", "-nopgbrk", req.InputPath, req.OutputPath}}
	case "html":
		return runner.Command{Program: "pdftohtml", Args: []string{"-s", "-noframes", "-i", req.InputPath, req.OutputPath}}
	case "jpeg", "png", "tiff":
		// raster output takes a root name and appends the extension itself
		root := strings.TrimSuffix(req.OutputPath, filepath.Ext(req.OutputPath))
		return runner.Command{Program: "pdftocairo", Args: []string{"-" + to, "-singlefile", req.InputPath, root}}
	}
	return runner.Command{Program: "pdftocairo", Args: []string{"-" + to, req.InputPath, req.OutputPath}}
}

func dearkEngine(r *runner.Runner) *Engine {
	table := make(map[string][]string, len(dearkInputs))
	for _, in := range dearkInputs {
		table[in] = []string{"extract"}
	}
	return &Engine{
		ID:          "deark",
		Name:        "Deark",
		Description: "Extracts files from legacy archives, icons and binary formats",
		Binary:      "deark",
		Conversions: table,
		OutputExt:   func(string) string { return "tar" },
		Converter: NewDirConverter(r, func(req Request, dir string) runner.Command {
			return runner.Command{Program: "deark", Args: []string{"-od", dir, "-a", "-nomodtime", req.InputPath}}
		}),
	}
}

func ocrmypdfEngine(r *runner.Runner) *Engine {
	targets := make([]string, 0, len(ocrLanguages))
	for suffix := range ocrLanguages {
		targets = append(targets, "pdf-"+suffix)
	}
	sort.Strings(targets)
	return &Engine{
		ID:          "ocrmypdf",
		Name:        "OCRmyPDF",
		Description: "Adds a searchable text layer to scanned PDFs",
		Binary:      "ocrmypdf",
		Conversions: map[string][]string{"pdf": targets},
		OutputExt:   func(string) string { return "pdf" },
		Converter: NewCommandConverter(r, func(req Request) runner.Command {
			lang := ocrLanguages[strings.TrimPrefix(formats.Normalize(req.To), "pdf-")]
			if lang == "" {
				lang = ocrLanguages["ocr"]
			}
			return runner.Command{Program: "ocrmypdf", Args: []string{
				"-l", lang,
				"--skip-text",
				"--optimize", "1",
				"--deskew",
				"--rotate-pages",
				"--jobs", "2",
				req.InputPath, req.OutputPath,
			}}
		}),
	}
}

func babeldocEngine(r *runner.Runner, service string) *Engine {
	var targets []string
	for _, f := range []string{"pdf", "md", "html"} {
		for _, lang := range translateLanguages {
			targets = append(targets, f+"-"+lang)
		}
	}
	return &Engine{
		ID:          "babeldoc",
		Name:        "BabelDOC",
		Description: "Translates PDF documents while keeping their layout",
		Binary:      "babeldoc",
		Conversions: map[string][]string{"pdf": targets},
		OutputExt:   func(string) string { return "tar" },
		Converter: NewDirConverter(r, func(req Request, dir string) runner.Command {
			format, lang, _ := strings.Cut(formats.Normalize(req.To), "-")
			return runner.Command{Program: "babeldoc", Args: []string{
				"-i", req.InputPath,
				"-o", dir,
				"--lang-out", toolLanguage(lang),
				"--output-format", format,
				"--service", service,
			}}
		}),
	}
}

func pdfMathTranslateEngine(r *runner.Runner, service string) *Engine {
	targets := make([]string, 0, len(translateLanguages))
	for _, lang := range translateLanguages {
		targets = append(targets, "pdf-"+lang)
	}
	return &Engine{
		ID:          "pdfmathtranslate",
		Name:        "PDFMathTranslate",
		Description: "Translates scientific PDFs, writing translated and bilingual copies",
		Binary:      "pdf2zh",
		Conversions: map[string][]string{"pdf": targets},
		OutputExt:   func(string) string { return "tar" },
		Converter: NewDirConverter(r, func(req Request, dir string) runner.Command {
			lang := strings.TrimPrefix(formats.Normalize(req.To), "pdf-")
			return runner.Command{Program: "pdf2zh", Args: []string{
				req.InputPath,
				"-lo", toolLanguage(lang),
				"-o", dir,
				"-s", service,
			}}
		}),
	}
}

func mineruEngine(r *runner.Runner) *Engine {
	table := make(map[string][]string)
	for _, in := range []string{"pdf", "ppt", "pptx", "xls", "xlsx", "doc", "docx"} {
		table[in] = []string{"md-t", "md-i"}
	}
	return &Engine{
		ID:          "mineru",
		Name:        "MinerU",
		Description: "Extracts Markdown with tables and images from documents",
		Binary:      "magic-pdf",
		Conversions: table,
		OutputExt:   func(string) string { return "zip" },
		Converter: NewDirConverter(r, func(req Request, dir string) runner.Command {
			mode := "markdown"
			if formats.Normalize(req.To) == "md-i" {
				mode = "image"
			}
			return runner.Command{Program: "magic-pdf", Args: []string{
				"-p", req.InputPath,
				"-o", dir,
				"-m", "auto",
				"--table-mode", mode,
			}}
		}),
	}
}

// toolLanguage restores the region casing the translation tools expect.
func toolLanguage(lang string) string {
	if main, region, ok := strings.Cut(lang, "-"); ok {
		return main + "-" + strings.ToUpper(region)
	}
	return lang
}
