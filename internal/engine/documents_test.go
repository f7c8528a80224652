package engine

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/runner"
)

func tarEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out := map[string]string{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
}

func zipEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestPackDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "doc.md"), []byte("# doc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "images", "p1.png"), []byte("png"), 0o644))

	out := t.TempDir()

	tarPath := filepath.Join(out, "doc.tar")
	require.NoError(t, packDir(src, tarPath))
	assert.Equal(t, map[string]string{"doc.md": "# doc", "images/p1.png": "png"}, tarEntries(t, tarPath))

	zipPath := filepath.Join(out, "doc.zip")
	require.NoError(t, packDir(src, zipPath))
	assert.Equal(t, map[string]string{"doc.md": "# doc", "images/p1.png": "png"}, zipEntries(t, zipPath))
}

func TestPackDir_Empty(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.tar")
	err := packDir(t.TempDir(), out)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConversion))
	assert.NoFileExists(t, out)
}

func TestDirConverter(t *testing.T) {
	outDir := t.TempDir()
	out := filepath.Join(outDir, "archive.tar")

	conv := NewDirConverter(nil, func(req Request, dir string) runner.Command {
		script := `mkdir -p "$1/sub" && cp "$2" "$1/copy.txt" && echo nested > "$1/sub/n.txt"`
		return runner.Command{Program: "sh", Args: []string{"-c", script, "sh", dir, req.InputPath}}
	})
	in := writeInput(t, "in.txt", "hello")
	require.NoError(t, conv.Convert(context.Background(), Request{InputPath: in, OutputPath: out}))

	assert.Equal(t, map[string]string{"copy.txt": "hello", "sub/n.txt": "nested\n"}, tarEntries(t, out))

	// the scratch directory is gone
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.tar", entries[0].Name())
}

func TestDirConverter_NoFiles(t *testing.T) {
	conv := NewDirConverter(nil, func(req Request, dir string) runner.Command {
		return runner.Command{Program: "true"}
	})
	err := conv.Convert(context.Background(), Request{OutputPath: filepath.Join(t.TempDir(), "x.zip")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced no files")
}

func documentEngines() map[string]*Engine {
	out := map[string]*Engine{}
	for _, e := range DocumentEngines(nil, "deepl") {
		out[e.ID] = e
	}
	return out
}

func TestDocumentEngines_Commands(t *testing.T) {
	engines := documentEngines()

	cmd := popplerCommand(Request{InputPath: "/in/a.pdf", OutputPath: "/out/a.txt", To: "txt"})
	assert.Equal(t, "pdftotext", cmd.Program)
	assert.Equal(t, []string{"-layout", "-nopgbrk", "/in/a.pdf", "/out/a.txt"}, cmd.Args)

	cmd = popplerCommand(Request{InputPath: "/in/a.pdf", OutputPath: "/out/a.tif", To: "tiff"})
	assert.Equal(t, []string{"-tiff", "-singlefile", "/in/a.pdf", "/out/a"}, cmd.Args)

	cmd = popplerCommand(Request{InputPath: "/in/a.pdf", OutputPath: "/out/a.svg", To: "svg"})
	assert.Equal(t, []string{"-svg", "/in/a.pdf", "/out/a.svg"}, cmd.Args)

	ocr := engines["ocrmypdf"].Converter.(*CommandConverter).build(Request{InputPath: "/in/s.pdf", OutputPath: "/out/s.pdf", To: "pdf-zh-TW"})
	assert.Equal(t, "ocrmypdf", ocr.Program)
	assert.Equal(t, []string{"-l", "chi_tra"}, ocr.Args[:2])
	assert.Equal(t, []string{"/in/s.pdf", "/out/s.pdf"}, ocr.Args[len(ocr.Args)-2:])

	babel := engines["babeldoc"].Converter.(*DirConverter).build(Request{InputPath: "/in/p.pdf", To: "md-zh-tw"}, "/tmp/x")
	assert.Equal(t, []string{"-i", "/in/p.pdf", "-o", "/tmp/x", "--lang-out", "zh-TW", "--output-format", "md", "--service", "deepl"}, babel.Args)

	pdf2zh := engines["pdfmathtranslate"].Converter.(*DirConverter).build(Request{InputPath: "/in/p.pdf", To: "pdf-ja"}, "/tmp/x")
	assert.Equal(t, []string{"/in/p.pdf", "-lo", "ja", "-o", "/tmp/x", "-s", "deepl"}, pdf2zh.Args)

	mineru := engines["mineru"].Converter.(*DirConverter).build(Request{InputPath: "/in/d.docx", To: "md-i"}, "/tmp/x")
	assert.Equal(t, []string{"--table-mode", "image"}, mineru.Args[len(mineru.Args)-2:])

	deark := engines["deark"].Converter.(*DirConverter).build(Request{InputPath: "/in/icons.ico", To: "extract"}, "/tmp/x")
	assert.Equal(t, []string{"-od", "/tmp/x", "-a", "-nomodtime", "/in/icons.ico"}, deark.Args)
}

func TestEngine_OutputName(t *testing.T) {
	engines := documentEngines()

	tests := []struct {
		engine string
		to     string
		want   string
	}{
		{"poppler", "tiff", "report.tif"},
		{"poppler", "jpeg", "report.jpg"},
		{"ocrmypdf", "pdf-en", "report.pdf"},
		{"babeldoc", "html-fr", "report.tar"},
		{"pdfmathtranslate", "pdf-de", "report.tar"},
		{"mineru", "md-t", "report.zip"},
		{"pdfpackager", "png-300", "report.tar"},
		{"pdfpackager", "all-150", "report.tar"},
		{"pdfpackager", "pdfa2b-o-600-np", "report.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engines[tt.engine].OutputName("report.pdf", tt.to), tt.engine+" "+tt.to)
	}

	plain := &Engine{ID: "plain"}
	assert.Equal(t, "notes.md", plain.OutputName("notes.html", "markdown"))
}

func TestDocumentEngines_Register(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(DocumentEngines(nil, "")...)

	e, err := reg.Resolve("ocrmypdf", "pdf", "pdf-zh-TW")
	require.NoError(t, err)
	assert.Equal(t, "ocrmypdf", e.ID)

	e, err = reg.Resolve("deark", "ICO", "extract")
	require.NoError(t, err)
	assert.Equal(t, "deark", e.ID)

	assert.Contains(t, reg.PossibleTargets("pdf"), "pdfa1b-i-300-p")
	assert.Contains(t, reg.PossibleTargets("docx"), "md-t")
}

func TestParseChip(t *testing.T) {
	tests := []struct {
		in   string
		want packChip
		ok   bool
	}{
		{"png-150", packChip{kind: chipImages, image: "png", dpi: 150}, true},
		{"jpeg-600", packChip{kind: chipImages, image: "jpeg", dpi: 600}, true},
		{"pdf-300", packChip{kind: chipPDF, dpi: 300}, true},
		{"pdf-300-np", packChip{kind: chipPDF, dpi: 300, protect: "np"}, true},
		{"pdfa1b-i-150-p", packChip{kind: chipPDFA, level: "1b", fromImages: true, dpi: 150, protect: "p"}, true},
		{"pdfa2b-o-600", packChip{kind: chipPDFA, level: "2b", dpi: 600}, true},
		{"all-300", packChip{kind: chipAll, dpi: 300}, true},
		{"pdf-300-s", packChip{}, false},
		{"png-72", packChip{}, false},
		{"pdfa3b-i-150", packChip{}, false},
	}
	for _, tt := range tests {
		got, ok := parseChip(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, chip := range packagerTargets() {
		_, ok := parseChip(chip)
		assert.True(t, ok, chip)
	}
	assert.Len(t, packagerTargets(), 3*(3+3*5+1))
}

// fakeTools puts shell scripts standing in for the packaging tools first on
// PATH. Every call is appended to the returned log file.
func fakeTools(t *testing.T, failing ...string) string {
	t.Helper()
	dir := t.TempDir()
	log := filepath.Join(dir, "calls.log")
	t.Setenv("PACK_LOG", log)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	scripts := map[string]string{
		"pdftoppm": `ext=png; [ "$3" = "-jpeg" ] && ext=jpg
echo page1 > "$5-1.$ext"; echo page2 > "$5-2.$ext"`,
		"img2pdf": `while [ "$1" != "-o" ]; do shift; done; echo image-pdf > "$2"`,
		"gs":      `for a; do case "$a" in -sOutputFile=*) echo pdfa > "${a#-sOutputFile=}";; esac; done`,
		"qpdf":    `for a; do out="$a"; done; echo protected > "$out"`,
	}
	for _, name := range failing {
		scripts[name] = "exit 1"
	}
	for name, body := range scripts {
		script := "#!/bin/sh\necho " + name + " >> \"$PACK_LOG\"\n" + body + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
	}
	return log
}

func calls(t *testing.T, log string) []string {
	t.Helper()
	data, err := os.ReadFile(log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestPDFPackager_Pipelines(t *testing.T) {
	in := writeInput(t, "report.pdf", "%PDF-1.4")
	conv := PDFPackagerEngine(nil).Converter

	t.Run("images", func(t *testing.T) {
		log := fakeTools(t)
		out := filepath.Join(t.TempDir(), "report.tar")
		require.NoError(t, conv.Convert(context.Background(), Request{InputPath: in, OutputPath: out, To: "jpg-300"}))
		assert.Equal(t, []string{"page-1.jpg", "page-2.jpg"}, keys(tarEntries(t, out)))
		assert.Equal(t, []string{"pdftoppm"}, calls(t, log))
	})

	t.Run("protected image pdfa", func(t *testing.T) {
		log := fakeTools(t)
		out := filepath.Join(t.TempDir(), "report.pdf")
		require.NoError(t, conv.Convert(context.Background(), Request{InputPath: in, OutputPath: out, To: "pdfa1b-i-150-np"}))
		assert.Equal(t, "protected\n", readOutput(t, out))
		assert.Equal(t, []string{"pdftoppm", "img2pdf", "gs", "qpdf"}, calls(t, log))
	})

	t.Run("pdfa from original", func(t *testing.T) {
		log := fakeTools(t)
		out := filepath.Join(t.TempDir(), "report.pdf")
		require.NoError(t, conv.Convert(context.Background(), Request{InputPath: in, OutputPath: out, To: "pdfa2b-o-600"}))
		assert.Equal(t, "pdfa\n", readOutput(t, out))
		assert.Equal(t, []string{"gs"}, calls(t, log))
	})

	t.Run("all skips failing chips", func(t *testing.T) {
		fakeTools(t, "qpdf")
		outDir := t.TempDir()
		out := filepath.Join(outDir, "report.tar")
		require.NoError(t, conv.Convert(context.Background(), Request{InputPath: in, OutputPath: out, To: "all-150"}))
		assert.Equal(t, []string{
			"report-jpeg-150.tar",
			"report-jpg-150.tar",
			"report-pdf-150.pdf",
			"report-pdfa1b-i-150.pdf",
			"report-pdfa1b-o-150.pdf",
			"report-pdfa2b-i-150.pdf",
			"report-pdfa2b-o-150.pdf",
			"report-png-150.tar",
		}, keys(tarEntries(t, out)))

		entries, err := os.ReadDir(outDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("tool failure", func(t *testing.T) {
		fakeTools(t, "gs")
		out := filepath.Join(t.TempDir(), "report.pdf")
		err := conv.Convert(context.Background(), Request{InputPath: in, OutputPath: out, To: "pdfa2b-o-150"})
		require.Error(t, err)
		assert.True(t, domain.IsType(err, domain.ErrorTypeConversion))
		assert.Contains(t, err.Error(), "gs failed")
	})
}
