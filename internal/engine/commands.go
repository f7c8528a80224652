package engine

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/runner"
)

const imageOptionsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"quality": {"type": "integer", "minimum": 1, "maximum": 100},
		"resize": {"type": "string", "pattern": "^[0-9]*x?[0-9]*[%!<>^]?$"},
		"strip": {"type": "boolean"}
	}
}`

const ffmpegOptionsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"audio_bitrate": {"type": "string", "pattern": "^[0-9]+k$"},
		"video_bitrate": {"type": "string", "pattern": "^[0-9]+[kM]$"},
		"crf": {"type": "integer", "minimum": 0, "maximum": 51},
		"fps": {"type": "integer", "minimum": 1, "maximum": 240},
		"no_audio": {"type": "boolean"}
	}
}`

const pandocOptionsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"standalone": {"type": "boolean"},
		"toc": {"type": "boolean"},
		"pdf_engine": {"enum": ["xelatex", "pdflatex", "lualatex", "wkhtmltopdf"]}
	}
}`

const vipsOptionsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"quality": {"type": "integer", "minimum": 1, "maximum": 100}
	}
}`

// CommandEngines returns the engines backed by external binaries, in
// auto-selection order.
func CommandEngines(r *runner.Runner) []*Engine {
	return []*Engine{
		{
			ID:          "ffmpeg",
			Name:        "FFmpeg",
			Description: "Audio and video conversion using FFmpeg",
			Binary:      "ffmpeg",
			Conversions: map[string][]string{
				"mp4":  {"webm", "avi", "mkv", "mov", "mp3", "wav", "flac", "ogg", "gif"},
				"webm": {"mp4", "avi", "mkv", "mov", "mp3", "wav", "flac", "ogg", "gif"},
				"avi":  {"mp4", "webm", "mkv", "mov", "mp3", "wav", "flac", "ogg", "gif"},
				"mkv":  {"mp4", "webm", "avi", "mov", "mp3", "wav", "flac", "ogg", "gif"},
				"mov":  {"mp4", "webm", "avi", "mkv", "mp3", "wav", "flac", "ogg", "gif"},
				"mp3":  {"wav", "flac", "ogg", "m4a", "aac"},
				"wav":  {"mp3", "flac", "ogg", "m4a", "aac"},
				"flac": {"mp3", "wav", "ogg", "m4a", "aac"},
				"ogg":  {"mp3", "wav", "flac", "m4a", "aac"},
				"m4a":  {"mp3", "wav", "flac", "ogg", "aac"},
				"gif":  {"mp4", "webm"},
			},
			OptionsSchema: ffmpegOptionsSchema,
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				args := []string{"-i", req.InputPath}
				if v, ok := optString(req.Options, "audio_bitrate"); ok {
					args = append(args, "-b:a", v)
				}
				if v, ok := optString(req.Options, "video_bitrate"); ok {
					args = append(args, "-b:v", v)
				}
				if v, ok := optInt(req.Options, "crf"); ok {
					args = append(args, "-crf", strconv.Itoa(v))
				}
				if v, ok := optInt(req.Options, "fps"); ok {
					args = append(args, "-r", strconv.Itoa(v))
				}
				if optBool(req.Options, "no_audio") {
					args = append(args, "-an")
				}
				args = append(args, "-y", req.OutputPath)
				return runner.Command{Program: "ffmpeg", Args: args}
			}),
		},
		{
			ID:          "imagemagick",
			Name:        "ImageMagick",
			Description: "Image format conversion using ImageMagick",
			Binary:      "magick",
			Conversions: map[string][]string{
				"png":  {"jpg", "gif", "bmp", "webp", "tiff", "ico", "pdf"},
				"jpg":  {"png", "gif", "bmp", "webp", "tiff", "ico", "pdf"},
				"gif":  {"png", "jpg", "bmp", "webp", "tiff"},
				"bmp":  {"png", "jpg", "gif", "webp", "tiff"},
				"webp": {"png", "jpg", "gif", "bmp", "tiff"},
				"tiff": {"png", "jpg", "gif", "bmp", "webp", "pdf"},
				"tif":  {"png", "jpg", "gif", "bmp", "webp", "pdf"},
				"svg":  {"png", "jpg", "pdf"},
			},
			OptionsSchema: imageOptionsSchema,
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				args := append([]string{"convert", req.InputPath}, imageArgs(req.Options)...)
				return runner.Command{Program: "magick", Args: append(args, req.OutputPath)}
			}),
		},
		{
			ID:          "graphicsmagick",
			Name:        "GraphicsMagick",
			Description: "Image format conversion using GraphicsMagick",
			Binary:      "gm",
			Conversions: map[string][]string{
				"png":  {"jpg", "gif", "bmp", "tiff"},
				"jpg":  {"png", "gif", "bmp", "tiff"},
				"gif":  {"png", "jpg", "bmp", "tiff"},
				"bmp":  {"png", "jpg", "gif", "tiff"},
				"tiff": {"png", "jpg", "gif", "bmp"},
			},
			OptionsSchema: imageOptionsSchema,
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				args := append([]string{"convert", req.InputPath}, imageArgs(req.Options)...)
				return runner.Command{Program: "gm", Args: append(args, req.OutputPath)}
			}),
		},
		{
			ID:          "vips",
			Name:        "libvips",
			Description: "High-performance image processing with libvips",
			Binary:      "vips",
			Conversions: map[string][]string{
				"png":  {"jpg", "webp", "tiff", "heif", "avif"},
				"jpg":  {"png", "webp", "tiff", "heif", "avif"},
				"webp": {"png", "jpg", "tiff", "heif", "avif"},
				"tiff": {"png", "jpg", "webp", "heif", "avif"},
				"heif": {"png", "jpg", "webp", "tiff"},
				"avif": {"png", "jpg", "webp", "tiff"},
			},
			OptionsSchema: vipsOptionsSchema,
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				out := req.OutputPath
				if q, ok := optInt(req.Options, "quality"); ok {
					out = fmt.Sprintf("%s[Q=%d]", out, q)
				}
				return runner.Command{Program: "vips", Args: []string{"copy", req.InputPath, out}}
			}),
		},
		{
			ID:          "libheif",
			Name:        "libheif",
			Description: "HEIF/HEIC image format conversion",
			Binary:      "heif-convert",
			Conversions: map[string][]string{
				"heic": {"jpg", "png"},
				"heif": {"jpg", "png"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "heif-convert", Args: []string{req.InputPath, req.OutputPath}}
			}),
		},
		{
			ID:          "libjxl",
			Name:        "libjxl",
			Description: "JPEG XL image format conversion",
			Binary:      "cjxl",
			Conversions: map[string][]string{
				"jxl": {"jpg", "png"},
				"jpg": {"jxl"},
				"png": {"jxl"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				program := "djxl"
				if formats.Normalize(req.To) == "jxl" {
					program = "cjxl"
				}
				return runner.Command{Program: program, Args: []string{req.InputPath, req.OutputPath}}
			}),
		},
		{
			ID:          "resvg",
			Name:        "resvg",
			Description: "High-quality SVG rendering",
			Binary:      "resvg",
			Conversions: map[string][]string{
				"svg": {"png"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "resvg", Args: []string{req.InputPath, req.OutputPath}}
			}),
		},
		{
			ID:          "inkscape",
			Name:        "Inkscape",
			Description: "Vector graphics conversion using Inkscape",
			Binary:      "inkscape",
			Conversions: map[string][]string{
				"svg": {"png", "pdf", "eps", "emf", "wmf"},
				"eps": {"svg", "png", "pdf"},
				"emf": {"svg", "png", "pdf"},
				"wmf": {"svg", "png", "pdf"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "inkscape", Args: []string{req.InputPath, "--export-filename", req.OutputPath}}
			}),
		},
		{
			ID:          "potrace",
			Name:        "Potrace",
			Description: "Bitmap to vector graphics tracing",
			Binary:      "potrace",
			Conversions: map[string][]string{
				"bmp": {"svg", "eps", "pdf"},
				"png": {"svg", "eps", "pdf"},
				"pnm": {"svg", "eps", "pdf"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				backend := "-s"
				switch formats.Normalize(req.To) {
				case "eps":
					backend = "-e"
				case "pdf":
					backend = "-b=pdf"
				}
				return runner.Command{Program: "potrace", Args: []string{backend, "-o", req.OutputPath, req.InputPath}}
			}),
		},
		{
			ID:          "vtracer",
			Name:        "VTracer",
			Description: "Advanced raster to vector graphics conversion",
			Binary:      "vtracer",
			Conversions: map[string][]string{
				"png": {"svg"},
				"jpg": {"svg"},
				"bmp": {"svg"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "vtracer", Args: []string{"--input", req.InputPath, "--output", req.OutputPath}}
			}),
		},
		{
			ID:          "libreoffice",
			Name:        "LibreOffice",
			Description: "Document conversion using LibreOffice",
			Binary:      "libreoffice",
			Conversions: map[string][]string{
				"docx": {"pdf", "odt", "html", "txt", "rtf"},
				"doc":  {"pdf", "odt", "docx", "html", "txt", "rtf"},
				"odt":  {"pdf", "docx", "html", "txt", "rtf"},
				"xlsx": {"pdf", "ods", "csv", "html"},
				"xls":  {"pdf", "ods", "xlsx", "csv", "html"},
				"ods":  {"pdf", "xlsx", "csv", "html"},
				"pptx": {"pdf", "odp", "html"},
				"ppt":  {"pdf", "odp", "pptx", "html"},
				"odp":  {"pdf", "pptx", "html"},
				"rtf":  {"pdf", "docx", "odt", "html", "txt"},
			},
			// writes <outdir>/<input stem>.<to>, which matches OutputPath
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "libreoffice", Args: []string{
					"--headless",
					"--convert-to", formats.NormalizeOutput(req.To),
					"--outdir", filepath.Dir(req.OutputPath),
					req.InputPath,
				}}
			}),
		},
		{
			ID:          "pandoc",
			Name:        "Pandoc",
			Description: "Universal document converter",
			Binary:      "pandoc",
			Conversions: map[string][]string{
				"markdown": {"html", "pdf", "docx", "epub", "latex", "rst"},
				"html":     {"markdown", "pdf", "docx", "epub", "latex"},
				"rst":      {"html", "markdown", "pdf", "docx", "latex"},
				"latex":    {"html", "pdf", "docx"},
				"epub":     {"html", "pdf", "docx", "markdown"},
				"docx":     {"markdown", "html", "pdf", "epub", "rst"},
			},
			OptionsSchema: pandocOptionsSchema,
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				args := []string{req.InputPath, "-o", req.OutputPath}
				if optBool(req.Options, "standalone") {
					args = append(args, "--standalone")
				}
				if optBool(req.Options, "toc") {
					args = append(args, "--toc")
				}
				if v, ok := optString(req.Options, "pdf_engine"); ok {
					args = append(args, "--pdf-engine="+v)
				}
				return runner.Command{Program: "pandoc", Args: args}
			}),
		},
		{
			ID:          "calibre",
			Name:        "Calibre",
			Description: "eBook format conversion using Calibre",
			Binary:      "ebook-convert",
			Conversions: map[string][]string{
				"epub": {"mobi", "azw3", "pdf", "html", "txt"},
				"mobi": {"epub", "azw3", "pdf", "html", "txt"},
				"azw3": {"epub", "mobi", "pdf", "html", "txt"},
				"pdf":  {"epub", "mobi", "html", "txt"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "ebook-convert", Args: []string{req.InputPath, req.OutputPath}}
			}),
		},
		{
			ID:          "xelatex",
			Name:        "XeLaTeX",
			Description: "LaTeX document compilation",
			Binary:      "xelatex",
			Conversions: map[string][]string{
				"latex": {"pdf"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "xelatex", Args: []string{
					"-interaction=nonstopmode",
					"-output-directory", filepath.Dir(req.OutputPath),
					req.InputPath,
				}}
			}),
		},
		{
			ID:          "pdflatex",
			Name:        "pdfLaTeX",
			Description: "LaTeX document compilation with pdfTeX",
			Binary:      "pdflatex",
			Conversions: map[string][]string{
				"latex": {"pdf"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "pdflatex", Args: []string{
					"-interaction=nonstopmode",
					"-output-directory", filepath.Dir(req.OutputPath),
					req.InputPath,
				}}
			}),
		},
		{
			ID:          "dvisvgm",
			Name:        "dvisvgm",
			Description: "DVI to SVG conversion",
			Binary:      "dvisvgm",
			Conversions: map[string][]string{
				"dvi": {"svg"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "dvisvgm", Args: []string{"--no-fonts", "-o", req.OutputPath, req.InputPath}}
			}),
		},
		{
			ID:          "msgconvert",
			Name:        "msgconvert",
			Description: "Outlook MSG to EML conversion",
			Binary:      "msgconvert",
			Conversions: map[string][]string{
				"msg": {"eml"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "msgconvert", Args: []string{"--outfile", req.OutputPath, req.InputPath}}
			}),
		},
		{
			ID:          "assimp",
			Name:        "Assimp",
			Description: "3D model format conversion",
			Binary:      "assimp",
			Conversions: map[string][]string{
				"obj":  {"fbx", "gltf", "glb", "stl", "ply", "3ds"},
				"fbx":  {"obj", "gltf", "glb", "stl", "ply"},
				"gltf": {"obj", "fbx", "glb", "stl"},
				"glb":  {"obj", "fbx", "gltf", "stl"},
				"stl":  {"obj", "fbx", "gltf", "glb", "ply"},
				"3ds":  {"obj", "fbx", "gltf", "glb"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "assimp", Args: []string{"export", req.InputPath, req.OutputPath}}
			}),
		},
		{
			ID:          "dasel",
			Name:        "Dasel",
			Description: "Data format conversion (JSON, YAML, TOML, XML)",
			Binary:      "dasel",
			Conversions: map[string][]string{
				"json": {"yaml", "toml", "xml", "csv"},
				"yaml": {"json", "toml", "xml", "csv"},
				"toml": {"json", "yaml", "xml"},
				"xml":  {"json", "yaml"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "dasel", Args: []string{
					"-f", req.InputPath,
					"-w", formats.Normalize(req.To),
					"-o", req.OutputPath,
				}}
			}),
		},
		{
			ID:          "markitdown",
			Name:        "MarkItDown",
			Description: "Convert various documents to Markdown",
			Binary:      "markitdown",
			Conversions: map[string][]string{
				"pdf":  {"markdown"},
				"docx": {"markdown"},
				"pptx": {"markdown"},
				"xlsx": {"markdown"},
				"html": {"markdown"},
			},
			Converter: NewCommandConverter(r, func(req Request) runner.Command {
				return runner.Command{Program: "markitdown", Args: []string{req.InputPath, "-o", req.OutputPath}}
			}),
		},
	}
}

func imageArgs(opts map[string]any) []string {
	var args []string
	if optBool(opts, "strip") {
		args = append(args, "-strip")
	}
	if v, ok := optString(opts, "resize"); ok {
		args = append(args, "-resize", v)
	}
	if q, ok := optInt(opts, "quality"); ok {
		args = append(args, "-quality", strconv.Itoa(q))
	}
	return args
}
