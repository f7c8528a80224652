// Package formats normalises file extensions into the canonical format names
// used by the engine capability tables.
package formats

import (
	"path/filepath"
	"strings"
)

// compound extensions that must not be split at the last dot.
var compound = []string{"tar.gz", "tar.bz2", "tar.xz", "nii.gz", "hdr.gz"}

var inputAliases = map[string]string{
	"jfif":    "jpeg",
	"jpg":     "jpeg",
	"htm":     "html",
	"tex":     "latex",
	"md":      "markdown",
	"unknown": "m4a",
}

var outputAliases = map[string]string{
	"jpeg":              "jpg",
	"latex":             "tex",
	"markdown":          "md",
	"markdown_strict":   "md",
	"markdown_mmd":      "md",
	"markdown_phpextra": "md",
}

// Normalize maps a file extension (with or without a leading dot) to the
// canonical format name.
func Normalize(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if alias, ok := inputAliases[ext]; ok {
		return alias
	}
	return ext
}

// NormalizeOutput maps a canonical format name to the extension written on
// converted files.
func NormalizeOutput(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if alias, ok := outputAliases[format]; ok {
		return alias
	}
	return format
}

// Ext returns the raw lowercase extension of name without the dot.
func Ext(name string) string {
	base := strings.ToLower(filepath.Base(name))
	for _, c := range compound {
		if strings.HasSuffix(base, "."+c) && len(base) > len(c)+1 {
			return c
		}
	}
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return ""
	}
	return strings.TrimPrefix(ext, ".")
}

// FromFilename returns the normalised format of a file name, or "" if the
// name has no extension.
func FromFilename(name string) string {
	ext := Ext(name)
	if ext == "" {
		return ""
	}
	return Normalize(ext)
}

// Stem returns the base name without its extension.
func Stem(name string) string {
	base := filepath.Base(name)
	ext := Ext(base)
	if ext == "" {
		return base
	}
	return base[:len(base)-len(ext)-1]
}

// OutputName derives the converted file name from the input name and the
// target format.
func OutputName(input, target string) string {
	return Stem(input) + "." + NormalizeOutput(target)
}

// SafeName reports whether name is a plain file name that cannot escape the
// directory it is joined to.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}

// Sanitize turns an uploaded file name into a safe one.
func Sanitize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if !SafeName(name) {
		return "file"
	}
	return name
}
