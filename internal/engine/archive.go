package engine

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/runner"
)

// DirFunc builds a command that writes its results into dir.
type DirFunc func(req Request, dir string) runner.Command

// DirConverter runs a tool that produces a directory of files and packs the
// directory into the archive at Request.OutputPath. The archive type follows
// the output extension: .zip writes a zip, anything else a tar.
type DirConverter struct {
	runner *runner.Runner
	build  DirFunc
}

// NewDirConverter creates a converter that runs the command built by fn.
func NewDirConverter(r *runner.Runner, fn DirFunc) *DirConverter {
	if r == nil {
		r = runner.New(runner.Options{})
	}
	return &DirConverter{runner: r, build: fn}
}

// Convert runs the command in a scratch directory next to the output and
// archives whatever it wrote.
func (c *DirConverter) Convert(ctx context.Context, req Request) error {
	dir, err := os.MkdirTemp(filepath.Dir(req.OutputPath), ".pack-*")
	if err != nil {
		return domain.IOError("failed to create scratch directory", err)
	}
	defer os.RemoveAll(dir)

	cmd := c.build(req, dir)
	if cmd.Dir == "" {
		cmd.Dir = dir
	}
	if err := run(ctx, c.runner, cmd); err != nil {
		return err
	}
	if err := packDir(dir, req.OutputPath); err != nil {
		return err
	}
	return verifyOutput(req.OutputPath)
}

// packDir archives the regular files under dir into out. Entry names are
// relative to dir and use forward slashes.
func packDir(dir, out string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return domain.IOError("failed to list converted files", err)
	}
	if len(files) == 0 {
		return domain.ConversionError("converter produced no files", nil)
	}

	f, err := os.Create(out)
	if err != nil {
		return domain.IOError("failed to create archive", err)
	}
	if strings.EqualFold(filepath.Ext(out), ".zip") {
		err = writeZip(f, dir, files)
	} else {
		err = writeTar(f, dir, files)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return domain.IOError("failed to write archive", err)
	}
	return nil
}

func writeTar(w io.Writer, dir string, files []string) error {
	tw := tar.NewWriter(w)
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		if hdr.Name, err = entryName(dir, path); err != nil {
			return err
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if err := copyFile(tw, path); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeZip(w io.Writer, dir string, files []string) error {
	zw := zip.NewWriter(w)
	for _, path := range files {
		name, err := entryName(dir, path)
		if err != nil {
			return err
		}
		fw, err := zw.Create(name)
		if err != nil {
			return err
		}
		if err := copyFile(fw, path); err != nil {
			return err
		}
	}
	return zw.Close()
}

func entryName(dir, path string) (string, error) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return "", fmt.Errorf("archive entry for %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
