package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/runner"
)

// CommandFunc builds the program invocation for a request.
type CommandFunc func(req Request) runner.Command

// CommandConverter shells out to an external converter binary.
type CommandConverter struct {
	runner *runner.Runner
	build  CommandFunc
}

// NewCommandConverter creates a converter that runs the command built by fn.
func NewCommandConverter(r *runner.Runner, fn CommandFunc) *CommandConverter {
	if r == nil {
		r = runner.New(runner.Options{})
	}
	return &CommandConverter{runner: r, build: fn}
}

// Convert runs the command and checks that the output file was produced.
func (c *CommandConverter) Convert(ctx context.Context, req Request) error {
	cmd := c.build(req)
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(req.OutputPath)
	}

	if err := run(ctx, c.runner, cmd); err != nil {
		return err
	}
	return verifyOutput(req.OutputPath)
}

// run executes cmd and maps failures to conversion errors.
func run(ctx context.Context, r *runner.Runner, cmd runner.Command) error {
	if _, err := r.Run(ctx, cmd); err != nil {
		if errors.Is(err, runner.ErrNotInstalled) {
			return domain.ConversionError(fmt.Sprintf("%s is not installed", cmd.Program), err)
		}
		return domain.ConversionError(fmt.Sprintf("%s failed", cmd.Program), err)
	}
	return nil
}

func verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.ConversionError("output file was not created", err)
	}
	if info.IsDir() {
		return domain.ConversionError("output path is a directory", nil)
	}
	return nil
}

func optString(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key].(string)
	return v, ok && v != ""
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func optBool(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}
