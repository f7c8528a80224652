package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/convertx/internal/bootstrap"
	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/formats"
)

var (
	convertTo     string
	convertEngine string
	convertOut    string
	convertJobs   int
)

// ConvertResult is the outcome of one local conversion.
type ConvertResult struct {
	Input    string `json:"input"`
	Output   string `json:"output,omitempty"`
	Engine   string `json:"engine,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

var convertCmd = &cobra.Command{
	Use:   "convert <files...>",
	Short: "Convert local files without going through the service",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if convertTo == "" {
			return fmt.Errorf("--to is required")
		}
		reg, err := bootstrap.NewRegistry(cfg.Conversion)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(convertOut, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}

		plans, err := planLocal(reg, args, convertTo, convertEngine, convertOut)
		if err != nil {
			return err
		}

		results := runLocal(cmd.Context(), plans, convertJobs)

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}

		if outputJSON {
			if err := printJSON(results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				if r.Error != "" {
					ui.Error("%s: %s", r.Input, r.Error)
				} else {
					ui.Success("%s → %s (%s, %s)", r.Input, r.Output, r.Engine, r.Duration)
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d conversions failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertTo, "to", "t", "", "target format (required)")
	convertCmd.Flags().StringVarP(&convertEngine, "engine", "e", "", "engine to use (default: auto-select per file)")
	convertCmd.Flags().StringVarP(&convertOut, "out", "o", ".", "output directory")
	convertCmd.Flags().IntVarP(&convertJobs, "jobs", "j", runtime.NumCPU(), "number of parallel conversions")
}

type localPlan struct {
	input  string
	engine *engine.Engine
	req    engine.Request
}

// planLocal resolves an engine and a distinct output path for every input
// before anything runs.
func planLocal(reg *engine.Registry, inputs []string, to, engineID, outDir string) ([]localPlan, error) {
	to = formats.Normalize(to)
	taken := make(map[string]bool)
	plans := make([]localPlan, 0, len(inputs))

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", input)
		}

		from := formats.FromFilename(input)
		if from == "" {
			return nil, fmt.Errorf("%s has no extension", input)
		}
		e, err := reg.Resolve(engineID, from, to)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", input, err)
		}

		name := e.OutputName(filepath.Base(input), to)
		if taken[name] {
			return nil, fmt.Errorf("%s: output %s would be written twice", input, name)
		}
		taken[name] = true

		plans = append(plans, localPlan{
			input:  input,
			engine: e,
			req: engine.Request{
				InputPath:  input,
				OutputPath: filepath.Join(outDir, name),
				From:       from,
				To:         to,
			},
		})
	}
	return plans, nil
}

// runLocal runs the plans with at most jobs conversions at a time. Results
// keep the order of the plans.
func runLocal(ctx context.Context, plans []localPlan, jobs int) []ConvertResult {
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	progress := ui.Progress()
	results := make([]ConvertResult, len(plans))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, p := range plans {
		i, p := i, p
		bar := ui.FileBar(progress, filepath.Base(p.input))
		g.Go(func() error {
			start := time.Now()
			err := p.engine.Converter.Convert(ctx, p.req)
			finish(bar, err)

			r := ConvertResult{
				Input:    p.input,
				Engine:   p.engine.ID,
				Duration: FormatDuration(time.Since(start)),
			}
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Output = p.req.OutputPath
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			// one failed file does not stop the others
			return nil
		})
	}
	_ = g.Wait()
	progress.Wait()
	return results
}

func finish(bar *mpb.Bar, err error) {
	if err != nil {
		bar.Abort(false)
		return
	}
	bar.Increment()
}
