// Package main provides the convertx CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/convertx/internal/bootstrap"
	"github.com/spherical-ai/convertx/internal/config"
	"github.com/spherical-ai/convertx/internal/observability"
)

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool
	noColor    bool

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
	ui     *UI
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "convertx",
	Short: "convertx converts files between formats",
	Long: `convertx converts documents, images, data and contact files between formats
using native converters and external tools such as LibreOffice, Pandoc and ImageMagick.

Use this tool to:
- List the available engines and the conversions they support
- Convert local files directly
- Inspect, watch and delete jobs submitted to the conversion service
- Clean up expired jobs and migrate the database

All commands support --json for automation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		format := "console"
		if outputJSON {
			format = "json"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      format,
			Output:      os.Stderr,
			ServiceName: "convertx-cli",
		})

		if noColor {
			color.NoColor = true
		}
		ui = NewUI(outputJSON, noColor || color.NoColor)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(enginesCmd, targetsCmd, convertCmd, jobsCmd, cleanupCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if ui != nil {
			ui.Error("%v", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// openApp wires the full application against the configured backends.
func openApp(ctx context.Context) (*bootstrap.App, error) {
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func closeApp(app *bootstrap.App) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to close application")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
