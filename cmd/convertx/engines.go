package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/convertx/internal/bootstrap"
	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/formats"
)

var enginesFrom string

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List conversion engines and whether they are available",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := bootstrap.NewRegistry(cfg.Conversion)
		if err != nil {
			return err
		}

		infos := reg.Info()
		if enginesFrom != "" {
			from := formats.Normalize(enginesFrom)
			infos = lo.Filter(infos, func(info engine.Info, _ int) bool {
				_, ok := info.Conversions[from]
				return ok
			})
		}

		if outputJSON {
			return printJSON(infos)
		}

		rows := make([][]string, 0, len(infos))
		for _, info := range infos {
			status := "available"
			if !info.Available {
				status = "not installed"
			}
			kind := "command"
			if info.Native {
				kind = "native"
			}
			rows = append(rows, []string{
				info.ID,
				info.Name,
				kind,
				status,
				truncate(strings.Join(info.Inputs, ","), 40),
			})
		}
		ui.Table([]string{"ID", "NAME", "KIND", "STATUS", "INPUTS"}, rows)
		return nil
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets <format>",
	Short: "List the formats a file format can be converted to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := bootstrap.NewRegistry(cfg.Conversion)
		if err != nil {
			return err
		}

		from := formats.Normalize(args[0])
		if !reg.HasInput(from) {
			return fmt.Errorf("no engine accepts %s", from)
		}

		if outputJSON {
			byEngine := make(map[string][]string)
			for _, e := range reg.EnginesFor(from) {
				byEngine[e.ID] = e.Targets(from)
			}
			return printJSON(map[string]any{
				"from":    from,
				"targets": reg.PossibleTargets(from),
				"engines": byEngine,
			})
		}

		rows := make([][]string, 0)
		for _, e := range reg.EnginesFor(from) {
			rows = append(rows, []string{e.ID, strings.Join(e.Targets(from), ", ")})
		}
		ui.Info("%s converts to: %s", from, strings.Join(reg.PossibleTargets(from), ", "))
		ui.Table([]string{"ENGINE", "TARGETS"}, rows)
		return nil
	},
}

func init() {
	enginesCmd.Flags().StringVar(&enginesFrom, "from", "", "only engines accepting this input format")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
