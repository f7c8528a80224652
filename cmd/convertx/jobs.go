package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/jobs"
)

var (
	jobsUser     string
	jobsLimit    int
	jobsOffset   int
	watchEvery   time.Duration
	cleanupOlder time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage conversion jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		list, err := app.Service.List(ctx, jobsUser, jobsLimit, jobsOffset)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(list)
		}

		rows := make([][]string, 0, len(list.Jobs))
		for _, j := range list.Jobs {
			rows = append(rows, []string{
				j.ID.String(),
				string(j.Status),
				j.TargetFormat,
				fmt.Sprintf("%d/%d", j.FinishedFiles, j.NumFiles),
				strconv.Itoa(j.FailedFiles),
				j.CreatedAt.Local().Format(time.DateTime),
			})
		}
		ui.Table([]string{"ID", "STATUS", "TARGET", "FILES", "FAILED", "CREATED"}, rows)
		ui.Info("showing %d of %d jobs", len(list.Jobs), list.Total)
		return nil
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		details, err := app.Service.Get(ctx, jobsUser, id)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(details)
		}

		p := details.Progress()
		ui.KeyValue("Job", details.ID)
		ui.KeyValue("Status", details.Status)
		ui.KeyValue("Target", details.TargetFormat)
		ui.KeyValue("Progress", fmt.Sprintf("%d%% (%d/%d, %d failed)", p.Percent, p.Finished, p.Total, p.Failed))
		ui.KeyValue("Created", details.CreatedAt.Local().Format(time.DateTime))
		if details.CompletedAt != nil {
			ui.KeyValue("Completed", details.CompletedAt.Local().Format(time.DateTime))
		}

		rows := make([][]string, 0, len(details.Files))
		for _, f := range details.Files {
			rows = append(rows, []string{f.FileName, f.Engine, string(f.Status), f.OutputFileName, truncate(f.Error, 60)})
		}
		ui.Table([]string{"FILE", "ENGINE", "STATUS", "OUTPUT", "ERROR"}, rows)
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		p, err := app.Service.Progress(ctx, jobsUser, id)
		if err != nil {
			return err
		}
		bar := ui.JobBar(p.Total, "converting")

		ticker := time.NewTicker(watchEvery)
		defer ticker.Stop()
		for {
			_ = bar.Set(p.Finished)
			if outputJSON {
				if err := printJSON(p); err != nil {
					return err
				}
			}
			if p.Done() {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if p, err = app.Service.Progress(ctx, jobsUser, id); err != nil {
				return err
			}
		}
		_ = bar.Finish()

		if p.Status == domain.JobStatusFailed {
			return fmt.Errorf("job %s failed: all %d files failed", id, p.Total)
		}
		if p.Failed > 0 {
			ui.Warning("job %s completed with %d of %d files failed", id, p.Failed, p.Total)
			return nil
		}
		ui.Success("job %s completed", id)
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if err := app.Service.Delete(ctx, jobsUser, id); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(map[string]string{"deleted": id.String()})
		}
		ui.Success("deleted job %s", id)
		return nil
	},
}

var jobsDeleteFileCmd = &cobra.Command{
	Use:   "delete-file <job-id> <file-name>",
	Short: "Delete one converted file from a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		if err := app.Service.DeleteFile(ctx, jobsUser, id, args[1]); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(map[string]string{"job": id.String(), "deleted": args[1]})
		}
		ui.Success("deleted %s from job %s", args[1], id)
		return nil
	},
}

var jobsSuggestCmd = &cobra.Command{
	Use:   "suggest <format>",
	Short: "Rank target formats from past conversions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		s, err := app.Service.Suggest(ctx, jobsUser, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(s)
		}

		rows := make([][]string, 0, len(s.Targets))
		for _, t := range s.Targets {
			rows = append(rows, []string{
				t.Target,
				t.Engine,
				strconv.Itoa(t.Count),
				strconv.Itoa(int(t.Confidence*100)) + "%",
			})
		}
		ui.Info("%s suggestions from %s history", s.From, s.Source)
		ui.Table([]string{"TARGET", "ENGINE", "COUNT", "SHARE"}, rows)
		if s.AutoFill {
			ui.Success("suggested: %s", s.Targets[0].Target)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than a retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan := cleanupOlder
		if olderThan <= 0 {
			olderThan = cfg.Conversion.AutoDeleteAfter
		}
		if olderThan <= 0 {
			return fmt.Errorf("--older-than is required when auto deletion is disabled")
		}

		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(app)

		stop := ui.Spinner("deleting expired jobs")
		removed, err := app.Janitor.Sweep(ctx, olderThan)
		stop()
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(map[string]any{"deleted": removed, "olderThan": olderThan.String()})
		}
		ui.Success("deleted %d jobs older than %s", removed, olderThan)
		return nil
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&jobsUser, "user", "u", jobs.DefaultUserID, "user that owns the jobs")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")
	jobsListCmd.Flags().IntVar(&jobsOffset, "offset", 0, "number of jobs to skip")
	jobsWatchCmd.Flags().DurationVar(&watchEvery, "interval", time.Second, "poll interval")
	cleanupCmd.Flags().DurationVar(&cleanupOlder, "older-than", 0, "retention period (default: auto_delete_after from config)")

	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsWatchCmd, jobsDeleteCmd, jobsDeleteFileCmd, jobsSuggestCmd)
}
