package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/convertx/internal/storage"
)

var migrateCheck bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := storage.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer db.Close()

		mm := storage.NewMigrationManager(db, cfg.Database.Driver)
		status, err := mm.CheckMigrations(ctx)
		if err != nil {
			return err
		}

		if migrateCheck {
			if outputJSON {
				return printJSON(status)
			}
			ui.KeyValue("Driver", cfg.Database.Driver)
			ui.KeyValue("Applied", len(status.Applied))
			ui.KeyValue("Pending", len(status.Pending))
			for _, name := range status.Pending {
				ui.Info("pending: %s", name)
			}
			return nil
		}

		stop := ui.Spinner("applying migrations")
		err = mm.RunMigrations(ctx, status)
		stop()
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(map[string]any{"applied": status.Pending})
		}
		if len(status.Pending) == 0 {
			ui.Success("database is up to date")
			return nil
		}
		for _, name := range status.Pending {
			ui.Success("applied %s", name)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateCheck, "check", false, "only report pending migrations")
}
