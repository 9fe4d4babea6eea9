package main

import (
	"github.com/spf13/cobra"

	"github.com/SirClappington/visionq/internal/app"
	"github.com/SirClappington/visionq/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, db, err := app.OpenDB(cmd.Context(), cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		defer db.Close()

		if err := storage.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		cmd.Println("migrations applied")
		return nil
	},
}

func init() { rootCmd.AddCommand(migrateCmd) }
