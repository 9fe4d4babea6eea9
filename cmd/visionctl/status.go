package main

import (
	"github.com/spf13/cobra"

	"github.com/SirClappington/visionq/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(d *app.Deps) error {
			v, err := d.Orch.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		})
	},
}

func init() { rootCmd.AddCommand(statusCmd) }
