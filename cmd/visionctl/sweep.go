package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/SirClappington/visionq/internal/app"
	"github.com/SirClappington/visionq/internal/queue"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one transport maintenance and sweep pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(d *app.Deps) error {
			out := map[string]int{}
			if m, ok := d.Transport.(queue.Maintainer); ok {
				st, err := m.Maintain(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				out["promoted"] = st.Promoted
				out["reclaimed"] = st.Reclaimed
			}
			rep, err := d.Orch.Sweep(cmd.Context())
			out["retried"] = rep.Retried
			out["expired"] = rep.Expired
			out["republished"] = rep.Republished
			if perr := printJSON(cmd, out); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() { rootCmd.AddCommand(sweepCmd) }
