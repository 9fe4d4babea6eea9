package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/visionq/internal/app"
	"github.com/SirClappington/visionq/internal/config"
	"github.com/SirClappington/visionq/internal/logging"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "visionctl",
	Short:        "Operate the visionq job orchestrator",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		logger, err = logging.New("visionctl", true, cfg.LogLevel)
		return err
	},
}

// withDeps opens the shared dependencies for the duration of fn.
func withDeps(ctx context.Context, fn func(*app.Deps) error) error {
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()
	return fn(deps)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
