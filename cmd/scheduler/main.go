package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/visionq/internal/app"
	"github.com/SirClappington/visionq/internal/config"
	"github.com/SirClappington/visionq/internal/logging"
	"github.com/SirClappington/visionq/internal/ops"
	"github.com/SirClappington/visionq/internal/storage"
	"github.com/SirClappington/visionq/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New("scheduler", cfg.Dev(), cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("close dependencies", zap.Error(err))
		}
	}()

	// leader election: one session-level advisory lock across all schedulers
	leader := storage.NewLeader(deps.DB, cfg.SweeperLockKey)
	loop := sweeper.New(leader, deps.Orch, deps.Transport, cfg.SweepInterval, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return ops.Serve(ctx, cfg.OpsAddr, ops.Router(logger, deps.Checks()), logger) })
	return g.Wait()
}
