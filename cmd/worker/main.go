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
	"github.com/SirClappington/visionq/internal/inference"
	"github.com/SirClappington/visionq/internal/logging"
	"github.com/SirClappington/visionq/internal/objectstore"
	"github.com/SirClappington/visionq/internal/ops"
	"github.com/SirClappington/visionq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New("worker", cfg.Dev(), cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
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

	objs, err := objectstore.NewMinio(objectstore.Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return err
	}
	if err := objs.EnsureBucket(ctx); err != nil {
		return err
	}

	pipeline := inference.NewPipeline(objs, inference.NewHTTPDetector(cfg.DetectorURL, cfg.InferenceTimeout))
	ex := worker.NewExecutor(deps.Transport, deps.Orch, pipeline, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		Timeout:     cfg.InferenceTimeout,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ex.Run(ctx) })
	g.Go(func() error { return ops.Serve(ctx, cfg.OpsAddr, ops.Router(logger, deps.Checks()), logger) })
	return g.Wait()
}
