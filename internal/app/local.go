package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/visionq/internal/config"
	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/orchestrator"
	"github.com/SirClappington/visionq/internal/queue"
	"github.com/SirClappington/visionq/internal/storage"
	"github.com/SirClappington/visionq/internal/worker"
)

const localPoll = 100 * time.Millisecond

// RunLocal takes one job through its whole lifecycle inside this process.
// Jobs and messages live in memory and the sweeper runs without a leader
// lock, so nothing outlives the call. It returns once the job is terminal.
func RunLocal(ctx context.Context, cfg config.Config, log *zap.Logger, infer worker.Inference,
	owner, payloadRef string, params domain.Parameters) (*domain.StatusView, error) {
	store := storage.NewMemory()
	tr := queue.NewMemory(0, 0)
	defer func() { _ = tr.Close() }()

	orch := orchestrator.New(store, tr, nil, retryPolicy(cfg), orchestratorOptions(cfg), log)
	ex := worker.NewExecutor(tr, orch, infer, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		Timeout:     cfg.InferenceTimeout,
	}, log)

	job, err := orch.CreateJob(ctx, owner, payloadRef, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var final *domain.StatusView
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ex.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		poll := time.NewTicker(localPoll)
		defer poll.Stop()
		sweep := time.NewTicker(cfg.SweepInterval)
		defer sweep.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-sweep.C:
				if _, err := orch.Sweep(gctx); err != nil {
					log.Warn("sweep failed", zap.Error(err))
				}
			case <-poll.C:
				v, err := orch.GetStatus(gctx, job.ID)
				if err != nil {
					return err
				}
				if v.State.Terminal() {
					final = v
					return nil
				}
			}
		}
	})
	err = g.Wait()
	if final == nil {
		return nil, err
	}

	msgs, _ := tr.Published()
	log.Info("local run finished",
		zap.String("job_id", final.JobID),
		zap.String("state", string(final.State)),
		zap.Int("dispatches", len(msgs)))
	return final, nil
}
