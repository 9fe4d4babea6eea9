// Package worker runs dispatch messages through the inference function on
// a fixed number of slots. It keeps no job state of its own: every outcome
// goes back through the orchestrator, and a delivery is acknowledged only
// after the orchestrator accepted it.
package worker

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/metrics"
	"github.com/SirClappington/visionq/internal/queue"
)

type Receiver interface {
	Receive(ctx context.Context) (*queue.Delivery, error)
}

type Orchestrator interface {
	ClaimDispatch(ctx context.Context, jobID string, attempt int) error
	ReportOutcome(ctx context.Context, rep domain.OutcomeReport) error
}

type Inference interface {
	Run(ctx context.Context, msg domain.DispatchMessage) (resultRef string, err error)
}

type Config struct {
	Concurrency int
	// Timeout bounds one inference call. It should stay below the
	// transport's visibility timeout.
	Timeout time.Duration
	// SettleTimeout bounds reporting and acknowledging after the
	// inference call returned, including during shutdown.
	SettleTimeout time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

type Executor struct {
	rx    Receiver
	orch  Orchestrator
	infer Inference
	cfg   Config
	log   *zap.Logger
}

func NewExecutor(rx Receiver, orch Orchestrator, infer Inference, cfg Config, log *zap.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{rx: rx, orch: orch, infer: infer, cfg: cfg, log: log}
}

// Run starts the slots and blocks until ctx is cancelled or the transport
// is closed. In-flight attempts finish and settle before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	e.log.Info("worker pool starting", zap.Int("slots", e.cfg.Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error { return e.loop(ctx, slot) })
	}
	err := g.Wait()
	e.log.Info("worker pool stopped")
	return err
}

func (e *Executor) loop(ctx context.Context, slot int) error {
	log := e.log.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := e.rx.Receive(ctx)
		switch {
		case stderrors.Is(err, queue.ErrClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.ErrorBackoff):
			}
			continue
		case d == nil:
			continue
		}
		e.Handle(ctx, d)
	}
}

// Handle executes one delivery end to end.
func (e *Executor) Handle(ctx context.Context, d *queue.Delivery) {
	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()

	msg, err := d.Decode()
	if err != nil {
		e.log.Error("dropping undecodable dispatch message", zap.Error(err), zap.ByteString("body", d.Body))
		if err := d.Ack(settle); err != nil {
			e.log.Warn("ack failed", zap.Error(err))
		}
		return
	}
	log := e.log.With(zap.String("job_id", msg.JobID), zap.Int("attempt", msg.AttemptNumber))

	if err := e.orch.ClaimDispatch(ctx, msg.JobID, msg.AttemptNumber); err != nil {
		log.Warn("claim failed, executing anyway", zap.Error(err))
	}

	metrics.WorkerBusySlots.Inc()
	rep, err := e.execute(ctx, msg)
	metrics.WorkerBusySlots.Dec()
	if err != nil {
		// Shutdown interrupted the attempt; let another worker take it.
		log.Info("attempt interrupted, returning message", zap.Error(err))
		if err := d.Nack(settle); err != nil {
			log.Warn("nack failed", zap.Error(err))
		}
		return
	}

	if err := e.orch.ReportOutcome(settle, rep); err != nil {
		log.Error("outcome not recorded, message will be redelivered", zap.Error(err))
		if err := d.Nack(settle); err != nil {
			log.Warn("nack failed", zap.Error(err))
		}
		return
	}
	if err := d.Ack(settle); err != nil {
		// The outcome is recorded; a redelivery is absorbed by the attempt guard.
		log.Warn("ack failed", zap.Error(err))
	}
}

// execute runs inference under the attempt timeout and turns the result into
// an outcome report. It returns an error only when ctx was cancelled.
func (e *Executor) execute(ctx context.Context, msg domain.DispatchMessage) (domain.OutcomeReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	ref, err := e.infer.Run(runCtx, msg)
	if err == nil {
		return domain.SuccessReport(msg.JobID, msg.AttemptNumber, ref), nil
	}
	if ctx.Err() != nil {
		return domain.OutcomeReport{}, ctx.Err()
	}

	kind := domain.KindOf(err)
	if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		kind = domain.KindTimeout
	}
	e.log.Warn("attempt failed", zap.String("job_id", msg.JobID), zap.Int("attempt", msg.AttemptNumber),
		zap.String("kind", string(kind)), zap.Error(err))
	return domain.FailureReport(msg.JobID, msg.AttemptNumber, kind, err.Error()), nil
}
