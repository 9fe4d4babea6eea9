package orchestrator

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/metrics"
	"github.com/SirClappington/visionq/internal/queue"
)

// SweepReport counts what one Sweep call changed.
type SweepReport struct {
	Retried     int
	Expired     int
	Republished int
}

// Sweep reconciles jobs the normal outcome path lost track of. Non-terminal
// jobs past their deadline are failed through the retry path while attempts
// remain and expired otherwise. PENDING jobs whose dispatch is overdue by
// more than the grace period are published again, unless the transport
// still has ready messages: those jobs are most likely queued behind them.
// A lost compare-and-swap means someone else moved the job, and the job is
// skipped.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := o.now()

	overdue, err := o.store.ListOverdue(ctx, now, o.opts.SweepBatch)
	if err != nil {
		return rep, errors.Wrap(err, "list overdue jobs")
	}
	var errs error
	for _, job := range overdue {
		attempt := job.AttemptCount
		guard := func(j *domain.Job) bool {
			return !j.Terminal() && j.AttemptCount == attempt && j.DeadlineAt.Before(now)
		}

		ev := event{failure: domain.Failure{Kind: domain.KindDeadlineExceeded, Message: "no outcome before deadline"}}
		action := "retried"
		if o.policy.Exhausted(job.AttemptCount, job.MaxAttempts) {
			ev = event{expire: true}
			action = "expired"
		}

		applied, err := o.update(ctx, job.ID, guard, ev, "sweep")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !applied {
			continue
		}
		metrics.SweepJobsTotal.WithLabelValues(action).Inc()
		if action == "expired" {
			rep.Expired++
		} else {
			rep.Retried++
		}
	}

	if o.backlogged(ctx) {
		return rep, errs
	}
	cutoff := now.Add(-o.opts.DispatchGrace)
	stale, err := o.store.ListStalePending(ctx, cutoff, o.opts.SweepBatch)
	if err != nil {
		return rep, multierr.Append(errs, errors.Wrap(err, "list stale pending jobs"))
	}
	for _, job := range stale {
		attempt := job.AttemptCount
		guard := func(j *domain.Job) bool {
			return j.State == domain.Pending && j.AttemptCount == attempt && j.RunAt.Before(cutoff)
		}
		applied, err := o.update(ctx, job.ID, guard, event{republish: true}, "reconcile")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if applied {
			metrics.SweepJobsTotal.WithLabelValues("republished").Inc()
			rep.Republished++
		}
	}

	if rep != (SweepReport{}) {
		o.log.Info("sweep finished", zap.Int("retried", rep.Retried), zap.Int("expired", rep.Expired),
			zap.Int("republished", rep.Republished))
	}
	return rep, errs
}

// backlogged reports whether the transport holds messages no consumer has
// taken yet. Transports that cannot tell are treated as drained.
func (o *Orchestrator) backlogged(ctx context.Context) bool {
	in, ok := o.pub.(queue.Inspector)
	if !ok {
		return false
	}
	d, err := in.Depth(ctx)
	if err != nil {
		o.log.Warn("transport depth unavailable", zap.Error(err))
		return false
	}
	if d.Ready > 0 {
		metrics.SweepJobsTotal.WithLabelValues("republish_deferred").Inc()
		o.log.Debug("transport backlog, stale pending jobs left queued", zap.Int64("ready", d.Ready))
		return true
	}
	return false
}
