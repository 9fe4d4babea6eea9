// Package orchestrator owns the job lifecycle. It is the only writer of the
// job store: workers and the sweeper change job state by calling it, and
// every change is a compare-and-swap on (state, attempt_count).
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/metrics"
	"github.com/SirClappington/visionq/internal/retry"
)

type Store interface {
	Insert(ctx context.Context, j *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	CompareAndSwap(ctx context.Context, next *domain.Job, expectedState domain.State, expectedAttempt int) (bool, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error
}

// StatusCache is a best-effort mirror of job status. Get returns nil on a
// miss.
type StatusCache interface {
	Get(ctx context.Context, id string) (*domain.StatusView, error)
	Set(ctx context.Context, v *domain.StatusView) error
}

type Options struct {
	// MaxTTL fixes deadline_at = created_at + MaxTTL.
	MaxTTL time.Duration
	// DispatchGrace is how long a PENDING job may sit past its run_at before
	// the sweeper publishes it again.
	DispatchGrace time.Duration
	SweepBatch    int
	// CASRetries bounds how often a conflicting update is re-evaluated.
	CASRetries int
	Now        func() time.Time
}

type Orchestrator struct {
	store  Store
	pub    Publisher
	cache  StatusCache
	policy retry.Policy
	opts   Options
	log    *zap.Logger
}

func New(store Store, pub Publisher, cache StatusCache, policy retry.Policy, opts Options, log *zap.Logger) *Orchestrator {
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = time.Hour
	}
	if opts.DispatchGrace <= 0 {
		opts.DispatchGrace = 5 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	if opts.CASRetries <= 0 {
		opts.CASRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = retry.DefaultPolicy().MaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, pub: pub, cache: cache, policy: policy, opts: opts, log: log}
}

var errTooManyConflicts = stderrors.New("too many concurrent updates")

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

// CreateJob records a PENDING job and publishes its first dispatch. It
// returns as soon as the row is durable; a failed publish is left to the
// sweeper's pending reconciliation.
func (o *Orchestrator) CreateJob(ctx context.Context, ownerID, payloadRef string, params domain.Parameters) (*domain.Job, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", domain.ErrInvalidParameters)
	}
	if payloadRef == "" {
		return nil, fmt.Errorf("%w: payload_ref is required", domain.ErrInvalidParameters)
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := o.now()
	job := &domain.Job{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		PayloadRef:   payloadRef,
		Parameters:   params,
		State:        domain.Pending,
		AttemptCount: 1,
		MaxAttempts:  o.policy.MaxAttempts,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		DeadlineAt:   now.Add(o.opts.MaxTTL),
		RunAt:        now,
	}
	if err := o.store.Insert(ctx, job); err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	metrics.JobsCreatedTotal.Inc()
	o.cacheSet(ctx, job)
	o.publish(ctx, job, 0, "create")

	o.log.Info("job created", zap.String("job_id", job.ID), zap.String("owner_id", ownerID),
		zap.Any("model_types", params.ModelTypes))
	return job.Clone(), nil
}

// ClaimDispatch marks the attempt as picked up by a worker. It only moves
// PENDING to DISPATCHED for the same attempt and never fails the caller's
// execution: any mismatch is a silent no-op.
func (o *Orchestrator) ClaimDispatch(ctx context.Context, jobID string, attempt int) error {
	job, err := o.store.Get(ctx, jobID)
	if stderrors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "claim dispatch")
	}
	if job.State != domain.Pending || job.AttemptCount != attempt {
		return nil
	}
	next := job.Clone()
	next.State = domain.Dispatched
	next.UpdatedAt = o.now()
	ok, err := o.store.CompareAndSwap(ctx, next, domain.Pending, attempt)
	if err != nil {
		return errors.Wrap(err, "claim dispatch")
	}
	if ok {
		o.cacheSet(ctx, next)
	}
	return nil
}

// ReportOutcome applies a worker's outcome to the job. Reports for unknown
// or terminal jobs, or for an attempt other than the current one, are
// discarded. An error means the outcome was not recorded and the delivery
// should not be acknowledged.
func (o *Orchestrator) ReportOutcome(ctx context.Context, rep domain.OutcomeReport) error {
	log := o.log.With(zap.String("job_id", rep.JobID), zap.Int("attempt", rep.AttemptNumber),
		zap.String("outcome", string(rep.Outcome)))

	var ev event
	switch rep.Outcome {
	case domain.OutcomeSuccess:
		if rep.ResultRef == "" {
			log.Warn("success report without result_ref discarded")
			metrics.OutcomesTotal.WithLabelValues(string(rep.Outcome), "ignored").Inc()
			return nil
		}
		ev = event{success: true, resultRef: rep.ResultRef}
	case domain.OutcomeFailure:
		f := domain.Failure{Kind: domain.KindInferenceError}
		if rep.Error != nil {
			f = *rep.Error
			if f.Kind == "" {
				f.Kind = domain.KindInferenceError
			}
		}
		ev = event{failure: f}
	default:
		log.Warn("unknown outcome discarded")
		metrics.OutcomesTotal.WithLabelValues(string(rep.Outcome), "ignored").Inc()
		return nil
	}

	applied, err := o.update(ctx, rep.JobID, func(j *domain.Job) bool {
		return !j.Terminal() && j.AttemptCount == rep.AttemptNumber
	}, ev, "retry")
	if err != nil {
		return err
	}
	disposition := "applied"
	if !applied {
		disposition = "ignored"
		log.Debug("stale outcome report discarded")
	}
	metrics.OutcomesTotal.WithLabelValues(string(rep.Outcome), disposition).Inc()
	return nil
}

// GetStatus answers from the cache when it can and falls back to the
// store, repopulating the cache on the way out.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*domain.StatusView, error) {
	if o.cache != nil {
		v, err := o.cache.Get(ctx, jobID)
		switch {
		case err != nil:
			metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
			o.log.Warn("status cache read failed", zap.String("job_id", jobID), zap.Error(err))
		case v != nil:
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			return v, nil
		default:
			metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		}
	}

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		if stderrors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "get status")
	}
	o.cacheSet(ctx, job)
	return job.Status(), nil
}

// event is the input to a state change: a success with its artifact, a
// failure to retry or finish on, a deadline expiry, or a republish of a
// PENDING job whose dispatch went missing.
type event struct {
	success   bool
	resultRef string
	failure   domain.Failure
	expire    bool
	republish bool
}

// update loads the job, checks guard, computes the next state and commits
// it with a compare-and-swap. On conflict the job is reloaded and the guard
// checked again. It reports whether a change was committed.
func (o *Orchestrator) update(ctx context.Context, jobID string, guard func(*domain.Job) bool, ev event, reason string) (bool, error) {
	for i := 0; i <= o.opts.CASRetries; i++ {
		job, err := o.store.Get(ctx, jobID)
		if stderrors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrapf(err, "load job %s", jobID)
		}
		if !guard(job) {
			return false, nil
		}

		next, delay, err := o.next(job, ev)
		if err != nil {
			o.log.Warn("transition rejected", zap.String("job_id", jobID), zap.Error(err))
			return false, nil
		}
		ok, err := o.store.CompareAndSwap(ctx, next, job.State, job.AttemptCount)
		if err != nil {
			return false, errors.Wrapf(err, "update job %s", jobID)
		}
		if !ok {
			metrics.CasConflictsTotal.Inc()
			continue
		}

		o.cacheSet(ctx, next)
		o.committed(ctx, job, next, delay, reason)
		return true, nil
	}
	return false, errors.Wrapf(errTooManyConflicts, "update job %s", jobID)
}

// next computes the state that follows job under ev, with the backoff delay
// when the job goes back to PENDING.
func (o *Orchestrator) next(job *domain.Job, ev event) (*domain.Job, time.Duration, error) {
	now := o.now()
	n := job.Clone()
	n.UpdatedAt = now

	var delay time.Duration
	switch {
	case ev.republish:
		n.RunAt = now
	case ev.expire:
		n.State = domain.Expired
		n.Error = &domain.JobError{Kind: domain.KindDeadlineExceeded, Message: "deadline passed before the job completed"}
		if job.LastFailure != nil {
			n.Error.Cause = job.LastFailure.Kind
		}
	case ev.success:
		n.State = domain.Succeeded
		ref := ev.resultRef
		n.ResultRef = &ref
	case o.policy.Exhausted(job.AttemptCount, job.MaxAttempts):
		n.State = domain.Failed
		n.Error = &domain.JobError{Kind: domain.KindRetryExhausted, Cause: ev.failure.Kind, Message: ev.failure.Message}
	default:
		n.State = domain.Pending
		n.AttemptCount++
		f := ev.failure
		n.LastFailure = &f
		delay = o.policy.Delay(n.AttemptCount)
		n.RunAt = now.Add(delay)
	}
	if err := job.State.Transition(n.State); err != nil {
		return nil, 0, err
	}
	return n, delay, nil
}

// committed runs the side effects of a committed change: the next dispatch
// for a retry, and metrics.
func (o *Orchestrator) committed(ctx context.Context, prev, next *domain.Job, delay time.Duration, reason string) {
	log := o.log.With(zap.String("job_id", next.ID), zap.Int("attempt", prev.AttemptCount))
	switch {
	case next.State == domain.Pending && prev.AttemptCount == next.AttemptCount:
		log.Info("pending job republished", zap.Time("run_at", prev.RunAt))
		o.publish(ctx, next, 0, reason)
	case next.State == domain.Pending:
		kind := next.LastFailure.Kind
		metrics.RetriesTotal.WithLabelValues(string(kind)).Inc()
		log.Info("job scheduled for retry", zap.String("kind", string(kind)),
			zap.Int("next_attempt", next.AttemptCount), zap.Duration("delay", delay))
		o.publish(ctx, next, delay, reason)
	case next.State == domain.Succeeded:
		metrics.TerminalTotal.WithLabelValues(string(next.State)).Inc()
		log.Info("job succeeded", zap.String("result_ref", *next.ResultRef))
	default:
		metrics.TerminalTotal.WithLabelValues(string(next.State)).Inc()
		log.Warn("job finished without result", zap.String("state", string(next.State)),
			zap.String("error", next.Error.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, job *domain.Job, delay time.Duration, reason string) {
	if err := o.pub.Publish(ctx, job.Dispatch(), delay); err != nil {
		metrics.DispatchPublishedTotal.WithLabelValues(reason, "error").Inc()
		o.log.Error("dispatch publish failed", zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptCount), zap.String("reason", reason), zap.Error(err))
		return
	}
	metrics.DispatchPublishedTotal.WithLabelValues(reason, "ok").Inc()
}

func (o *Orchestrator) cacheSet(ctx context.Context, job *domain.Job) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Set(ctx, job.Status()); err != nil {
		o.log.Warn("status cache write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
