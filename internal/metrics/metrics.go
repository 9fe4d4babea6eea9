package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "visionq_jobs_created_total",
			Help: "Total number of jobs accepted by CreateJob",
		},
	)

	DispatchPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_dispatch_published_total",
			Help: "Dispatch messages published to the transport",
		},
		[]string{"reason", "result"}, // reason: create, retry, reconcile; result: ok, error
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_outcomes_total",
			Help: "Outcome reports received, by outcome and disposition",
		},
		[]string{"outcome", "disposition"}, // disposition: applied, ignored
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_retries_total",
			Help: "Jobs sent back to PENDING for another attempt",
		},
		[]string{"kind"},
	)

	TerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_jobs_terminal_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"state"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_status_cache_requests_total",
			Help: "Status cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)

	CasConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "visionq_cas_conflicts_total",
			Help: "Compare-and-swap updates that lost to a concurrent writer",
		},
	)

	SweepJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_sweep_jobs_total",
			Help: "Jobs touched by the sweeper",
		},
		[]string{"action"}, // retried, expired, republished
	)

	TransportMaintenanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionq_transport_maintenance_total",
			Help: "Messages moved by transport maintenance",
		},
		[]string{"action"}, // promoted, reclaimed
	)

	WorkerBusySlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "visionq_worker_busy_slots",
			Help: "Worker slots currently executing an attempt",
		},
	)

	SweeperLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "visionq_sweeper_leader",
			Help: "1 when this process holds sweeper leadership",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visionq_queue_depth",
			Help: "Dispatch messages in the transport, sampled by the sweeper leader",
		},
		[]string{"state"}, // ready, in_flight, delayed
	)

	// 0 closed, 1 half-open, 2 open
	CacheBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "visionq_status_cache_breaker_state",
			Help: "State of the status cache circuit breaker",
		},
	)

	// Buckets: 50ms doubling up to ~100s
	InferenceDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visionq_inference_duration_seconds",
			Help:    "Inference execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"model_type", "success"},
	)
)
