// Package sweeper runs periodic reconciliation. Only the process holding the
// leader lock sweeps, so several schedulers can run side by side.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/visionq/internal/metrics"
	"github.com/SirClappington/visionq/internal/orchestrator"
	"github.com/SirClappington/visionq/internal/queue"
)

type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (orchestrator.SweepReport, error)
}

type Loop struct {
	leader   Leader
	sweeper  Sweeper
	maint    queue.Maintainer
	depth    queue.Inspector
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// New builds the loop. Transport maintenance and depth sampling run when tr
// supports them; tr may be nil.
func New(leader Leader, sweeper Sweeper, tr queue.Transport, interval time.Duration, log *zap.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{leader: leader, sweeper: sweeper, interval: interval, log: log, now: time.Now}
	l.maint, _ = tr.(queue.Maintainer)
	l.depth, _ = tr.(queue.Inspector)
	return l
}

// Run ticks until ctx is cancelled and then gives up leadership.
func (l *Loop) Run(ctx context.Context) error {
	tick := time.NewTicker(l.interval)
	defer tick.Stop()
	defer func() {
		release, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.leader.Release(release); err != nil {
			l.log.Warn("release leadership", zap.Error(err))
		}
		metrics.SweeperLeader.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one pass. It reports whether this process was leader.
func (l *Loop) Tick(ctx context.Context) bool {
	ok, err := l.leader.Acquire(ctx)
	if err != nil {
		l.log.Warn("leader election", zap.Error(err))
	}
	if !ok {
		metrics.SweeperLeader.Set(0)
		return false
	}
	metrics.SweeperLeader.Set(1)

	if l.maint != nil {
		st, err := l.maint.Maintain(ctx, l.now())
		if err != nil {
			l.log.Warn("transport maintenance", zap.Error(err))
		}
		metrics.TransportMaintenanceTotal.WithLabelValues("promoted").Add(float64(st.Promoted))
		metrics.TransportMaintenanceTotal.WithLabelValues("reclaimed").Add(float64(st.Reclaimed))
		if st.Reclaimed > 0 {
			l.log.Info("reclaimed expired leases", zap.Int("count", st.Reclaimed))
		}
	}

	if _, err := l.sweeper.Sweep(ctx); err != nil {
		l.log.Error("sweep", zap.Error(err))
	}
	l.sampleDepth(ctx)
	return true
}

func (l *Loop) sampleDepth(ctx context.Context) {
	if l.depth == nil {
		return
	}
	d, err := l.depth.Depth(ctx)
	if err != nil {
		l.log.Warn("queue depth", zap.Error(err))
		return
	}
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(d.Ready))
	metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(d.InFlight))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
}
