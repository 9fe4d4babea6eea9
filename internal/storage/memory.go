package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/visionq/internal/domain"
)

// Memory is an in-process job store with the same compare-and-swap
// semantics as Store. It backs tests and single-process runs.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

func (m *Memory) Insert(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "insert job %s", j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) CompareAndSwap(_ context.Context, next *domain.Job, expectedState domain.State, expectedAttempt int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[next.ID]
	if !ok || cur.State != expectedState || cur.AttemptCount != expectedAttempt {
		return false, nil
	}
	stored := next.Clone()
	stored.OwnerID = cur.OwnerID
	stored.PayloadRef = cur.PayloadRef
	stored.Parameters = cur.Parameters
	stored.MaxAttempts = cur.MaxAttempts
	stored.CreatedAt = cur.CreatedAt
	stored.DeadlineAt = cur.DeadlineAt
	stored.Version = cur.Version + 1
	m.jobs[next.ID] = stored
	next.Version = stored.Version
	return true, nil
}

func (m *Memory) ListOverdue(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return m.filter(limit, func(j *domain.Job) bool {
		return !j.Terminal() && j.DeadlineAt.Before(now)
	}, func(a, b *domain.Job) bool { return a.DeadlineAt.Before(b.DeadlineAt) }), nil
}

func (m *Memory) ListStalePending(_ context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	return m.filter(limit, func(j *domain.Job) bool {
		return j.State == domain.Pending && j.RunAt.Before(before)
	}, func(a, b *domain.Job) bool { return a.RunAt.Before(b.RunAt) }), nil
}

func (m *Memory) filter(limit int, keep func(*domain.Job) bool, less func(a, b *domain.Job) bool) []*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
