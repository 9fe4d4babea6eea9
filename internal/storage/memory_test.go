package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/visionq/internal/domain"
)

func TestMemoryInsertGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := testJob(time.Now())

	require.NoError(t, m.Insert(ctx, j))
	assert.ErrorIs(t, m.Insert(ctx, j), ErrDuplicate)

	got, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.OwnerID, got.OwnerID)

	got.State = domain.Failed
	again, _ := m.Get(ctx, j.ID)
	assert.Equal(t, domain.Pending, again.State, "returned jobs are copies")

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryCompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := testJob(time.Now())
	require.NoError(t, m.Insert(ctx, j))

	next := j.Clone()
	next.State = domain.Dispatched
	ok, err := m.CompareAndSwap(ctx, next, domain.Pending, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), next.Version)

	stale := j.Clone()
	stale.State = domain.Succeeded
	ok, err = m.CompareAndSwap(ctx, stale, domain.Pending, 1)
	require.NoError(t, err)
	assert.False(t, ok, "state moved on")

	wrongAttempt := next.Clone()
	wrongAttempt.State = domain.Succeeded
	ok, _ = m.CompareAndSwap(ctx, wrongAttempt, domain.Dispatched, 2)
	assert.False(t, ok, "attempt mismatch")
}

func TestMemoryCompareAndSwapSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := testJob(time.Now())
	require.NoError(t, m.Insert(ctx, j))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := j.Clone()
			next.State = domain.Succeeded
			if ok, _ := m.CompareAndSwap(ctx, next, domain.Pending, 1); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryListings(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	overdue := testJob(now)
	overdue.ID = "overdue"
	overdue.DeadlineAt = now.Add(-time.Minute)

	fresh := testJob(now)
	fresh.ID = "fresh"
	fresh.RunAt = now.Add(time.Minute)

	done := testJob(now)
	done.ID = "done"
	done.State = domain.Succeeded
	done.DeadlineAt = now.Add(-time.Hour)

	for _, j := range []*domain.Job{overdue, fresh, done} {
		require.NoError(t, m.Insert(ctx, j))
	}

	jobs, err := m.ListOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "overdue", jobs[0].ID)

	stale, err := m.ListStalePending(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "overdue", stale[0].ID)

	stale, _ = m.ListStalePending(ctx, now.Add(time.Hour), 1)
	assert.Len(t, stale, 1, "limit applies")
}
