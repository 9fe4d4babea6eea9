package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	r "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/metrics"
)

func newCache(t *testing.T, opts Options) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, opts), mr
}

func view(state domain.State, version int64) *domain.StatusView {
	return &domain.StatusView{JobID: "job-1", OwnerID: "u1", State: state, AttemptCount: 1, MaxAttempts: 3, Version: version}
}

func TestSetGet(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	got, err := c.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got, "miss")

	require.NoError(t, c.Set(ctx, view(domain.Pending, 1)))
	got, err = c.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.Pending, got.State)
	assert.Equal(t, int64(1), got.Version)
}

func TestSetIgnoresOlderVersion(t *testing.T) {
	c, _ := newCache(t, Options{})
	ctx := context.Background()

	done := view(domain.Succeeded, 3)
	done.ResultRef = "results/job-1.json"
	require.NoError(t, c.Set(ctx, done))
	require.NoError(t, c.Set(ctx, view(domain.Pending, 1)))

	got, err := c.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, got.State, "late writer cannot undo a terminal snapshot")
	assert.Equal(t, "results/job-1.json", got.ResultRef)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newCache(t, Options{TTL: time.Second})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, view(domain.Pending, 1)))
	assert.Equal(t, time.Second, mr.TTL("visionq:status:job-1"))

	mr.FastForward(2 * time.Second)
	got, err := c.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBreakerOpensOnFailures(t *testing.T) {
	c, mr := newCache(t, Options{MaxFailures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()
	mr.Close()

	_, err := c.Get(ctx, "job-1")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, view(domain.Pending, 1)))
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(metrics.CacheBreakerState))

	_, err = c.Get(ctx, "job-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
