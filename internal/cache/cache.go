// Package cache mirrors job status snapshots in Redis so polling stays off
// the job store. Entries are non-authoritative and expire on their own.
package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/SirClappington/visionq/internal/domain"
	"github.com/SirClappington/visionq/internal/metrics"
)

// Redis stores each snapshot in a hash with two fields: "v" holds the job
// version and "data" the JSON view. A write carrying a lower version than
// the stored one is ignored.
type Redis struct {
	rdb    *r.Client
	prefix string
	ttl    time.Duration
	cb     *gobreaker.CircuitBreaker
}

type Options struct {
	Prefix string
	TTL    time.Duration
	// Breaker trips after this many consecutive failures. Zero means 5.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func NewRedis(rdb *r.Client, opts Options) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "visionq:status:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	maxFailures := opts.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "status-cache",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metrics.CacheBreakerState.Set(float64(to))
		},
	})
	metrics.CacheBreakerState.Set(float64(gobreaker.StateClosed))
	return &Redis{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, cb: cb}
}

func (c *Redis) key(id string) string { return c.prefix + id }

// Get returns the cached view, or nil when there is none.
func (c *Redis) Get(ctx context.Context, id string) (*domain.StatusView, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		data, err := c.rdb.HGet(ctx, c.key(id), "data").Bytes()
		if stderrors.Is(err, r.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cache get %s", id)
	}
	data, _ := res.([]byte)
	if data == nil {
		return nil, nil
	}
	var v domain.StatusView
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrapf(err, "cache decode %s", id)
	}
	return &v, nil
}

var setScript = r.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1`)

// Set writes the full snapshot unless a newer version is already cached.
func (c *Redis) Set(ctx context.Context, v *domain.StatusView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "cache encode %s", v.JobID)
	}
	_, err = c.cb.Execute(func() (interface{}, error) {
		return nil, setScript.Run(ctx, c.rdb, []string{c.key(v.JobID)}, v.Version, data, c.ttl.Milliseconds()).Err()
	})
	return errors.Wrapf(err, "cache set %s", v.JobID)
}
