package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/visionq/internal/domain"
)

// RedisQ keeps dispatch messages in four keys under one namespace:
//
//	<ns>:ready       list, consumers move from its tail
//	<ns>:processing  list of received, unacknowledged messages
//	<ns>:leases      zset, score = visibility deadline (unix ms)
//	<ns>:delayed     zset, score = due time (unix ms)
//
// Each element is an envelope with a unique id so duplicate dispatches of
// the same attempt stay distinguishable.
type RedisQ struct {
	rdb        *r.Client
	ns         string
	visibility time.Duration
	block      time.Duration
	batch      int64
}

type RedisOptions struct {
	Namespace         string
	VisibilityTimeout time.Duration
	Block             time.Duration
	Batch             int64
}

func NewRedis(rdb *r.Client, opts RedisOptions) *RedisQ {
	if opts.Namespace == "" {
		opts.Namespace = "visionq"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	return &RedisQ{
		rdb:        rdb,
		ns:         opts.Namespace,
		visibility: opts.VisibilityTimeout,
		block:      opts.Block,
		batch:      opts.Batch,
	}
}

type envelope struct {
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message"`
}

func (q *RedisQ) ready() string      { return q.ns + ":ready" }
func (q *RedisQ) processing() string { return q.ns + ":processing" }
func (q *RedisQ) leases() string     { return q.ns + ":leases" }
func (q *RedisQ) delayed() string    { return q.ns + ":delayed" }

func (q *RedisQ) Publish(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	elem, err := json.Marshal(envelope{ID: uuid.NewString(), Message: body})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if delay > 0 {
		runAt := time.Now().Add(delay)
		err = q.rdb.ZAdd(ctx, q.delayed(), r.Z{Score: float64(runAt.UnixMilli()), Member: elem}).Err()
		return errors.Wrapf(err, "schedule job %s", msg.JobID)
	}
	return errors.Wrapf(q.rdb.LPush(ctx, q.ready(), elem).Err(), "enqueue job %s", msg.JobID)
}

func (q *RedisQ) Receive(ctx context.Context) (*Delivery, error) {
	elem, err := q.rdb.BLMove(ctx, q.ready(), q.processing(), "RIGHT", "LEFT", q.block).Result()
	if stderrors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "receive")
	}
	deadline := time.Now().Add(q.visibility).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.leases(), r.Z{Score: float64(deadline), Member: elem}).Err(); err != nil {
		// The element sits in processing without a lease; Maintain leases it
		// and eventually reclaims it.
		return nil, errors.Wrap(err, "lease message")
	}

	body := []byte(elem)
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Message) > 0 {
		body = env.Message
	}
	return &Delivery{
		Body: body,
		ack:  func(ctx context.Context) error { return q.ack(ctx, elem) },
		nack: func(ctx context.Context) error { return q.requeue(ctx, elem) },
	}, nil
}

func (q *RedisQ) ack(ctx context.Context, elem string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processing(), 1, elem)
	pipe.ZRem(ctx, q.leases(), elem)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "ack")
}

var requeueScript = r.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
redis.call('ZREM', KEYS[3], ARGV[1])
return 1`)

func (q *RedisQ) requeue(ctx context.Context, elem string) error {
	err := requeueScript.Run(ctx, q.rdb, []string{q.processing(), q.ready(), q.leases()}, elem).Err()
	return errors.Wrap(err, "requeue")
}

var moveDueScript = r.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, elem in ipairs(due) do
  if redis.call('ZREM', KEYS[1], elem) == 1 then
    redis.call('LPUSH', KEYS[2], elem)
    moved = moved + 1
  end
end
return moved`)

// MoveDue promotes delayed messages whose due time has passed.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time) (int, error) {
	n, err := moveDueScript.Run(ctx, q.rdb, []string{q.delayed(), q.ready()}, now.UnixMilli(), q.batch).Int()
	return n, errors.Wrap(err, "move due")
}

var reclaimScript = r.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, elem in ipairs(expired) do
  redis.call('ZREM', KEYS[1], elem)
  if redis.call('LREM', KEYS[2], 1, elem) > 0 then
    redis.call('LPUSH', KEYS[3], elem)
    moved = moved + 1
  end
end
return moved`)

// Reclaim returns messages whose lease expired to the ready list. Messages
// found in processing without a lease get one first, so a consumer that
// died between receive and lease is also recovered. Receive pushes onto the
// head of processing, so the oldest entries are read from the tail.
func (q *RedisQ) Reclaim(ctx context.Context, now time.Time) (int, error) {
	inflight, err := q.rdb.LRange(ctx, q.processing(), -q.batch, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list processing")
	}
	if len(inflight) > 0 {
		deadline := float64(now.Add(q.visibility).UnixMilli())
		zs := make([]r.Z, 0, len(inflight))
		for _, elem := range inflight {
			zs = append(zs, r.Z{Score: deadline, Member: elem})
		}
		if err := q.rdb.ZAddNX(ctx, q.leases(), zs...).Err(); err != nil {
			return 0, errors.Wrap(err, "lease orphans")
		}
	}
	n, err := reclaimScript.Run(ctx, q.rdb, []string{q.leases(), q.processing(), q.ready()}, now.UnixMilli(), q.batch).Int()
	return n, errors.Wrap(err, "reclaim")
}

func (q *RedisQ) Maintain(ctx context.Context, now time.Time) (MaintainStats, error) {
	var st MaintainStats
	var err error
	if st.Promoted, err = q.MoveDue(ctx, now); err != nil {
		return st, err
	}
	st.Reclaimed, err = q.Reclaim(ctx, now)
	return st, err
}

func (q *RedisQ) Depth(ctx context.Context) (Depth, error) {
	pipe := q.rdb.Pipeline()
	rc := pipe.LLen(ctx, q.ready())
	pc := pipe.LLen(ctx, q.processing())
	dc := pipe.ZCard(ctx, q.delayed())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, errors.Wrap(err, "queue depth")
	}
	return Depth{Ready: rc.Val(), InFlight: pc.Val(), Delayed: dc.Val()}, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (q *RedisQ) Close() error { return nil }
