package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/SirClappington/visionq/internal/domain"
)

// RabbitQ publishes to a durable direct exchange bound to one work queue.
// Delayed messages go to a per-delay queue whose TTL dead-letters them back
// into the work exchange. Consumers use manual acknowledgement, so the
// broker redelivers anything left unsettled when a channel dies.
type RabbitQ struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	poll     time.Duration

	mu       sync.Mutex
	pub      rabbitChannel
	returns  <-chan amqp.Return
	declared map[string]bool
	inspect  func() (rabbitChannel, error)

	cons       *amqp.Channel
	deliveries <-chan amqp.Delivery
}

type RabbitOptions struct {
	Exchange string
	Queue    string
	Prefetch int
	Poll     time.Duration
}

// rabbitChannel is the part of *amqp.Channel the publisher uses.
type rabbitChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type amqpChannel struct{ *amqp.Channel }

func (c amqpChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	conf, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return nil, err
	}
	if conf == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return conf, nil
}

func DialRabbit(url string, opts RabbitOptions) (*RabbitQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	q, err := NewRabbit(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func NewRabbit(conn *amqp.Connection, opts RabbitOptions) (*RabbitQ, error) {
	if opts.Queue == "" {
		opts.Queue = "visionq.dispatch"
	}
	if opts.Exchange == "" {
		opts.Exchange = opts.Queue
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}

	pub, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open publish channel")
	}
	if err := declareWork(pub, opts.Exchange, opts.Queue); err != nil {
		_ = pub.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "confirm mode")
	}
	// Publishes are serialized and drain this channel, so it never holds
	// more than one return.
	returns := pub.NotifyReturn(make(chan amqp.Return, 8))

	cons, err := conn.Channel()
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "open consume channel")
	}
	if err := cons.Qos(opts.Prefetch, 0, false); err != nil {
		_ = multierr.Append(cons.Close(), pub.Close())
		return nil, errors.Wrap(err, "set qos")
	}
	deliveries, err := cons.Consume(opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = multierr.Append(cons.Close(), pub.Close())
		return nil, errors.Wrap(err, "register consumer")
	}

	return &RabbitQ{
		conn:     conn,
		exchange: opts.Exchange,
		queue:    opts.Queue,
		poll:     opts.Poll,
		pub:      amqpChannel{pub},
		returns:  returns,
		declared: map[string]bool{},
		inspect: func() (rabbitChannel, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return amqpChannel{ch}, nil
		},
		cons:       cons,
		deliveries: deliveries,
	}, nil
}

func declareWork(ch *amqp.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare queue")
	}
	return errors.Wrap(ch.QueueBind(queue, queue, exchange, false, nil), "bind queue")
}

func delayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, delay.Milliseconds())
}

// delayQueueArgs expires each message after delay and routes it back to the
// work queue. Delay queues carry no x-expires: publishing does not count as
// use, so the broker would drop a queue that still holds waiting messages.
func delayQueueArgs(exchange, queue string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": queue,
	}
}

// Publish waits for the broker's confirm. A message the broker could not
// route comes back before the confirm and fails with ErrUnroutable.
func (q *RabbitQ) Publish(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	exchange, key := q.exchange, q.queue
	if delay >= time.Millisecond {
		name := delayQueueName(q.queue, delay)
		if !q.declared[name] {
			if _, err := q.pub.QueueDeclare(name, true, false, false, false, delayQueueArgs(q.exchange, q.queue, delay)); err != nil {
				return errors.Wrapf(err, "declare delay queue %s", name)
			}
			q.declared[name] = true
		}
		exchange, key = "", name
	}

	q.drainReturns()
	id := uuid.NewString()
	conf, err := q.pub.publish(ctx, exchange, key, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Headers:      amqp.Table{"job_id": msg.JobID, "attempt": int64(msg.AttemptNumber)},
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish job %s", msg.JobID)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "confirm job %s", msg.JobID)
	}
	if !ok {
		return errors.Errorf("broker refused job %s", msg.JobID)
	}
	if q.returned(id) {
		// Declare again on the next publish in case the queue was deleted.
		delete(q.declared, key)
		return errors.Wrapf(ErrUnroutable, "publish job %s to %s", msg.JobID, key)
	}
	return nil
}

func (q *RabbitQ) drainReturns() {
	for {
		select {
		case _, ok := <-q.returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (q *RabbitQ) returned(id string) bool {
	for {
		select {
		case ret, ok := <-q.returns:
			if !ok {
				return false
			}
			if ret.MessageId == id {
				return true
			}
		default:
			return false
		}
	}
}

func (q *RabbitQ) Receive(ctx context.Context) (*Delivery, error) {
	t := time.NewTimer(q.poll)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{
			Body: d.Body,
			ack:  func(context.Context) error { return errors.Wrap(d.Ack(false), "ack") },
			nack: func(context.Context) error { return errors.Wrap(d.Nack(false, true), "nack") },
		}, nil
	}
}

// Depth counts ready messages in the work queue and the delay queues this
// process declared. Unacknowledged messages are not visible to a passive
// declare, so InFlight stays zero.
func (q *RabbitQ) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	names := make([]string, 0, len(q.declared))
	for name := range q.declared {
		names = append(names, name)
	}
	q.mu.Unlock()

	// A failed passive declare closes its channel, so it gets its own.
	ch, err := q.inspect()
	if err != nil {
		return Depth{}, errors.Wrap(err, "open inspect channel")
	}
	defer func() { _ = ch.Close() }()

	var d Depth
	work, err := ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		return d, errors.Wrapf(err, "inspect queue %s", q.queue)
	}
	d.Ready = int64(work.Messages)
	for _, name := range names {
		dq, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return d, errors.Wrapf(err, "inspect queue %s", name)
		}
		d.Delayed += int64(dq.Messages)
	}
	return d, nil
}

func (q *RabbitQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return multierr.Combine(q.cons.Close(), q.pub.Close(), q.conn.Close())
}
