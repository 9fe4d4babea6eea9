// Package queue carries dispatch messages between the orchestrator and the
// worker pool. Delivery is at-least-once: a message is removed from the
// broker only when the consumer acknowledges it.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/visionq/internal/domain"
)

var (
	ErrClosed     = stderrors.New("transport closed")
	ErrQueueFull  = stderrors.New("queue is full")
	ErrUnroutable = stderrors.New("message returned unroutable")
)

// Transport is the queue contract shared by every broker driver.
type Transport interface {
	// Publish makes msg available to consumers after delay.
	Publish(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error
	// Receive waits briefly for the next delivery. It returns a nil delivery
	// when nothing arrived within the driver's poll window.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Maintainer is implemented by transports that need periodic housekeeping,
// such as promoting delayed messages or reclaiming expired leases.
type Maintainer interface {
	Maintain(ctx context.Context, now time.Time) (MaintainStats, error)
}

type MaintainStats struct {
	Promoted  int
	Reclaimed int
}

// Inspector is implemented by transports that can report their backlog.
type Inspector interface {
	Depth(ctx context.Context) (Depth, error)
}

// Depth counts messages by where they sit. Drivers that cannot see a
// bucket leave it at zero.
type Depth struct {
	Ready    int64
	InFlight int64
	Delayed  int64
}

// Delivery is one received message. Exactly one of Ack or Nack should be
// called; an unsettled delivery is redelivered after the visibility timeout.
type Delivery struct {
	Body []byte
	ack  func(context.Context) error
	nack func(context.Context) error
}

// NewDelivery builds a delivery settled by the given callbacks.
func NewDelivery(body []byte, ack, nack func(context.Context) error) *Delivery {
	return &Delivery{Body: body, ack: ack, nack: nack}
}

func (d *Delivery) Decode() (domain.DispatchMessage, error) {
	var m domain.DispatchMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return m, errors.Wrap(err, "decode dispatch message")
	}
	return m, m.Validate()
}

func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Nack returns the message to the queue for another consumer.
func (d *Delivery) Nack(ctx context.Context) error { return d.nack(ctx) }

func encode(msg domain.DispatchMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	return b, errors.Wrap(err, "encode dispatch message")
}
