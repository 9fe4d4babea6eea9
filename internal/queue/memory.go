package queue

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/visionq/internal/domain"
)

// Memory is an in-process transport. Delays are honoured with timers and a
// nacked delivery goes back to the channel. It does not survive restarts.
type Memory struct {
	ch   chan []byte
	poll time.Duration

	mu        sync.Mutex
	closed    bool
	published []domain.DispatchMessage
	delays    []time.Duration
	timers    []*time.Timer
	scheduled int
}

func NewMemory(size int, poll time.Duration) *Memory {
	if size <= 0 {
		size = 1024
	}
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Memory{ch: make(chan []byte, size), poll: poll}
}

func (m *Memory) Publish(_ context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.published = append(m.published, msg)
	m.delays = append(m.delays, delay)
	if delay > 0 {
		m.scheduled++
		m.timers = append(m.timers, time.AfterFunc(delay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.scheduled--
			_ = m.pushLocked(body)
		}))
		return nil
	}
	return m.pushLocked(body)
}

func (m *Memory) push(body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushLocked(body)
}

func (m *Memory) pushLocked(body []byte) error {
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- body:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	t := time.NewTimer(m.poll)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	case body, ok := <-m.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{
			Body: body,
			ack:  func(context.Context) error { return nil },
			nack: func(context.Context) error { return m.push(body) },
		}, nil
	}
}

func (m *Memory) Depth(context.Context) (Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Depth{Ready: int64(len(m.ch)), Delayed: int64(m.scheduled)}, nil
}

// Published returns every message handed to Publish with its delay.
func (m *Memory) Published() ([]domain.DispatchMessage, []time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]domain.DispatchMessage(nil), m.published...)
	delays := append([]time.Duration(nil), m.delays...)
	return msgs, delays
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	close(m.ch)
	return nil
}
