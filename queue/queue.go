package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/baldanca/eda-ingestor/event"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue is drained.
var ErrClosed = errors.New("queue closed")

// Queue is the ordered, multi-producer channel of envelopes between sources and
// the downstream consumer.
//
// With capacity <= 0 the queue is unbounded and Push never blocks. With a positive
// capacity Push blocks until space is available (backpressure), the context is
// canceled, or the queue is closed.
//
// Items pushed by one goroutine are popped in the order they were pushed. No
// ordering is guaranteed between goroutines.
type Queue struct {
	capacity int

	mu      sync.Mutex
	items   []event.Envelope
	head    int
	closed  bool
	changed chan struct{}
}

func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Cap returns the configured capacity, 0 meaning unbounded.
func (q *Queue) Cap() int { return q.capacity }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue) Push(ctx context.Context, env event.Envelope) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity == 0 || len(q.items)-q.head < q.capacity {
			q.items = append(q.items, env)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) Pop(ctx context.Context) (event.Envelope, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			env := q.items[q.head]
			q.items[q.head] = event.Envelope{}
			q.head++
			q.compactLocked()
			q.broadcastLocked()
			q.mu.Unlock()
			return env, nil
		}
		if q.closed {
			q.mu.Unlock()
			return event.Envelope{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return event.Envelope{}, ctx.Err()
		}
	}
}

// Close stops further pushes and wakes every blocked caller. Items already in
// the queue remain poppable. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// compactLocked releases the consumed prefix once it dominates the backing array.
func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
