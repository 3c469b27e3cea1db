package source

import (
	"context"
	"sync"
	"time"

	"github.com/baldanca/eda-ingestor/event"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

// recorder captures the interleaving of pushes and remote calls.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type recQueue struct {
	rec *recorder

	mu   sync.Mutex
	envs []event.Envelope

	err    error
	onPush func(env event.Envelope)
	pushed chan event.Envelope
}

func newRecQueue(rec *recorder) *recQueue {
	return &recQueue{rec: rec, pushed: make(chan event.Envelope, 1024)}
}

func (q *recQueue) Push(ctx context.Context, env event.Envelope) error {
	if q.err != nil {
		return q.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.envs = append(q.envs, env)
	q.mu.Unlock()

	if q.rec != nil {
		label := env.Meta()[event.MetaMessageID]
		if env.IsTagged() {
			label = env.Tag()
		}
		q.rec.add("push " + label)
	}
	if q.onPush != nil {
		q.onPush(env)
	}
	q.pushed <- env
	return nil
}

func (q *recQueue) all() []event.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]event.Envelope(nil), q.envs...)
}

var _ Queue = (*recQueue)(nil)
