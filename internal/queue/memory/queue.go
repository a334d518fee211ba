// Package memory is an in-process queue.Client for tests and single
// process runs. Tasks are lost when the process exits.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
)

var (
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

var _ queue.Client = (*Queue)(nil)

// Stats counts how delivered tasks were settled.
type Stats struct {
	Enqueued     int
	Acked        int
	DeadLettered int
	Requeued     int
}

// Queue is a buffered in-memory task and event queue.
type Queue struct {
	tasks  chan model.Task
	events chan model.CompletionEvent
	policy queue.Policy

	mu         sync.Mutex
	seq        int
	enqueueErr error
	closed     bool
	dead       []model.Task
	stats      Stats
}

// New creates a Queue holding up to buffer tasks and buffer events.
func New(policy queue.Policy, buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1
	}

	return &Queue{
		tasks:  make(chan model.Task, buffer),
		events: make(chan model.CompletionEvent, buffer),
		policy: policy,
	}
}

// FailEnqueue makes every following Enqueue return err. Pass nil to
// restore normal behavior.
func (q *Queue) FailEnqueue(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.enqueueErr = err
}

// Enqueue buffers task and returns a sequential task id.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.closed:
		return "", ErrClosed
	case q.enqueueErr != nil:
		return "", q.enqueueErr
	case ctx.Err() != nil:
		return "", ctx.Err()
	}

	select {
	case q.tasks <- task:
	default:
		return "", ErrFull
	}

	q.seq++
	q.stats.Enqueued++

	return strconv.Itoa(q.seq), nil
}

// Redeliver puts task back on the queue as a transport would after a
// lost acknowledgement.
func (q *Queue) Redeliver(task model.Task) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrFull
	}
}

// Consume dispatches tasks to h until ctx is canceled.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	d := queue.NewDispatcher(q.policy, h, q)

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.tasks:
			q.settle(task, d.Dispatch(ctx, task))
		}
	}
}

// RunPending synchronously dispatches the tasks buffered at call time
// and returns how many were dispatched.
func (q *Queue) RunPending(ctx context.Context, h queue.Handler) int {
	d := queue.NewDispatcher(q.policy, h, q)

	n := len(q.tasks)
	for i := 0; i < n; i++ {
		select {
		case task := <-q.tasks:
			q.settle(task, d.Dispatch(ctx, task))
		default:
			return i
		}
	}

	return n
}

func (q *Queue) settle(task model.Task, out queue.Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch out {
	case queue.Ack:
		q.stats.Acked++
	case queue.DeadLetter:
		q.stats.DeadLettered++
		q.dead = append(q.dead, task)
	case queue.Requeue:
		q.stats.Requeued++
		select {
		case q.tasks <- task:
		default:
			zlog.Logger.Error().
				Str("correlation_id", task.CorrelationID.String()).
				Msg("queue full, requeued task lost")
		}
	}
}

// PublishCompletion buffers a completion event.
func (q *Queue) PublishCompletion(_ context.Context, ev model.CompletionEvent) error {
	select {
	case q.events <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Subscribe passes events to h until ctx is canceled. Handler errors are
// logged; the event is not redelivered.
func (q *Queue) Subscribe(ctx context.Context, h queue.EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q.events:
			q.deliverEvent(ctx, h, ev)
		}
	}
}

// DrainEvents synchronously delivers the buffered events to h and
// returns how many were delivered.
func (q *Queue) DrainEvents(ctx context.Context, h queue.EventHandler) int {
	n := 0
	for {
		select {
		case ev := <-q.events:
			q.deliverEvent(ctx, h, ev)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) deliverEvent(ctx context.Context, h queue.EventHandler, ev model.CompletionEvent) {
	if err := h.HandleCompletion(ctx, ev); err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("correlation_id", ev.CorrelationID.String()).
			Msg("failed to handle completion event")
	}
}

// Events returns the buffered completion events without consuming them.
func (q *Queue) Events() []model.CompletionEvent {
	n := len(q.events)
	out := make([]model.CompletionEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-q.events:
			out = append(out, ev)
			q.events <- ev
		default:
		}
	}

	return out
}

// DeadLetters returns the tasks that were dead-lettered.
func (q *Queue) DeadLetters() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]model.Task(nil), q.dead...)
}

// Stats returns settlement counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.stats
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close rejects further enqueues.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}
