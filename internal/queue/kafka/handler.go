package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	goretry "github.com/sethvargo/go-retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
)

// dispatcher decides what happens to a delivered task.
type dispatcher interface {
	Dispatch(ctx context.Context, task model.Task) queue.Outcome
}

// router moves tasks to the retry or dead-letter destinations.
type router interface {
	Requeue(ctx context.Context, task model.Task) error
	DeadLetter(ctx context.Context, key string, data []byte) error
}

const (
	routeBackoff    = 500 * time.Millisecond
	maxRouteBackoff = 30 * time.Second
)

// TaskHandler handles Kafka messages carrying thumbnail tasks.
type TaskHandler struct {
	dispatcher dispatcher
	router     router
	backoff    time.Duration
}

// NewTaskHandler creates a new handler with the given dispatcher and router.
func NewTaskHandler(d dispatcher, r router) *TaskHandler {
	return &TaskHandler{dispatcher: d, router: r, backoff: routeBackoff}
}

// Handle decodes the task and settles it according to the dispatch
// outcome. Requeue and dead-letter sends are retried until they succeed,
// so the dispatch is never repeated for a routing failure. A returned
// error means ctx ended first and leaves the message uncommitted.
func (h *TaskHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var task model.Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		zlog.Logger.Err(err).
			Int64("offset", msg.Offset).
			Msg("malformed task, moving to dead-letter topic")
		return h.route(ctx, "dead-letter", string(msg.Key), func(ctx context.Context) error {
			return h.router.DeadLetter(ctx, string(msg.Key), msg.Value)
		})
	}

	out := h.dispatcher.Dispatch(ctx, task)
	key := task.CorrelationID.String()

	switch out {
	case queue.Ack:
		return nil
	case queue.DeadLetter:
		return h.route(ctx, "dead-letter", key, func(ctx context.Context) error {
			return h.router.DeadLetter(ctx, key, msg.Value)
		})
	case queue.Requeue:
		if ctx.Err() != nil {
			return fmt.Errorf("handle task %s: %w", task.CorrelationID, ctx.Err())
		}
		return h.route(ctx, "requeue", key, func(ctx context.Context) error {
			return h.router.Requeue(ctx, task)
		})
	default:
		return fmt.Errorf("handle task %s: unknown outcome %s", task.CorrelationID, out)
	}
}

// route retries send with capped exponential backoff until it succeeds
// or ctx is done.
func (h *TaskHandler) route(ctx context.Context, op, key string, send func(context.Context) error) error {
	b := goretry.WithCappedDuration(maxRouteBackoff, goretry.NewExponential(h.backoff))

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		err := send(ctx)
		if err != nil {
			zlog.Logger.Err(err).
				Str("key", key).
				Str("op", op).
				Msg("failed to route task, retrying")
		}
		return goretry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("%s task %s: %w", op, key, err)
	}

	return nil
}

// EventHandler handles Kafka messages carrying completion events.
type EventHandler struct {
	handler queue.EventHandler
}

// NewEventHandler creates a new handler passing events to h.
func NewEventHandler(h queue.EventHandler) *EventHandler {
	return &EventHandler{handler: h}
}

// Handle decodes the event and passes it on. Malformed events are
// skipped.
func (h *EventHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var ev model.CompletionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		zlog.Logger.Err(err).
			Int64("offset", msg.Offset).
			Msg("skipping malformed completion event")
		return nil
	}

	if err := h.handler.HandleCompletion(ctx, ev); err != nil {
		return fmt.Errorf("handle event %s: %w", ev.CorrelationID, err)
	}

	return nil
}
