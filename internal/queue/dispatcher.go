package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/model"
)

// Outcome tells a transport what to do with a delivered task.
type Outcome int

const (
	// Ack removes the task from the queue.
	Ack Outcome = iota
	// DeadLetter moves the task to the dead-letter destination and removes it.
	DeadLetter
	// Requeue leaves the task for redelivery.
	Requeue
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case DeadLetter:
		return "dead-letter"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Dispatcher runs a Handler for one delivered task under the retry
// policy and publishes a completion event for every terminal result.
// Transports translate the returned Outcome into their own primitives.
type Dispatcher struct {
	policy  Policy
	handler Handler
	events  EventPublisher
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher. events may be nil when completion
// events are not wanted.
func NewDispatcher(p Policy, h Handler, events EventPublisher) *Dispatcher {
	return &Dispatcher{
		policy:  p.normalized(),
		handler: h,
		events:  events,
		now:     time.Now,
	}
}

// Policy returns the retry policy in effect.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Dispatch processes task until it succeeds, is dropped, or runs out of
// attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.Task) Outcome {
	if ctx.Err() != nil {
		return Requeue
	}

	delivery := Delivery{Task: task, ID: uuid.NewString()}

	var res model.Result
	err := retry.Do(ctx, d.policy.backoff(), func(ctx context.Context) error {
		delivery.Attempt++

		var err error
		res, err = d.handler.Process(ctx, delivery)
		if err == nil {
			return nil
		}
		if IsDrop(err) || IsPermanent(err) {
			return err
		}

		zlog.Logger.Warn().
			Err(err).
			Str("correlation_id", task.CorrelationID.String()).
			Int("attempt", delivery.Attempt).
			Int("max_attempts", d.policy.MaxAttempts).
			Msg("task attempt failed")

		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		return d.settle(ctx, res, delivery.Attempt)
	case IsDrop(err):
		zlog.Logger.Warn().
			Err(err).
			Str("correlation_id", task.CorrelationID.String()).
			Msg("dropping task")
		return Ack
	case ctx.Err() != nil:
		zlog.Logger.Info().
			Str("correlation_id", task.CorrelationID.String()).
			Msg("shutdown during task, leaving it for redelivery")
		return Requeue
	}

	return d.exhaust(ctx, delivery, err)
}

// Exhaust sends task straight to the exhausted path. Transports use it
// when their own delivery counter shows the budget is already spent.
func (d *Dispatcher) Exhaust(ctx context.Context, task model.Task, cause error) Outcome {
	return d.exhaust(ctx, Delivery{Task: task, ID: uuid.NewString(), Attempt: d.policy.MaxAttempts}, cause)
}

func (d *Dispatcher) exhaust(ctx context.Context, delivery Delivery, cause error) Outcome {
	zlog.Logger.Error().
		Err(cause).
		Str("correlation_id", delivery.Task.CorrelationID.String()).
		Int("attempts", delivery.Attempt).
		Msg("task exhausted retries")

	res, err := d.handler.Exhausted(ctx, delivery, cause)
	if err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("correlation_id", delivery.Task.CorrelationID.String()).
			Msg("failed to record task failure")
		return Requeue
	}

	if res.Status.Terminal() && !d.publish(ctx, res, delivery.Attempt) {
		return Requeue
	}

	if res.Status == model.StatusFailed && !res.Duplicate {
		return DeadLetter
	}

	return Ack
}

func (d *Dispatcher) settle(ctx context.Context, res model.Result, attempts int) Outcome {
	if res.Status.Terminal() && !d.publish(ctx, res, attempts) {
		return Requeue
	}

	return Ack
}

// publish reports whether the event for res was handed to the publisher.
// A task whose event could not be published is requeued; redelivery finds
// the job terminal and publishes again.
func (d *Dispatcher) publish(ctx context.Context, res model.Result, attempts int) bool {
	if d.events == nil {
		return true
	}

	ev := res.Event(attempts, d.now())
	if err := d.events.PublishCompletion(ctx, ev); err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("correlation_id", ev.CorrelationID.String()).
			Str("status", string(ev.Status)).
			Msg("failed to publish completion event")
		return false
	}

	return true
}
