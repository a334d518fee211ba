// Package kafka is the Kafka transport for thumbnail tasks and
// completion events.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/config"
	"github.com/aliskhannn/image-thumbnailer/internal/infra/kafka/consumer"
	"github.com/aliskhannn/image-thumbnailer/internal/infra/kafka/producer"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
)

var _ queue.Client = (*Queue)(nil)

// Queue sends tasks to the task topic, exhausted tasks to the
// dead-letter topic and completion events to the events topic.
//
// Requeued tasks are appended to the task topic again and the original
// offset is committed, since a consumer group cannot rewind a single
// message.
type Queue struct {
	cfg      config.Kafka
	policy   queue.Policy
	strategy retry.Strategy

	tasks  *producer.Producer
	events *producer.Producer
	dead   *producer.Producer
}

// New creates a new Queue.
// - cfg: Kafka configuration struct
// - p: delivery retry policy applied by consumers
// - s: retry strategy for broker calls
func New(cfg config.Kafka, p queue.Policy, s retry.Strategy) *Queue {
	return &Queue{
		cfg:      cfg,
		policy:   p,
		strategy: s,
		tasks:    producer.New(cfg.Brokers, cfg.Topic, s),
		events:   producer.New(cfg.Brokers, cfg.EventsTopic, s),
		dead:     producer.New(cfg.Brokers, cfg.DeadLetterTopic, s),
	}
}

// Enqueue sends the task keyed by its correlation id and returns that
// id as the task id.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) (string, error) {
	key := task.CorrelationID.String()
	if err := q.tasks.Send(ctx, key, task); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	return key, nil
}

// Requeue appends task to the task topic again.
func (q *Queue) Requeue(ctx context.Context, task model.Task) error {
	if err := q.tasks.Send(ctx, task.CorrelationID.String(), task); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}

	zlog.Logger.Info().
		Str("correlation_id", task.CorrelationID.String()).
		Msg("task requeued")

	return nil
}

// DeadLetter sends the raw task message to the dead-letter topic.
func (q *Queue) DeadLetter(ctx context.Context, key string, data []byte) error {
	if err := q.dead.SendRaw(ctx, key, data); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}

	zlog.Logger.Warn().
		Str("key", key).
		Str("topic", q.dead.Topic()).
		Msg("task dead-lettered")

	return nil
}

// Consume joins the worker consumer group and dispatches tasks to h
// until ctx is canceled.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	c := consumer.New(q.cfg.Brokers, q.cfg.Topic, q.cfg.GroupID, q.strategy)
	defer closeConsumer(c)

	d := queue.NewDispatcher(q.policy, h, q)
	c.Run(ctx, NewTaskHandler(d, q))

	return nil
}

// PublishCompletion sends ev keyed by its correlation id.
func (q *Queue) PublishCompletion(ctx context.Context, ev model.CompletionEvent) error {
	if err := q.events.Send(ctx, ev.CorrelationID.String(), ev); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}

	return nil
}

// Subscribe joins the listener consumer group and passes events to h
// until ctx is canceled.
func (q *Queue) Subscribe(ctx context.Context, h queue.EventHandler) error {
	c := consumer.New(q.cfg.Brokers, q.cfg.EventsTopic, q.cfg.EventsGroupID, q.strategy)
	defer closeConsumer(c)

	c.Run(ctx, NewEventHandler(h))

	return nil
}

// Close closes the producers.
func (q *Queue) Close() error {
	return errors.Join(q.tasks.Close(), q.events.Close(), q.dead.Close())
}

func closeConsumer(c *consumer.Consumer) {
	if err := c.Close(); err != nil {
		zlog.Logger.Err(err).Msg("failed to close consumer")
		return
	}
	zlog.Logger.Info().Msg("consumer closed")
}
