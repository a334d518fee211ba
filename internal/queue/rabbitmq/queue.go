// Package rabbitmq is the AMQP transport for thumbnail tasks and
// completion events.
//
// Tasks are published to a direct exchange and consumed with manual
// acknowledgement. Rejected tasks are routed by the broker through a
// dead-letter exchange into the dead-letter queue. Completion events go
// through a fanout exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/config"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
)

// deliveryCountHeader is set by quorum queues on redelivered messages.
const deliveryCountHeader = "x-delivery-count"

var _ queue.Client = (*Queue)(nil)

var errRedeliveryBudget = errors.New("task redelivered too many times")

// Queue implements queue.Client on RabbitMQ.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     config.RabbitMQ
	policy  queue.Policy
}

// Dial connects to the broker and declares the exchanges and queues.
func Dial(cfg config.RabbitMQ, p queue.Policy) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{conn: conn, channel: ch, cfg: cfg, policy: p}
	if err := q.declare(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) deadLetterExchange() string {
	return q.cfg.Exchange + ".dlx"
}

func (q *Queue) declare() error {
	ch := q.channel

	for _, ex := range []struct{ name, kind string }{
		{q.cfg.Exchange, amqp.ExchangeDirect},
		{q.deadLetterExchange(), amqp.ExchangeDirect},
		{q.cfg.EventsExchange, amqp.ExchangeFanout},
	} {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(q.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.cfg.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(q.cfg.DeadLetterQueue, q.cfg.TasksQueue, q.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", q.cfg.DeadLetterQueue, err)
	}

	_, err := ch.QueueDeclare(q.cfg.TasksQueue, true, false, false, false, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    q.deadLetterExchange(),
		"x-dead-letter-routing-key": q.cfg.TasksQueue,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.cfg.TasksQueue, err)
	}
	if err := ch.QueueBind(q.cfg.TasksQueue, q.cfg.TasksQueue, q.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", q.cfg.TasksQueue, err)
	}

	if _, err := ch.QueueDeclare(q.cfg.EventsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.cfg.EventsQueue, err)
	}
	if err := ch.QueueBind(q.cfg.EventsQueue, "", q.cfg.EventsExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", q.cfg.EventsQueue, err)
	}

	return nil
}

// Enqueue publishes task as a persistent message and returns its
// correlation id as the task id.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) (string, error) {
	id := task.CorrelationID.String()
	if err := q.publish(ctx, q.cfg.Exchange, q.cfg.TasksQueue, id, task); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	return id, nil
}

// PublishCompletion publishes ev to the events exchange.
func (q *Queue) PublishCompletion(ctx context.Context, ev model.CompletionEvent) error {
	if err := q.publish(ctx, q.cfg.EventsExchange, "", ev.CorrelationID.String(), ev); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}

	return nil
}

func (q *Queue) publish(ctx context.Context, exchange, key, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.channel.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    id,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Consume registers a consumer on its own channel and dispatches tasks to
// h until ctx is canceled. Unacknowledged tasks return to the queue when
// the channel closes.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		q.cfg.TasksQueue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register task consumer: %w", err)
	}

	zlog.Logger.Info().Str("queue", q.cfg.TasksQueue).Msg("starting consumer")

	d := queue.NewDispatcher(q.policy, h, q)

	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Info().Str("queue", q.cfg.TasksQueue).Msg("shutting down consumer")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("task delivery channel closed")
			}
			q.handleTask(ctx, d, msg)
		}
	}
}

func (q *Queue) handleTask(ctx context.Context, d *queue.Dispatcher, msg amqp.Delivery) {
	var task model.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		zlog.Logger.Err(err).Str("message_id", msg.MessageId).Msg("malformed task, rejecting")
		settle(msg, queue.DeadLetter)
		return
	}

	if exceedsBudget(deliveryCount(msg.Headers), q.policy.MaxAttempts) {
		settle(msg, d.Exhaust(ctx, task, errRedeliveryBudget))
		return
	}

	settle(msg, d.Dispatch(ctx, task))
}

func settle(msg amqp.Delivery, out queue.Outcome) {
	var err error

	switch out {
	case queue.Ack:
		err = msg.Ack(false)
	case queue.DeadLetter:
		// Routed to the dead-letter queue by the broker.
		err = msg.Nack(false, false)
	case queue.Requeue:
		err = msg.Nack(false, true)
	}

	if err != nil {
		zlog.Logger.Err(err).
			Str("message_id", msg.MessageId).
			Str("outcome", out.String()).
			Msg("failed to settle task")
	}
}

// Subscribe consumes completion events until ctx is canceled. An event
// whose handler fails is requeued once.
func (q *Queue) Subscribe(ctx context.Context, h queue.EventHandler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	msgs, err := ch.Consume(q.cfg.EventsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register event consumer: %w", err)
	}

	zlog.Logger.Info().Str("queue", q.cfg.EventsQueue).Msg("starting event consumer")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("event delivery channel closed")
			}
			handleEvent(ctx, h, msg)
		}
	}
}

func handleEvent(ctx context.Context, h queue.EventHandler, msg amqp.Delivery) {
	var ev model.CompletionEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		zlog.Logger.Err(err).Str("message_id", msg.MessageId).Msg("skipping malformed completion event")
		_ = msg.Ack(false)
		return
	}

	if err := h.HandleCompletion(ctx, ev); err != nil {
		zlog.Logger.Err(err).
			Str("correlation_id", ev.CorrelationID.String()).
			Bool("redelivered", msg.Redelivered).
			Msg("failed to handle completion event")
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}

	_ = msg.Ack(false)
}

// Close closes the publishing channel and the connection.
func (q *Queue) Close() error {
	return errors.Join(q.channel.Close(), q.conn.Close())
}

func deliveryCount(headers amqp.Table) int64 {
	switch v := headers[deliveryCountHeader].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// exceedsBudget reports whether a message redelivered count times has
// used up the policy's attempts. The first delivery has no count.
func exceedsBudget(count int64, maxAttempts int) bool {
	return maxAttempts > 0 && count >= int64(maxAttempts)
}
