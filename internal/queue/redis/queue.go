// Package redis is the Redis Streams transport for thumbnail tasks and
// completion events.
//
// Tasks stay in the consumer group's pending list until acknowledged.
// Entries left pending longer than the visibility timeout, by a crashed
// worker or a requeue, are reclaimed with XAUTOCLAIM and dispatched
// again; entries delivered more than the policy allows are exhausted.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/internal/config"
	"github.com/aliskhannn/image-thumbnailer/internal/model"
	"github.com/aliskhannn/image-thumbnailer/internal/queue"
)

const (
	taskField  = "task"
	eventField = "event"

	readBlock   = 2 * time.Second
	readBackoff = time.Second
	claimBatch  = 10
)

var _ queue.Client = (*Queue)(nil)

var errRedeliveryBudget = errors.New("task redelivered too many times")

// Queue implements queue.Client on Redis Streams.
type Queue struct {
	client *redis.Client
	cfg    config.Redis
	policy queue.Policy
}

// New returns a Redis Streams queue over client.
func New(client *redis.Client, cfg config.Redis, p queue.Policy) *Queue {
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}

	return &Queue{client: client, cfg: cfg, policy: p}
}

// Enqueue appends task to the tasks stream and returns the entry id.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("enqueue: failed to marshal task: %w", err)
	}

	// "*" lets Redis generate a timestamp-based id.
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.TasksStream,
		Values: map[string]interface{}{taskField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: redis publish failed: %w", err)
	}

	return id, nil
}

// Consume reads new tasks as a member of the worker group and dispatches
// them to h until ctx is canceled. Each call also reclaims stale entries.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	if err := q.ensureGroup(ctx, q.cfg.TasksStream, q.cfg.Group); err != nil {
		return err
	}

	name := consumerName("worker")
	d := queue.NewDispatcher(q.policy, h, q)

	go q.reclaim(ctx, d, name)

	zlog.Logger.Info().
		Str("stream", q.cfg.TasksStream).
		Str("consumer", name).
		Msg("starting consumer")

	return q.read(ctx, q.cfg.TasksStream, q.cfg.Group, name, ">", func(msg redis.XMessage) {
		q.handleTask(ctx, d, msg)
	})
}

func (q *Queue) handleTask(ctx context.Context, d *queue.Dispatcher, msg redis.XMessage) {
	task, err := decode[model.Task](msg, taskField)
	if err != nil {
		zlog.Logger.Err(err).Str("id", msg.ID).Msg("malformed task, moving to dead-letter stream")
		q.settle(ctx, msg, queue.DeadLetter)
		return
	}

	q.settle(ctx, msg, d.Dispatch(ctx, task))
}

func (q *Queue) settle(ctx context.Context, msg redis.XMessage, out queue.Outcome) {
	switch out {
	case queue.Requeue:
		// Left pending; reclaimed after the visibility timeout.
		return
	case queue.DeadLetter:
		err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.DeadLetterStream,
			Values: map[string]interface{}{taskField: msg.Values[taskField], "source_id": msg.ID},
		}).Err()
		if err != nil {
			zlog.Logger.Err(err).Str("id", msg.ID).Msg("failed to dead-letter task, leaving it pending")
			return
		}
	}

	if err := q.client.XAck(ctx, q.cfg.TasksStream, q.cfg.Group, msg.ID).Err(); err != nil {
		zlog.Logger.Err(err).Str("id", msg.ID).Msg("failed to acknowledge task")
	}
}

// reclaim periodically claims entries idle longer than the visibility
// timeout and dispatches them again.
func (q *Queue) reclaim(ctx context.Context, d *queue.Dispatcher, name string) {
	ticker := time.NewTicker(q.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reclaimOnce(ctx, d, name)
		}
	}
}

func (q *Queue) reclaimOnce(ctx context.Context, d *queue.Dispatcher, name string) {
	start := "-"

	for {
		messages, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.TasksStream,
			Group:    q.cfg.Group,
			MinIdle:  q.cfg.VisibilityTimeout,
			Start:    start,
			Count:    claimBatch,
			Consumer: name,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				zlog.Logger.Err(err).Msg("failed to reclaim stale tasks")
			}
			return
		}

		for _, msg := range messages {
			if ctx.Err() != nil {
				return
			}
			q.redeliver(ctx, d, msg)
		}

		if next == "0-0" || len(messages) == 0 {
			return
		}
		start = next
	}
}

func (q *Queue) redeliver(ctx context.Context, d *queue.Dispatcher, msg redis.XMessage) {
	task, err := decode[model.Task](msg, taskField)
	if err != nil {
		zlog.Logger.Err(err).Str("id", msg.ID).Msg("malformed task, moving to dead-letter stream")
		q.settle(ctx, msg, queue.DeadLetter)
		return
	}

	deliveries, err := q.deliveries(ctx, msg.ID)
	if err != nil {
		zlog.Logger.Err(err).Str("id", msg.ID).Msg("failed to read delivery count")
		return
	}

	zlog.Logger.Warn().
		Str("id", msg.ID).
		Str("correlation_id", task.CorrelationID.String()).
		Int64("deliveries", deliveries).
		Msg("reclaimed stale task")

	if exceedsBudget(deliveries, q.policy.MaxAttempts) {
		q.settle(ctx, msg, d.Exhaust(ctx, task, errRedeliveryBudget))
		return
	}

	q.settle(ctx, msg, d.Dispatch(ctx, task))
}

func (q *Queue) deliveries(ctx context.Context, id string) (int64, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.TasksStream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	return pending[0].RetryCount, nil
}

// PublishCompletion appends ev to the events stream.
func (q *Queue) PublishCompletion(ctx context.Context, ev model.CompletionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish completion: failed to marshal event: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.EventsStream,
		Values: map[string]interface{}{eventField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}

	return nil
}

// Subscribe reads events as a member of the listener group until ctx is
// canceled. Events whose handler failed stay pending and are retried
// from the consumer's backlog when Subscribe starts again.
func (q *Queue) Subscribe(ctx context.Context, h queue.EventHandler) error {
	if err := q.ensureGroup(ctx, q.cfg.EventsStream, q.cfg.EventsGroup); err != nil {
		return err
	}

	name := consumerName("listener")
	handle := func(msg redis.XMessage) {
		ev, err := decode[model.CompletionEvent](msg, eventField)
		if err != nil {
			zlog.Logger.Err(err).Str("id", msg.ID).Msg("skipping malformed completion event")
		} else if err := h.HandleCompletion(ctx, ev); err != nil {
			zlog.Logger.Err(err).Str("id", msg.ID).Msg("failed to handle completion event")
			return
		}

		if err := q.client.XAck(ctx, q.cfg.EventsStream, q.cfg.EventsGroup, msg.ID).Err(); err != nil {
			zlog.Logger.Err(err).Str("id", msg.ID).Msg("failed to acknowledge event")
		}
	}

	// "0" replays this consumer's own pending entries.
	if err := q.readOnce(ctx, q.cfg.EventsStream, q.cfg.EventsGroup, name, "0", -1, handle); err != nil && ctx.Err() == nil {
		zlog.Logger.Err(err).Msg("failed to replay pending events")
	}

	return q.read(ctx, q.cfg.EventsStream, q.cfg.EventsGroup, name, ">", handle)
}

// read blocks on XREADGROUP until ctx is canceled.
func (q *Queue) read(ctx context.Context, stream, group, name, id string, handle func(redis.XMessage)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := q.readOnce(ctx, stream, group, name, id, readBlock, handle)
		if err == nil || errors.Is(err, redis.Nil) {
			continue
		}
		// Check if context canceled during blocking call.
		if ctx.Err() != nil {
			return nil
		}

		zlog.Logger.Err(err).Str("stream", stream).Msg("redis read error")
		time.Sleep(readBackoff)
	}
}

// readOnce runs a single XREADGROUP. A negative block does not block.
func (q *Queue) readOnce(ctx context.Context, stream, group, name, id string, block time.Duration, handle func(redis.XMessage)) error {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: name,
		Streams:  []string{stream, id},
		Count:    1,
		Block:    block,
	}
	if id == "0" {
		args.Count = 100
	}

	streams, err := q.client.XReadGroup(ctx, args).Result()
	if err != nil {
		return err
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			handle(msg)
		}
	}

	return nil
}

// ensureGroup creates the consumer group, and the stream with it.
func (q *Queue) ensureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}

	return nil
}

// Close closes the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// exceedsBudget reports whether an entry delivered deliveries times has
// used up the policy's attempts.
func exceedsBudget(deliveries int64, maxAttempts int) bool {
	return maxAttempts > 0 && deliveries > int64(maxAttempts)
}

func decode[T any](msg redis.XMessage, field string) (T, error) {
	var v T

	raw, ok := msg.Values[field].(string)
	if !ok {
		return v, fmt.Errorf("message %s has no %q field", msg.ID, field)
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal %s: %w", field, err)
	}

	return v, nil
}

// consumerName is unique per Consume call; listener names are stable per
// host so a restarted listener replays its own pending events.
func consumerName(role string) string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	if role == "listener" {
		return role + "-" + host
	}

	return fmt.Sprintf("%s-%s-%d-%s", role, host, os.Getpid(), uuid.NewString()[:8])
}
