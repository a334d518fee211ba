package consumer

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	goretry "github.com/sethvargo/go-retry"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

const (
	fetchBackoff     = 500 * time.Millisecond
	maxHandleBackoff = 30 * time.Second
)

// messageHandler handles one fetched message. A nil error commits it.
type messageHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// client is the part of the group reader the consumer needs.
type client interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Consumer is a Kafka consumer group member for a single topic.
type Consumer struct {
	client   client
	topic    string
	strategy retry.Strategy
}

// New creates a new Consumer.
// - brokers: list of Kafka broker addresses
// - topic: topic to read
// - groupID: consumer group ID
// - s: retry strategy for fetch and commit; its delay also seeds the
// backoff between attempts to handle a failing message
func New(brokers []string, topic, groupID string, s retry.Strategy) *Consumer {
	return newConsumer(wbfkafka.NewConsumer(brokers, topic, groupID), topic, s)
}

func newConsumer(c client, topic string, s retry.Strategy) *Consumer {
	return &Consumer{client: c, topic: topic, strategy: s}
}

// Run continuously fetches messages, passes them to h and commits offsets
// after successful handling. It returns when ctx is canceled.
//
// A message whose handling fails is retried in place with backoff. The
// consumer never fetches past it, because committing a later offset
// would also commit the failed one.
func (c *Consumer) Run(ctx context.Context, h messageHandler) {
	zlog.Logger.Info().
		Str("topic", c.topic).
		Msg("starting consumer")

	for {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			zlog.Logger.Info().Str("topic", c.topic).Msg("shutdown signal received, stopping consumer")
			return
		}

		// Fetch a message from Kafka with retries.
		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.client.Fetch(ctx)
			return fetchErr
		}, c.strategy)

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Log error and retry after a short backoff.
			zlog.Logger.Err(err).Str("topic", c.topic).Msg("failed to fetch message")
			time.Sleep(fetchBackoff)
			continue
		}

		// Uncommitted messages are delivered again after a rebalance or restart.
		if err := c.handle(ctx, h, msg); err != nil {
			zlog.Logger.Info().
				Str("topic", c.topic).
				Int64("offset", msg.Offset).
				Msg("stopped before message was handled, leaving it uncommitted")
			continue
		}

		// Commit the message with retries.
		err = retry.Do(func() error {
			return c.client.Commit(ctx, msg)
		}, c.strategy)
		if err != nil {
			zlog.Logger.Err(err).Msg("failed to commit message after retries")
			continue
		}

		zlog.Logger.Debug().
			Str("topic", c.topic).
			Int64("offset", msg.Offset).
			Msg("message handled successfully")
	}
}

// handle runs h on msg until it succeeds or ctx is done.
func (c *Consumer) handle(ctx context.Context, h messageHandler, msg kafka.Message) error {
	base := c.strategy.Delay
	if base <= 0 {
		base = fetchBackoff
	}
	b := goretry.WithCappedDuration(maxHandleBackoff, goretry.NewExponential(base))

	return goretry.Do(ctx, b, func(ctx context.Context) error {
		err := h.Handle(ctx, msg)
		if err != nil && ctx.Err() == nil {
			zlog.Logger.Err(err).
				Str("topic", c.topic).
				Int64("offset", msg.Offset).
				Msg("failed to handle message, retrying")
		}
		return goretry.RetryableError(err)
	})
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.client.Close()
}
