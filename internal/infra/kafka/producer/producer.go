package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
)

// Producer writes JSON messages to a single Kafka topic.
type Producer struct {
	client   *wbfkafka.Producer
	topic    string
	strategy retry.Strategy
}

// New creates a new Producer for topic.
// - brokers: list of Kafka broker addresses
// - topic: destination topic
// - s: retry strategy for sends
func New(brokers []string, topic string, s retry.Strategy) *Producer {
	return &Producer{
		client:   wbfkafka.NewProducer(brokers, topic),
		topic:    topic,
		strategy: s,
	}
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

// Send serializes v to JSON and sends it with key, retrying per the
// producer's strategy. The key selects the partition, so messages with
// the same key keep their order.
func (p *Producer) Send(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return p.SendRaw(ctx, key, data)
}

// SendRaw sends data as-is.
func (p *Producer) SendRaw(ctx context.Context, key string, data []byte) error {
	if err := p.client.SendWithRetry(ctx, p.strategy, []byte(key), data); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", p.topic, err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.client.Close()
}
