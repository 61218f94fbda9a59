// Package kafka wires the franz-go producer the audit outbox drains into.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes audit payloads keyed by entity ID so one record's
// history stays ordered within a partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and makes sure the topic exists.
// Returns nil when no brokers are configured (publishing disabled).
func NewProducer(ctx context.Context, brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	admin := kadm.NewClient(client)
	if _, err := admin.CreateTopic(ctx, 3, 1, nil, topic); err != nil {
		// Already-exists is fine; anything else surfaces on first produce.
		if resp, lerr := admin.ListTopics(ctx, topic); lerr != nil || !resp.Has(topic) {
			client.Close()
			return nil, fmt.Errorf("ensure kafka topic %s: %w", topic, err)
		}
	}
	return &Producer{client: client, topic: topic}, nil
}

// Produce synchronously publishes one payload.
func (p *Producer) Produce(ctx context.Context, key string, payload []byte) error {
	record := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: payload}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
