// Package kafkabus carries cross-ledger messages over Kafka topics.
package kafkabus

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Bus publishes keyed messages to arbitrary topics and consumes one topic per consumer group.
type Bus struct {
	brokers []string
	writer  *kafka.Writer
}

func New(brokers []string) *Bus {
	return &Bus{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish writes payload to topic under key. Messages with the same key keep their order.
func (b *Bus) Publish(ctx context.Context, topic string, key, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload, Time: time.Now()})
}

// Consume reads topic as groupID until ctx is cancelled. An offset is committed only
// after handler returns true; on false the same message is retried with backoff.
func (b *Bus) Consume(ctx context.Context, topic, groupID string, handler func([]byte) bool) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		backoff := 500 * time.Millisecond
		for !handler(m.Value) {
			log.Printf("level=warn component=kafka_consumer msg=\"handler failed; retrying\" topic=%s partition=%d offset=%d backoff=%s", m.Topic, m.Partition, m.Offset, backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			log.Printf("level=error component=kafka_consumer msg=\"commit failed\" topic=%s offset=%d err=%v", m.Topic, m.Offset, err)
		}
	}
}

func (b *Bus) Close() error {
	return b.writer.Close()
}
