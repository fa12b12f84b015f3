package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// KafkaProducer publishes authentication events to the shared event topic.
type KafkaProducer struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Error("failed to write kafka messages",
					util.ErrorField(err),
					util.Int("message_count", len(messages)))
			}
		},
	}

	util.Info("kafka producer initialized",
		util.Any("brokers", cfg.Kafka.Brokers),
		util.String("topic", cfg.Kafka.Topic))

	return &KafkaProducer{writer: writer, topic: cfg.Kafka.Topic}, nil
}

// Publish writes one message keyed for partition affinity.
func (p *KafkaProducer) Publish(ctx context.Context, key, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		util.Error("failed to close kafka producer", util.ErrorField(err))
		return err
	}
	util.Info("kafka producer closed")
	return nil
}
