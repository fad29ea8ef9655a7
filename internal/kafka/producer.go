package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ProducerConfig holds Kafka producer settings.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
}

// Producer publishes messages with a synchronous, idempotent sarama producer.
type Producer struct {
	sp     sarama.SyncProducer
	logger *zap.Logger
}

// NewProducer creates a producer that waits for full ISR acknowledgment.
// Idempotent production requires MaxOpenRequests = 1.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info("kafka producer connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("client_id", cfg.ClientID),
	)

	return &Producer{sp: sp, logger: logger}, nil
}

// Publish sends one keyed message to topic and blocks until the broker
// acknowledges it. The send itself is not cancellable mid-flight; ctx is
// honored before the call and while waiting on the result.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers []Header) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(h.Key),
			Value: []byte(h.Value),
		})
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.sp.SendMessage(msg)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}

	p.logger.Debug("message published",
		zap.String("topic", topic),
		zap.String("key", key),
	)

	return nil
}

// Close shuts the producer down, flushing buffered messages.
func (p *Producer) Close() error {
	p.logger.Info("closing kafka producer")
	return p.sp.Close()
}
