package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// HandlerFunc processes one message. Returning nil acknowledges the message
// (its offset is committed); returning an error leaves the offset unmarked so
// the message is redelivered after a rebalance or restart.
type HandlerFunc func(ctx context.Context, msg *Message) error

// ConsumerConfig holds Kafka consumer-group settings.
type ConsumerConfig struct {
	Brokers  []string
	ClientID string
	GroupID  string
	Topics   []string
}

// ConsumerGroup runs a handler over a sarama consumer group. Claims for
// different partitions run concurrently; within one partition the handler is
// invoked sequentially in offset order.
type ConsumerGroup struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler HandlerFunc
	logger  *zap.Logger
}

// NewConsumerGroup connects a consumer group for the configured topics.
func NewConsumerGroup(cfg ConsumerConfig, handler HandlerFunc, logger *zap.Logger) (*ConsumerGroup, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	logger.Info("kafka consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", cfg.GroupID),
		zap.Strings("topics", cfg.Topics),
	)

	return &ConsumerGroup{
		group:   group,
		topics:  cfg.Topics,
		handler: handler,
		logger:  logger,
	}, nil
}

// Run consumes until ctx is cancelled. Consume returns on rebalance, so it is
// called in a loop.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	h := &groupHandler{handler: c.handler, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, c.topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the group and releases its partitions.
func (c *ConsumerGroup) Close() error {
	c.logger.Info("closing kafka consumer group")
	return c.group.Close()
}

type groupHandler struct {
	handler HandlerFunc
	logger  *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			msg := fromSarama(cm)
			if err := h.handler(session.Context(), msg); err != nil {
				// Per-message failures are isolated: log, skip the commit so
				// the message comes back, keep the partition moving.
				h.logger.Error("message handler failed",
					zap.Error(err),
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
				)
				continue
			}
			session.MarkMessage(cm, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func fromSarama(cm *sarama.ConsumerMessage) *Message {
	msg := &Message{
		Topic:     cm.Topic,
		Partition: cm.Partition,
		Offset:    cm.Offset,
		Key:       string(cm.Key),
		Value:     cm.Value,
	}
	for _, h := range cm.Headers {
		msg.Headers = append(msg.Headers, Header{
			Key:   string(h.Key),
			Value: string(h.Value),
		})
	}
	return msg
}
