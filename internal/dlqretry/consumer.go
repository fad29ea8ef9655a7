// Package dlqretry consumes the dead-letter topic and re-drives eligible
// messages back to the main topic.
package dlqretry

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/dlq"
	"github.com/herald-io/herald/internal/kafka"
)

// Consumer handles messages from the DLQ topic.
type Consumer struct {
	service *dlq.Service
	logger  *zap.Logger
}

// New creates a DLQ auto-retry consumer.
func New(service *dlq.Service, logger *zap.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

// Handle applies the auto-retry eligibility gate to one DLQ envelope. A
// message that fails the gate is acknowledged and left FAILED in the store;
// it is only reconsidered via manual retry or a later re-drive of the topic,
// since this consumer sees each offset once.
func (c *Consumer) Handle(ctx context.Context, msg *kafka.Message) error {
	var envelope kafka.DLQEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		// A poison envelope will never parse; keep the partition moving.
		c.logger.Warn("invalid dlq envelope, skipping",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
		)
		return nil
	}

	if msg.Key == "" {
		c.logger.Warn("dlq envelope without message key, skipping",
			zap.Int64("offset", msg.Offset),
		)
		return nil
	}

	c.logger.Info("processing dlq message",
		zap.String("message_key", msg.Key),
		zap.Time("failed_at", envelope.FailedAt),
		zap.Int("retry_count", envelope.RetryCount),
		zap.String("error", envelope.Error),
	)

	retried, err := c.service.AutoRetry(ctx, msg.Key, envelope)
	if errors.Is(err, db.ErrNotFound) {
		// The record moved on (manual retry or resolve) while this envelope
		// sat on the topic.
		c.logger.Info("dlq record no longer failed, skipping",
			zap.String("message_key", msg.Key),
		)
		return nil
	}
	if err != nil {
		return err
	}

	if !retried {
		c.logger.Info("dead letter kept for manual review",
			zap.String("message_key", msg.Key),
		)
	}

	return nil
}
