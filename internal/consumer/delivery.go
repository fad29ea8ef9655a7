// Package consumer processes main-topic messages: it attempts delivery,
// requeues transient failures with a bounded retry budget, and escalates
// exhausted messages to the dead-letter path.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/kafka"
	"github.com/herald-io/herald/internal/metrics"
	"github.com/herald-io/herald/internal/transport"
)

const (
	// MaxRetryAttempts is the delivery attempt budget per message. A message
	// is attempted with retry-count headers 0..MaxRetryAttempts-1 and
	// dead-lettered when the budget is spent.
	MaxRetryAttempts = 3

	// DefaultRequeueDelay spaces out requeued attempts.
	DefaultRequeueDelay = 5 * time.Second

	publishTimeout = 30 * time.Second
)

// DLQStore persists dead-letter records.
type DLQStore interface {
	RecordFailure(ctx context.Context, messageKey string, originalPayload json.RawMessage, errorMessage string, retryCount int, failedAt time.Time) error
}

// Publisher publishes keyed messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers []kafka.Header) error
}

// Config holds delivery consumer settings.
type Config struct {
	MainTopic        string
	DLQTopic         string
	MaxRetryAttempts int
	RequeueDelay     time.Duration
}

// Consumer handles messages from the main notification topic.
type Consumer struct {
	transport transport.Transport
	producer  Publisher
	dlqStore  DLQStore
	scheduler *RequeueScheduler
	config    Config
	logger    *zap.Logger
}

// New creates a delivery consumer.
func New(t transport.Transport, producer Publisher, dlqStore DLQStore, scheduler *RequeueScheduler, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.MainTopic == "" {
		cfg.MainTopic = kafka.DefaultMainTopic
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = kafka.DefaultDLQTopic
	}
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = MaxRetryAttempts
	}
	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}

	return &Consumer{
		transport: t,
		producer:  producer,
		dlqStore:  dlqStore,
		scheduler: scheduler,
		config:    cfg,
		logger:    logger,
	}
}

// Scheduler exposes the requeue scheduler so the process can drain it on
// shutdown.
func (c *Consumer) Scheduler() *RequeueScheduler {
	return c.scheduler
}

// Handle processes one main-topic message. Returning nil acknowledges the
// message; requeued and dead-lettered messages are acknowledged too, since
// their follow-up lives on the topic or in the DLQ store, not at this offset.
func (c *Consumer) Handle(ctx context.Context, msg *kafka.Message) error {
	retryCount := msg.RetryCount()

	var payload kafka.NotificationPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		// Undecodable payloads can never deliver; no point in a retry loop.
		c.logger.Error("invalid notification payload",
			zap.Error(err),
			zap.String("key", msg.Key),
		)
		return c.deadLetter(ctx, msg, fmt.Errorf("invalid payload: %w", err), retryCount+1)
	}

	err := c.transport.Deliver(ctx, transport.Notification{
		Recipient: payload.Recipient,
		Channel:   payload.Channel,
		Message:   payload.Message,
	})
	if err == nil {
		metrics.RecordDelivery("success", payload.Channel)
		c.logger.Info("notification delivered",
			zap.String("key", msg.Key),
			zap.String("channel", payload.Channel),
			zap.Int("retry_count", retryCount),
			zap.Bool("dlq_retry", msg.IsDLQRetry()),
		)
		return nil
	}

	metrics.RecordDelivery("failure", payload.Channel)
	attempt := retryCount + 1

	c.logger.Warn("delivery failed",
		zap.Error(err),
		zap.String("key", msg.Key),
		zap.String("channel", payload.Channel),
		zap.Int("attempt", attempt),
	)

	if transport.IsTerminal(err) || attempt >= c.config.MaxRetryAttempts {
		return c.deadLetter(ctx, msg, err, attempt)
	}

	c.scheduleRequeue(msg, attempt)
	return nil
}

// scheduleRequeue fires a timer that republishes the message with the
// retry-count header incremented. The consume loop is not blocked by the
// delay; other partitions and messages keep flowing.
func (c *Consumer) scheduleRequeue(msg *kafka.Message, attempt int) {
	headers := []kafka.Header{
		{Key: kafka.HeaderRetryCount, Value: strconv.Itoa(attempt)},
	}
	if msg.IsDLQRetry() {
		headers = append(headers, kafka.Header{Key: kafka.HeaderDLQRetry, Value: "true"})
	}

	key := msg.Key
	value := msg.Value
	id := fmt.Sprintf("%s:%d", msg.Key, attempt)

	c.scheduler.Schedule(id, c.config.RequeueDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := c.producer.Publish(ctx, c.config.MainTopic, key, value, headers); err != nil {
			// The offset is already committed; this attempt is lost. The DLQ
			// auto-retry window is the backstop for messages stranded here.
			c.logger.Error("requeue publish failed",
				zap.Error(err),
				zap.String("key", key),
				zap.Int("attempt", attempt),
			)
			return
		}

		c.logger.Info("message requeued",
			zap.String("key", key),
			zap.Int("retry_count", attempt),
		)
	})

	metrics.RecordRequeue()
}

// deadLetter publishes the DLQ envelope and persists the matching DLQRecord.
// The two writes are paired: if the topic publish fails the store insert is
// not attempted and the error propagates, so the message is redelivered and
// the pair retried together.
func (c *Consumer) deadLetter(ctx context.Context, msg *kafka.Message, cause error, retryCount int) error {
	failedAt := time.Now().UTC()

	envelope := kafka.DLQEnvelope{
		OriginalMessage:   msg.Value,
		Error:             cause.Error(),
		RetryCount:        retryCount,
		FailedAt:          failedAt,
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}

	headers := []kafka.Header{
		{Key: kafka.HeaderErrorReason, Value: cause.Error()},
		{Key: kafka.HeaderRetryCount, Value: strconv.Itoa(retryCount)},
		{Key: kafka.HeaderOriginalTopic, Value: msg.Topic},
	}

	if err := c.producer.Publish(ctx, c.config.DLQTopic, msg.Key, value, headers); err != nil {
		return fmt.Errorf("publish dlq envelope: %w", err)
	}

	if err := c.dlqStore.RecordFailure(ctx, msg.Key, msg.Value, cause.Error(), retryCount, failedAt); err != nil {
		// The envelope is on the DLQ topic; the insert retries on redelivery
		// and is conflict-safe against the row it already wrote.
		return fmt.Errorf("record dlq failure: %w", err)
	}

	metrics.RecordDeadLettered()
	c.logger.Warn("message dead-lettered",
		zap.String("key", msg.Key),
		zap.Int("retry_count", retryCount),
		zap.String("error", cause.Error()),
	)

	return nil
}
