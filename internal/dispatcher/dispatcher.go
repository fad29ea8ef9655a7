// Package dispatcher polls the outbox table and publishes pending events to
// the main notification topic.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/kafka"
	"github.com/herald-io/herald/internal/metrics"
)

// Repository is the outbox store surface the dispatcher needs.
type Repository interface {
	ClaimBatch(ctx context.Context, claimedBy string, limit int) ([]*db.OutboxEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempt int, errMsg string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	PendingDepth(ctx context.Context) (int, error)
}

// Publisher publishes keyed messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers []kafka.Header) error
}

// Config holds dispatcher settings.
type Config struct {
	ID           string
	PollInterval time.Duration
	BatchSize    int
	MainTopic    string

	// DeadLetterTopic receives best-effort copies of rows that could not be
	// published, for visibility. Empty disables forwarding.
	DeadLetterTopic string

	// MaxPublishAttempts bounds how often a row is re-driven through RETRY
	// before it is marked FAILED.
	MaxPublishAttempts int
}

// Dispatcher runs the outbox polling loop.
type Dispatcher struct {
	repo      Repository
	publisher Publisher
	config    Config
	logger    *zap.Logger
}

// New creates a dispatcher.
func New(repo Repository, publisher Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MainTopic == "" {
		cfg.MainTopic = kafka.DefaultMainTopic
	}
	if cfg.MaxPublishAttempts == 0 {
		cfg.MaxPublishAttempts = 5
	}

	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Start polls on the configured cadence until ctx is cancelled. Ticks never
// overlap: the loop is sequential, so a slow batch simply delays the next
// tick instead of racing it.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims one batch of dispatchable rows and publishes them in
// creation order. Every claimed row leaves the batch either SENT, RETRY, or
// FAILED; one row's publish failure never blocks the rest.
func (d *Dispatcher) ProcessBatch(ctx context.Context) {
	events, err := d.repo.ClaimBatch(ctx, d.config.ID, d.config.BatchSize)
	if err != nil {
		d.logger.Error("failed to claim outbox batch", zap.Error(err))
		return
	}

	for _, event := range events {
		d.dispatch(ctx, event)
	}

	if depth, err := d.repo.PendingDepth(ctx); err == nil {
		metrics.SetPendingDepth(depth)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event *db.OutboxEvent) {
	payload := kafka.NotificationPayload{
		Recipient: event.Recipient,
		Channel:   event.Channel,
		Message:   event.Message,
		Timestamp: event.CreatedAt,
	}

	value, err := json.Marshal(payload)
	if err != nil {
		// Cannot happen for this payload shape, but a row that cannot be
		// encoded must not wedge the batch forever.
		d.fail(ctx, event, err.Error())
		return
	}

	headers := []kafka.Header{{Key: kafka.HeaderRetryCount, Value: "0"}}

	if err := d.publisher.Publish(ctx, d.config.MainTopic, event.ID.String(), value, headers); err != nil {
		d.logger.Error("failed to publish outbox event",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
			zap.Int("attempt", event.Attempt+1),
		)
		d.forwardDeadLetterCopy(ctx, event, value)

		attempt := event.Attempt + 1
		if attempt >= d.config.MaxPublishAttempts {
			d.fail(ctx, event, err.Error())
			return
		}

		nextAttempt := time.Now().Add(publishBackoff(attempt))
		if markErr := d.repo.MarkRetry(ctx, event.ID, attempt, err.Error(), nextAttempt); markErr != nil {
			d.logger.Error("failed to mark outbox event retry",
				zap.Error(markErr),
				zap.String("event_id", event.ID.String()),
			)
		}
		metrics.RecordDispatched("retry")
		return
	}

	if err := d.repo.MarkSent(ctx, event.ID); err != nil {
		// Published but not marked: the row will be claimed and published
		// again, which is the at-least-once side of the outbox pattern.
		d.logger.Error("failed to mark outbox event sent",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
		)
		return
	}

	d.logger.Info("outbox event dispatched",
		zap.String("event_id", event.ID.String()),
		zap.String("channel", event.Channel),
	)
	metrics.RecordDispatched("sent")
}

func (d *Dispatcher) fail(ctx context.Context, event *db.OutboxEvent, errMsg string) {
	if err := d.repo.MarkFailed(ctx, event.ID, errMsg); err != nil {
		d.logger.Error("failed to mark outbox event failed",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
		)
		return
	}
	metrics.RecordDispatched("failed")
}

// forwardDeadLetterCopy publishes a copy of an undeliverable row to the
// visibility topic. Best effort: failures are logged and ignored.
func (d *Dispatcher) forwardDeadLetterCopy(ctx context.Context, event *db.OutboxEvent, value []byte) {
	if d.config.DeadLetterTopic == "" {
		return
	}

	if err := d.publisher.Publish(ctx, d.config.DeadLetterTopic, event.ID.String(), value, nil); err != nil {
		d.logger.Warn("failed to forward dead letter copy",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
		)
	}
}

// publishBackoff spaces out republish attempts for a RETRY row.
func publishBackoff(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	if idx < 0 {
		idx = 0
	}

	return delays[idx]
}
