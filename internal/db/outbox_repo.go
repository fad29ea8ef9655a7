package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row lookup or a guarded update matches
// nothing.
var ErrNotFound = errors.New("not found")

// OutboxRepository handles database operations for outbox events.
type OutboxRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		db:     db,
		logger: logger,
	}
}

// CreateEvent inserts a new outbox event with status PENDING.
func (r *OutboxRepository) CreateEvent(ctx context.Context, event *OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, recipient, channel, message, status, attempt)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		event.ID,
		event.Recipient,
		event.Channel,
		event.Message,
		event.Status,
		event.Attempt,
	).Scan(&event.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create outbox event",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
		)
		return fmt.Errorf("insert outbox event: %w", err)
	}

	r.logger.Info("outbox event created",
		zap.String("event_id", event.ID.String()),
		zap.String("channel", event.Channel),
	)

	return nil
}

// GetEvent retrieves an outbox event by ID.
func (r *OutboxRepository) GetEvent(ctx context.Context, id uuid.UUID) (*OutboxEvent, error) {
	query := `
		SELECT id, recipient, channel, message, status, attempt,
		       claimed_by, last_error, next_attempt_at, created_at
		FROM outbox_events
		WHERE id = $1
	`

	var event OutboxEvent
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&event.ID,
		&event.Recipient,
		&event.Channel,
		&event.Message,
		&event.Status,
		&event.Attempt,
		&event.ClaimedBy,
		&event.LastError,
		&event.NextAttemptAt,
		&event.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox event: %w", err)
	}

	return &event, nil
}

// ClaimBatch atomically claims up to limit dispatchable rows for the given
// dispatcher. A row is dispatchable when it is PENDING, or RETRY with its
// next_attempt_at due. FOR UPDATE SKIP LOCKED keeps two dispatchers from
// claiming the same row; the status flip to CLAIMED happens in the same
// statement, so a claimed row is invisible to the next poll.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, claimedBy string, limit int) ([]*OutboxEvent, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM outbox_events
			WHERE (status = 'PENDING')
			   OR (status = 'RETRY' AND next_attempt_at <= NOW())
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'CLAIMED', claimed_by = $1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.recipient, o.channel, o.message, o.status, o.attempt,
		          o.claimed_by, o.last_error, o.next_attempt_at, o.created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, claimedBy, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var event OutboxEvent
		err := rows.Scan(
			&event.ID,
			&event.Recipient,
			&event.Channel,
			&event.Message,
			&event.Status,
			&event.Attempt,
			&event.ClaimedBy,
			&event.LastError,
			&event.NextAttemptAt,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// Claiming is ordered oldest-first so staleness stays bounded, but the
	// UPDATE..FROM join does not preserve the CTE order; restore it for the
	// publish loop.
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// MarkSent transitions a claimed row to SENT. SENT is terminal.
func (r *OutboxRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = 'SENT', last_error = NULL, next_attempt_at = NULL
		WHERE id = $1 AND status = 'CLAIMED'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark outbox event sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkRetry transitions a claimed row back to RETRY with the failure recorded
// and the next attempt scheduled. The dispatcher re-claims it once
// nextAttemptAt is due.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, attempt int, errMsg string, nextAttemptAt time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'RETRY', attempt = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $1 AND status = 'CLAIMED'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, attempt, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark outbox event retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkFailed transitions a claimed row to FAILED. FAILED is terminal for the
// dispatcher; the row stays as an audit record.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', last_error = $2, next_attempt_at = NULL
		WHERE id = $1 AND status = 'CLAIMED'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// PendingDepth counts rows still awaiting dispatch (PENDING plus due or
// scheduled RETRY).
func (r *OutboxRepository) PendingDepth(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*) FROM outbox_events
		WHERE status IN ('PENDING', 'RETRY')
	`

	var depth int
	if err := r.db.Pool().QueryRow(ctx, query).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count pending outbox events: %w", err)
	}

	return depth, nil
}
