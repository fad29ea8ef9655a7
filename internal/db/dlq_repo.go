package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DLQRepository handles database operations for dead-letter records.
type DLQRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDLQRepository creates a new dead-letter repository.
func NewDLQRepository(db *DB, logger *zap.Logger) *DLQRepository {
	return &DLQRepository{
		db:     db,
		logger: logger,
	}
}

// RecordFailure inserts a new FAILED row. It never overwrites: the partial
// unique index on (message_key) WHERE status = 'FAILED' plus ON CONFLICT DO
// NOTHING makes a redelivered dead-letter insert a no-op instead of a second
// live row for the same key.
func (r *DLQRepository) RecordFailure(ctx context.Context, messageKey string, originalPayload json.RawMessage, errorMessage string, retryCount int, failedAt time.Time) error {
	query := `
		INSERT INTO dlq_messages
			(id, message_key, original_payload, error_message, retry_count, failed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'FAILED')
		ON CONFLICT (message_key) WHERE status = 'FAILED' DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query,
		uuid.New(),
		messageKey,
		originalPayload,
		errorMessage,
		retryCount,
		failedAt,
	)
	if err != nil {
		r.logger.Error("failed to record dead letter",
			zap.Error(err),
			zap.String("message_key", messageKey),
		)
		return fmt.Errorf("insert dlq record: %w", err)
	}

	r.logger.Info("dead letter recorded",
		zap.String("message_key", messageKey),
		zap.Int("retry_count", retryCount),
	)

	return nil
}

// GetFailedByKey fetches the currently FAILED row for a message key.
// Returns ErrNotFound when the key is absent or its record has already moved
// to RETRYING or RESOLVED.
func (r *DLQRepository) GetFailedByKey(ctx context.Context, messageKey string) (*DLQRecord, error) {
	query := `
		SELECT id, message_key, original_payload, error_message, retry_count,
		       failed_at, status, retry_at, resolved_at, updated_at
		FROM dlq_messages
		WHERE message_key = $1 AND status = 'FAILED'
	`

	var rec DLQRecord
	err := r.db.Pool().QueryRow(ctx, query, messageKey).Scan(
		&rec.ID,
		&rec.MessageKey,
		&rec.OriginalPayload,
		&rec.ErrorMessage,
		&rec.RetryCount,
		&rec.FailedAt,
		&rec.Status,
		&rec.RetryAt,
		&rec.ResolvedAt,
		&rec.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query dlq record: %w", err)
	}

	return &rec, nil
}

// MarkRetrying flips the FAILED row for messageKey to RETRYING. The status
// guard in the WHERE clause is the correctness requirement that stops a
// record from being retried twice: a concurrent manual retry, auto retry, or
// resolve loses the race and gets ErrNotFound.
func (r *DLQRepository) MarkRetrying(ctx context.Context, messageKey string, retryAt time.Time) error {
	query := `
		UPDATE dlq_messages
		SET status = 'RETRYING', retry_at = $2, updated_at = NOW()
		WHERE message_key = $1 AND status = 'FAILED'
	`

	result, err := r.db.Pool().Exec(ctx, query, messageKey, retryAt)
	if err != nil {
		return fmt.Errorf("mark dlq record retrying: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkResolved flips a FAILED or RETRYING row to RESOLVED. RESOLVED is
// terminal.
func (r *DLQRepository) MarkResolved(ctx context.Context, messageKey string) error {
	query := `
		UPDATE dlq_messages
		SET status = 'RESOLVED', resolved_at = NOW(), updated_at = NOW()
		WHERE message_key = $1 AND status IN ('FAILED', 'RETRYING')
	`

	result, err := r.db.Pool().Exec(ctx, query, messageKey)
	if err != nil {
		return fmt.Errorf("mark dlq record resolved: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("dead letter resolved", zap.String("message_key", messageKey))

	return nil
}

// Stats aggregates dead-letter rows by status with the failure time range per
// status.
func (r *DLQRepository) Stats(ctx context.Context) ([]DLQStatusStats, error) {
	query := `
		SELECT status, COUNT(*), MIN(failed_at), MAX(failed_at)
		FROM dlq_messages
		GROUP BY status
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dlq stats: %w", err)
	}
	defer rows.Close()

	var stats []DLQStatusStats
	for rows.Next() {
		var s DLQStatusStats
		if err := rows.Scan(&s.Status, &s.Count, &s.OldestFailure, &s.NewestFailure); err != nil {
			return nil, fmt.Errorf("scan dlq stats: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return stats, nil
}

// Page returns one page of dead-letter rows, newest failure first. page is
// 1-based; status narrows the listing when non-nil.
func (r *DLQRepository) Page(ctx context.Context, page, limit int, status *DLQStatus) ([]*DLQRecord, error) {
	offset := (page - 1) * limit

	query := `
		SELECT id, message_key, original_payload, error_message, retry_count,
		       failed_at, status, retry_at, resolved_at, updated_at
		FROM dlq_messages
	`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1 ORDER BY failed_at DESC LIMIT $2 OFFSET $3`
		args = append(args, *status, limit, offset)
	} else {
		query += ` ORDER BY failed_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dlq page: %w", err)
	}
	defer rows.Close()

	var records []*DLQRecord
	for rows.Next() {
		var rec DLQRecord
		err := rows.Scan(
			&rec.ID,
			&rec.MessageKey,
			&rec.OriginalPayload,
			&rec.ErrorMessage,
			&rec.RetryCount,
			&rec.FailedAt,
			&rec.Status,
			&rec.RetryAt,
			&rec.ResolvedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dlq record: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}
