package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the lifecycle state of an outbox row. Transitions only move
// forward: PENDING -> CLAIMED -> {SENT, RETRY, FAILED}, RETRY -> CLAIMED.
// A SENT row is never mutated again.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxClaimed OutboxStatus = "CLAIMED"
	OutboxSent    OutboxStatus = "SENT"
	OutboxRetry   OutboxStatus = "RETRY"
	OutboxFailed  OutboxStatus = "FAILED"
)

// Valid reports whether s is one of the known outbox statuses.
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxClaimed, OutboxSent, OutboxRetry, OutboxFailed:
		return true
	}
	return false
}

// DLQStatus is the lifecycle state of a dead-letter row.
type DLQStatus string

const (
	DLQFailed   DLQStatus = "FAILED"
	DLQRetrying DLQStatus = "RETRYING"
	DLQResolved DLQStatus = "RESOLVED"
)

// Valid reports whether s is one of the known DLQ statuses.
func (s DLQStatus) Valid() bool {
	switch s {
	case DLQFailed, DLQRetrying, DLQResolved:
		return true
	}
	return false
}

// Channel constants
const (
	ChannelEmail = "EMAIL"
	ChannelSMS   = "SMS"
)

// ValidChannel reports whether ch is a deliverable channel.
func ValidChannel(ch string) bool {
	return ch == ChannelEmail || ch == ChannelSMS
}

// OutboxEvent is one notification intent. Rows are created by the intake API
// with status PENDING, mutated only by the dispatcher, and never deleted.
type OutboxEvent struct {
	ID            uuid.UUID    `json:"id"`
	Recipient     string       `json:"recipient"`
	Channel       string       `json:"channel"`
	Message       string       `json:"message"`
	Status        OutboxStatus `json:"status"`
	Attempt       int          `json:"attempt"`
	ClaimedBy     *string      `json:"claimed_by,omitempty"`
	LastError     *string      `json:"last_error,omitempty"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// DLQRecord is one message that exhausted delivery retries. MessageKey
// correlates back to the original outbox event id; at most one row per key may
// be in status FAILED at a time.
type DLQRecord struct {
	ID              uuid.UUID       `json:"id"`
	MessageKey      string          `json:"message_key"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	ErrorMessage    string          `json:"error_message"`
	RetryCount      int             `json:"retry_count"`
	FailedAt        time.Time       `json:"failed_at"`
	Status          DLQStatus       `json:"status"`
	RetryAt         *time.Time      `json:"retry_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DLQStatusStats is one row of the per-status aggregate used by the admin
// stats and health endpoints.
type DLQStatusStats struct {
	Status        DLQStatus  `json:"status"`
	Count         int        `json:"count"`
	OldestFailure *time.Time `json:"oldest_failure,omitempty"`
	NewestFailure *time.Time `json:"newest_failure,omitempty"`
}
