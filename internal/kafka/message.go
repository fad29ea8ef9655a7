// Package kafka wraps sarama with the small producer/consumer surface the
// pipeline needs, plus the wire types carried on the notification topics.
package kafka

import (
	"encoding/json"
	"strconv"
	"time"
)

// Default topic names.
const (
	DefaultMainTopic = "notification-topic"
	DefaultDLQTopic  = "notification-dlq"

	// DefaultDeadLetterVisibilityTopic receives best-effort copies of outbox
	// rows the dispatcher could not publish, for observers.
	DefaultDeadLetterVisibilityTopic = "notification-dead-letter"
)

// Message header keys.
const (
	HeaderRetryCount    = "retry-count"
	HeaderDLQRetry      = "dlq-retry"
	HeaderManualRetry   = "manual-retry"
	HeaderOriginalError = "original-error"
	HeaderErrorReason   = "error-reason"
	HeaderOriginalTopic = "original-topic"
)

// Header is one key/value pair carried on a message.
type Header struct {
	Key   string
	Value string
}

// Message is a broker message as seen by handlers. Partition and Offset
// identify its position on the topic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Headers   []Header
}

// Header returns the value for key, or "" when absent.
func (m *Message) Header(key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// RetryCount parses the retry-count header, defaulting to 0 when the header
// is absent or malformed.
func (m *Message) RetryCount() int {
	v := m.Header(HeaderRetryCount)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IsDLQRetry reports whether this message was reinjected from the DLQ path.
func (m *Message) IsDLQRetry() bool {
	return m.Header(HeaderDLQRetry) == "true"
}

// NotificationPayload is the canonical main-topic envelope.
type NotificationPayload struct {
	Recipient string    `json:"recipient"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQEnvelope is the dead-letter topic envelope. FailedAt is RFC 3339 so the
// eligibility window survives the round trip through JSON.
type DLQEnvelope struct {
	OriginalMessage   json.RawMessage `json:"originalMessage"`
	Error             string          `json:"error"`
	RetryCount        int             `json:"retryCount"`
	FailedAt          time.Time       `json:"failedAt"`
	OriginalTopic     string          `json:"originalTopic"`
	OriginalPartition int32           `json:"originalPartition"`
	OriginalOffset    int64           `json:"originalOffset"`
}
