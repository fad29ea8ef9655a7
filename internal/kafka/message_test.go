package kafka

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessage_Header(t *testing.T) {
	msg := &Message{
		Headers: []Header{
			{Key: "retry-count", Value: "2"},
			{Key: "dlq-retry", Value: "true"},
		},
	}

	if got := msg.Header("retry-count"); got != "2" {
		t.Errorf("expected retry-count=2, got %q", got)
	}
	if got := msg.Header("missing"); got != "" {
		t.Errorf("expected empty value for missing header, got %q", got)
	}
}

func TestMessage_RetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers []Header
		want    int
	}{
		{"absent", nil, 0},
		{"zero", []Header{{Key: HeaderRetryCount, Value: "0"}}, 0},
		{"positive", []Header{{Key: HeaderRetryCount, Value: "2"}}, 2},
		{"malformed", []Header{{Key: HeaderRetryCount, Value: "abc"}}, 0},
		{"negative", []Header{{Key: HeaderRetryCount, Value: "-1"}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Headers: tt.headers}
			if got := msg.RetryCount(); got != tt.want {
				t.Errorf("RetryCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessage_IsDLQRetry(t *testing.T) {
	msg := &Message{Headers: []Header{{Key: HeaderDLQRetry, Value: "true"}}}
	if !msg.IsDLQRetry() {
		t.Error("expected IsDLQRetry true")
	}

	msg = &Message{}
	if msg.IsDLQRetry() {
		t.Error("expected IsDLQRetry false without header")
	}
}

func TestDLQEnvelope_RoundTripPreservesFailedAt(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	envelope := DLQEnvelope{
		OriginalMessage:   json.RawMessage(`{"recipient":"a@b.com"}`),
		Error:             "delivery failed",
		RetryCount:        3,
		FailedAt:          failedAt,
		OriginalTopic:     "notification-topic",
		OriginalPartition: 2,
		OriginalOffset:    41,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded DLQEnvelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if !decoded.FailedAt.Equal(failedAt) {
		t.Errorf("failedAt changed across round trip: %v != %v", decoded.FailedAt, failedAt)
	}
	if decoded.RetryCount != 3 {
		t.Errorf("retryCount = %d, want 3", decoded.RetryCount)
	}
	if decoded.OriginalOffset != 41 {
		t.Errorf("originalOffset = %d, want 41", decoded.OriginalOffset)
	}
}
