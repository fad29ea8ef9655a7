package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/kafka"
	"github.com/herald-io/herald/internal/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	attempts int
	err      error
}

func (f *fakeTransport) Deliver(ctx context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.err
}

func (f *fakeTransport) SupportsChannel(string) bool { return true }

func (f *fakeTransport) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type publishedMessage struct {
	topic   string
	key     string
	value   []byte
	headers []kafka.Header
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte, headers []kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{topic, key, value, headers})
	return nil
}

func (p *fakePublisher) Published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMessage, len(p.published))
	copy(out, p.published)
	return out
}

type dlqInsert struct {
	messageKey   string
	errorMessage string
	retryCount   int
}

type fakeDLQStore struct {
	mu      sync.Mutex
	inserts []dlqInsert
	err     error
}

func (s *fakeDLQStore) RecordFailure(ctx context.Context, messageKey string, originalPayload json.RawMessage, errorMessage string, retryCount int, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.inserts = append(s.inserts, dlqInsert{messageKey, errorMessage, retryCount})
	return nil
}

func (s *fakeDLQStore) Inserts() []dlqInsert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dlqInsert, len(s.inserts))
	copy(out, s.inserts)
	return out
}

func newTestConsumer(t *fakeTransport, p *fakePublisher, s *fakeDLQStore) *Consumer {
	sched := NewRequeueScheduler(zap.NewNop())
	return New(t, p, s, sched, Config{
		MainTopic:    "notification-topic",
		DLQTopic:     "notification-dlq",
		RequeueDelay: time.Millisecond,
	}, zap.NewNop())
}

func notificationMessage(key string, retryCount int) *kafka.Message {
	payload, _ := json.Marshal(kafka.NotificationPayload{
		Recipient: "a@b.com",
		Channel:   "EMAIL",
		Message:   "hello",
		Timestamp: time.Now().UTC(),
	})
	msg := &kafka.Message{
		Topic: "notification-topic",
		Key:   key,
		Value: payload,
	}
	if retryCount > 0 {
		msg.Headers = []kafka.Header{{Key: kafka.HeaderRetryCount, Value: fmt.Sprintf("%d", retryCount)}}
	}
	return msg
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

func TestHandle_SuccessfulDeliveryAcks(t *testing.T) {
	tr := &fakeTransport{}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	if err := c.Handle(context.Background(), notificationMessage("ev-1", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", tr.Attempts())
	}
	if len(pub.Published()) != 0 {
		t.Error("successful delivery must not publish anything")
	}
	if len(store.Inserts()) != 0 {
		t.Error("successful delivery must not touch the DLQ store")
	}
}

func TestHandle_TransientFailureRequeuesWithIncrementedCount(t *testing.T) {
	tr := &fakeTransport{err: transport.Transient(errors.New("throttled"))}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	if err := c.Handle(context.Background(), notificationMessage("ev-1", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The requeue fires on a timer; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("requeue never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg := pub.Published()[0]
	if msg.topic != "notification-topic" {
		t.Errorf("requeued to %q, want the main topic", msg.topic)
	}
	if got := headerValue(msg.headers, kafka.HeaderRetryCount); got != "1" {
		t.Errorf("retry-count header = %q, want 1", got)
	}
	if len(store.Inserts()) != 0 {
		t.Error("first failure must not dead-letter")
	}
}

func TestHandle_ExhaustedBudgetDeadLetters(t *testing.T) {
	tr := &fakeTransport{err: transport.Transient(errors.New("down"))}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	// Third attempt: retry-count header is 2, so the budget of 3 is spent.
	if err := c.Handle(context.Background(), notificationMessage("ev-1", 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	published := pub.Published()
	if len(published) != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", len(published))
	}
	if published[0].topic != "notification-dlq" {
		t.Errorf("published to %q, want notification-dlq", published[0].topic)
	}

	var envelope kafka.DLQEnvelope
	if err := json.Unmarshal(published[0].value, &envelope); err != nil {
		t.Fatalf("DLQ envelope not valid JSON: %v", err)
	}
	if envelope.RetryCount != 3 {
		t.Errorf("envelope retryCount = %d, want 3", envelope.RetryCount)
	}
	if envelope.OriginalTopic != "notification-topic" {
		t.Errorf("envelope originalTopic = %q", envelope.OriginalTopic)
	}

	if got := headerValue(published[0].headers, kafka.HeaderErrorReason); got == "" {
		t.Error("expected error-reason header on DLQ message")
	}

	inserts := store.Inserts()
	if len(inserts) != 1 {
		t.Fatalf("expected 1 DLQ insert, got %d", len(inserts))
	}
	if inserts[0].messageKey != "ev-1" || inserts[0].retryCount != 3 {
		t.Errorf("unexpected insert: %+v", inserts[0])
	}
}

func TestHandle_TerminalErrorSkipsRetryBudget(t *testing.T) {
	tr := &fakeTransport{err: transport.Terminal(errors.New("invalid recipient"))}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	if err := c.Handle(context.Background(), notificationMessage("ev-1", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	published := pub.Published()
	if len(published) != 1 || published[0].topic != "notification-dlq" {
		t.Fatalf("terminal failure should dead-letter immediately, got %v publishes", len(published))
	}
	if len(store.Inserts()) != 1 {
		t.Fatalf("expected DLQ insert for terminal failure")
	}
}

func TestHandle_UndecodablePayloadDeadLetters(t *testing.T) {
	tr := &fakeTransport{}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	msg := &kafka.Message{Topic: "notification-topic", Key: "ev-1", Value: []byte("not json")}
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.Attempts() != 0 {
		t.Error("undecodable payload must not reach the transport")
	}
	if len(store.Inserts()) != 1 {
		t.Error("undecodable payload should dead-letter")
	}
}

func TestHandle_DLQPublishFailurePropagates(t *testing.T) {
	tr := &fakeTransport{err: transport.Terminal(errors.New("bad"))}
	pub := &fakePublisher{err: errors.New("broker down")}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	err := c.Handle(context.Background(), notificationMessage("ev-1", 0))
	if err == nil {
		t.Fatal("DLQ publish failure must propagate so the offset stays unmarked")
	}
	if len(store.Inserts()) != 0 {
		t.Error("store insert must not happen when the topic publish failed")
	}
}

func TestHandle_DLQStoreFailurePropagates(t *testing.T) {
	tr := &fakeTransport{err: transport.Terminal(errors.New("bad"))}
	pub := &fakePublisher{}
	store := &fakeDLQStore{err: errors.New("db down")}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	if err := c.Handle(context.Background(), notificationMessage("ev-1", 0)); err == nil {
		t.Fatal("DLQ store failure must propagate so the pair is retried")
	}
}

func TestHandle_RetryBudgetEndsInDLQ(t *testing.T) {
	// Walk one message through its whole life: attempts at retry-count 0 and
	// 1 requeue, the attempt at retry-count 2 dead-letters.
	tr := &fakeTransport{err: transport.Transient(errors.New("down"))}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	for retryCount := 0; retryCount < 3; retryCount++ {
		if err := c.Handle(context.Background(), notificationMessage("ev-1", retryCount)); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", retryCount+1, err)
		}
	}

	if tr.Attempts() != 3 {
		t.Errorf("attempts = %d, want exactly 3", tr.Attempts())
	}
	if len(store.Inserts()) != 1 {
		t.Fatalf("expected exactly 1 dead-letter, got %d", len(store.Inserts()))
	}
	if store.Inserts()[0].retryCount != 3 {
		t.Errorf("dead-letter retryCount = %d, want 3", store.Inserts()[0].retryCount)
	}
}

func TestHandle_DLQRetryHeaderPreservedOnRequeue(t *testing.T) {
	tr := &fakeTransport{err: transport.Transient(errors.New("down"))}
	pub := &fakePublisher{}
	store := &fakeDLQStore{}
	c := newTestConsumer(tr, pub, store)
	defer c.Scheduler().Stop()

	msg := notificationMessage("ev-1", 0)
	msg.Headers = append(msg.Headers, kafka.Header{Key: kafka.HeaderDLQRetry, Value: "true"})

	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("requeue never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := headerValue(pub.Published()[0].headers, kafka.HeaderDLQRetry); got != "true" {
		t.Errorf("dlq-retry header = %q, want true", got)
	}
}
