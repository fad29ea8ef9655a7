package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/kafka"
)

type fakeRepo struct {
	records map[string]*db.DLQRecord
	stats   []db.DLQStatusStats

	retrying []string
	resolved []string

	markRetryingErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*db.DLQRecord)}
}

func (r *fakeRepo) add(messageKey string, status db.DLQStatus) *db.DLQRecord {
	rec := &db.DLQRecord{
		ID:              uuid.New(),
		MessageKey:      messageKey,
		OriginalPayload: json.RawMessage(`{"recipient":"a@b.com","channel":"EMAIL","message":"hi"}`),
		ErrorMessage:    "delivery failed",
		RetryCount:      3,
		FailedAt:        time.Now().UTC().Add(-time.Hour),
		Status:          status,
	}
	r.records[messageKey] = rec
	return rec
}

func (r *fakeRepo) GetFailedByKey(ctx context.Context, messageKey string) (*db.DLQRecord, error) {
	rec, ok := r.records[messageKey]
	if !ok || rec.Status != db.DLQFailed {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) MarkRetrying(ctx context.Context, messageKey string, retryAt time.Time) error {
	if r.markRetryingErr != nil {
		return r.markRetryingErr
	}
	rec, ok := r.records[messageKey]
	if !ok || rec.Status != db.DLQFailed {
		return db.ErrNotFound
	}
	rec.Status = db.DLQRetrying
	r.retrying = append(r.retrying, messageKey)
	return nil
}

func (r *fakeRepo) MarkResolved(ctx context.Context, messageKey string) error {
	rec, ok := r.records[messageKey]
	if !ok || rec.Status == db.DLQResolved {
		return db.ErrNotFound
	}
	rec.Status = db.DLQResolved
	r.resolved = append(r.resolved, messageKey)
	return nil
}

func (r *fakeRepo) Stats(ctx context.Context) ([]db.DLQStatusStats, error) {
	return r.stats, nil
}

func (r *fakeRepo) Page(ctx context.Context, page, limit int, status *db.DLQStatus) ([]*db.DLQRecord, error) {
	var out []*db.DLQRecord
	for _, rec := range r.records {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type publishedMessage struct {
	topic   string
	key     string
	value   []byte
	headers []kafka.Header
}

type fakePublisher struct {
	published []publishedMessage
	failKeys  map[string]bool
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte, headers []kafka.Header) error {
	if p.failKeys[key] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, publishedMessage{topic, key, value, headers})
	return nil
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

func TestManualRetry_RepublishesAndMarksRetrying(t *testing.T) {
	repo := newFakeRepo()
	rec := repo.add("ev-1", db.DLQFailed)
	pub := &fakePublisher{}
	svc := NewService(repo, pub, "notification-topic", zap.NewNop())

	if err := svc.ManualRetry(context.Background(), "ev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}

	msg := pub.published[0]
	if msg.topic != "notification-topic" {
		t.Errorf("published to %q, want the main topic", msg.topic)
	}
	if string(msg.value) != string(rec.OriginalPayload) {
		t.Error("republished value must be the original payload")
	}
	if headerValue(msg.headers, kafka.HeaderRetryCount) != "0" {
		t.Error("manual retry must reset the retry budget")
	}
	if headerValue(msg.headers, kafka.HeaderDLQRetry) != "true" {
		t.Error("expected dlq-retry marker")
	}
	if headerValue(msg.headers, kafka.HeaderManualRetry) != "true" {
		t.Error("expected manual-retry marker")
	}

	if repo.records["ev-1"].Status != db.DLQRetrying {
		t.Errorf("record status = %s, want RETRYING", repo.records["ev-1"].Status)
	}
}

func TestManualRetry_UnknownKey(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakePublisher{}, "", zap.NewNop())

	err := svc.ManualRetry(context.Background(), "missing")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManualRetry_AlreadyRetryingIsNotFound(t *testing.T) {
	repo := newFakeRepo()
	repo.add("ev-1", db.DLQRetrying)
	pub := &fakePublisher{}
	svc := NewService(repo, pub, "", zap.NewNop())

	err := svc.ManualRetry(context.Background(), "ev-1")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-FAILED record, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Error("non-FAILED record must not be republished")
	}
}

func TestBulkRetry_PartialFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.add("ev-1", db.DLQFailed)
	repo.add("ev-2", db.DLQFailed)
	pub := &fakePublisher{failKeys: map[string]bool{"ev-2": true}}
	svc := NewService(repo, pub, "", zap.NewNop())

	report, err := svc.BulkRetry(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.SuccessCount != 1 || report.FailureCount != 1 {
		t.Errorf("report = %d ok / %d failed, want 1/1", report.SuccessCount, report.FailureCount)
	}
	if len(report.Results) != 2 {
		t.Errorf("expected per-message results, got %d", len(report.Results))
	}

	// The failed publish must leave its record FAILED for a later retry.
	if repo.records["ev-2"].Status != db.DLQFailed {
		t.Errorf("failed retry left record in %s", repo.records["ev-2"].Status)
	}
	if repo.records["ev-1"].Status != db.DLQRetrying {
		t.Errorf("successful retry left record in %s", repo.records["ev-1"].Status)
	}
}

func TestResolve(t *testing.T) {
	repo := newFakeRepo()
	repo.add("ev-1", db.DLQFailed)
	svc := NewService(repo, &fakePublisher{}, "", zap.NewNop())

	if err := svc.Resolve(context.Background(), "ev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.records["ev-1"].Status != db.DLQResolved {
		t.Errorf("record status = %s, want RESOLVED", repo.records["ev-1"].Status)
	}

	if err := svc.Resolve(context.Background(), "ev-1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("resolving twice should be ErrNotFound, got %v", err)
	}
}

func TestShouldAutoRetry(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		age        time.Duration
		retryCount int
		want       bool
	}{
		{"old enough, under cap", 25 * time.Hour, 3, true},
		{"exactly at the delay", AutoRetryDelay, 0, true},
		{"too recent", time.Hour, 0, false},
		{"over the cap", 48 * time.Hour, 6, false},
		{"at the cap", 48 * time.Hour, AutoRetryMaxCount, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope := kafka.DLQEnvelope{
				FailedAt:   now.Add(-tt.age),
				RetryCount: tt.retryCount,
			}
			if got := ShouldAutoRetry(envelope, now); got != tt.want {
				t.Errorf("ShouldAutoRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAutoRetry_EligibleMessage(t *testing.T) {
	repo := newFakeRepo()
	repo.add("ev-1", db.DLQFailed)
	pub := &fakePublisher{}
	svc := NewService(repo, pub, "notification-topic", zap.NewNop())

	envelope := kafka.DLQEnvelope{
		OriginalMessage: json.RawMessage(`{"recipient":"a@b.com"}`),
		Error:           "delivery failed",
		RetryCount:      2,
		FailedAt:        time.Now().UTC().Add(-25 * time.Hour),
	}

	retried, err := svc.AutoRetry(context.Background(), "ev-1", envelope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !retried {
		t.Fatal("expected the message to be retried")
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	msg := pub.published[0]
	if headerValue(msg.headers, kafka.HeaderRetryCount) != "0" {
		t.Error("auto retry must reset the retry budget")
	}
	if headerValue(msg.headers, kafka.HeaderOriginalError) != "delivery failed" {
		t.Error("expected original-error header")
	}
	if repo.records["ev-1"].Status != db.DLQRetrying {
		t.Errorf("record status = %s, want RETRYING", repo.records["ev-1"].Status)
	}
}

func TestAutoRetry_IneligibleMessageLeftAlone(t *testing.T) {
	repo := newFakeRepo()
	repo.add("ev-1", db.DLQFailed)
	pub := &fakePublisher{}
	svc := NewService(repo, pub, "", zap.NewNop())

	envelope := kafka.DLQEnvelope{
		FailedAt:   time.Now().UTC().Add(-time.Hour),
		RetryCount: 0,
	}

	retried, err := svc.AutoRetry(context.Background(), "ev-1", envelope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried {
		t.Fatal("recent failure must not be auto-retried")
	}
	if len(pub.published) != 0 {
		t.Error("ineligible message must not be republished")
	}
	if repo.records["ev-1"].Status != db.DLQFailed {
		t.Errorf("record status = %s, want FAILED", repo.records["ev-1"].Status)
	}
}

func TestHealth_Classification(t *testing.T) {
	tests := []struct {
		failed     int
		wantStatus string
		wantCode   int
	}{
		{0, "healthy", http.StatusOK},
		{100, "healthy", http.StatusOK},
		{101, "warning", http.StatusPartialContent},
		{500, "warning", http.StatusPartialContent},
		{501, "critical", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		repo := newFakeRepo()
		repo.stats = []db.DLQStatusStats{
			{Status: db.DLQFailed, Count: tt.failed},
			{Status: db.DLQResolved, Count: 7},
		}
		svc := NewService(repo, &fakePublisher{}, "", zap.NewNop())

		report, err := svc.Health(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if report.Status != tt.wantStatus {
			t.Errorf("failed=%d: status = %q, want %q", tt.failed, report.Status, tt.wantStatus)
		}
		if report.HTTPStatus() != tt.wantCode {
			t.Errorf("failed=%d: code = %d, want %d", tt.failed, report.HTTPStatus(), tt.wantCode)
		}
		if report.FailedMessages != tt.failed {
			t.Errorf("failedMessages = %d, want %d", report.FailedMessages, tt.failed)
		}
		if report.TotalMessages != tt.failed+7 {
			t.Errorf("totalMessages = %d, want %d", report.TotalMessages, tt.failed+7)
		}
	}
}

func TestBuildDashboard(t *testing.T) {
	oldest := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	repo := newFakeRepo()
	repo.add("ev-1", db.DLQFailed)
	repo.stats = []db.DLQStatusStats{
		{Status: db.DLQFailed, Count: 4, OldestFailure: &oldest, NewestFailure: &newest},
		{Status: db.DLQRetrying, Count: 2},
	}
	svc := NewService(repo, &fakePublisher{}, "", zap.NewNop())

	dash, err := svc.BuildDashboard(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dash.Summary.TotalFailed != 4 || dash.Summary.TotalRetrying != 2 {
		t.Errorf("unexpected summary: %+v", dash.Summary)
	}
	if dash.Summary.OldestFailure == nil || !dash.Summary.OldestFailure.Equal(oldest) {
		t.Error("oldest failure not carried into the summary")
	}
	if len(dash.RecentFailures) != 1 {
		t.Errorf("recentFailures = %d, want 1", len(dash.RecentFailures))
	}
}
