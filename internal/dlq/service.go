// Package dlq implements the control surface over dead-letter state: stats,
// listing, health classification, and the manual/auto retry paths back to the
// main topic.
package dlq

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/kafka"
	"github.com/herald-io/herald/internal/metrics"
)

const (
	// AutoRetryDelay is how old a failure must be before the auto-retry
	// consumer reconsiders it.
	AutoRetryDelay = 24 * time.Hour

	// AutoRetryMaxCount caps auto retries; beyond it only manual
	// intervention re-drives a message.
	AutoRetryMaxCount = 5

	// Failed-row thresholds for health classification.
	warningThreshold  = 100
	criticalThreshold = 500
)

// Repository is the dead-letter store surface the service needs.
type Repository interface {
	GetFailedByKey(ctx context.Context, messageKey string) (*db.DLQRecord, error)
	MarkRetrying(ctx context.Context, messageKey string, retryAt time.Time) error
	MarkResolved(ctx context.Context, messageKey string) error
	Stats(ctx context.Context) ([]db.DLQStatusStats, error)
	Page(ctx context.Context, page, limit int, status *db.DLQStatus) ([]*db.DLQRecord, error)
}

// Publisher publishes keyed messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers []kafka.Header) error
}

// Service coordinates dead-letter reads with republishing to the main topic.
type Service struct {
	repo      Repository
	producer  Publisher
	mainTopic string
	logger    *zap.Logger
}

// NewService creates a DLQ service.
func NewService(repo Repository, producer Publisher, mainTopic string, logger *zap.Logger) *Service {
	if mainTopic == "" {
		mainTopic = kafka.DefaultMainTopic
	}
	return &Service{
		repo:      repo,
		producer:  producer,
		mainTopic: mainTopic,
		logger:    logger,
	}
}

// Stats returns the per-status aggregate.
func (s *Service) Stats(ctx context.Context) ([]db.DLQStatusStats, error) {
	return s.repo.Stats(ctx)
}

// Page returns one page of records, newest failure first.
func (s *Service) Page(ctx context.Context, page, limit int, status *db.DLQStatus) ([]*db.DLQRecord, error) {
	return s.repo.Page(ctx, page, limit, status)
}

// ManualRetry republishes the FAILED record for messageKey to the main topic
// with its retry budget reset, then marks it RETRYING. Returns
// db.ErrNotFound when the key is absent or its record is not FAILED; a
// RETRYING or RESOLVED record is never retried twice.
func (s *Service) ManualRetry(ctx context.Context, messageKey string) error {
	rec, err := s.repo.GetFailedByKey(ctx, messageKey)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: kafka.HeaderRetryCount, Value: "0"},
		{Key: kafka.HeaderDLQRetry, Value: "true"},
		{Key: kafka.HeaderManualRetry, Value: "true"},
	}

	if err := s.producer.Publish(ctx, s.mainTopic, messageKey, rec.OriginalPayload, headers); err != nil {
		return err
	}

	// The guard on MarkRetrying closes the race with a concurrent retry of
	// the same key between the read above and here.
	if err := s.repo.MarkRetrying(ctx, messageKey, time.Now().UTC()); err != nil {
		return err
	}

	metrics.RecordDLQRetry("manual")
	s.logger.Info("dead letter manually retried", zap.String("message_key", messageKey))

	return nil
}

// RetryResult is one entry of a bulk retry report.
type RetryResult struct {
	MessageKey string `json:"messageKey"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// BulkRetryReport summarizes a bulk retry.
type BulkRetryReport struct {
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	Results      []RetryResult `json:"results"`
}

// BulkRetry retries up to maxCount FAILED records independently. One record's
// failure never aborts the batch; the report carries a per-message outcome.
func (s *Service) BulkRetry(ctx context.Context, maxCount int) (*BulkRetryReport, error) {
	status := db.DLQFailed
	records, err := s.repo.Page(ctx, 1, maxCount, &status)
	if err != nil {
		return nil, err
	}

	report := &BulkRetryReport{Results: make([]RetryResult, 0, len(records))}
	for _, rec := range records {
		if err := s.ManualRetry(ctx, rec.MessageKey); err != nil {
			report.Results = append(report.Results, RetryResult{
				MessageKey: rec.MessageKey,
				Success:    false,
				Error:      err.Error(),
			})
			report.FailureCount++
			continue
		}
		report.Results = append(report.Results, RetryResult{
			MessageKey: rec.MessageKey,
			Success:    true,
		})
		report.SuccessCount++
	}

	metrics.RecordDLQRetry("bulk")
	return report, nil
}

// Resolve marks a FAILED or RETRYING record RESOLVED. Resolution is the
// operator's call; the pipeline never resolves a record on its own.
func (s *Service) Resolve(ctx context.Context, messageKey string) error {
	return s.repo.MarkResolved(ctx, messageKey)
}

// ShouldAutoRetry decides time-based eligibility for a dead-lettered message:
// at least AutoRetryDelay old and at most AutoRetryMaxCount attempts. This is
// a coarse gate, not a backoff curve.
func ShouldAutoRetry(envelope kafka.DLQEnvelope, now time.Time) bool {
	return now.Sub(envelope.FailedAt) >= AutoRetryDelay && envelope.RetryCount <= AutoRetryMaxCount
}

// AutoRetry applies the eligibility gate to one DLQ-topic envelope and, when
// eligible, republishes the original payload with its retry budget reset and
// marks the record RETRYING. Returns whether the message was republished.
func (s *Service) AutoRetry(ctx context.Context, messageKey string, envelope kafka.DLQEnvelope) (bool, error) {
	if !ShouldAutoRetry(envelope, time.Now().UTC()) {
		s.logger.Info("dead letter not eligible for auto retry",
			zap.String("message_key", messageKey),
			zap.Time("failed_at", envelope.FailedAt),
			zap.Int("retry_count", envelope.RetryCount),
		)
		return false, nil
	}

	headers := []kafka.Header{
		{Key: kafka.HeaderRetryCount, Value: "0"},
		{Key: kafka.HeaderDLQRetry, Value: "true"},
		{Key: kafka.HeaderOriginalError, Value: envelope.Error},
	}

	if err := s.producer.Publish(ctx, s.mainTopic, messageKey, envelope.OriginalMessage, headers); err != nil {
		return false, err
	}

	if err := s.repo.MarkRetrying(ctx, messageKey, time.Now().UTC()); err != nil {
		return false, err
	}

	metrics.RecordDLQRetry("auto")
	s.logger.Info("dead letter auto-retried", zap.String("message_key", messageKey))

	return true, nil
}

// HealthReport classifies the DLQ backlog.
type HealthReport struct {
	Status           string    `json:"status"`
	TotalMessages    int       `json:"totalMessages"`
	FailedMessages   int       `json:"failedMessages"`
	RetryingMessages int       `json:"retryingMessages"`
	ResolvedMessages int       `json:"resolvedMessages"`
	Timestamp        time.Time `json:"timestamp"`
}

// HTTPStatus maps the classification to a status code: 200 healthy, 206
// warning, 503 critical.
func (h *HealthReport) HTTPStatus() int {
	switch h.Status {
	case "critical":
		return http.StatusServiceUnavailable
	case "warning":
		return http.StatusPartialContent
	default:
		return http.StatusOK
	}
}

// Health builds the backlog classification: critical above 500 FAILED rows,
// warning above 100, healthy otherwise.
func (s *Service) Health(ctx context.Context) (*HealthReport, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{Timestamp: time.Now().UTC()}
	for _, st := range stats {
		report.TotalMessages += st.Count
		switch st.Status {
		case db.DLQFailed:
			report.FailedMessages = st.Count
		case db.DLQRetrying:
			report.RetryingMessages = st.Count
		case db.DLQResolved:
			report.ResolvedMessages = st.Count
		}
	}

	switch {
	case report.FailedMessages > criticalThreshold:
		report.Status = "critical"
	case report.FailedMessages > warningThreshold:
		report.Status = "warning"
	default:
		report.Status = "healthy"
	}

	return report, nil
}

// DashboardSummary is the totals block of the dashboard.
type DashboardSummary struct {
	TotalFailed   int        `json:"totalFailed"`
	TotalRetrying int        `json:"totalRetrying"`
	TotalResolved int        `json:"totalResolved"`
	OldestFailure *time.Time `json:"oldestFailure,omitempty"`
	NewestFailure *time.Time `json:"newestFailure,omitempty"`
}

// Dashboard is the operator summary view.
type Dashboard struct {
	Statistics     []db.DLQStatusStats `json:"statistics"`
	RecentFailures []*db.DLQRecord     `json:"recentFailures"`
	Summary        DashboardSummary    `json:"summary"`
	Timestamp      time.Time           `json:"timestamp"`
}

// BuildDashboard assembles stats, summary totals, and the ten most recent
// failures.
func (s *Service) BuildDashboard(ctx context.Context) (*Dashboard, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	status := db.DLQFailed
	recent, err := s.repo.Page(ctx, 1, 10, &status)
	if err != nil {
		return nil, err
	}

	dash := &Dashboard{
		Statistics:     stats,
		RecentFailures: recent,
		Timestamp:      time.Now().UTC(),
	}

	for _, st := range stats {
		switch st.Status {
		case db.DLQFailed:
			dash.Summary.TotalFailed = st.Count
		case db.DLQRetrying:
			dash.Summary.TotalRetrying = st.Count
		case db.DLQResolved:
			dash.Summary.TotalResolved = st.Count
		}
		if st.OldestFailure != nil {
			if dash.Summary.OldestFailure == nil || st.OldestFailure.Before(*dash.Summary.OldestFailure) {
				dash.Summary.OldestFailure = st.OldestFailure
			}
		}
		if st.NewestFailure != nil {
			if dash.Summary.NewestFailure == nil || st.NewestFailure.After(*dash.Summary.NewestFailure) {
				dash.Summary.NewestFailure = st.NewestFailure
			}
		}
	}

	return dash, nil
}
