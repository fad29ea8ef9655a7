// Package api exposes the intake endpoint and the DLQ admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/dlq"
	"github.com/herald-io/herald/internal/metrics"
	"github.com/herald-io/herald/internal/redis"
)

// OutboxRepository is the store surface the intake endpoint needs.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, event *db.OutboxEvent) error
}

// DLQService is the admin surface over dead-letter state.
type DLQService interface {
	Stats(ctx context.Context) ([]db.DLQStatusStats, error)
	Page(ctx context.Context, page, limit int, status *db.DLQStatus) ([]*db.DLQRecord, error)
	ManualRetry(ctx context.Context, messageKey string) error
	BulkRetry(ctx context.Context, maxCount int) (*dlq.BulkRetryReport, error)
	Resolve(ctx context.Context, messageKey string) error
	Health(ctx context.Context) (*dlq.HealthReport, error)
	BuildDashboard(ctx context.Context) (*dlq.Dashboard, error)
}

// Response is the envelope for admin endpoints.
type Response struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Pagination echoes the paging parameters of a listing.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// NotifyRequest is the intake request body.
type NotifyRequest struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
}

// NotifyResponse is returned after accepting a notification.
type NotifyResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// phoneRE matches E.164-style numbers for the SMS channel.
var phoneRE = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// Handler holds dependencies for the HTTP endpoints.
type Handler struct {
	logger      *zap.Logger
	repo        OutboxRepository
	dlq         DLQService
	idempotency *redis.IdempotencyService // nil if Redis is not configured
}

// NewHandler creates an API handler.
func NewHandler(logger *zap.Logger, repo OutboxRepository, dlqService DLQService, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		dlq:         dlqService,
		idempotency: idempotency,
	}
}

// CreateNotification handles POST /notify. Supports deduplication via the
// Idempotency-Key header when Redis is configured.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordIntakeRejection("malformed_body")
		h.writeError(w, http.StatusBadRequest, "Invalid request", "malformed JSON body")
		return
	}

	if reason := validateNotifyRequest(&req); reason != "" {
		metrics.RecordIntakeRejection("validation")
		h.writeError(w, http.StatusBadRequest, "Invalid request", reason)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if errors.Is(err, redis.ErrDuplicateRequest) {
			metrics.RecordIntakeRejection("duplicate")
			h.writeError(w, http.StatusConflict, "Duplicate request", "a request with this idempotency key is already in flight")
			return
		}
		if err != nil {
			// Redis trouble must not block intake; log and fall through.
			h.logger.Warn("idempotency check failed", zap.Error(err))
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(NotifyResponse{ID: cached.EventID, Status: string(db.OutboxPending)})
			return
		}
	}

	event := &db.OutboxEvent{
		ID:        uuid.New(),
		Recipient: req.Recipient,
		Channel:   req.Channel,
		Message:   req.Message,
		Status:    db.OutboxPending,
	}

	if err := h.repo.CreateEvent(ctx, event); err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			_ = h.idempotency.Release(ctx, idempotencyKey)
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error", "failed to store notification")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		err := h.idempotency.Store(ctx, idempotencyKey, &redis.IdempotencyResult{
			EventID:    event.ID.String(),
			StatusCode: http.StatusCreated,
		})
		if err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(NotifyResponse{ID: event.ID.String(), Status: string(event.Status)})
}

func validateNotifyRequest(req *NotifyRequest) string {
	if req.Recipient == "" || req.Channel == "" || req.Message == "" {
		return "recipient, channel, and message are required"
	}
	if !db.ValidChannel(req.Channel) {
		return "channel must be EMAIL or SMS"
	}
	switch req.Channel {
	case db.ChannelEmail:
		if _, err := mail.ParseAddress(req.Recipient); err != nil {
			return "recipient must be a valid email address"
		}
	case db.ChannelSMS:
		if !phoneRE.MatchString(req.Recipient) {
			return "recipient must be a valid phone number"
		}
	}
	return ""
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errText, message string) {
	h.writeJSON(w, status, Response{
		Success: false,
		Error:   errText,
		Message: message,
	})
}

// Routes mounts all endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notify", h.CreateNotification)

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/stats", h.GetDLQStats)
		r.Get("/messages", h.ListDLQMessages)
		r.Post("/retry/{messageKey}", h.RetryDLQMessage)
		r.Post("/retry-bulk", h.BulkRetryDLQMessages)
		r.Post("/resolve/{messageKey}", h.ResolveDLQMessage)
		r.Get("/health", h.GetDLQHealth)
		r.Get("/dashboard", h.GetDLQDashboard)
	})
}
