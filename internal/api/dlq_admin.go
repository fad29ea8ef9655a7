package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

const (
	defaultPageLimit    = 50
	maxPageLimit        = 100
	defaultBulkRetryMax = 10
	maxBulkRetry        = 100
)

// GetDLQStats handles GET /dlq/stats.
func (h *Handler) GetDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to fetch dlq stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch DLQ statistics", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: stats})
}

// ListDLQMessages handles GET /dlq/messages with page, limit, and status
// query parameters.
func (h *Handler) ListDLQMessages(w http.ResponseWriter, r *http.Request) {
	page := 1
	limit := defaultPageLimit

	if v := r.URL.Query().Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid pagination parameters", "page must be an integer")
			return
		}
		page = p
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid pagination parameters", "limit must be an integer")
			return
		}
		limit = l
	}

	if page < 1 || limit < 1 || limit > maxPageLimit {
		h.writeError(w, http.StatusBadRequest, "Invalid pagination parameters",
			fmt.Sprintf("page must be >= 1, limit must be between 1 and %d", maxPageLimit))
		return
	}

	var status *db.DLQStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := db.DLQStatus(v)
		if !s.Valid() {
			h.writeError(w, http.StatusBadRequest, "Invalid status filter",
				"status must be one of: FAILED, RETRYING, RESOLVED")
			return
		}
		status = &s
	}

	records, err := h.dlq.Page(r.Context(), page, limit, status)
	if err != nil {
		h.logger.Error("failed to fetch dlq messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch DLQ messages", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    records,
		Pagination: &Pagination{
			Page:  page,
			Limit: limit,
			Count: len(records),
		},
	})
}

// RetryDLQMessage handles POST /dlq/retry/{messageKey}.
func (h *Handler) RetryDLQMessage(w http.ResponseWriter, r *http.Request) {
	messageKey := chi.URLParam(r, "messageKey")
	if messageKey == "" {
		h.writeError(w, http.StatusBadRequest, "Message key is required", "")
		return
	}

	err := h.dlq.ManualRetry(r.Context(), messageKey)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Message not found",
			"message not found in DLQ or already processed")
		return
	}
	if err != nil {
		h.logger.Error("failed to retry dlq message",
			zap.Error(err),
			zap.String("message_key", messageKey),
		)
		h.writeError(w, http.StatusInternalServerError, "Failed to retry message", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Message %s has been queued for retry", messageKey),
	})
}

// BulkRetryRequest is the POST /dlq/retry-bulk body.
type BulkRetryRequest struct {
	Status   string `json:"status"`
	MaxCount int    `json:"maxCount"`
}

// BulkRetryDLQMessages handles POST /dlq/retry-bulk.
func (h *Handler) BulkRetryDLQMessages(w http.ResponseWriter, r *http.Request) {
	req := BulkRetryRequest{Status: string(db.DLQFailed), MaxCount: defaultBulkRetryMax}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request", "malformed JSON body")
			return
		}
	}
	if req.Status == "" {
		req.Status = string(db.DLQFailed)
	}
	if req.MaxCount == 0 {
		req.MaxCount = defaultBulkRetryMax
	}

	if req.Status != string(db.DLQFailed) {
		h.writeError(w, http.StatusBadRequest, "Invalid status for bulk retry",
			"only FAILED messages can be bulk retried")
		return
	}

	if req.MaxCount < 1 || req.MaxCount > maxBulkRetry {
		h.writeError(w, http.StatusBadRequest, "Invalid maxCount",
			fmt.Sprintf("maxCount must be between 1 and %d", maxBulkRetry))
		return
	}

	report, err := h.dlq.BulkRetry(r.Context(), req.MaxCount)
	if err != nil {
		h.logger.Error("bulk retry failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to perform bulk retry", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Bulk retry completed: %d succeeded, %d failed",
			report.SuccessCount, report.FailureCount),
		Data: report,
	})
}

// ResolveDLQMessage handles POST /dlq/resolve/{messageKey}.
func (h *Handler) ResolveDLQMessage(w http.ResponseWriter, r *http.Request) {
	messageKey := chi.URLParam(r, "messageKey")
	if messageKey == "" {
		h.writeError(w, http.StatusBadRequest, "Message key is required", "")
		return
	}

	err := h.dlq.Resolve(r.Context(), messageKey)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Message not found",
			"message not found in DLQ or already resolved")
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve dlq message",
			zap.Error(err),
			zap.String("message_key", messageKey),
		)
		h.writeError(w, http.StatusInternalServerError, "Failed to resolve message", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Message %s has been resolved", messageKey),
	})
}

// GetDLQHealth handles GET /dlq/health. The status code mirrors the backlog
// classification: 200 healthy, 206 warning, 503 critical.
func (h *Handler) GetDLQHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.dlq.Health(r.Context())
	if err != nil {
		h.logger.Error("failed to check dlq health", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to check DLQ health", err.Error())
		return
	}

	h.writeJSON(w, report.HTTPStatus(), Response{Success: true, Data: report})
}

// GetDLQDashboard handles GET /dlq/dashboard.
func (h *Handler) GetDLQDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.dlq.BuildDashboard(r.Context())
	if err != nil {
		h.logger.Error("failed to build dlq dashboard", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to generate DLQ dashboard", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: dash})
}
