package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/notify", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordDispatched(t *testing.T) {
	RecordDispatched("sent")
	RecordDispatched("retry")
	RecordDispatched("failed")
}

func TestSetPendingDepth(t *testing.T) {
	SetPendingDepth(10)
	SetPendingDepth(0)
}

func TestRecordDelivery(t *testing.T) {
	RecordDelivery("success", "EMAIL")
	RecordDelivery("failure", "SMS")
}

func TestRecordRequeue(t *testing.T) {
	RecordRequeue()
	RecordRequeue()
}

func TestRecordDeadLettered(t *testing.T) {
	RecordDeadLettered()
}

func TestRecordDLQRetry(t *testing.T) {
	RecordDLQRetry("manual")
	RecordDLQRetry("auto")
	RecordDLQRetry("bulk")
}

func TestRecordIntakeRejection(t *testing.T) {
	RecordIntakeRejection("validation")
	RecordIntakeRejection("duplicate")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if rec.Body.Len() == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/wrapped", nil)
	rec := httptest.NewRecorder()

	Middleware(inner).ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("middleware should call the wrapped handler")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("middleware should pass through the status, got %d", rec.Code)
	}
}
