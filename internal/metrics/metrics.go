package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	outboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_outbox_dispatched_total",
			Help: "Outbox rows processed by the dispatcher, by outcome",
		},
		[]string{"outcome"},
	)

	outboxPendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_outbox_pending_depth",
			Help: "Outbox rows currently awaiting dispatch",
		},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Delivery attempts by result and channel",
		},
		[]string{"result", "channel"},
	)

	requeuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_requeues_total",
			Help: "Messages requeued to the main topic after a transient failure",
		},
	)

	deadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_dead_lettered_total",
			Help: "Messages escalated to the dead-letter queue",
		},
	)

	dlqRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dlq_retries_total",
			Help: "DLQ records republished to the main topic, by trigger",
		},
		[]string{"trigger"},
	)

	intakeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_intake_rejections_total",
			Help: "Intake requests rejected, by reason",
		},
		[]string{"reason"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatched records a dispatcher outcome: sent, retry, or failed.
func RecordDispatched(outcome string) {
	outboxDispatched.WithLabelValues(outcome).Inc()
}

// SetPendingDepth sets the current outbox backlog gauge.
func SetPendingDepth(depth int) {
	outboxPendingDepth.Set(float64(depth))
}

// RecordDelivery records a delivery attempt result for a channel.
func RecordDelivery(result, channel string) {
	deliveriesTotal.WithLabelValues(result, channel).Inc()
}

// RecordRequeue records a scheduled requeue.
func RecordRequeue() {
	requeuesTotal.Inc()
}

// RecordDeadLettered records an escalation to the DLQ.
func RecordDeadLettered() {
	deadLetteredTotal.Inc()
}

// RecordDLQRetry records a DLQ republish; trigger is auto, manual, or bulk.
func RecordDLQRetry(trigger string) {
	dlqRetriesTotal.WithLabelValues(trigger).Inc()
}

// RecordIntakeRejection records a rejected intake request.
func RecordIntakeRejection(reason string) {
	intakeRejections.WithLabelValues(reason).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
