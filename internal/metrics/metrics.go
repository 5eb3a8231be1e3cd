package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_api_requests_total",
		Help: "Envelope calls made against the backend API grouped by outcome",
	}, []string{"method", "path", "outcome"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdesk_api_request_duration_seconds",
		Help:    "Duration of envelope calls including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_api_retries_total",
		Help: "Retry attempts issued for idempotent calls",
	}, []string{"path"})

	streamExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_stream_exchanges_total",
		Help: "Streamed exchanges grouped by terminal outcome",
	}, []string{"outcome"})

	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdesk_stream_duration_seconds",
		Help:    "Wall-clock duration of streamed exchanges",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
	}, []string{"outcome"})

	streamFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_stream_frames_total",
		Help: "Stream frames processed grouped by result",
	}, []string{"result"})

	sessionExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdesk_session_expired_total",
		Help: "Number of times the stored credential was expired by a 401",
	})
)

// ObserveAPICall records the outcome and duration of an envelope call.
func ObserveAPICall(method, path, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	apiRequestsTotal.WithLabelValues(method, path, outcome).Inc()
	apiRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveRetry counts a retry attempt for path.
func ObserveRetry(path string) {
	apiRetriesTotal.WithLabelValues(path).Inc()
}

// ObserveExchange records a finished streamed exchange.
func ObserveExchange(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	streamExchangesTotal.WithLabelValues(outcome).Inc()
	streamDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFrame counts a processed stream frame ("ok", "malformed", "empty").
func ObserveFrame(result string) {
	streamFramesTotal.WithLabelValues(result).Inc()
}

// ObserveSessionExpired counts credential expiry.
func ObserveSessionExpired() {
	sessionExpiredTotal.Inc()
}
