package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_ops_http_requests_total",
		Help: "Total HTTP requests processed by the ops server",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdesk_ops_http_request_duration_seconds",
		Help:    "Ops server request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	eventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentdesk_ops_event_subscribers",
		Help: "Clients currently attached to the /events feed",
	})

	// signalsRelayed counts bus signals written to /events subscribers.
	signalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_ops_signals_relayed_total",
		Help: "Client signals relayed to /events subscribers, by signal type",
	}, []string{"type"})
)
