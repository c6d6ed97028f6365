// Package server: metrics.go registers the Prometheus metrics for the HTTP
// server and the workflow stages it drives.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace prefixes every metric name.
	namespace = "mailrag"

	// labelHandler is the "handler" label value used to partition metrics by
	// the logical endpoint name rather than the raw URL path.
	labelHandler = "handler"
)

// Metrics holds all Prometheus metrics owned by the server. It also
// implements workflow.Observer so the engine reports into the same registry.
// Construct it with NewMetrics against an isolated registry in tests.
type Metrics struct {
	// chatRequestsTotal counts completed chat turns, partitioned by mode
	// ("sync" or "stream") and outcome ("ok", "invalid", "timeout", "error").
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records the wall-clock duration of each chat turn.
	chatDurationSeconds *prometheus.HistogramVec

	// chatActiveStreams is the number of SSE streams currently open.
	chatActiveStreams prometheus.Gauge

	// stageDurationSeconds records each workflow step's latency.
	stageDurationSeconds *prometheus.HistogramVec

	// retrievalDegradedTotal counts turns answered with empty context after
	// a retrieval failure.
	retrievalDegradedTotal prometheus.Counter

	// routingFallbackTotal counts turns routed to retrieval because the
	// router reply was unusable.
	routingFallbackTotal prometheus.Counter

	// indexedChunksTotal counts chunks written through POST /api/index.
	indexedChunksTotal prometheus.Counter

	// indexFailuresTotal counts messages rejected during indexing.
	indexFailuresTotal prometheus.Counter

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, handler, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// NewMetrics registers all server metrics against reg. promauto.With(reg)
// registers into the provided registry rather than the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of chat turns completed, partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of chat turns from receipt to completion.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode", "outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of chat SSE streams currently open.",
		}),

		stageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each workflow step.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"step"}),

		retrievalDegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "retrieval_degraded_total",
			Help:      "Turns that continued with empty context after a retrieval failure.",
		}),

		routingFallbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "routing_fallback_total",
			Help:      "Turns routed to retrieval because the router reply was unusable.",
		}),

		indexedChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunks_total",
			Help:      "Chunks written to the vector store through the index endpoint.",
		}),

		indexFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "failures_total",
			Help:      "Messages that could not be indexed.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// ObserveStage records one workflow step's duration.
func (m *Metrics) ObserveStage(step string, d time.Duration) {
	m.stageDurationSeconds.WithLabelValues(step).Observe(d.Seconds())
}

// RetrievalDegraded counts a degraded retrieval.
func (m *Metrics) RetrievalDegraded() { m.retrievalDegradedTotal.Inc() }

// RoutingFallback counts a routing fallback.
func (m *Metrics) RoutingFallback() { m.routingFallbackTotal.Inc() }

// observeChat records one finished chat turn.
func (m *Metrics) observeChat(mode, outcome string, start time.Time) {
	m.chatRequestsTotal.WithLabelValues(mode, outcome).Inc()
	m.chatDurationSeconds.WithLabelValues(mode, outcome).Observe(time.Since(start).Seconds())
}

// instrument wraps next with per-handler HTTP request metrics.
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	counter := s.metrics.httpRequestsTotal.MustCurryWith(prometheus.Labels{labelHandler: name})
	duration := s.metrics.httpDurationSeconds.MustCurryWith(prometheus.Labels{labelHandler: name})
	return promhttp.InstrumentHandlerCounter(counter,
		promhttp.InstrumentHandlerDuration(duration, next))
}
