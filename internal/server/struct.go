package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/mailrag-go/internal/indexer"
	"github.com/54b3r/mailrag-go/internal/workflow"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds one conversational turn, streaming or not.
	// Defaults to 2 minutes if zero.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MaxIndexMessages caps the messages accepted by one POST /api/index.
	// Defaults to 1000 if zero.
	MaxIndexMessages int
	// Metrics is the shared metrics set. When nil, New registers a fresh one
	// against MetricsRegistry.
	Metrics *Metrics
	// MetricsRegistry receives the server metrics when Metrics is nil.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics.
	// Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// runner answers questions. *workflow.Engine satisfies it; tests inject a fake.
type runner interface {
	// Run executes one turn to completion.
	Run(ctx context.Context, req workflow.Request) (*workflow.Response, error)
	// Stream executes one turn, emitting sources, tokens and done in order.
	Stream(ctx context.Context, req workflow.Request, em workflow.Emitter) error
}

// messageIndexer stores messages for later retrieval. *indexer.Indexer
// satisfies it.
type messageIndexer interface {
	// Index chunks, embeds and upserts msgs for tenantID.
	Index(ctx context.Context, tenantID string, msgs []indexer.Message) (indexer.Stats, error)
}

// Server is the HTTP server that exposes the workflow engine.
type Server struct {
	// runner executes conversational turns.
	runner runner
	// indexer handles POST /api/index. When nil the route is not registered.
	indexer messageIndexer
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *Metrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	// Error is a caller-safe description of what went wrong.
	Error string `json:"error"`
}

// indexRequest is the JSON body for POST /api/index.
type indexRequest struct {
	// TenantID owns the messages.
	TenantID string `json:"tenant_id"`
	// Messages are the normalized messages to index.
	Messages []indexer.Message `json:"messages"`
}

// indexFailure reports one message that could not be indexed.
type indexFailure struct {
	// MessageID identifies the failed message.
	MessageID string `json:"message_id"`
	// Error is the failure reason.
	Error string `json:"error"`
}

// indexResponse is the JSON response for POST /api/index.
type indexResponse struct {
	// Messages is the number of messages received.
	Messages int `json:"messages"`
	// Chunks is the number of chunks written to the vector store.
	Chunks int `json:"chunks"`
	// Failures lists the messages that were skipped. Always present.
	Failures []indexFailure `json:"failures"`
}
