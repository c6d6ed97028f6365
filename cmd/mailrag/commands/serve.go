package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/mailrag-go/internal/config"
	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/server"
	"github.com/54b3r/mailrag-go/internal/tracing"
)

// NewServeCmd constructs the `mailrag serve` command, which starts the HTTP
// API in front of the workflow engine and the indexer.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mailrag HTTP server",
		Long: `Start the mailrag HTTP server.

Endpoints:
  POST /api/chat          answer a question, JSON response
  POST /api/chat/stream   answer a question as Server-Sent Events
  POST /api/index         index a batch of normalized messages
  GET  /api/health        liveness
  GET  /api/ready         readiness of the vector store
  GET  /metrics           Prometheus metrics

Examples:
  mailrag serve
  mailrag serve --port 9090
  MAILRAG_VECTOR_STORE=qdrant MODEL_PROVIDER=openai mailrag serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)

			flush := tracing.Install(tracing.ConfigFromEnv(), log)
			defer flush()

			srvCfg, err := config.ServerFromEnv()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if cmd.Flags().Changed("host") || srvCfg.Host == "" {
				srvCfg.Host = host
			}
			if cmd.Flags().Changed("port") || srvCfg.Port == 0 {
				srvCfg.Port = port
			}

			metrics := server.NewMetrics(prometheus.DefaultRegisterer)

			st, err := buildStack(ctx, log, metrics)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() {
				if err := st.Close(); err != nil {
					log.Warn("serve: close failed", slog.Any("error", err))
				}
			}()

			srv, err := server.New(st.engine, st.indexer, &server.Config{
				Host:        srvCfg.Host,
				Port:        srvCfg.Port,
				ChatTimeout: srvCfg.ChatTimeout,
				Logger:      log,
				Pingers:     st.pingers,
				RateLimit:   srvCfg.RateLimit,
				RateBurst:   srvCfg.RateBurst,
				APIKey:      srvCfg.APIKey,
				Metrics:     metrics,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (MAILRAG_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (MAILRAG_PORT)")

	return cmd
}
