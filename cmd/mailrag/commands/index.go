package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/mailrag-go/internal/indexer"
	"github.com/54b3r/mailrag-go/internal/logging"
)

// NewIndexCmd constructs the `mailrag index` command, which chunks, embeds
// and stores JSONL message exports for one tenant.
func NewIndexCmd() *cobra.Command {
	var (
		tenant   string
		watchDir string
	)

	cmd := &cobra.Command{
		Use:   "index [file.jsonl...]",
		Short: "Index JSONL email exports into a tenant's vector index",
		Long: `Index email messages into the vector store for one tenant.

Each input file holds one JSON message per line with the fields
message_id, subject, from_addr, date and body. Messages that fail to
index are reported and do not abort the batch. Re-indexing a message
replaces its chunks.

With --watch, every .jsonl file already in the directory is indexed and
the directory is then watched for new or modified exports until
interrupted.

Examples:
  mailrag index --tenant acme export.jsonl
  mailrag index --tenant acme --watch ./exports`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			if tenant == "" {
				tenant = os.Getenv("MAILRAG_TENANT")
			}
			tenant = strings.TrimSpace(tenant)
			if tenant == "" {
				return errors.New("index: --tenant is required")
			}
			if len(args) == 0 && watchDir == "" {
				return errors.New("index: pass at least one file or --watch")
			}

			st, _, _, _, err := buildIndexStack(ctx, log)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer func() { _ = st.Close() }()

			indexFile := func(ctx context.Context, path string) error {
				return indexPath(ctx, st.indexer, tenant, path)
			}

			for _, path := range args {
				if err := indexFile(ctx, path); err != nil {
					return fmt.Errorf("index: %w", err)
				}
			}
			if watchDir == "" {
				return nil
			}

			existing, err := filepath.Glob(filepath.Join(watchDir, "*.jsonl"))
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			for _, path := range existing {
				if err := indexFile(ctx, path); err != nil {
					log.Warn("index: initial pass failed", slog.String("path", path), slog.String("error", err.Error()))
				}
			}

			w, err := indexer.NewWatcher(indexFile, indexer.DefaultSettle)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer func() { _ = w.Close() }()
			return w.Run(ctx, watchDir)
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant that owns the messages (MAILRAG_TENANT)")
	cmd.Flags().StringVarP(&watchDir, "watch", "w", "", "Directory to watch for new .jsonl exports")

	return cmd
}

// messageIndexer is the slice of *indexer.Indexer the index command needs.
type messageIndexer interface {
	Index(ctx context.Context, tenantID string, msgs []indexer.Message) (indexer.Stats, error)
}

// indexPath reads one JSONL export and indexes it, logging per-message
// failures.
func indexPath(ctx context.Context, ix messageIndexer, tenant, path string) error {
	log := logging.FromContext(ctx).With(slog.String("path", path))

	msgs, err := indexer.ReadJSONLFile(path)
	if err != nil {
		return err
	}
	stats, err := ix.Index(ctx, tenant, msgs)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, f := range stats.Failures {
		log.Warn("message not indexed", slog.String("message_id", f.MessageID), slog.String("error", f.Err.Error()))
	}
	log.Info("export indexed",
		slog.String("tenant", tenant),
		slog.Int("messages", stats.Messages),
		slog.Int("chunks", stats.Chunks),
		slog.Int("failures", len(stats.Failures)),
	)
	return nil
}
