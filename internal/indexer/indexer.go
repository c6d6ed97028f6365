package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/rag"
)

// DefaultConcurrency is the number of messages embedded in parallel.
const DefaultConcurrency = 4

// Config tunes an Indexer. Zero values select the defaults.
type Config struct {
	MaxChars     int
	OverlapChars int
	Concurrency  int
}

// Failure records one message that could not be indexed.
type Failure struct {
	MessageID string
	Err       error
}

// Stats summarizes one Index call. Messages counts every input message,
// including failed ones; Chunks counts only chunks that reached the store.
type Stats struct {
	Messages int
	Chunks   int
	Failures []Failure
}

// Indexer chunks, embeds and upserts messages for a tenant.
type Indexer struct {
	embedder rag.Embedder
	store    rag.VectorStore
	cfg      Config
}

// New constructs an Indexer. embedder and store are required.
func New(embedder rag.Embedder, store rag.VectorStore, cfg Config) (*Indexer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("indexer: embedder: %w", rag.ErrNilDependency)
	}
	if store == nil {
		return nil, fmt.Errorf("indexer: store: %w", rag.ErrNilDependency)
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
		if cfg.OverlapChars == 0 {
			cfg.OverlapChars = DefaultOverlapChars
		}
	}
	if cfg.OverlapChars < 0 || cfg.OverlapChars >= cfg.MaxChars {
		cfg.OverlapChars = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Indexer{embedder: embedder, store: store, cfg: cfg}, nil
}

// ChunkMessage cuts m into chunks with citation metadata. An empty body
// falls back to the subject as the sole chunk; a message with neither yields
// no chunks.
func (ix *Indexer) ChunkMessage(tenantID string, m Message) []rag.Chunk {
	texts := Chunk(m.Body, ix.cfg.MaxChars, ix.cfg.OverlapChars)
	if len(texts) == 0 && m.Subject != "" {
		texts = []string{m.Subject}
	}

	chunks := make([]rag.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = rag.Chunk{
			ID:   ChunkID(tenantID, m.MessageID, i),
			Text: t,
			Metadata: rag.Metadata{
				MessageID:  m.MessageID,
				ThreadID:   m.ThreadID,
				Subject:    m.Subject,
				FromAddr:   m.FromAddr,
				Date:       m.Date,
				ChunkIndex: i,
			},
		}
	}
	return chunks
}

// Index embeds and upserts every message for tenantID. A failing message is
// recorded in Stats.Failures and does not abort the batch. The returned
// error is non-nil only for an empty tenant or a cancelled context.
func (ix *Indexer) Index(ctx context.Context, tenantID string, msgs []Message) (Stats, error) {
	if tenantID == "" {
		return Stats{}, rag.ErrEmptyTenant
	}
	log := logging.FromContext(ctx).With(slog.String("tenant_id", tenantID))
	start := time.Now()

	var (
		mu    sync.Mutex
		stats = Stats{Messages: len(msgs)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)

	for _, m := range msgs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := ix.indexOne(gctx, tenantID, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("indexer: message failed",
					slog.String("message_id", m.MessageID),
					slog.String("error", err.Error()),
				)
				stats.Failures = append(stats.Failures, Failure{MessageID: m.MessageID, Err: err})
				return nil
			}
			stats.Chunks += n
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("indexer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("indexer: %w", err)
	}

	log.Info("indexer: batch complete",
		slog.Int("messages", stats.Messages),
		slog.Int("chunks", stats.Chunks),
		slog.Int("failures", len(stats.Failures)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return stats, nil
}

// indexOne embeds and stores one message's chunks, returning the count.
func (ix *Indexer) indexOne(ctx context.Context, tenantID string, m Message) (int, error) {
	if m.MessageID == "" {
		return 0, fmt.Errorf("message_id is required")
	}
	chunks := ix.ChunkMessage(tenantID, m)
	if len(chunks) == 0 {
		return 0, ix.prune(ctx, tenantID, m.MessageID, 0)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	if err := ix.store.Upsert(ctx, tenantID, chunks, vecs); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	if err := ix.prune(ctx, tenantID, m.MessageID, len(chunks)); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// prune removes chunks left over from an earlier, longer version of the
// message. Stores without pruning support keep them.
func (ix *Indexer) prune(ctx context.Context, tenantID, messageID string, keep int) error {
	p, ok := ix.store.(rag.Pruner)
	if !ok {
		return nil
	}
	if err := p.PruneMessage(ctx, tenantID, messageID, keep); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}
