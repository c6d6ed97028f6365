package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/54b3r/mailrag-go/internal/checkpoint"
	"github.com/54b3r/mailrag-go/internal/config"
	"github.com/54b3r/mailrag-go/internal/embedder"
	"github.com/54b3r/mailrag-go/internal/generator"
	"github.com/54b3r/mailrag-go/internal/indexer"
	"github.com/54b3r/mailrag-go/internal/provider"
	"github.com/54b3r/mailrag-go/internal/rag"
	"github.com/54b3r/mailrag-go/internal/retry"
	"github.com/54b3r/mailrag-go/internal/router"
	"github.com/54b3r/mailrag-go/internal/server"
	"github.com/54b3r/mailrag-go/internal/store"
	"github.com/54b3r/mailrag-go/internal/workflow"
)

// stack is the set of long-lived service handles built once per process.
type stack struct {
	engine  *workflow.Engine
	indexer *indexer.Indexer
	// pingers probe the vector store for GET /api/ready.
	pingers []server.Pinger
	// closers run in reverse order on shutdown.
	closers []func() error
}

// Close releases every handle, returning the joined errors.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// retryPolicy resolves the retry bound from the environment.
func retryPolicy() (retry.Policy, error) {
	rc, err := config.RetryFromEnv()
	if err != nil {
		return retry.Policy{}, err
	}
	p := retry.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialInterval > 0 {
		p.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		p.MaxInterval = rc.MaxInterval
	}
	return p, nil
}

// buildEmbedder validates and constructs the embedding backend.
func buildEmbedder(ctx context.Context, log *slog.Logger, p retry.Policy) (rag.Embedder, *embedder.Config, error) {
	cfg := embedder.ConfigFromEnv()
	if err := embedder.Validate(cfg, log); err != nil {
		return nil, nil, err
	}
	emb, err := embedder.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("provider", cfg.Provider))
	return retry.Embedder(emb, p), cfg, nil
}

// buildVectorStore opens the configured vector index and its readiness probe.
func buildVectorStore(log *slog.Logger, embCfg *embedder.Config, p retry.Policy) (rag.VectorStore, []server.Pinger, error) {
	vs, err := config.VectorStoreFromEnv()
	if err != nil {
		return nil, nil, err
	}

	var (
		vstore  rag.VectorStore
		pingers []server.Pinger
	)
	switch vs.Backend {
	case config.BackendMemory:
		log.Warn("vector store: memory backend selected, the index is lost on exit")
		vstore = rag.NewMemoryStore()
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(vs.SQLitePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("vector store: %w", err)
		}
		idx, err := store.Open(vs.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("vector store: %w", err)
		}
		vstore = idx
		pingers = append(pingers, server.NewNamedPinger("sqlite", idx))
		log.Info("vector store: sqlite index opened", slog.String("path", vs.SQLitePath))
	case config.BackendQdrant:
		qs, err := rag.NewQdrantStore(&rag.QdrantConfig{
			Host:             vs.QdrantHost,
			Port:             vs.QdrantPort,
			CollectionPrefix: vs.CollectionPrefix,
			VectorSize:       uint64(embedder.DefaultDimensions(embCfg.Provider)), //nolint:gosec // dimensions are small positive ints
			APIKey:           vs.QdrantAPIKey,
			UseTLS:           vs.QdrantTLS,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("vector store: failed to connect to Qdrant at %s:%d: %w", vs.QdrantHost, vs.QdrantPort, err)
		}
		vstore = qs
		pingers = append(pingers, server.NewQdrantPinger(qs.Client()))
		log.Info("vector store: qdrant ready", slog.String("host", vs.QdrantHost), slog.Int("port", vs.QdrantPort))
	}
	return retry.VectorStore(vstore, p), pingers, nil
}

// buildIndexStack opens the embedder and vector store and builds the
// indexer. It needs no chat model.
func buildIndexStack(ctx context.Context, log *slog.Logger) (*stack, rag.Embedder, rag.VectorStore, retry.Policy, error) {
	policy, err := retryPolicy()
	if err != nil {
		return nil, nil, nil, policy, err
	}
	ixCfg, err := config.IndexerFromEnv()
	if err != nil {
		return nil, nil, nil, policy, err
	}

	emb, embCfg, err := buildEmbedder(ctx, log, policy)
	if err != nil {
		return nil, nil, nil, policy, err
	}
	vstore, pingers, err := buildVectorStore(log, embCfg, policy)
	if err != nil {
		return nil, nil, nil, policy, err
	}
	st := &stack{pingers: pingers, closers: []func() error{vstore.Close}}

	st.indexer, err = indexer.New(emb, vstore, indexer.Config{
		MaxChars:     ixCfg.MaxChars,
		OverlapChars: ixCfg.OverlapChars,
		Concurrency:  ixCfg.Concurrency,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, policy, err
	}
	return st, emb, vstore, policy, nil
}

// buildStack wires every component of the workflow on top of the index
// stack. obs may be nil.
func buildStack(ctx context.Context, log *slog.Logger, obs workflow.Observer) (*stack, error) {
	wf, err := config.WorkflowFromEnv()
	if err != nil {
		return nil, err
	}
	st, emb, vstore, policy, err := buildIndexStack(ctx, log)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*stack, error) {
		_ = st.Close()
		return nil, err
	}

	providerCfg := provider.ConfigFromEnv()
	chatModel, err := provider.New(ctx, providerCfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialise model provider: %w", err))
	}
	chatModel = retry.ChatModel(chatModel, policy)
	log.Info("provider initialised",
		slog.String("provider", string(providerCfg.Backend)),
		slog.String("model", providerCfg.ModelName()),
	)

	rt, err := router.New(chatModel)
	if err != nil {
		return fail(err)
	}
	gen, err := generator.New(chatModel, generator.Config{MaxContextTokens: wf.HistoryTokens})
	if err != nil {
		return fail(err)
	}
	retriever, err := rag.NewRetriever(emb, vstore, wf.FetchMultiplier)
	if err != nil {
		return fail(err)
	}

	st.engine, err = workflow.New(workflow.Deps{
		Router:       rt,
		Retriever:    retriever,
		Reranker:     rag.PrefixReranker{},
		Generator:    gen,
		Checkpointer: checkpoint.NewMemory(wf.CheckpointTTL, wf.HistoryWindow),
		Observer:     obs,
	})
	if err != nil {
		return fail(err)
	}
	return st, nil
}
