package retry

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/rag"
)

// embedder retries a rag.Embedder.
type embedder struct {
	next   rag.Embedder
	policy Policy
}

// Embedder wraps next so every Embed call follows p.
func Embedder(next rag.Embedder, p Policy) rag.Embedder {
	return &embedder{next: next, policy: p}
}

func (e *embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return DoValue(ctx, e.policy, "embed", func(ctx context.Context) ([][]float32, error) {
		return e.next.Embed(ctx, texts)
	})
}

// vectorStore retries the network calls of a rag.VectorStore. Validation
// errors are not retried.
type vectorStore struct {
	next   rag.VectorStore
	policy Policy
}

// VectorStore wraps next so Upsert and Query follow p.
func VectorStore(next rag.VectorStore, p Policy) rag.VectorStore {
	return &vectorStore{next: next, policy: p}
}

func (s *vectorStore) Upsert(ctx context.Context, tenantID string, chunks []rag.Chunk, embeddings [][]float32) error {
	if err := rag.ValidateUpsert(tenantID, chunks, embeddings); err != nil {
		return err
	}
	return s.policy.Do(ctx, "vector_upsert", func(ctx context.Context) error {
		return s.next.Upsert(ctx, tenantID, chunks, embeddings)
	})
}

func (s *vectorStore) Query(ctx context.Context, tenantID string, embedding []float32, k int) ([]rag.Context, error) {
	if tenantID == "" {
		return nil, rag.ErrEmptyTenant
	}
	return DoValue(ctx, s.policy, "vector_query", func(ctx context.Context) ([]rag.Context, error) {
		return s.next.Query(ctx, tenantID, embedding, k)
	})
}

// PruneMessage forwards to next when it supports pruning and is a no-op
// otherwise.
func (s *vectorStore) PruneMessage(ctx context.Context, tenantID, messageID string, keep int) error {
	p, ok := s.next.(rag.Pruner)
	if !ok {
		return nil
	}
	if tenantID == "" {
		return rag.ErrEmptyTenant
	}
	return s.policy.Do(ctx, "vector_prune", func(ctx context.Context) error {
		return p.PruneMessage(ctx, tenantID, messageID, keep)
	})
}

func (s *vectorStore) Close() error { return s.next.Close() }

// chatModel retries a chat model. Stream retries only the opening of the
// stream; once tokens flow a failure is reported to the reader as is, since
// replaying would duplicate tokens already delivered.
type chatModel struct {
	next   model.BaseChatModel
	policy Policy
}

// ChatModel wraps next so Generate and Stream follow p.
func ChatModel(next model.BaseChatModel, p Policy) model.BaseChatModel {
	return &chatModel{next: next, policy: p}
}

func (m *chatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return DoValue(ctx, m.policy, "generate", func(ctx context.Context) (*schema.Message, error) {
		return m.next.Generate(ctx, input, opts...)
	})
}

func (m *chatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return DoValue(ctx, m.policy, "stream", func(ctx context.Context) (*schema.StreamReader[*schema.Message], error) {
		return m.next.Stream(ctx, input, opts...)
	})
}
