// Package rag defines the retrieval contracts shared by the conversational
// workflow, the indexer, and the vector store adapters: chunk and context
// shapes, the tenant-scoped VectorStore, the Embedder, the Retriever, and the
// Reranker. Concrete backends (in-memory, SQLite, Qdrant) satisfy these
// interfaces so the workflow never depends on a specific store.
package rag

import (
	"context"
	"errors"
	"fmt"
)

// ErrNilDependency is returned by constructors when a required collaborator
// is nil.
var ErrNilDependency = errors.New("rag: required dependency is nil")

// ErrEmptyTenant is returned by every VectorStore operation called with an
// empty tenant ID. An empty tenant would otherwise collapse all accounts into
// one namespace.
var ErrEmptyTenant = errors.New("rag: tenant id must not be empty")

// Metadata identifies the email a chunk was cut from. It carries enough to
// render a citation without a second lookup.
type Metadata struct {
	// MessageID is the provider message identifier the chunk belongs to.
	MessageID string `json:"message_id"`

	// ThreadID is the conversation thread of the source message.
	ThreadID string `json:"thread_id,omitempty"`

	// Subject is the email subject line.
	Subject string `json:"subject,omitempty"`

	// FromAddr is the sender address.
	FromAddr string `json:"from_addr,omitempty"`

	// Date is the send date in RFC 3339 form.
	Date string `json:"date,omitempty"`

	// ChunkIndex is the zero-based position of the chunk within the message.
	ChunkIndex int `json:"chunk_index"`
}

// Chunk is a bounded text window extracted from one message, ready to be
// embedded and upserted. ID is content-addressed over tenant, message and
// index so re-indexing overwrites instead of appending.
type Chunk struct {
	// ID is the deterministic chunk identifier.
	ID string `json:"id"`

	// Text is the window content.
	Text string `json:"text"`

	// Metadata identifies the source message.
	Metadata Metadata `json:"metadata"`
}

// Context is one retrieved chunk as seen by the workflow.
type Context struct {
	// ID is the chunk identifier.
	ID string `json:"id"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Metadata identifies the source message.
	Metadata Metadata `json:"metadata"`

	// Distance is 1 - cosine similarity. Lower is more relevant.
	Distance float32 `json:"distance"`
}

// VectorStore is a tenant-scoped nearest-neighbour index. Every tenant lives
// in its own namespace; a query for one tenant never returns another
// tenant's chunks. Implementations must be safe for concurrent use.
type VectorStore interface {
	// Upsert stores chunks with their embeddings. embeddings[i] belongs to
	// chunks[i]. Re-upserting an existing ID replaces its text, metadata and
	// vector.
	Upsert(ctx context.Context, tenantID string, chunks []Chunk, embeddings [][]float32) error

	// Query returns at most k contexts ordered by ascending distance. A tenant
	// with nothing indexed yields an empty slice and no error.
	Query(ctx context.Context, tenantID string, embedding []float32, k int) ([]Context, error)

	// Close releases any resources held by the store.
	Close() error
}

// Pruner is implemented by stores that can drop the trailing chunks of a
// message. The indexer calls it after re-indexing a message so a body that
// shrank no longer leaves its old high-index chunks behind.
type Pruner interface {
	// PruneMessage deletes every chunk of messageID whose ChunkIndex is at
	// least keep. A message with nothing stored is not an error.
	PruneMessage(ctx context.Context, tenantID, messageID string, keep int) error
}

// Embedder converts text into dense vectors.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed returns one vector per input text, in input order. An empty input
	// returns an empty result without calling the backend.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches candidate contexts for a query.
type Retriever interface {
	// Retrieve returns candidates ordered by ascending distance. The result
	// may hold more than topK items to leave headroom for reranking.
	Retrieve(ctx context.Context, tenantID, query string, topK int) ([]Context, error)
}

// Reranker narrows a distance-sorted candidate list to at most topK items.
type Reranker interface {
	// Rerank returns at most topK contexts. It must never invert the relative
	// order of two candidates with different distances arbitrarily.
	Rerank(ctx context.Context, raw []Context, topK int) ([]Context, error)
}

// ValidateUpsert checks the preconditions shared by every VectorStore.Upsert
// implementation so that all adapters report the same errors.
func ValidateUpsert(tenantID string, chunks []Chunk, embeddings [][]float32) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("rag: upsert got %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	return nil
}
