package rag

import (
	"context"
	"fmt"
)

// DefaultFetchMultiplier is the headroom factor applied to topK when querying
// the store, so the reranker has candidates to choose from.
const DefaultFetchMultiplier = 2

// DefaultRetriever implements Retriever by embedding the query text and
// delegating nearest-neighbour search to a VectorStore.
type DefaultRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the tenant-scoped similarity search.
	store VectorStore

	// multiplier scales topK into the number of candidates requested.
	multiplier int
}

// NewRetriever constructs a DefaultRetriever. A multiplier below 1 falls back
// to DefaultFetchMultiplier.
func NewRetriever(embedder Embedder, store VectorStore, multiplier int) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder", ErrNilDependency)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	}
	if multiplier < 1 {
		multiplier = DefaultFetchMultiplier
	}
	return &DefaultRetriever{embedder: embedder, store: store, multiplier: multiplier}, nil
}

// FetchK returns the number of candidates requested from the store for topK.
func (r *DefaultRetriever) FetchK(topK int) int {
	return r.multiplier * topK
}

// Retrieve embeds query and returns up to FetchK(topK) contexts of tenantID,
// ascending by distance.
func (r *DefaultRetriever) Retrieve(ctx context.Context, tenantID, query string, topK int) ([]Context, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("rag: topK must be positive, got %d", topK)
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("rag: embedder returned %d vectors for one query", len(embeddings))
	}

	ctxs, err := r.store.Query(ctx, tenantID, embeddings[0], r.FetchK(topK))
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}
	return ctxs, nil
}

// PrefixReranker keeps the first topK candidates of an already
// distance-sorted list. It never reorders.
type PrefixReranker struct{}

// Rerank returns raw[:min(topK, len(raw))] as a fresh slice.
func (PrefixReranker) Rerank(_ context.Context, raw []Context, topK int) ([]Context, error) {
	n := min(topK, len(raw))
	if n < 0 {
		n = 0
	}
	out := make([]Context, n)
	copy(out, raw[:n])
	return out, nil
}
