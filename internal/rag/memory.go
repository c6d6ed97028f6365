package rag

import (
	"context"
	"slices"
	"sync"
)

// memoryEntry is one stored chunk with its vector.
type memoryEntry struct {
	chunk  Chunk
	vector []float32
}

// MemoryStore is an in-process VectorStore that scans every vector of the
// tenant on each query. It is intended for tests and small local archives;
// nothing survives a restart.
type MemoryStore struct {
	// mu guards tenants.
	mu sync.RWMutex
	// tenants maps tenant ID to chunk ID to entry.
	tenants map[string]map[string]memoryEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]map[string]memoryEntry)}
}

// Upsert stores or replaces chunks for tenantID.
func (s *MemoryStore) Upsert(_ context.Context, tenantID string, chunks []Chunk, embeddings [][]float32) error {
	if err := ValidateUpsert(tenantID, chunks, embeddings); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.tenants[tenantID]
	if !ok {
		ns = make(map[string]memoryEntry)
		s.tenants[tenantID] = ns
	}
	for i, c := range chunks {
		ns[c.ID] = memoryEntry{chunk: c, vector: slices.Clone(embeddings[i])}
	}
	return nil
}

// Query returns the k nearest chunks of tenantID by cosine distance.
func (s *MemoryStore) Query(_ context.Context, tenantID string, embedding []float32, k int) ([]Context, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if k <= 0 {
		return []Context{}, nil
	}

	s.mu.RLock()
	ns := s.tenants[tenantID]
	out := make([]Context, 0, len(ns))
	for id, e := range ns {
		out = append(out, Context{
			ID:       id,
			Text:     e.chunk.Text,
			Metadata: e.chunk.Metadata,
			Distance: CosineDistance(embedding, e.vector),
		})
	}
	s.mu.RUnlock()

	return TopK(out, k), nil
}

// PruneMessage drops the chunks of messageID at index keep and above.
func (s *MemoryStore) PruneMessage(_ context.Context, tenantID, messageID string, keep int) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.tenants[tenantID]
	for id, e := range ns {
		if e.chunk.Metadata.MessageID == messageID && e.chunk.Metadata.ChunkIndex >= keep {
			delete(ns, id)
		}
	}
	return nil
}

// Len reports how many chunks are stored for tenantID.
func (s *MemoryStore) Len(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID])
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
